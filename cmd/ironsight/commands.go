package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	clog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hegde-atri/ironsight/internal/config"
	"github.com/hegde-atri/ironsight/internal/credstore"
	"github.com/hegde-atri/ironsight/internal/events"
	"github.com/hegde-atri/ironsight/internal/findings"
	"github.com/hegde-atri/ironsight/internal/logging"
	"github.com/hegde-atri/ironsight/internal/ops"
	"github.com/hegde-atri/ironsight/internal/tui"
	"github.com/hegde-atri/ironsight/internal/types"
)

// app is the state shared by every command of one invocation.
type app struct {
	configPath string
	logFile    string

	cfg *config.Config
	log *clog.Logger
	// closes the log file, if any
	closeLog func()
}

func newRootCmd() *cobra.Command {
	a := &app{closeLog: func() {}}

	cmd := &cobra.Command{
		Use:   "ironsight",
		Short: "Run vulnerability scans and manage SSH tunnels",
		Long: `Ironsight runs vulnerability scans locally or on remote hosts over ssh,
streams their output, fetches result files and keeps SSH port forwards
alive.

Running without a subcommand opens the interactive console for the
tunnels listed in ` + config.FileName + `.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd, cmd.Name() == "ironsight")
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.closeLog()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			feed := events.NewChannel(0)
			return tui.New(version, a.cfg, a.manager(feed), feed).Run()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ./"+config.FileName+" or ~/.config/"+config.FileName+")")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFile, "log-file", "", "write logs to this file instead of stderr")
	flags.String("scan-cmd", "", "local scan command template containing {target}")
	flags.String("ssh-bin", "", "ssh client binary (default ssh)")

	cmd.AddCommand(
		a.scanCmd(),
		a.scanSSHCmd(),
		a.fetchCmd(),
		a.tunnelCmd(),
		a.credCmd(),
		a.findingsCmd(),
		versionCmd(),
	)
	return cmd
}

// setup resolves the configuration and the logger. The console never logs
// to the terminal it draws on.
func (a *app) setup(cmd *cobra.Command, console bool) error {
	cfg, err := config.Resolve(a.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	switch {
	case a.logFile != "":
		f, err := os.OpenFile(a.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		a.closeLog = func() { _ = f.Close() }
		a.log = logging.New(f, level)
	case console:
		a.log = logging.Discard()
	default:
		a.log = logging.New(cmd.ErrOrStderr(), level)
	}
	return nil
}

func (a *app) manager(sink events.Sink) *ops.Manager {
	return ops.New(ops.Options{
		Sink:        sink,
		Vault:       credstore.NewKeyringVault(credstore.DefaultService),
		ScanCommand: a.cfg.ScanCommand,
		SSH:         a.cfg.SSH.Remote(),
		Logger:      a.log,
	})
}

// stream runs start with events written to stdout as JSON lines and waits
// for the operation to finish.
func (a *app) stream(cmd *cobra.Command, start func(*ops.Manager) error) error {
	mgr := a.manager(events.NewLineWriter(cmd.OutOrStdout(), a.log))
	if err := start(mgr); err != nil {
		return err
	}
	mgr.Wait()
	return nil
}

func (a *app) scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [target]",
		Short: "Run the local scan command and stream its output",
		Long: `Runs the configured scan command template (--scan-cmd, IRONSIGHT_SCAN_CMD
or scan_command) with {target} replaced. Without a template a simulated
scan is run. Events are printed as one JSON object per line.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := a.cfg.DefaultTarget
			if len(args) == 1 {
				target = args[0]
			}
			return a.stream(cmd, func(m *ops.Manager) error { return m.StartScan(target) })
		},
	}
}

func (a *app) scanSSHCmd() *cobra.Command {
	var template string
	cmd := &cobra.Command{
		Use:   "scan-ssh <ssh-target> <scan-target>",
		Short: "Run a scan on a remote host over ssh",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl := template
			if tpl == "" {
				tpl = a.cfg.ScanCommand
			}
			return a.stream(cmd, func(m *ops.Manager) error {
				return m.StartScanSSH(args[0], tpl, args[1])
			})
		},
	}
	cmd.Flags().StringVar(&template, "cmd", "", "remote scan command template containing {target} (default: scan command)")
	return cmd
}

func (a *app) fetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <ssh-target> <remote-path>",
		Short: "Print a remote file as remote-file events",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.stream(cmd, func(m *ops.Manager) error {
				return m.FetchRemoteFile(args[0], args[1])
			})
		},
	}
}

func (a *app) tunnelCmd() *cobra.Command {
	var spec types.TunnelSpec
	cmd := &cobra.Command{
		Use:   "tunnel [name]",
		Short: "Hold an SSH port forward open until interrupted",
		Long: `Opens a configured tunnel by name, or an ad-hoc one described by
--host, --user, --local, --remote-host and --remote-port. The forward stays
up until Ctrl+C or until the ssh client exits.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				tc, ok := a.cfg.Tunnel(args[0])
				if !ok {
					return fmt.Errorf("no tunnel named %q in config", args[0])
				}
				spec = tc.Spec()
			}
			if spec.LocalPort == 0 || spec.RemotePort == 0 {
				return fmt.Errorf("%w: --local and --remote-port are required", ops.ErrInvalidArgument)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.holdTunnel(ctx, cmd.OutOrStdout(), spec)
		},
	}
	cmd.Flags().StringVar(&spec.Host, "host", "", "ssh host")
	cmd.Flags().StringVar(&spec.Username, "user", "", "ssh username")
	cmd.Flags().Uint16Var(&spec.LocalPort, "local", 0, "local port")
	cmd.Flags().StringVar(&spec.RemoteHost, "remote-host", "localhost", "host to forward to, as seen from the ssh server")
	cmd.Flags().Uint16Var(&spec.RemotePort, "remote-port", 0, "remote port")
	return cmd
}

func (a *app) holdTunnel(ctx context.Context, out io.Writer, spec types.TunnelSpec) error {
	mgr := a.manager(events.Discard)
	res, err := mgr.StartSSHTunnel(spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s (localhost:%d -> %s:%d)\n", spec.Key(), res, spec.LocalPort, spec.RemoteHost, spec.RemotePort)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			res, err := mgr.StopSSHTunnel(spec.Host, spec.Username)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s\n", spec.Key(), res)
			return nil
		case <-ticker.C:
			for _, e := range mgr.Tunnels() {
				if e.Key == spec.Key() && e.Exited {
					for _, line := range mgr.TunnelLogs(spec.Host, spec.Username) {
						fmt.Fprintln(out, line)
					}
					_, _ = mgr.StopSSHTunnel(spec.Host, spec.Username)
					return fmt.Errorf("ssh client for %s exited", spec.Key())
				}
			}
		}
	}
}

func (a *app) credCmd() *cobra.Command {
	var host, user string
	cmd := &cobra.Command{
		Use:   "cred",
		Short: "Manage SSH secrets in the OS credential vault",
	}
	cmd.PersistentFlags().StringVar(&host, "host", "", "ssh host")
	cmd.PersistentFlags().StringVar(&user, "user", "", "ssh username")

	set := &cobra.Command{
		Use:   "set",
		Short: "Store a secret, read from the terminal without echo or from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := a.manager(events.Discard).StoreSSHCredential(host, user, secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", types.KeyFor(user, host))
			return nil
		},
	}

	has := &cobra.Command{
		Use:   "has",
		Short: "Report whether a secret is stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.manager(events.Discard).HasSSHCredential(host, user)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		},
	}

	rm := &cobra.Command{
		Use:     "rm",
		Aliases: []string{"delete"},
		Short:   "Delete a stored secret",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.manager(events.Discard).DeleteSSHCredential(host, user)
			if errors.Is(err, credstore.ErrNotFound) {
				return fmt.Errorf("no secret stored for %s", types.KeyFor(user, host))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", types.KeyFor(user, host))
			return nil
		},
	}

	cmd.AddCommand(set, has, rm)
	return cmd
}

// readSecret prompts without echo when stdin is a terminal and reads one
// line otherwise.
func readSecret(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Secret: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("empty secret")
	}
	return secret, nil
}

func (a *app) findingsCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "findings <report.json>",
		Short: "Normalize a JSON vulnerability report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if prefix == "" {
				prefix = a.cfg.ImageRegistryPrefix
			}
			out, err := findings.ReadFile(args[0], prefix)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().StringVar(&prefix, "registry-prefix", "", "registry prefix used to detect the scanned image (default: image_registry_prefix)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Ironsight v%s\n", version)
		},
	}
}
