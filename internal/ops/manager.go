// Package ops is the public entry point for scans, remote fetches, SSH
// tunnels and stored credentials.
//
// Scan and fetch calls validate their input and return at once; the work
// continues on a goroutine and is observable only through the event sink.
// Tunnel and credential calls are synchronous and return their outcome.
package ops

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/hegde-atri/ironsight/internal/credstore"
	"github.com/hegde-atri/ironsight/internal/events"
	"github.com/hegde-atri/ironsight/internal/logging"
	"github.com/hegde-atri/ironsight/internal/remote"
	"github.com/hegde-atri/ironsight/internal/runner"
	"github.com/hegde-atri/ironsight/internal/tunnel"
	"github.com/hegde-atri/ironsight/internal/types"
)

// ErrInvalidArgument wraps input validation failures.
var ErrInvalidArgument = errors.New("invalid argument")

// Spawner builds the process for a tunnel.
type Spawner interface {
	SpawnFunc(spec types.TunnelSpec) tunnel.SpawnFunc
}

// Options configures a Manager. Sink is required.
type Options struct {
	Sink events.Sink
	// Vault defaults to the OS keyring under credstore.DefaultService.
	Vault credstore.Vault

	// ScanCommand is the local scan template containing {target}. When
	// empty, local scans are simulated.
	ScanCommand string
	SSH         remote.SSH

	// Spawner defaults to tunnel.SSHSpawner using SSH.
	Spawner Spawner
	// Registry defaults to a new, empty registry.
	Registry *tunnel.Registry
	Logger   *clog.Logger

	// SimulatedInterval overrides the delay between simulated progress
	// events. Zero keeps the default.
	SimulatedInterval time.Duration
}

// Manager coordinates the runner, the tunnel registry and the vault.
type Manager struct {
	runner      *runner.Runner
	tunnels     *tunnel.Registry
	creds       *credstore.Store
	spawner     Spawner
	ssh         remote.SSH
	scanCommand string
	log         *clog.Logger

	wg sync.WaitGroup
}

// New creates a Manager.
func New(opts Options) *Manager {
	logger := logging.Or(opts.Logger)

	r := runner.New(opts.Sink, logger)
	if opts.SimulatedInterval > 0 {
		r.SimulatedInterval = opts.SimulatedInterval
	}

	reg := opts.Registry
	if reg == nil {
		reg = tunnel.NewRegistry(logger)
	}

	spawner := opts.Spawner
	if spawner == nil {
		spawner = tunnel.SSHSpawner{SSH: opts.SSH, Logger: logger}
	}

	vault := opts.Vault
	if vault == nil {
		vault = credstore.NewKeyringVault(credstore.DefaultService)
	}

	return &Manager{
		runner:      r,
		tunnels:     reg,
		creds:       credstore.New(vault),
		spawner:     spawner,
		ssh:         opts.SSH,
		scanCommand: opts.ScanCommand,
		log:         logger,
	}
}

func required(fields ...string) error {
	var missing []string
	for i := 0; i+1 < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			missing = append(missing, fields[i])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalidArgument, strings.Join(missing, ", "))
	}
	return nil
}

func checkTarget(target string) error {
	if err := remote.CheckTarget(target); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return nil
}

// background runs fn on its own goroutine, tracked by Wait.
func (m *Manager) background(kind string, fn func(id string)) string {
	id := uuid.NewString()
	m.log.Debug("operation accepted", "op", id, "kind", kind)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(id)
	}()
	return id
}

// StartScan runs the configured local scan against target, or the
// simulated scan when no command template is configured.
func (m *Manager) StartScan(target string) error {
	if m.scanCommand == "" {
		m.background("simulated-scan", m.runner.Simulate)
		return nil
	}

	argv := remote.LocalShellArgs(remote.Expand(m.scanCommand, target))
	m.background("scan", func(id string) {
		m.runner.Stream(id, argv, runner.LaunchFailed)
	})
	return nil
}

// StartScanSSH runs scanTemplate on sshTarget with {target} replaced by
// scanTarget, streaming its output as scan events.
func (m *Manager) StartScanSSH(sshTarget, scanTemplate, scanTarget string) error {
	if err := required("ssh target", sshTarget, "scan command template", scanTemplate, "scan target", scanTarget); err != nil {
		return err
	}
	if err := checkTarget(sshTarget); err != nil {
		return err
	}
	if !strings.Contains(scanTemplate, remote.TargetPlaceholder) {
		return fmt.Errorf("%w: scan command template must contain %s", ErrInvalidArgument, remote.TargetPlaceholder)
	}

	argv := m.ssh.ScanArgs(sshTarget, scanTemplate, scanTarget)
	m.background("ssh-scan", func(id string) {
		m.runner.Stream(id, argv, runner.SSHLaunchFailed)
	})
	return nil
}

// FetchRemoteFile reads remotePath on sshTarget and emits its content.
func (m *Manager) FetchRemoteFile(sshTarget, remotePath string) error {
	if err := required("ssh target", sshTarget, "remote path", remotePath); err != nil {
		return err
	}
	if err := checkTarget(sshTarget); err != nil {
		return err
	}

	argv := m.ssh.CatArgs(sshTarget, remotePath)
	m.background("fetch", func(id string) {
		m.runner.Fetch(id, argv, remotePath)
	})
	return nil
}

// StartSSHTunnel opens the forward described by spec unless a tunnel for
// the same username@host is already running.
func (m *Manager) StartSSHTunnel(spec types.TunnelSpec) (tunnel.StartResult, error) {
	if err := required("host", spec.Host, "username", spec.Username, "remote host", spec.RemoteHost); err != nil {
		return "", err
	}
	if err := checkTarget(spec.Key().String()); err != nil {
		return "", err
	}
	return m.tunnels.Start(spec.Key(), m.spawner.SpawnFunc(spec))
}

// StopSSHTunnel tears down the tunnel for username@host.
func (m *Manager) StopSSHTunnel(host, username string) (tunnel.StopResult, error) {
	if err := required("host", host, "username", username); err != nil {
		return "", err
	}
	return m.tunnels.Stop(types.KeyFor(username, host))
}

// Tunnels lists the tracked tunnels.
func (m *Manager) Tunnels() []tunnel.Entry {
	return m.tunnels.List()
}

// TunnelRunning reports whether a tunnel for username@host is tracked.
func (m *Manager) TunnelRunning(host, username string) bool {
	return m.tunnels.IsRunning(types.KeyFor(username, host))
}

// TunnelLogs returns the recent ssh client output of a tunnel.
func (m *Manager) TunnelLogs(host, username string) []string {
	return m.tunnels.Logs(types.KeyFor(username, host))
}

// StoreSSHCredential saves secret for username@host in the vault.
func (m *Manager) StoreSSHCredential(host, username, secret string) error {
	if err := required("host", host, "username", username); err != nil {
		return err
	}
	return m.creds.Store(username, host, secret)
}

// HasSSHCredential reports whether the vault holds a secret for
// username@host.
func (m *Manager) HasSSHCredential(host, username string) (bool, error) {
	if err := required("host", host, "username", username); err != nil {
		return false, err
	}
	return m.creds.Exists(username, host)
}

// DeleteSSHCredential removes the secret for username@host. A missing
// entry is reported as credstore.ErrNotFound.
func (m *Manager) DeleteSSHCredential(host, username string) error {
	if err := required("host", host, "username", username); err != nil {
		return err
	}
	return m.creds.Delete(username, host)
}

// Wait blocks until every accepted scan and fetch has emitted its
// terminal event.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops all tunnels. Running scans are not interrupted.
func (m *Manager) Shutdown() error {
	return m.tunnels.StopAll()
}
