package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hegde-atri/ironsight/internal/remote"
	"github.com/hegde-atri/ironsight/internal/types"
)

// FileName is the default config file name.
const FileName = "ironsight.yaml"

// EnvPrefix prefixes environment overrides, e.g. IRONSIGHT_SCAN_CMD.
const EnvPrefix = "IRONSIGHT"

// TunnelConfig represents a single preconfigured port forward
type TunnelConfig struct {
	Name       string `yaml:"name"`
	Host       string `yaml:"host"`
	Username   string `yaml:"username"`
	LocalPort  uint16 `yaml:"local_port"`
	RemoteHost string `yaml:"remote_host"`
	RemotePort uint16 `yaml:"remote_port"`
}

// Spec converts the entry to a tunnel spec.
func (tc TunnelConfig) Spec() types.TunnelSpec {
	return types.TunnelSpec{
		Name:       tc.Name,
		Host:       tc.Host,
		Username:   tc.Username,
		LocalPort:  tc.LocalPort,
		RemoteHost: tc.RemoteHost,
		RemotePort: tc.RemotePort,
	}
}

// SSHConfig holds ssh client settings
type SSHConfig struct {
	Binary        string   `yaml:"binary,omitempty"`
	AliveInterval int      `yaml:"alive_interval,omitempty"`
	Options       []string `yaml:"options,omitempty"`
}

// Remote converts the settings for the command builder.
func (sc SSHConfig) Remote() remote.SSH {
	return remote.SSH{Binary: sc.Binary, Options: sc.Options, AliveInterval: sc.AliveInterval}
}

// Config represents the root configuration structure
type Config struct {
	// Local scan template containing {target}. Empty means simulated scans.
	ScanCommand string `yaml:"scan_command,omitempty"`
	// Target used by the console when none is given.
	DefaultTarget string `yaml:"default_target,omitempty"`
	// Registry prefix used to detect the scanned image in reports.
	ImageRegistryPrefix string         `yaml:"image_registry_prefix,omitempty"`
	LogLevel            string         `yaml:"log_level,omitempty"`
	SSH                 SSHConfig      `yaml:"ssh,omitempty"`
	Tunnels             []TunnelConfig `yaml:"tunnels,omitempty"`
}

// Load reads and parses the YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &config, nil
}

// Validate checks the tunnel list.
func (c *Config) Validate() error {
	var errs []error
	names := make(map[string]bool)
	for i, t := range c.Tunnels {
		label := t.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		if t.Name != "" {
			if names[t.Name] {
				errs = append(errs, fmt.Errorf("tunnel %s: duplicate name", label))
			}
			names[t.Name] = true
		}
		if strings.TrimSpace(t.Host) == "" {
			errs = append(errs, fmt.Errorf("tunnel %s: host is required", label))
		}
		if strings.TrimSpace(t.Username) == "" {
			errs = append(errs, fmt.Errorf("tunnel %s: username is required", label))
		}
		if strings.TrimSpace(t.Host) != "" && strings.TrimSpace(t.Username) != "" {
			if err := remote.CheckTarget(types.KeyFor(t.Username, t.Host).String()); err != nil {
				errs = append(errs, fmt.Errorf("tunnel %s: %w", label, err))
			}
		}
		if strings.TrimSpace(t.RemoteHost) == "" {
			errs = append(errs, fmt.Errorf("tunnel %s: remote_host is required", label))
		}
		if t.LocalPort == 0 || t.RemotePort == 0 {
			errs = append(errs, fmt.Errorf("tunnel %s: local_port and remote_port are required", label))
		}
	}
	return errors.Join(errs...)
}

// Tunnel looks up a configured tunnel by name.
func (c *Config) Tunnel(name string) (TunnelConfig, bool) {
	for _, t := range c.Tunnels {
		if t.Name == name {
			return t, true
		}
	}
	return TunnelConfig{}, false
}

// Candidates lists the default config locations in lookup order:
// ./ironsight.yaml then ~/.config/ironsight.yaml.
func Candidates() []string {
	candidates := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", FileName))
	}
	return candidates
}

// Find returns the explicit path if given, otherwise the first candidate
// that exists. It returns "" when there is no config file.
func Find(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, c := range Candidates() {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// Resolve builds the effective configuration. Precedence, highest first:
// command-line flags, IRONSIGHT_* environment (a ./.env file is loaded
// first if present), the config file, built-in defaults. A missing file is
// only an error when path was given explicitly.
func Resolve(path string, flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if found := Find(path); found != "" {
		loaded, err := Load(found)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	v := viper.New()
	v.SetDefault("scan_cmd", cfg.ScanCommand)
	v.SetDefault("default_target", cfg.DefaultTarget)
	v.SetDefault("image_registry_prefix", cfg.ImageRegistryPrefix)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("ssh_binary", cfg.SSH.Binary)
	v.SetDefault("ssh_alive_interval", cfg.SSH.AliveInterval)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for flag, key := range map[string]string{
			"scan-cmd":  "scan_cmd",
			"log-level": "log_level",
			"ssh-bin":   "ssh_binary",
		} {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	cfg.ScanCommand = v.GetString("scan_cmd")
	cfg.DefaultTarget = v.GetString("default_target")
	cfg.ImageRegistryPrefix = v.GetString("image_registry_prefix")
	cfg.LogLevel = v.GetString("log_level")
	cfg.SSH.Binary = v.GetString("ssh_binary")
	cfg.SSH.AliveInterval = v.GetInt("ssh_alive_interval")
	return cfg, nil
}
