package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultTunnelName is the interface/tunnel name used when none is configured.
const DefaultTunnelName = "MyFriendsVPN"

// Protocol selection values for TunnelConfig.Protocol.
const (
	ProtocolWireGuard = "wireguard"
	ProtocolVLESS     = "vless"
)

// Config is the top-level configuration for friendgate.
// It is persisted as a TOML file at DefaultConfigPath().
type Config struct {
	Server ServerConfig `toml:"server"`
	Tunnel TunnelConfig `toml:"tunnel"`
	Retry  RetryConfig  `toml:"retry"`
	Log    LogConfig    `toml:"log"`
}

// ServerConfig identifies the config server and the invite token used with it.
type ServerConfig struct {
	// BaseURL is the HTTPS base URL of the config server
	// (e.g. "https://vpnforfriends.com:8443").
	BaseURL string `toml:"base_url"`

	// Token is the invite token exchanged for a tunnel configuration.
	Token string `toml:"token"`
}

// TunnelConfig controls the local tunnel interface.
type TunnelConfig struct {
	Name     string `toml:"name"`
	Protocol string `toml:"protocol"`

	// MTU overrides the MTU from the fetched config when non-zero.
	MTU int `toml:"mtu,omitempty"`

	// ConfigFile is an optional path to a wg-quick file or a file holding a
	// vless:// URL. When set, the server is not contacted.
	ConfigFile string `toml:"config_file,omitempty"`

	// KillSwitch drops traffic that would bypass the tunnel while it is up.
	// Linux desktop only.
	KillSwitch bool `toml:"kill_switch,omitempty"`
}

// RetryConfig bounds the connection and fetch retry loops.
type RetryConfig struct {
	// MaxAttempts is the total number of activation attempts per connect.
	MaxAttempts int `toml:"max_attempts"`

	// Backoff is the delay between activation attempts.
	Backoff Duration `toml:"backoff"`

	// FetchAttempts is the total number of config fetch attempts.
	FetchAttempts int `toml:"fetch_attempts"`

	// FetchBackoff is the delay between config fetch attempts.
	FetchBackoff Duration `toml:"fetch_backoff"`

	// DisconnectTimeout is how long to wait for the backend to confirm
	// DOWN before the tunnel is forced down.
	DisconnectTimeout Duration `toml:"disconnect_timeout"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `toml:"level"`

	// File, if set, receives a rotated copy of the log.
	File       string `toml:"file,omitempty"`
	MaxSizeMB  int    `toml:"max_size_mb,omitempty"`
	MaxBackups int    `toml:"max_backups,omitempty"`
}

// Duration is a time.Duration that encodes as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	d.Duration = v
	return nil
}

// DefaultConfig returns a Config populated with defaults. The server URL and
// token are left empty and must be filled in by the user or `friendgate setup`.
func DefaultConfig() *Config {
	return &Config{
		Tunnel: TunnelConfig{
			Name:     DefaultTunnelName,
			Protocol: ProtocolWireGuard,
		},
		Retry: RetryConfig{
			MaxAttempts:       2,
			Backoff:           Duration{2 * time.Second},
			FetchAttempts:     3,
			FetchBackoff:      Duration{2500 * time.Millisecond},
			DisconnectTimeout: Duration{5 * time.Second},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// DefaultConfigPath returns the default path for the friendgate config file.
// It respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "friendgate", "config.toml"), nil
}

// DefaultTunnelsDir returns the directory holding imported tunnel
// configurations, one <name>.conf file per tunnel.
func DefaultTunnelsDir() (string, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(path), "tunnels"), nil
}

// LoadConfig reads and decodes a TOML config file from the given path.
// If the file does not exist, it returns an error wrapping fs.ErrNotExist.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	cfg, err := ParseTOML(string(data))
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return cfg, nil
}

// ParseTOML decodes a config from TOML text and applies defaults. The mobile
// binding passes config this way since it has no filesystem path.
func ParseTOML(data string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MarshalTOML encodes cfg as TOML text.
func MarshalTOML(cfg *Config) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}
	return buf.String(), nil
}

// SaveConfig encodes the config as TOML and writes it to the given path.
// The file is written with mode 0600 since it contains the invite token.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	text, err := MarshalTOML(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		return fmt.Errorf("writing config file %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("restricting config file %s: %w", path, err)
	}
	return nil
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Tunnel.Protocol {
	case ProtocolWireGuard, ProtocolVLESS:
	default:
		return fmt.Errorf("unknown tunnel protocol %q", c.Tunnel.Protocol)
	}
	if c.Tunnel.MTU != 0 && (c.Tunnel.MTU < 576 || c.Tunnel.MTU > 9000) {
		return fmt.Errorf("tunnel mtu %d out of range", c.Tunnel.MTU)
	}
	return nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Tunnel.Name == "" {
		cfg.Tunnel.Name = def.Tunnel.Name
	}
	if cfg.Tunnel.Protocol == "" {
		cfg.Tunnel.Protocol = def.Tunnel.Protocol
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.FetchAttempts <= 0 {
		cfg.Retry.FetchAttempts = def.Retry.FetchAttempts
	}
	if cfg.Retry.DisconnectTimeout.Duration == 0 {
		cfg.Retry.DisconnectTimeout = def.Retry.DisconnectTimeout
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
}
