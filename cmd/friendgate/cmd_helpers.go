package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/kuuji/friendgate/internal/config"
	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/tunnel"
)

// tunnelText renders cfg in the text form friendgate import reads back:
// wg-quick for WireGuard, a share link for VLESS.
func tunnelText(cfg *tunconf.Config) (string, error) {
	if v := cfg.VLESS(); v != nil {
		return v.URL() + "\n", nil
	}
	return cfg.MarshalWGQuick()
}

// tunnelPath returns where an imported tunnel named name is stored.
func tunnelPath(dir, name string) string {
	return filepath.Join(dir, tunnel.InterfaceName(name)+".conf")
}

// saveTunnel writes cfg into the tunnels directory. The file holds a private
// key, so it is readable by the owner only.
func saveTunnel(name string, cfg *tunconf.Config) (string, error) {
	dir, err := config.DefaultTunnelsDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating tunnels directory: %w", err)
	}
	text, err := tunnelText(cfg)
	if err != nil {
		return "", err
	}
	path := tunnelPath(dir, name)
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// readTunnel reads and parses a tunnel config from a file path, "-" for
// stdin, or the name of an imported tunnel.
func readTunnel(arg string) (*tunconf.Config, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case arg == "-":
		data, err = io.ReadAll(io.LimitReader(os.Stdin, 64<<10))
	case strings.HasPrefix(arg, "vless://"):
		data = []byte(arg)
	default:
		data, err = os.ReadFile(arg)
		if errors.Is(err, os.ErrNotExist) && !strings.ContainsRune(arg, os.PathSeparator) {
			dir, derr := config.DefaultTunnelsDir()
			if derr != nil {
				return nil, derr
			}
			data, err = os.ReadFile(tunnelPath(dir, arg))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("reading tunnel config: %w", err)
	}
	cfg, err := tunconf.Parse(string(data), config.Key{})
	if err != nil {
		return nil, fmt.Errorf("parsing tunnel config: %w", err)
	}
	return cfg, nil
}

// normalizeServerURL ensures the config server URL is an https base URL.
// If no scheme is provided, https:// is prepended. Any path or trailing
// slash is dropped.
func normalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty URL")
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing URL: %w", err)
	}

	switch u.Scheme {
	case "https", "http":
	default:
		return "", fmt.Errorf("unsupported scheme %q (expected http or https)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in URL %q", raw)
	}

	return u.Scheme + "://" + u.Host, nil
}
