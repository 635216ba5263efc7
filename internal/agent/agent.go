// Package agent assembles a lifecycle manager from a friendgate config.
//
// The agent owns the wiring the CLI daemon and the mobile binding share:
//  1. Pick a provisioner for the platform (kernel TUN or an fd from the OS)
//  2. Register one backend per protocol
//  3. Build the config fetcher from the server section
//  4. Resolve tunnel names to stored configurations
package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/kuuji/friendgate/internal/config"
	"github.com/kuuji/friendgate/internal/fetch"
	"github.com/kuuji/friendgate/internal/lifecycle"
	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/tunnel"
	"github.com/kuuji/friendgate/internal/vpnerr"
)

// Agent wires a lifecycle.Manager to a friendgate config.
type Agent struct {
	cfg  *config.Config
	log  *slog.Logger
	deps Deps
	mgr  *lifecycle.Manager
}

// New creates an Agent and starts its lifecycle manager. deps.Backend and
// deps.Provisioner must be set; use DefaultDeps for the real ones.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.ReadFile == nil {
		deps.ReadFile = func(string) ([]byte, error) { return nil, fs.ErrNotExist }
	}
	a := &Agent{
		cfg:  cfg,
		log:  logger.With("component", "agent"),
		deps: deps,
	}

	var fetcher lifecycle.Fetcher
	switch {
	case deps.Fetcher != nil:
		fetcher = deps.Fetcher
	case cfg.Server.BaseURL != "":
		fetcher = fetch.New(fetch.Options{
			BaseURL:  cfg.Server.BaseURL,
			Attempts: cfg.Retry.FetchAttempts,
			Backoff:  cfg.Retry.FetchBackoff.Duration,
			Logger:   logger,
			Progress: a.progress,
		})
	}
	if fetcher != nil {
		fetcher = overrideFetcher{next: fetcher, tunnel: cfg.Tunnel}
	}

	a.mgr = lifecycle.New(lifecycle.Options{
		Backend:           deps.Backend,
		Provisioner:       deps.Provisioner,
		Fetcher:           fetcher,
		Permissions:       deps.Permissions,
		Logger:            logger,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		RetryDelay:        cfg.Retry.Backoff.Duration,
		DisconnectTimeout: cfg.Retry.DisconnectTimeout.Duration,
	})
	return a
}

// Manager returns the lifecycle manager.
func (a *Agent) Manager() *lifecycle.Manager { return a.mgr }

// progress forwards fetch progress lines. Fetches only run after a
// connect, by which time mgr is set.
func (a *Agent) progress(msg string) {
	if a.mgr != nil {
		a.mgr.Progress(msg)
	}
}

// ConnectRequest builds the connect for the configured tunnel: its config
// file if one is set, otherwise the invite token.
func (a *Agent) ConnectRequest() (lifecycle.ConnectRequest, error) {
	req := lifecycle.ConnectRequest{
		Tunnel: a.cfg.Tunnel.Name,
		Token:  a.cfg.Server.Token,
	}
	cfg, err := a.Lookup(a.cfg.Tunnel.Name)
	if err != nil {
		return req, err
	}
	req.Config = cfg
	if req.Config == nil && req.Token == "" {
		return req, fmt.Errorf("tunnel %q has no config file and no invite token; run friendgate setup or friendgate import", a.cfg.Tunnel.Name)
	}
	return req, nil
}

// Lookup returns the stored configuration for a tunnel name. It returns
// nil with no error when nothing is stored, so the manager falls back to
// the config it holds or to fetching.
func (a *Agent) Lookup(name string) (*tunconf.Config, error) {
	var path string
	switch {
	case name == a.cfg.Tunnel.Name && a.cfg.Tunnel.ConfigFile != "":
		path = a.cfg.Tunnel.ConfigFile
	case a.deps.TunnelsDir != "":
		path = filepath.Join(a.deps.TunnelsDir, tunnel.InterfaceName(name)+".conf")
	default:
		return nil, nil
	}

	data, err := a.deps.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && path != a.cfg.Tunnel.ConfigFile {
			return nil, nil
		}
		return nil, fmt.Errorf("reading tunnel config %s: %w", path, err)
	}
	cfg, err := tunconf.Parse(string(data), config.Key{})
	if err != nil {
		return nil, fmt.Errorf("parsing tunnel config %s: %w", path, err)
	}
	return applyOverrides(cfg, a.cfg.Tunnel)
}

// Run connects the configured tunnel and keeps it managed until ctx is
// cancelled, then tears everything down.
func (a *Agent) Run(ctx context.Context) error {
	req, err := a.ConnectRequest()
	if err != nil {
		a.mgr.Destroy()
		return err
	}
	if err := a.mgr.Connect(ctx, req); err != nil {
		a.mgr.Destroy()
		return fmt.Errorf("connecting %s: %w", req.Tunnel, err)
	}
	a.log.Info("agent started", "tunnel", req.Tunnel, "fetch", req.Config == nil)

	<-ctx.Done()
	a.log.Info("shutting down")
	a.mgr.Destroy()
	return nil
}

// Close tears the tunnel down and stops the manager.
func (a *Agent) Close() {
	a.mgr.Destroy()
}

// applyOverrides applies local tunnel settings on top of a received or
// imported configuration.
func applyOverrides(cfg *tunconf.Config, tc config.TunnelConfig) (*tunconf.Config, error) {
	if tc.MTU == 0 || cfg.Interface().MTU == tc.MTU {
		return cfg, nil
	}
	out, err := cfg.WithMTU(tc.MTU)
	if err != nil {
		return nil, fmt.Errorf("applying mtu override: %w", err)
	}
	return out, nil
}

// overrideFetcher applies local tunnel settings to fetched configurations.
type overrideFetcher struct {
	next   lifecycle.Fetcher
	tunnel config.TunnelConfig
}

func (f overrideFetcher) Fetch(ctx context.Context, token string) (*tunconf.Config, error) {
	cfg, err := f.next.Fetch(ctx, token)
	if err != nil {
		return nil, err
	}
	out, err := applyOverrides(cfg, f.tunnel)
	if err != nil {
		return nil, vpnerr.New(vpnerr.KindParse, "fetch", err)
	}
	return out, nil
}
