package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/friendgate/internal/agent"
	"github.com/kuuji/friendgate/internal/config"
	"github.com/kuuji/friendgate/internal/control"
	"github.com/kuuji/friendgate/internal/logging"
)

var upKillSwitch bool

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Connect the configured tunnel",
	Long: `Start friendgate in the foreground: fetch the tunnel configuration
(or read the configured file), create the tunnel interface and keep the
connection managed until interrupted.

While running, 'friendgate status', 'friendgate down' and
'friendgate connect' talk to this process over a control socket.

Requires CAP_NET_ADMIN for interface creation:
  sudo friendgate up`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().BoolVar(&upKillSwitch, "kill-switch", false, "drop traffic that would bypass the tunnel")
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// CLI flag overrides config file.
	if upKillSwitch {
		cfg.Tunnel.KillSwitch = true
	}

	logger, closer, err := logging.New(cfg.Log, globalVerbose)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	globalLogger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, agent.DefaultDeps(cfg, agent.Platform{}, logger), logger)

	srv := control.NewServer(control.ResolveSocketPath(), a.Manager(), a.Lookup, logger)
	if err := srv.Start(); err != nil {
		a.Close()
		return fmt.Errorf("starting control server: %w", err)
	}
	defer func() { _ = srv.Stop() }()

	logger.Info("starting friendgate", "config", resolvedConfigPath(), "tunnel", cfg.Tunnel.Name)

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("agent error: %w", err)
	}
	logger.Info("friendgate stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the per-user default.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	p, err := config.DefaultConfigPath()
	if err != nil {
		return "config.toml"
	}
	return p
}
