package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kuuji/friendgate/internal/config"
)

var (
	setupForce  bool
	setupServer string
	setupToken  string
	setupName   string
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure the config server, invite token and tunnel",
	Long: `Interactive setup that writes the friendgate config file:

  1. The config server of the friend who invited you
  2. Your invite token
  3. The tunnel name and protocol

Pass --server and --token to skip the form. Use --force to overwrite an
existing configuration.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().BoolVar(&setupForce, "force", false, "overwrite an existing configuration")
	setupCmd.Flags().StringVar(&setupServer, "server", "", "config server URL")
	setupCmd.Flags().StringVar(&setupToken, "token", "", "invite token")
	setupCmd.Flags().StringVar(&setupName, "name", "", "tunnel name")
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()

	cfg, err := config.LoadConfig(cfgPath)
	switch {
	case err == nil && !setupForce && setupServer == "" && setupToken == "":
		fmt.Fprintf(os.Stderr, "Already configured: %s\n", cfgPath)
		fmt.Fprintln(os.Stderr, "Use --force to redo setup.")
		return nil
	case err == nil:
		// Update the existing file in place.
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.DefaultConfig()
	default:
		return err
	}

	if setupServer != "" && setupToken != "" {
		if err := applySetup(cfg, setupServer, setupToken, setupName); err != nil {
			return err
		}
	} else if err := runSetupForm(cfg); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, styleHeader.Render("friendgate is configured."))
	fmt.Fprintf(os.Stderr, "%s %s\n", styleKey.Render("Config:"), cfgPath)
	fmt.Fprintf(os.Stderr, "%s %s\n", styleKey.Render("Tunnel:"), cfg.Tunnel.Name)
	fmt.Fprintln(os.Stderr, "Run 'sudo friendgate up' to connect.")
	return nil
}

// applySetup copies non-interactive answers into cfg.
func applySetup(cfg *config.Config, server, token, name string) error {
	u, err := normalizeServerURL(server)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	cfg.Server.BaseURL = u
	cfg.Server.Token = strings.TrimSpace(token)
	if name = strings.TrimSpace(name); name != "" {
		cfg.Tunnel.Name = name
	}
	return nil
}

func runSetupForm(cfg *config.Config) error {
	server := cfg.Server.BaseURL
	token := cfg.Server.Token
	name := cfg.Tunnel.Name
	protocol := cfg.Tunnel.Protocol
	killSwitch := cfg.Tunnel.KillSwitch

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Config server").
				Description("The address your friend gave you, e.g. vpnforfriends.com:8443").
				Value(&server).
				Validate(func(s string) error {
					_, err := normalizeServerURL(s)
					return err
				}),
			huh.NewInput().
				Title("Invite token").
				EchoMode(huh.EchoModePassword).
				Value(&token).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("an invite token is required")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Tunnel name").
				Description("Shown in status output and used for the interface name").
				Value(&name),
			huh.NewSelect[string]().
				Title("Protocol").
				Options(
					huh.NewOption("WireGuard", config.ProtocolWireGuard),
					huh.NewOption("VLESS", config.ProtocolVLESS),
				).
				Value(&protocol),
			huh.NewConfirm().
				Title("Enable kill switch?").
				Description("Block traffic outside the tunnel while it is up").
				Value(&killSwitch),
		),
	).WithTheme(customHuhTheme())

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}

	if err := applySetup(cfg, server, token, name); err != nil {
		return err
	}
	cfg.Tunnel.Protocol = protocol
	cfg.Tunnel.KillSwitch = killSwitch
	return nil
}
