package main

import (
	"fmt"
	"os"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var qrCmd = &cobra.Command{
	Use:   "qr [tunnel|file]",
	Short: "Display a QR code for a tunnel configuration",
	Long: `Displays a QR code holding a tunnel configuration so a phone can
import it by scanning. WireGuard tunnels are encoded as wg-quick text,
VLESS tunnels as their share link.

With no argument, the configured tunnel is used.

The code contains the tunnel's private key; only show it to devices
you own.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runQR,
}

func runQR(cmd *cobra.Command, args []string) error {
	var arg string
	if len(args) == 1 {
		arg = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("%w (run 'friendgate setup' first)", err)
		}
		arg = cfg.Tunnel.ConfigFile
		if arg == "" {
			arg = cfg.Tunnel.Name
		}
	}

	tc, err := readTunnel(arg)
	if err != nil {
		return err
	}
	text, err := tunnelText(tc)
	if err != nil {
		return err
	}

	qr, err := qrcode.New(text, qrcode.Low)
	if err != nil {
		return fmt.Errorf("generating QR code: %w", err)
	}

	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	fmt.Fprintf(os.Stderr, "Protocol: %s\n", tc.Protocol())
	fmt.Fprintln(os.Stderr, "Scan this QR code with the friendgate Android app.")
	return nil
}
