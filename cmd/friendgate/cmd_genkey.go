package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuuji/friendgate/internal/config"
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new WireGuard private key",
	Long: `Generate a new Curve25519 private key suitable for WireGuard.
The private key is printed to stdout as base64. The corresponding
public key is printed to stderr.

Example:
  friendgate genkey                    # print private key
  friendgate genkey 2>/dev/null        # private key only (pipe-friendly)`,
	RunE: runGenkey,
}

func runGenkey(cmd *cobra.Command, args []string) error {
	kp, err := config.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	// Private key to stdout (pipe-friendly).
	fmt.Println(kp.Private.String())

	fmt.Fprintf(cmd.ErrOrStderr(), "public key: %s\n", kp.Public.String())
	return nil
}
