package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kuuji/friendgate/internal/config"
)

var importName string

var importCmd = &cobra.Command{
	Use:   "import <file|vless://...|->",
	Short: "Import a wg-quick file or VLESS link as a tunnel",
	Long: `Validate a tunnel configuration and store it in the tunnels directory,
where 'friendgate up' and 'friendgate connect <name>' find it. Pass "-" to
read from stdin.

Examples:
  friendgate import ~/Downloads/home.conf --name home
  friendgate import 'vless://...' --name travel`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importName, "name", config.DefaultTunnelName, "tunnel name to store the configuration under")
}

func runImport(cmd *cobra.Command, args []string) error {
	tc, err := readTunnel(args[0])
	if err != nil {
		return err
	}
	path, err := saveTunnel(importName, tc)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Imported %s tunnel %q to %s\n", tc.Protocol(), importName, path)
	return nil
}
