package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/friendgate/internal/control"
)

var downCmd = &cobra.Command{
	Use:   "down [tunnel]",
	Short: "Disconnect the tunnel",
	Long: `Ask the running friendgate process to bring its tunnel down. The
process keeps running and can be reconnected with 'friendgate connect'.

With no argument the current tunnel is disconnected.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDown,
}

func runDown(cmd *cobra.Command, args []string) error {
	var name string
	if len(args) == 1 {
		name = args[0]
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	st, err := control.NewClient(control.ResolveSocketPath()).Disconnect(ctx, name)
	if err != nil {
		return fmt.Errorf("is friendgate running? %w", err)
	}
	fmt.Fprintln(os.Stderr, st.Display)
	return nil
}
