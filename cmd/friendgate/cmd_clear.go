package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/friendgate/internal/control"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Dismiss the last connection error",
	Long: `Clear the error left behind by a failed connection so the status reads
"Disconnected" again. Has no effect while the tunnel is up or a retry is
pending.`,
	Args: cobra.NoArgs,
	RunE: runClear,
}

func runClear(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	st, err := control.NewClient(control.ResolveSocketPath()).ClearError(ctx)
	if err != nil {
		return fmt.Errorf("is friendgate running? %w", err)
	}
	fmt.Fprintln(os.Stderr, st.Display)
	return nil
}
