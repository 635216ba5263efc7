package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/friendgate/internal/control"
	"github.com/kuuji/friendgate/internal/lifecycle"
)

var (
	connectToken   string
	connectRefetch bool
	connectWait    bool
)

var connectCmd = &cobra.Command{
	Use:   "connect [tunnel]",
	Short: "Connect or switch tunnels on the running process",
	Long: `Ask the running friendgate process to connect. Naming a different
tunnel switches to it: the current tunnel is torn down first. Configs for
other tunnels are read from the tunnels directory ('friendgate import').

Examples:
  friendgate connect                    # reconnect the configured tunnel
  friendgate connect work               # switch to an imported tunnel
  friendgate connect --refetch          # discard the config and fetch anew`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&connectToken, "token", "", "invite token to fetch with (default: the configured token)")
	connectCmd.Flags().BoolVar(&connectRefetch, "refetch", false, "fetch a new configuration even if one is held")
	connectCmd.Flags().BoolVarP(&connectWait, "wait", "w", false, "wait until the tunnel is up or the attempt fails")
}

func runConnect(cmd *cobra.Command, args []string) error {
	req := control.ConnectRequest{Token: connectToken, Refetch: connectRefetch}
	if len(args) == 1 {
		req.Tunnel = args[0]
	}
	if req.Tunnel == "" || req.Token == "" {
		if cfg, err := loadConfig(); err == nil {
			if req.Tunnel == "" {
				req.Tunnel = cfg.Tunnel.Name
			}
			if req.Token == "" && req.Tunnel == cfg.Tunnel.Name {
				req.Token = cfg.Server.Token
			}
		}
	}

	client := control.NewClient(control.ResolveSocketPath())

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	st, err := client.Connect(ctx, req)
	if err != nil {
		return fmt.Errorf("connecting %s: %w", req.Tunnel, err)
	}
	if !connectWait {
		fmt.Fprintln(os.Stderr, st.Display)
		return nil
	}
	return waitSettled(cmd.Context(), client)
}

// waitSettled prints status changes until the tunnel is up or down.
func waitSettled(ctx context.Context, client *control.Client) error {
	var (
		last     lifecycle.Status
		seenBusy bool
	)
	err := client.Watch(ctx, func(st lifecycle.Status) bool {
		if st.Display != last.Display {
			fmt.Fprintln(os.Stderr, styleFor(st.State).Render(st.Display))
		}
		last = st
		if st.State.Busy() {
			seenBusy = true
			return true
		}
		// The first event may predate the request being handled.
		return !seenBusy && st.State == lifecycle.StateDown && st.LastError == ""
	})
	if err != nil {
		return err
	}
	if last.LastError != "" {
		return fmt.Errorf("connection failed: %s", last.LastError)
	}
	return nil
}
