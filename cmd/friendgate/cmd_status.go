package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/friendgate/internal/control"
	"github.com/kuuji/friendgate/internal/lifecycle"
)

var (
	statusWatch bool
	statusJSON  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status",
	Long: `Query the running friendgate process and display the tunnel state,
the last error and retry progress. With --watch, every change is printed
until interrupted.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "print every status change")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	socketPath := control.ResolveSocketPath()

	if statusWatch {
		err := control.NewClient(socketPath).Watch(cmd.Context(), func(st lifecycle.Status) bool {
			printStatusLine(os.Stdout, st)
			return true
		})
		if err != nil {
			return fmt.Errorf("is friendgate running? %w", err)
		}
		return nil
	}

	st, err := control.FetchStatus(socketPath)
	if err != nil {
		return fmt.Errorf("is friendgate running? %w", err)
	}
	printStatus(os.Stdout, *st, time.Now())
	return nil
}

// printStatus writes the full status block.
func printStatus(out io.Writer, st lifecycle.Status, now time.Time) {
	if statusJSON {
		_ = json.NewEncoder(out).Encode(st)
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\n", styleKey.Render("State:"), styleFor(st.State).Render(st.State.String()))
	if st.Tunnel != "" {
		fmt.Fprintf(w, "%s\t%s\n", styleKey.Render("Tunnel:"), st.Tunnel)
	}
	if !st.Since.IsZero() {
		fmt.Fprintf(w, "%s\t%s\n", styleKey.Render("Since:"), formatDuration(now.Sub(st.Since))+" ago")
	}
	if st.Attempt > 0 && st.State.Busy() {
		fmt.Fprintf(w, "%s\t%d/%d\n", styleKey.Render("Attempt:"), st.Attempt, st.MaxAttempts)
	}
	if st.Message != "" {
		fmt.Fprintf(w, "%s\t%s\n", styleKey.Render("Message:"), st.Message)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "%s\t%s\n", styleKey.Render("Error:"), styleFailed.Render(formatError(st)))
	}
	w.Flush()
}

// printStatusLine writes one line per change for --watch.
func printStatusLine(out io.Writer, st lifecycle.Status) {
	if statusJSON {
		_ = json.NewEncoder(out).Encode(st)
		return
	}
	ts := st.Since.Local().Format(time.TimeOnly)
	line := fmt.Sprintf("%s  %-13s %s", ts, st.State, st.Display)
	fmt.Fprintln(out, styleFor(st.State).Render(line))
}

func formatError(st lifecycle.Status) string {
	if st.ErrorKind == "" {
		return st.LastError
	}
	return fmt.Sprintf("%s (%s)", st.LastError, st.ErrorKind)
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
