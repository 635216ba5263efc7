package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/friendgate/internal/fetch"
)

var (
	fetchToken string
	fetchSave  string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Exchange an invite token for a tunnel configuration",
	Long: `Fetch a tunnel configuration from the config server and print it to
stdout, without bringing anything up. A fresh key pair is generated; only
the public key is sent.

Examples:
  friendgate fetch                      # use the configured token
  friendgate fetch --token abc123       # a different invite
  friendgate fetch --save laptop        # store as an imported tunnel`,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchToken, "token", "", "invite token (default: the configured token)")
	fetchCmd.Flags().StringVar(&fetchSave, "save", "", "save the configuration as an imported tunnel with this name")
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	token := fetchToken
	if token == "" {
		token = cfg.Server.Token
	}
	if cfg.Server.BaseURL == "" || token == "" {
		return fmt.Errorf("server base_url and an invite token are required (run 'friendgate setup' first)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := fetch.New(fetch.Options{
		BaseURL:  cfg.Server.BaseURL,
		Attempts: cfg.Retry.FetchAttempts,
		Backoff:  cfg.Retry.FetchBackoff.Duration,
		Logger:   globalLogger,
		Progress: func(msg string) { fmt.Fprintln(os.Stderr, msg) },
	})
	tc, err := client.Fetch(ctx, token)
	if err != nil {
		return err
	}

	if fetchSave != "" {
		path, err := saveTunnel(fetchSave, tc)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Saved %s tunnel to %s\n", tc.Protocol(), path)
		return nil
	}

	text, err := tunnelText(tc)
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}
