// Package fetch exchanges an invite token for a tunnel configuration.
//
// Every attempt generates a fresh WireGuard key pair. Only the public key is
// sent; the private key is injected into the parsed configuration locally.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/kuuji/friendgate/internal/config"
	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/vpnerr"
)

// ConnectPath is the server endpoint that issues client configurations.
const ConnectPath = "/api/peers/connect"

// maxBody bounds how much of a response is read.
const maxBody = 1 << 20

// Options configures a Client.
type Options struct {
	// BaseURL is the server base URL, without a trailing slash.
	BaseURL string

	// Attempts is the total number of tries per Fetch (default 3).
	Attempts int

	// Backoff is the delay between tries (default 2.5s).
	Backoff time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger

	// Progress, if set, receives human-readable status lines such as
	// "Retrying config fetch (2/3)...". It must not block.
	Progress func(msg string)
}

// Client fetches configurations from one server.
type Client struct {
	baseURL  string
	attempts int
	backoff  time.Duration
	http     *http.Client
	log      *slog.Logger
	progress func(string)

	// generateKey is replaced in tests.
	generateKey func() (config.KeyPair, error)
}

// New returns a Client for opts.
func New(opts Options) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		attempts:    opts.Attempts,
		backoff:     opts.Backoff,
		http:        opts.HTTPClient,
		log:         opts.Logger,
		progress:    opts.Progress,
		generateKey: config.GenerateKeyPair,
	}
	if c.attempts <= 0 {
		c.attempts = 3
	}
	if c.backoff <= 0 {
		c.backoff = 2500 * time.Millisecond
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "fetch")
	if c.progress == nil {
		c.progress = func(string) {}
	}
	return c
}

// Fetch requests a configuration for token, retrying transient failures up
// to the configured number of attempts. Authentication failures are returned
// immediately. The returned error is always a *vpnerr.Error.
func (c *Client) Fetch(ctx context.Context, token string) (*tunconf.Config, error) {
	if token == "" {
		return nil, vpnerr.New(vpnerr.KindAuth, "fetch", errors.New("no token configured"))
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt == 1 {
			c.progress("Contacting server...")
		} else {
			c.progress(fmt.Sprintf("Retrying config fetch (%d/%d)...", attempt, c.attempts))
			if err := sleep(ctx, c.backoff); err != nil {
				return nil, vpnerr.New(vpnerr.KindNetwork, "fetch", err)
			}
		}

		cfg, err := c.fetchOnce(ctx, token)
		if err == nil {
			c.log.Info("config fetched", "attempt", attempt, "protocol", cfg.Protocol())
			c.progress("Configuration received.")
			return cfg, nil
		}
		lastErr = err

		kind := vpnerr.KindOf(err)
		c.log.Warn("config fetch failed", "attempt", attempt, "of", c.attempts, "kind", kind, "error", err)
		if kind == vpnerr.KindAuth || ctx.Err() != nil {
			break
		}
		if attempt < c.attempts {
			c.progress(fmt.Sprintf("Config fetch attempt %d failed. Retrying...", attempt))
		}
	}

	c.progress("Config fetch failed.")
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, token string) (*tunconf.Config, error) {
	kp, err := c.generateKey()
	if err != nil {
		return nil, vpnerr.New(vpnerr.KindUnknown, "fetch", fmt.Errorf("generating key pair: %w", err))
	}

	body, err := json.Marshal(map[string]string{
		"token":             token,
		"client_public_key": kp.Public.String(),
	})
	if err != nil {
		return nil, vpnerr.New(vpnerr.KindUnknown, "fetch", fmt.Errorf("marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ConnectPath, bytes.NewReader(body))
	if err != nil {
		return nil, vpnerr.New(vpnerr.KindNetwork, "fetch", fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, vpnerr.New(vpnerr.KindNetwork, "fetch", fmt.Errorf("calling %s: %w", ConnectPath, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, vpnerr.New(vpnerr.KindNetwork, "fetch", fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, respBody)
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, vpnerr.New(vpnerr.KindMalformedResponse, "fetch", errors.New("server returned an empty body"))
	}

	return Decode(resp.Header.Get("Content-Type"), respBody, kp.Private)
}

func statusError(code int, body []byte) error {
	var errResp struct {
		Error string `json:"error"`
	}
	msg := fmt.Sprintf("HTTP %d", code)
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}

	kind := vpnerr.KindMalformedResponse
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = vpnerr.KindAuth
	case code == http.StatusTooManyRequests || code >= 500:
		kind = vpnerr.KindNetwork
	}
	return vpnerr.New(kind, "fetch", fmt.Errorf("server rejected request: %s", msg))
}

// Decode turns a server response body into a Config. JSON bodies carry
// either structured WireGuard fields or a vless:// URL; anything else is
// treated as wg-quick text. privateKey fills in the interface key.
func Decode(contentType string, body []byte, privateKey config.Key) (*tunconf.Config, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := bytes.TrimSpace(body)

	if mediaType == "application/json" || (len(trimmed) > 0 && trimmed[0] == '{') {
		var probe struct {
			tunconf.ServerResponse
			VLESSURL string `json:"vlessUrl"`
		}
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return nil, vpnerr.New(vpnerr.KindMalformedResponse, "fetch", fmt.Errorf("parsing response: %w", err))
		}
		if probe.VLESSURL != "" {
			cfg, err := tunconf.ParseVLESSURL(probe.VLESSURL)
			if err != nil {
				return nil, vpnerr.New(vpnerr.KindParse, "fetch", err)
			}
			return cfg, nil
		}
		cfg, err := tunconf.FromServerResponse(probe.ServerResponse, privateKey)
		if err != nil {
			return nil, vpnerr.New(vpnerr.KindParse, "fetch", err)
		}
		return cfg, nil
	}

	cfg, err := tunconf.Parse(string(trimmed), privateKey)
	if err != nil {
		return nil, vpnerr.New(vpnerr.KindParse, "fetch", err)
	}
	return cfg, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
