package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/friendgate/internal/lifecycle"
)

// Client talks to a running control server over its Unix socket.
type Client struct {
	http *http.Client
}

// NewClient returns a client for the server listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{http: &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}}
}

// FetchStatus connects to a running control server and returns the status.
func FetchStatus(socketPath string) (*lifecycle.Status, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return NewClient(socketPath).Status(ctx)
}

// Status returns the daemon's current status.
func (c *Client) Status(ctx context.Context) (*lifecycle.Status, error) {
	var st lifecycle.Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Connect asks the daemon to bring tunnel up.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (*lifecycle.Status, error) {
	var st lifecycle.Status
	if err := c.do(ctx, http.MethodPost, "/connect", req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Disconnect asks the daemon to bring tunnel down. An empty name means the
// current tunnel.
func (c *Client) Disconnect(ctx context.Context, tunnel string) (*lifecycle.Status, error) {
	var st lifecycle.Status
	if err := c.do(ctx, http.MethodPost, "/disconnect", DisconnectRequest{Tunnel: tunnel}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ClearError dismisses the error latched on a tunnel that is down.
func (c *Client) ClearError(ctx context.Context) (*lifecycle.Status, error) {
	var st lifecycle.Status
	if err := c.do(ctx, http.MethodPost, "/clear", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Watch streams status changes to fn until ctx is cancelled, the daemon
// closes the stream, or fn returns false.
func (c *Client) Watch(ctx context.Context, fn func(lifecycle.Status) bool) error {
	conn, _, err := websocket.Dial(ctx, "ws://friendgate/events", &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		return fmt.Errorf("connecting to control socket: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusGoingAway || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading status event: %w", err)
		}
		var st lifecycle.Status
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("decoding status event: %w", err)
		}
		if !fn(st) {
			return nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://friendgate"+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to control socket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return &RemoteError{Status: resp.StatusCode, Kind: e.Kind, Message: e.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Status  int
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("daemon: %s (%s)", e.Message, e.Kind)
	}
	return "daemon: " + e.Message
}
