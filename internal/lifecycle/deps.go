package lifecycle

import (
	"context"

	"github.com/kuuji/friendgate/internal/tunconf"
)

// Fetcher obtains a tunnel configuration for a token. *fetch.Client
// satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, token string) (*tunconf.Config, error)
}

// PermissionGate asks the platform for the rights a tunnel needs. It is
// consulted before every provisioning attempt.
type PermissionGate interface {
	RequestTunnelPermission() bool
	RequestNotificationPermission() bool
}

// AlwaysGranted is a PermissionGate for platforms without a consent flow.
type AlwaysGranted struct{}

func (AlwaysGranted) RequestTunnelPermission() bool       { return true }
func (AlwaysGranted) RequestNotificationPermission() bool { return true }
