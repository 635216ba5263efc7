//go:build !linux

package tunnel

import (
	"context"
	"log/slog"

	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/vpnerr"
)

// FDProvisioner needs tun.CreateUnmonitoredTUNFromFD, which exists only on
// Linux and Android.
type FDProvisioner struct{}

// NewFDProvisioner returns a provisioner that always fails.
func NewFDProvisioner(Establisher, Resolver, *slog.Logger) *FDProvisioner { return &FDProvisioner{} }

// Provision implements Provisioner.
func (*FDProvisioner) Provision(context.Context, string, *tunconf.Config) (Handle, error) {
	return nil, vpnerr.New(vpnerr.KindUnsupported, "wrap interface", errUnsupported)
}
