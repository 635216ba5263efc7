//go:build !linux || android

package tunnel

import (
	"context"
	"errors"
	"runtime"

	"github.com/kuuji/friendgate/internal/tunconf"
	"github.com/kuuji/friendgate/internal/vpnerr"
)

var errUnsupported = errors.New("kernel tunnel interfaces are not supported on " + runtime.GOOS)

// KernelProvisioner is unavailable here; use FDProvisioner with a platform
// Establisher instead.
type KernelProvisioner struct{}

// NewKernelProvisioner returns a provisioner that always fails.
func NewKernelProvisioner(KernelOptions) *KernelProvisioner { return &KernelProvisioner{} }

// Provision implements Provisioner.
func (*KernelProvisioner) Provision(context.Context, string, *tunconf.Config) (Handle, error) {
	return nil, vpnerr.New(vpnerr.KindUnsupported, "create interface", errUnsupported)
}

// HasNetAdmin always reports false.
func HasNetAdmin() bool { return false }

// CheckNetAdmin always fails.
func CheckNetAdmin() error { return errUnsupported }
