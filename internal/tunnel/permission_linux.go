//go:build linux && !android

package tunnel

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// HasNetAdmin reports whether the process may create and configure network
// interfaces: it runs as root or holds CAP_NET_ADMIN.
func HasNetAdmin() bool {
	if os.Geteuid() == 0 {
		return true
	}
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false
	}
	return data[unix.CAP_NET_ADMIN/32].Effective&(1<<(unix.CAP_NET_ADMIN%32)) != 0
}

// CheckNetAdmin returns an error naming the missing privilege.
func CheckNetAdmin() error {
	if HasNetAdmin() {
		return nil
	}
	return fmt.Errorf("creating tunnel interfaces requires root or CAP_NET_ADMIN")
}
