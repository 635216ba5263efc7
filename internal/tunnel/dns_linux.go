//go:build linux && !android

package tunnel

import (
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
)

var errNoResolved = errors.New("resolvectl not found")

// setDNS points systemd-resolved at servers for ifName only.
func setDNS(ifName string, servers []netip.Addr) error {
	if len(servers) == 0 {
		return nil
	}
	if _, err := exec.LookPath("resolvectl"); err != nil {
		return errNoResolved
	}

	args := []string{"dns", ifName}
	for _, s := range servers {
		args = append(args, s.String())
	}
	if err := resolvectl(args...); err != nil {
		return err
	}
	// Route every lookup through the tunnel's servers.
	return resolvectl("domain", ifName, "~.")
}

// revertDNS drops the per-link DNS settings made by setDNS.
func revertDNS(ifName string) error {
	if _, err := exec.LookPath("resolvectl"); err != nil {
		return nil
	}
	return resolvectl("revert", ifName)
}

func resolvectl(args ...string) error {
	out, err := exec.Command("resolvectl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("resolvectl %s: %w (output: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
