//go:build tools

package mobile

// gomobile bind generates code against golang.org/x/mobile/bind when the
// AAR is built. Nothing in this package imports it, so pin it here.
import _ "golang.org/x/mobile/bind"
