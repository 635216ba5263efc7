package tunconf

import (
	"strings"

	"github.com/kuuji/friendgate/internal/config"
)

// Parse reads a configuration in either of the text forms users paste or
// import: a vless:// share link or a wg-quick file. fallbackKey is used when
// a wg-quick file has no PrivateKey line.
func Parse(text string, fallbackKey config.Key) (*Config, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "vless://") {
		return ParseVLESSURL(text)
	}
	return ParseWGQuick(text, fallbackKey)
}
