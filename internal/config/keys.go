package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length in bytes of a Curve25519 key.
const KeySize = 32

// Key is a WireGuard private, public or preshared key. Its text form is
// standard base64, as used in wg-quick files and server responses.
type Key [KeySize]byte

// KeyPair is a private key together with its derived public key.
type KeyPair struct {
	Private Key
	Public  Key
}

// GenerateKeyPair creates a fresh clamped private key and derives the
// matching public key. A new pair is generated for every config fetch.
func GenerateKeyPair() (KeyPair, error) {
	var priv Key
	if _, err := rand.Read(priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("reading random bytes: %w", err)
	}
	clamp(&priv)
	return KeyPair{Private: priv, Public: priv.Public()}, nil
}

// Public derives the Curve25519 public key for k.
func (k Key) Public() Key {
	var pub Key
	curve25519.ScalarBaseMult((*[KeySize]byte)(&pub), (*[KeySize]byte)(&k))
	return pub
}

// ParseKey decodes a base64 key.
func ParseKey(s string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decoding key: %w", err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("key is %d bytes, want %d", len(raw), KeySize)
	}
	return Key(raw), nil
}

func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Hex returns the lowercase hex form used by the WireGuard UAPI.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether every byte of k is zero.
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// clamp applies RFC 7748 section 5 scalar clamping.
func clamp(k *Key) {
	k[0] &= 0xf8
	k[31] = (k[31] & 0x7f) | 0x40
}
