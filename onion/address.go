package onion

import (
	"crypto/sha512"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"

	"github.com/mjl-/onionshare/internal/xerr"
)

const (
	// Suffix is the top-level domain of onion addresses.
	Suffix = ".onion"

	// version is the address version byte for v3 onion services.
	version = 0x03

	checksumPrefix = ".onion checksum"

	// V3KeyType is the key type for v3 keys in the control protocol.
	V3KeyType = "ED25519-V3"

	// LegacyKeyType is the key type for deprecated v2 keys in the control protocol.
	LegacyKeyType = "RSA1024"
)

var (
	// ErrBadKey indicates a key blob could not be parsed, or is of an unsupported
	// type or size.
	ErrBadKey = errors.New("bad key")

	// ErrBadAddress is returned for malformed onion addresses.
	ErrBadAddress = errors.New("malformed onion address")
)

// lowercase base32 without padding, as used in onion addresses.
var addressEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Seed is the 32-byte private key seed of a v3 onion service.
type Seed [32]byte

// NewSeed reads a new seed from rand.
func NewSeed(rand io.Reader) (Seed, error) {
	var seed Seed
	if _, err := io.ReadFull(rand, seed[:]); err != nil {
		return seed, err
	}
	return seed, nil
}

// Key is a private key for an onion service, either v3 or legacy.
type Key interface {
	// Address returns the full onion address, including ".onion".
	Address() string

	// ServiceID returns the address without ".onion", as used by the control
	// protocol.
	ServiceID() string

	// Blob returns the key in "type:base64" form, as used by ADD_ONION.
	Blob() string
}

// V3Key is an expanded ed25519 private key for a v3 onion service.
type V3Key struct {
	// Expanded holds the clamped scalar (little-endian) followed by the 32-byte
	// prefix.
	Expanded [64]byte
	Public   [32]byte
}

// KeyFromSeed expands seed like ed25519 does and derives the public key. It
// does not use randomness.
func KeyFromSeed(seed Seed) *V3Key {
	h := sha512.Sum512(seed[:])
	return keyFromExpanded(h)
}

func keyFromExpanded(h [64]byte) *V3Key {
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	k := &V3Key{Expanded: h}
	s, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		// Only fails for inputs that are not 32 bytes.
		panic(err)
	}
	p := new(edwards25519.Point).ScalarBaseMult(s)
	copy(k.Public[:], p.Bytes())
	return k
}

// DeriveAddress returns the v3 onion address for seed.
func DeriveAddress(seed Seed) string {
	return KeyFromSeed(seed).Address()
}

// Address returns the v3 onion address, "<56 characters>.onion".
func (k *V3Key) Address() string {
	return AddressFromPublic(k.Public[:])
}

// ServiceID returns the 56 character label of the address.
func (k *V3Key) ServiceID() string {
	return strings.TrimSuffix(k.Address(), Suffix)
}

// Blob returns "ED25519-V3:<base64 expanded key>".
func (k *V3Key) Blob() string {
	return V3KeyType + ":" + base64.StdEncoding.EncodeToString(k.Expanded[:])
}

func checksum(pub []byte) []byte {
	h := sha3.New256()
	h.Write([]byte(checksumPrefix))
	h.Write(pub)
	h.Write([]byte{version})
	return h.Sum(nil)[:2]
}

// AddressFromPublic returns the v3 onion address for a 32-byte ed25519 public key.
func AddressFromPublic(pub []byte) string {
	buf := make([]byte, 0, 35)
	buf = append(buf, pub...)
	buf = append(buf, checksum(pub)...)
	buf = append(buf, version)
	return strings.ToLower(addressEncoding.EncodeToString(buf)) + Suffix
}

// ParseAddress checks a v3 onion address (with or without ".onion") and returns
// its public key.
func ParseAddress(addr string) ([]byte, error) {
	label := strings.TrimSuffix(strings.ToLower(addr), Suffix)
	if len(label) != 56 {
		return nil, xerr.Prefix(ErrBadAddress, "got %d characters, expected 56", len(label))
	}
	buf, err := addressEncoding.DecodeString(strings.ToUpper(label))
	if err != nil {
		return nil, xerr.Prefix(ErrBadAddress, "bad base32: %s", err)
	}
	if buf[34] != version {
		return nil, xerr.Prefix(ErrBadAddress, "unknown version %d", buf[34])
	}
	pub := buf[:32]
	cs := checksum(pub)
	if buf[32] != cs[0] || buf[33] != cs[1] {
		return nil, xerr.Prefix(ErrBadAddress, "checksum mismatch")
	}
	return pub, nil
}

// ValidAddress returns whether addr is a well-formed v3 onion address.
func ValidAddress(addr string) bool {
	_, err := ParseAddress(addr)
	return err == nil
}

// ParseKey parses a key blob as returned by ADD_ONION or Blob, "ED25519-V3:..."
// or "RSA1024:...". Use IsLegacy to find out if the key is a deprecated RSA key.
func ParseKey(blob string) (Key, error) {
	// NOTE: we don't include the blob in error messages: it is a private key.

	t := strings.SplitN(blob, ":", 2)
	if len(t) != 2 {
		return nil, xerr.Prefix(ErrBadKey, "missing key type")
	}
	buf, err := base64.StdEncoding.DecodeString(t[1])
	if err != nil {
		return nil, xerr.Prefix(ErrBadKey, "bad base64 for key: %s", err)
	}
	switch t[0] {
	case V3KeyType:
		if len(buf) != 64 {
			return nil, xerr.Prefix(ErrBadKey, "got %d bytes, expected 64", len(buf))
		}
		var h [64]byte
		copy(h[:], buf)
		return keyFromExpanded(h), nil
	case LegacyKeyType:
		return parseLegacyKey(buf)
	default:
		return nil, xerr.Prefix(ErrBadKey, "unknown key type %q", t[0])
	}
}

// IsLegacy returns whether key is a deprecated RSA1024 key.
func IsLegacy(key Key) bool {
	_, ok := key.(*LegacyKey)
	return ok
}
