package onion

import (
	"io"
	"strings"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"

	"github.com/mjl-/onionshare/internal/xerr"
)

// ClientAuth is an x25519 keypair for v3 client authorization. The public key
// is given to Tor when adding the service, the private key to the people who may
// connect.
type ClientAuth struct {
	Private [32]byte
	Public  [32]byte
}

// NewClientAuth generates a new keypair from rand. If rand is nil, crypto/rand is used.
func NewClientAuth(rand io.Reader) (*ClientAuth, error) {
	key, err := noise.DH25519.GenerateKeypair(rand)
	if err != nil {
		return nil, err
	}
	ca := &ClientAuth{}
	copy(ca.Private[:], key.Private)
	copy(ca.Public[:], key.Public)
	return ca, nil
}

// ParseClientAuth parses a base32-encoded private key as returned by
// PrivateString.
func ParseClientAuth(s string) (*ClientAuth, error) {
	buf, err := addressEncoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return nil, xerr.Prefix(ErrBadKey, "bad base32 for client auth key: %s", err)
	}
	ca := &ClientAuth{}
	if len(buf) != len(ca.Private) {
		return nil, xerr.Prefix(ErrBadKey, "got %d bytes expected %d bytes", len(buf), len(ca.Private))
	}
	copy(ca.Private[:], buf)
	curve25519.ScalarBaseMult(&ca.Public, &ca.Private)
	return ca, nil
}

// PublicString returns the public key as passed in ClientAuthV3 to ADD_ONION.
func (ca *ClientAuth) PublicString() string {
	return addressEncoding.EncodeToString(ca.Public[:])
}

// PrivateString returns the base32-encoded private key.
func (ca *ClientAuth) PrivateString() string {
	return addressEncoding.EncodeToString(ca.Private[:])
}

// ClientLine returns the line for a Tor client's ClientOnionAuthDir, granting
// access to the service with serviceID.
func (ca *ClientAuth) ClientLine(serviceID string) string {
	return strings.TrimSuffix(serviceID, Suffix) + ":descriptor:x25519:" + ca.PrivateString()
}
