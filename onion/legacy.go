package onion

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"strings"

	"github.com/mjl-/onionshare/internal/xerr"
)

// LegacyKey is a deprecated RSA1024 key for v2 onion services. Keys of this
// type are only accepted when previously saved, never generated.
type LegacyKey struct {
	Private *rsa.PrivateKey
	der     []byte
}

func parseLegacyKey(der []byte) (*LegacyKey, error) {
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, xerr.Prefix(ErrBadKey, "parsing pkcs#1 private key: %s", err)
	}
	if bits := priv.N.BitLen(); bits != 1024 {
		return nil, xerr.Prefix(ErrBadKey, "rsa key has %d bits, expected 1024", bits)
	}
	return &LegacyKey{Private: priv, der: der}, nil
}

// Address returns the 16 character v2 address with ".onion".
func (k *LegacyKey) Address() string {
	return k.ServiceID() + Suffix
}

// ServiceID is the base32 of the first 10 bytes of the SHA-1 of the DER-encoded
// public key.
func (k *LegacyKey) ServiceID() string {
	pub := x509.MarshalPKCS1PublicKey(&k.Private.PublicKey)
	h := sha1.Sum(pub)
	return strings.ToLower(addressEncoding.EncodeToString(h[:10]))
}

// Blob returns "RSA1024:<base64 pkcs#1 der>".
func (k *LegacyKey) Blob() string {
	return LegacyKeyType + ":" + base64.StdEncoding.EncodeToString(k.der)
}
