/*
Package onion derives Tor onion service addresses from private keys.

A v3 service is identified by an ed25519 public key. The private key is kept as
a 32-byte seed and expanded to the 64-byte form Tor expects in ADD_ONION. The
address is the base32 of the public key, a 2-byte SHA3-256 checksum and a
version byte:

	onion_address = base32(PUBKEY | CHECKSUM | VERSION) + ".onion"
	CHECKSUM = SHA3_256(".onion checksum" | PUBKEY | VERSION)[:2]

Deprecated RSA1024 (v2) keys can be parsed so previously saved services keep
working, but they are never generated.
*/
package onion
