package device

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

type PrivateKey [KeySize]byte
type PublicKey [KeySize]byte
type PresharedKey [KeySize]byte

// NewPrivateKey generates a fresh curve25519 private key.
func NewPrivateKey() (PrivateKey, error) {
	var key PrivateKey
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("keygen: %w", err)
	}
	key.clamp()
	return key, nil
}

func (key *PrivateKey) clamp() {
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
}

// Public derives the corresponding curve25519 public key.
func (key PrivateKey) Public() PublicKey {
	var pub PublicKey
	out, err := curve25519.X25519(key[:], curve25519.Basepoint)
	if err != nil {
		// Only possible for a low-order input, which a clamped key is not.
		panic(err)
	}
	copy(pub[:], out)
	return pub
}

func (key PrivateKey) HexString() string   { return hex.EncodeToString(key[:]) }
func (key PublicKey) HexString() string    { return hex.EncodeToString(key[:]) }
func (key PresharedKey) HexString() string { return hex.EncodeToString(key[:]) }

// String renders the public key for logs. Private and pre-shared keys have
// no String method on purpose.
func (key PublicKey) String() string { return key.HexString() }

func parseKeyHex(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid key %q: %w", s, err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("invalid key length %d, expected %d", len(raw), KeySize)
	}
	copy(key[:], raw)
	return key, nil
}

func ParsePrivateKey(s string) (PrivateKey, error) {
	key, err := parseKeyHex(s)
	return PrivateKey(key), err
}

func ParsePublicKey(s string) (PublicKey, error) {
	key, err := parseKeyHex(s)
	return PublicKey(key), err
}

func ParsePresharedKey(s string) (PresharedKey, error) {
	key, err := parseKeyHex(s)
	return PresharedKey(key), err
}
