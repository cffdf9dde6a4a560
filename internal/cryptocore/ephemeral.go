package cryptocore

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// EphemeralKeySize is the size of an X25519 public or private key value.
const EphemeralKeySize = 32

// EphemeralKeyPair is a per-session X25519 key pair. Curve25519 has no
// compressed/uncompressed point distinction, so PublicKeyBytes returns the
// raw 32-byte u-coordinate in place of a SEC1 encoding.
type EphemeralKeyPair struct {
	private [EphemeralKeySize]byte
	public  [EphemeralKeySize]byte
}

// GenerateEphemeralKeyPair creates a new X25519 key pair for use in a
// single connection's handshake or rotation.
func GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	var priv [EphemeralKeySize]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	// Clamp per the X25519 spec (RFC 7748 section 5).
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	var pub [EphemeralKeySize]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	return &EphemeralKeyPair{private: priv, public: pub}, nil
}

// PublicKeyBytes returns the raw public key value to place on the wire.
func (k *EphemeralKeyPair) PublicKeyBytes() [EphemeralKeySize]byte {
	return k.public
}

// Zero wipes the private scalar from memory. Call this as soon as the
// shared secret has been derived.
func (k *EphemeralKeyPair) Zero() {
	for i := range k.private {
		k.private[i] = 0
	}
}

var zeroEphemeralKey [EphemeralKeySize]byte

// ComputeSharedSecret performs X25519 Diffie-Hellman with otherPublic and
// derives a direction-agnostic SharedSecret: the raw ECDH
// output is hashed together with both public keys in canonical
// (lexicographic) order, so either side derives the identical key without
// needing to agree on initiator/responder roles.
func (k *EphemeralKeyPair) ComputeSharedSecret(otherPublic [EphemeralKeySize]byte) (*SharedSecret, error) {
	if otherPublic == zeroEphemeralKey {
		return nil, fmt.Errorf("%w: zero remote public key", ErrInvalidKey)
	}

	var dh [EphemeralKeySize]byte
	curve25519.ScalarMult(&dh, &k.private, &otherPublic)
	if dh == zeroEphemeralKey {
		return nil, fmt.Errorf("%w: low-order ECDH result", ErrInvalidKey)
	}

	return deriveSharedSecret(dh, k.public, otherPublic)
}
