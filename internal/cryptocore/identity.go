// Package cryptocore implements the long-term ECDSA identity keys,
// ephemeral X25519 key agreement, and the AEAD session cipher that
// together form the cryptographic core of ntied-core.
package cryptocore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/udovin/ntied-core/internal/addr"
)

// ErrInvalidKey is returned whenever key material fails to parse, is the
// wrong type, or (for ephemeral keys) does not correspond to a valid point
// on the curve.
var ErrInvalidKey = errors.New("cryptocore: invalid key")

const pemPrivateKeyType = "PRIVATE KEY"

// PrivateKey is a long-term ECDSA identity signing key over the P-256
// 256-bit prime curve.
type PrivateKey struct {
	key *ecdsa.PrivateKey
}

// PublicKey is the verification half of a PrivateKey.
type PublicKey struct {
	key *ecdsa.PublicKey
	der []byte // cached SPKI encoding, also the input to Address derivation
}

// GeneratePrivateKey creates a new identity key using crypto/rand.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// Public returns the PublicKey corresponding to k.
func (k *PrivateKey) Public() *PublicKey {
	pub, err := newPublicKey(&k.key.PublicKey)
	if err != nil {
		// Can only fail if MarshalPKIXPublicKey rejects our own freshly
		// generated P-256 key, which never happens.
		panic(fmt.Sprintf("cryptocore: marshal own public key: %v", err))
	}
	return pub
}

// Sign produces an ECDSA signature (ASN.1 DER, as returned by
// ecdsa.SignASN1) over SHA-256(msg).
func (k *PrivateKey) Sign(msg []byte) ([]byte, error) {
	digest := sha256Sum(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, k.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// MarshalPEM serializes the private key as a PKCS#8 PEM block.
func (k *PrivateKey) MarshalPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.key)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal pkcs8: %v", ErrInvalidKey, err)
	}
	block := &pem.Block{Type: pemPrivateKeyType, Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// ParsePrivateKeyPEM parses a PKCS#8 PEM-encoded ECDSA private key.
func ParsePrivateKeyPEM(data []byte) (*PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse pkcs8: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ECDSA key", ErrInvalidKey)
	}
	return &PrivateKey{key: key}, nil
}

// Zero overwrites the private scalar in place. Further use of k after
// calling Zero is undefined.
func (k *PrivateKey) Zero() {
	if k == nil || k.key == nil {
		return
	}
	k.key.D.SetInt64(0)
}

func newPublicKey(key *ecdsa.PublicKey) (*PublicKey, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal spki: %v", ErrInvalidKey, err)
	}
	return &PublicKey{key: key, der: der}, nil
}

// Verify reports whether sig is a valid ECDSA signature over SHA-256(msg)
// under p. It returns false, never an error, for any malformed signature.
func (p *PublicKey) Verify(msg, sig []byte) bool {
	if p == nil || p.key == nil {
		return false
	}
	digest := sha256Sum(msg)
	return ecdsa.VerifyASN1(p.key, digest[:], sig)
}

// MarshalDER returns the SPKI DER encoding of the public key.
func (p *PublicKey) MarshalDER() []byte {
	return p.der
}

// ParsePublicKeyDER parses an SPKI DER-encoded ECDSA public key.
func ParsePublicKeyDER(der []byte) (*PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse spki: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ECDSA key", ErrInvalidKey)
	}
	return newPublicKey(key)
}

// Equal reports whether two public keys are the same point.
func (p *PublicKey) Equal(other *PublicKey) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.key.Equal(other.key)
}

// Address derives the peer Address bound to this public key.
func (p *PublicKey) Address() addr.Address {
	return addr.FromPublicKeyDER(p.der)
}
