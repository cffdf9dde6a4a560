package cryptocore

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// NonceSize is the size of an AEAD nonce in bytes.
const NonceSize = 12

// ErrAeadFailure is returned when AEAD authentication fails, either
// because the nonce or the ciphertext was tampered with, or because the
// wrong key was used.
var ErrAeadFailure = errors.New("cryptocore: aead authentication failure")

const sessionKeyInfo = "ntied-core-session-v1"

// SharedSecret wraps the ChaCha20-Poly1305 AEAD cipher keyed by a derived
// session key. The nonce is always supplied by the caller; SharedSecret
// performs no nonce bookkeeping of its own (the connection layer owns the
// per-direction counters itself).
type SharedSecret struct {
	key [32]byte
}

// deriveSharedSecret mixes the raw ECDH output with both ephemeral public
// keys, ordered lexicographically so the derivation is symmetric:
// derive(a_priv, b_pub) == derive(b_priv, a_pub). The ECDH output is the
// HKDF-SHA256 secret; the salt is the two public keys concatenated in
// canonical order, which is what makes the derivation direction-agnostic.
func deriveSharedSecret(dh, pubA, pubB [EphemeralKeySize]byte) (*SharedSecret, error) {
	first, second := pubA, pubB
	if bytes.Compare(pubA[:], pubB[:]) > 0 {
		first, second = pubB, pubA
	}

	salt := make([]byte, 0, 2*EphemeralKeySize)
	salt = append(salt, first[:]...)
	salt = append(salt, second[:]...)

	kdf := hkdf.New(sha256.New, dh[:], salt, []byte(sessionKeyInfo))
	s := &SharedSecret{}
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return s, nil
}

// EncryptNonce seals plaintext under nonce with associatedData bound into
// the AEAD tag. It returns AEAD(key, nonce, plaintext), with no nonce
// prepended to the output — the nonce travels separately in the packet
// header.
func (s *SharedSecret) EncryptNonce(nonce [NonceSize]byte, associatedData, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("create aead cipher: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, associatedData), nil
}

// DecryptNonce opens ciphertext that was produced by EncryptNonce with the
// same nonce and associatedData. Any tag, nonce, or associated-data
// mismatch returns ErrAeadFailure and the ciphertext is discarded.
func (s *SharedSecret) DecryptNonce(nonce [NonceSize]byte, associatedData, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("create aead cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, associatedData)
	if err != nil {
		return nil, ErrAeadFailure
	}
	return plaintext, nil
}

// Zero wipes the derived session key from memory.
func (s *SharedSecret) Zero() {
	for i := range s.key {
		s.key[i] = 0
	}
}
