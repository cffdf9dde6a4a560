// Package addr implements the 33-byte opaque peer identifier used
// throughout ntied-core. An Address is derived from a peer's long-term
// public key and is always compared and hashed byte-wise.
package addr

import (
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"strings"
)

// Size is the length of an Address in bytes: a one-byte version tag
// followed by 32 bytes of key material.
const Size = 33

// currentVersion is the only Address version this build produces. Future
// key types can introduce new versions without invalidating existing
// addresses, since the version byte is carried on the wire.
const currentVersion = 0x01

// ErrInvalidLength is returned when constructing an Address from a byte
// slice that isn't exactly Size bytes long.
var ErrInvalidLength = errors.New("addr: invalid address length")

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Address is a 33-byte opaque peer identifier.
type Address [Size]byte

// Zero is the all-zero Address, used as a sentinel for "no address".
var Zero = Address{}

// FromPublicKeyDER derives an Address from a peer's DER-encoded (SPKI)
// long-term public key: a one-byte version tag followed by
// SHA-256(der)[:32].
func FromPublicKeyDER(der []byte) Address {
	sum := sha256.Sum256(der)
	var a Address
	a[0] = currentVersion
	copy(a[1:], sum[:32])
	return a
}

// FromBytes constructs an Address from an exactly Size-byte slice.
func FromBytes(b []byte) (Address, error) {
	if len(b) != Size {
		return Zero, ErrInvalidLength
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// Bytes returns the Address as a byte slice.
func (a Address) Bytes() []byte {
	return a[:]
}

// IsZero reports whether a is the all-zero Address.
func (a Address) IsZero() bool {
	return a == Zero
}

// Equal reports whether a and b are byte-wise identical.
func (a Address) Equal(b Address) bool {
	return a == b
}

// String renders the Address as an unpadded, lowercase base32 string.
func (a Address) String() string {
	return strings.ToLower(encoding.EncodeToString(a[:]))
}

// Short returns the first 8 characters of the base32 form, suitable for
// log lines.
func (a Address) Short() string {
	s := a.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// ParseString parses the base32 form produced by String.
func ParseString(s string) (Address, error) {
	b, err := encoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return Zero, err
	}
	return FromBytes(b)
}
