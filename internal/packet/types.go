// Package packet implements the peer-to-peer wire packet model: the
// Handshake/HandshakeAck/Encrypted outer envelope and the Data/Heartbeat/
// Rotate inner DecryptedPacket union carried inside the AEAD seal.
package packet

import "errors"

// Outer packet type tags (first byte on the wire).
const (
	TypeHandshake    uint8 = 0x00
	TypeHandshakeAck uint8 = 0x01
	TypeEncrypted    uint8 = 0x02
)

// Inner DecryptedPacket type tags.
const (
	TypeData         uint8 = 0x00
	TypeHeartbeat    uint8 = 0x01
	TypeHeartbeatAck uint8 = 0x02
	TypeRotate       uint8 = 0x03
	TypeRotateAck    uint8 = 0x04
)

var (
	// ErrInvalidFormat is returned for structurally invalid packets, such
	// as an unrecognized type tag or an epoch outside [0, 127].
	ErrInvalidFormat = errors.New("packet: invalid format")
)

// MaxEpoch is the highest value an EncryptionEpoch may take; serialization
// rejects anything higher.
const MaxEpoch uint8 = 127

// EncryptionEpoch names the session key currently in use, wrapping modulo
// 128 (it occupies the low 7 bits of its wire byte, leaving the high bit
// free for a future extension).
type EncryptionEpoch uint8

// Next returns epoch+1 modulo 128.
func (e EncryptionEpoch) Next() EncryptionEpoch {
	return EncryptionEpoch((uint8(e) + 1) % (MaxEpoch + 1))
}

// Validate reports an error iff e exceeds MaxEpoch.
func (e EncryptionEpoch) Validate() error {
	if uint8(e) > MaxEpoch {
		return ErrInvalidFormat
	}
	return nil
}
