package packet

import (
	"fmt"

	"github.com/udovin/ntied-core/internal/wire"
)

// DecryptedPacket is the tagged union sealed inside an Encrypted envelope's
// AEAD payload.
type DecryptedPacket interface {
	decryptedTag() uint8
	encodeBody(w *wire.Writer) error
}

// Data carries opaque application bytes (chat, call control, ...).
type Data struct {
	Bytes []byte
}

func (*Data) decryptedTag() uint8 { return TypeData }
func (d *Data) encodeBody(w *wire.Writer) error {
	return w.WriteBytes(d.Bytes)
}
func decodeDataBody(r *wire.Reader) (*Data, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	return &Data{Bytes: b}, nil
}

// Heartbeat is a liveness probe sent on the heartbeat timer.
type Heartbeat struct{}

func (*Heartbeat) decryptedTag() uint8 { return TypeHeartbeat }
func (*Heartbeat) encodeBody(w *wire.Writer) error {
	return nil
}
func decodeHeartbeatBody(r *wire.Reader) (*Heartbeat, error) {
	return &Heartbeat{}, nil
}

// HeartbeatAck responds to a Heartbeat.
type HeartbeatAck struct{}

func (*HeartbeatAck) decryptedTag() uint8 { return TypeHeartbeatAck }
func (*HeartbeatAck) encodeBody(w *wire.Writer) error {
	return nil
}
func decodeHeartbeatAckBody(r *wire.Reader) (*HeartbeatAck, error) {
	return &HeartbeatAck{}, nil
}

// Rotate proposes a new ephemeral public key for epoch rotation, signed
// with the sender's long-term identity key.
type Rotate struct {
	EphemeralPublicKey []byte
	Signature          []byte
}

func (*Rotate) decryptedTag() uint8 { return TypeRotate }
func (r *Rotate) encodeBody(w *wire.Writer) error {
	if err := w.WriteBytes(r.EphemeralPublicKey); err != nil {
		return err
	}
	return w.WriteBytes(r.Signature)
}
func decodeRotateBody(r *wire.Reader) (*Rotate, error) {
	ephPub, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	sig, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	return &Rotate{EphemeralPublicKey: ephPub, Signature: sig}, nil
}

// RotateAck responds to a Rotate with the recipient's own fresh ephemeral
// public key.
type RotateAck struct {
	EphemeralPublicKey []byte
	Signature          []byte
}

func (*RotateAck) decryptedTag() uint8 { return TypeRotateAck }
func (r *RotateAck) encodeBody(w *wire.Writer) error {
	if err := w.WriteBytes(r.EphemeralPublicKey); err != nil {
		return err
	}
	return w.WriteBytes(r.Signature)
}
func decodeRotateAckBody(r *wire.Reader) (*RotateAck, error) {
	ephPub, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	sig, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	return &RotateAck{EphemeralPublicKey: ephPub, Signature: sig}, nil
}

// EncodeDecrypted serializes a DecryptedPacket, ready to be AEAD-sealed.
func EncodeDecrypted(p DecryptedPacket) ([]byte, error) {
	w := wire.NewWriter()
	w.WriteUint8(p.decryptedTag())
	if err := p.encodeBody(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// DecodeDecrypted parses a DecryptedPacket from AEAD-opened plaintext.
func DecodeDecrypted(buf []byte) (DecryptedPacket, error) {
	r := wire.NewReader(buf)
	tag, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}

	switch tag {
	case TypeData:
		return decodeDataBody(r)
	case TypeHeartbeat:
		return decodeHeartbeatBody(r)
	case TypeHeartbeatAck:
		return decodeHeartbeatAckBody(r)
	case TypeRotate:
		return decodeRotateBody(r)
	case TypeRotateAck:
		return decodeRotateAckBody(r)
	default:
		return nil, fmt.Errorf("%w: unknown decrypted packet type 0x%02x", ErrInvalidFormat, tag)
	}
}
