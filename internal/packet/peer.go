package packet

import (
	"fmt"

	"github.com/udovin/ntied-core/internal/addr"
	"github.com/udovin/ntied-core/internal/wire"
)

// Packet is the peer-to-peer outer envelope: Handshake, HandshakeAck, or
// Encrypted.
type Packet interface {
	packetTag() uint8
	encodeBody(w *wire.Writer) error
}

// Handshake is sent by the initiator to open a connection, and repeated on
// a timer until a HandshakeAck arrives.
type Handshake struct {
	SourceID           uint32
	PublicKey          []byte
	Address            addr.Address
	PeerAddress        addr.Address
	EphemeralPublicKey []byte
	Signature          []byte
}

func (*Handshake) packetTag() uint8 { return TypeHandshake }

func (h *Handshake) encodeBody(w *wire.Writer) error {
	w.WriteUint32(h.SourceID)
	if err := w.WriteBytes(h.PublicKey); err != nil {
		return err
	}
	w.WriteFixed(h.Address[:])
	w.WriteFixed(h.PeerAddress[:])
	if err := w.WriteBytes(h.EphemeralPublicKey); err != nil {
		return err
	}
	return w.WriteBytes(h.Signature)
}

func decodeHandshakeBody(r *wire.Reader) (*Handshake, error) {
	h := &Handshake{}
	var err error

	if h.SourceID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if h.PublicKey, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	addrBytes, err := r.ReadFixed(addr.Size)
	if err != nil {
		return nil, err
	}
	if h.Address, err = addr.FromBytes(addrBytes); err != nil {
		return nil, err
	}
	peerAddrBytes, err := r.ReadFixed(addr.Size)
	if err != nil {
		return nil, err
	}
	if h.PeerAddress, err = addr.FromBytes(peerAddrBytes); err != nil {
		return nil, err
	}
	if h.EphemeralPublicKey, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	if h.Signature, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	return h, nil
}

// HandshakeAck is the callee's response to a Handshake, carrying the
// callee's chosen SourceID as TargetID from the initiator's perspective.
type HandshakeAck struct {
	TargetID           uint32
	SourceID           uint32
	PublicKey          []byte
	Address            addr.Address
	PeerAddress        addr.Address
	EphemeralPublicKey []byte
	Signature          []byte
}

func (*HandshakeAck) packetTag() uint8 { return TypeHandshakeAck }

func (a *HandshakeAck) encodeBody(w *wire.Writer) error {
	w.WriteUint32(a.TargetID)
	w.WriteUint32(a.SourceID)
	if err := w.WriteBytes(a.PublicKey); err != nil {
		return err
	}
	w.WriteFixed(a.Address[:])
	w.WriteFixed(a.PeerAddress[:])
	if err := w.WriteBytes(a.EphemeralPublicKey); err != nil {
		return err
	}
	return w.WriteBytes(a.Signature)
}

func decodeHandshakeAckBody(r *wire.Reader) (*HandshakeAck, error) {
	a := &HandshakeAck{}
	var err error

	if a.TargetID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if a.SourceID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if a.PublicKey, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	addrBytes, err := r.ReadFixed(addr.Size)
	if err != nil {
		return nil, err
	}
	if a.Address, err = addr.FromBytes(addrBytes); err != nil {
		return nil, err
	}
	peerAddrBytes, err := r.ReadFixed(addr.Size)
	if err != nil {
		return nil, err
	}
	if a.PeerAddress, err = addr.FromBytes(peerAddrBytes); err != nil {
		return nil, err
	}
	if a.EphemeralPublicKey, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	if a.Signature, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	return a, nil
}

// Encrypted carries an AEAD-sealed DecryptedPacket.
type Encrypted struct {
	TargetID uint32
	Epoch    EncryptionEpoch
	Nonce    [12]byte
	Payload  []byte
}

func (*Encrypted) packetTag() uint8 { return TypeEncrypted }

func (e *Encrypted) encodeBody(w *wire.Writer) error {
	if err := e.Epoch.Validate(); err != nil {
		return err
	}
	w.WriteUint32(e.TargetID)
	w.WriteUint8(uint8(e.Epoch))
	w.WriteFixed(e.Nonce[:])
	return w.WriteBytes(e.Payload)
}

func decodeEncryptedBody(r *wire.Reader) (*Encrypted, error) {
	e := &Encrypted{}
	var err error

	if e.TargetID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	epochByte, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	e.Epoch = EncryptionEpoch(epochByte & MaxEpoch)
	if epochByte > MaxEpoch {
		// The high bit is reserved for a future extension; a current
		// implementation must still reject anything using it, since
		// nothing has defined its meaning yet.
		return nil, fmt.Errorf("%w: reserved epoch extension bit set", ErrInvalidFormat)
	}
	nonceBytes, err := r.ReadFixed(12)
	if err != nil {
		return nil, err
	}
	copy(e.Nonce[:], nonceBytes)
	if e.Payload, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	return e, nil
}

// Encode serializes p to its wire form.
func Encode(p Packet) ([]byte, error) {
	w := wire.NewWriter()
	w.WriteUint8(p.packetTag())
	if err := p.encodeBody(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Decode parses a Packet from its wire form.
func Decode(buf []byte) (Packet, error) {
	r := wire.NewReader(buf)
	tag, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}

	switch tag {
	case TypeHandshake:
		return decodeHandshakeBody(r)
	case TypeHandshakeAck:
		return decodeHandshakeAckBody(r)
	case TypeEncrypted:
		return decodeEncryptedBody(r)
	default:
		return nil, fmt.Errorf("%w: unknown packet type 0x%02x", ErrInvalidFormat, tag)
	}
}
