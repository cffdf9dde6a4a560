package contact

import (
	"errors"
	"fmt"

	"github.com/udovin/ntied-core/internal/wire"
)

// Frame type tags for the application-level sub-protocol multiplexed inside
// a connection's Data payload.
const (
	TypeContactRequest uint8 = 0x01
	TypeContactAccept  uint8 = 0x02
	TypeContactReject  uint8 = 0x03
	TypeChat           uint8 = 0x04
	TypeCallOffer      uint8 = 0x05
	TypeCallAccept     uint8 = 0x06
	TypeCallReject     uint8 = 0x07
	TypeCallEnd        uint8 = 0x08
	TypeCallFrame      uint8 = 0x09
)

// ErrInvalidFrame is returned for a structurally invalid application frame.
var ErrInvalidFrame = errors.New("contact: invalid frame")

// Frame is one application-level message carried inside a Data payload.
type Frame interface {
	frameTag() uint8
	encodeBody(w *wire.Writer) error
}

// ContactRequest asks the remote profile to accept this session.
type ContactRequest struct{ Profile []byte }

func (*ContactRequest) frameTag() uint8 { return TypeContactRequest }
func (f *ContactRequest) encodeBody(w *wire.Writer) error { return w.WriteBytes(f.Profile) }

// ContactAccept confirms a ContactRequest (also sent idempotently in
// response to a stray request once already Accepted).
type ContactAccept struct{ Profile []byte }

func (*ContactAccept) frameTag() uint8 { return TypeContactAccept }
func (f *ContactAccept) encodeBody(w *wire.Writer) error { return w.WriteBytes(f.Profile) }

// ContactReject declines a ContactRequest or terminates an Accepted session.
type ContactReject struct{}

func (*ContactReject) frameTag() uint8                 { return TypeContactReject }
func (*ContactReject) encodeBody(w *wire.Writer) error { return nil }

// Chat carries one opaque chat message payload.
type Chat struct{ Bytes []byte }

func (*Chat) frameTag() uint8                   { return TypeChat }
func (f *Chat) encodeBody(w *wire.Writer) error { return w.WriteBytes(f.Bytes) }

// CallOffer proposes starting a call identified by ID.
type CallOffer struct{ ID uint64 }

func (*CallOffer) frameTag() uint8 { return TypeCallOffer }
func (f *CallOffer) encodeBody(w *wire.Writer) error {
	w.WriteUint64(f.ID)
	return nil
}

// CallAccept accepts a pending CallOffer.
type CallAccept struct{ ID uint64 }

func (*CallAccept) frameTag() uint8 { return TypeCallAccept }
func (f *CallAccept) encodeBody(w *wire.Writer) error {
	w.WriteUint64(f.ID)
	return nil
}

// CallReject declines a pending CallOffer.
type CallReject struct{ ID uint64 }

func (*CallReject) frameTag() uint8 { return TypeCallReject }
func (f *CallReject) encodeBody(w *wire.Writer) error {
	w.WriteUint64(f.ID)
	return nil
}

// CallEnd terminates an active or pending call.
type CallEnd struct{ ID uint64 }

func (*CallEnd) frameTag() uint8 { return TypeCallEnd }
func (f *CallEnd) encodeBody(w *wire.Writer) error {
	w.WriteUint64(f.ID)
	return nil
}

// CallFrame carries one media frame belonging to call ID.
type CallFrame struct {
	ID    uint64
	Bytes []byte
}

func (*CallFrame) frameTag() uint8 { return TypeCallFrame }
func (f *CallFrame) encodeBody(w *wire.Writer) error {
	w.WriteUint64(f.ID)
	return w.WriteBytes(f.Bytes)
}

// EncodeFrame serializes a Frame, ready to be sent as a connection's Data
// payload.
func EncodeFrame(f Frame) ([]byte, error) {
	w := wire.NewWriter()
	w.WriteUint8(f.frameTag())
	if err := f.encodeBody(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// DecodeFrame parses a Frame from a connection's Data payload.
func DecodeFrame(buf []byte) (Frame, error) {
	r := wire.NewReader(buf)
	tag, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TypeContactRequest:
		profile, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return &ContactRequest{Profile: profile}, nil
	case TypeContactAccept:
		profile, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return &ContactAccept{Profile: profile}, nil
	case TypeContactReject:
		return &ContactReject{}, nil
	case TypeChat:
		b, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return &Chat{Bytes: b}, nil
	case TypeCallOffer:
		id, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		return &CallOffer{ID: id}, nil
	case TypeCallAccept:
		id, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		return &CallAccept{ID: id}, nil
	case TypeCallReject:
		id, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		return &CallReject{ID: id}, nil
	case TypeCallEnd:
		id, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		return &CallEnd{ID: id}, nil
	case TypeCallFrame:
		id, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		b, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return &CallFrame{ID: id, Bytes: b}, nil
	default:
		return nil, fmt.Errorf("%w: unknown frame type 0x%02x", ErrInvalidFrame, tag)
	}
}
