// Package rendezvous implements the directory-server protocol: a distinct
// request/response wire namespace exchanged only between a peer and the
// rendezvous server, plus the server-side directory (Server) and
// client-side session (ServerConnection) that speak it.
package rendezvous

import (
	"errors"
	"fmt"
	"net"

	"github.com/udovin/ntied-core/internal/addr"
	"github.com/udovin/ntied-core/internal/wire"
)

// Request type tags (first byte on the wire).
const (
	TypeHeartbeat uint8 = 0x00
	TypeRegister  uint8 = 0x01
	TypeConnect   uint8 = 0x02
)

// Response type tags (first byte on the wire). Heartbeat shares tag 0x00
// with the request side since the two namespaces are never decoded with
// the same function.
const (
	RespTypeHeartbeat          uint8 = 0x00
	RespTypeRegister           uint8 = 0x01
	RespTypeRegisterError      uint8 = 0x02
	RespTypeConnect            uint8 = 0x03
	RespTypeConnectError       uint8 = 0x04
	RespTypeIncomingConnection uint8 = 0x05
)

// ErrInvalidFormat is returned for structurally invalid server packets.
var ErrInvalidFormat = errors.New("rendezvous: invalid format")

// Request is the peer-to-server outer envelope.
type Request interface {
	requestTag() uint8
	encodeBody(w *wire.Writer) error
}

// HeartbeatRequest refreshes the sender's directory entry.
type HeartbeatRequest struct{}

func (HeartbeatRequest) requestTag() uint8                    { return TypeHeartbeat }
func (HeartbeatRequest) encodeBody(w *wire.Writer) error { return nil }

// RegisterRequest claims address in the directory, binding it to the
// sender's current endpoint and public key. request_id is nonzero so the
// matching response can be correlated (0 never collides with a pending
// request).
type RegisterRequest struct {
	RequestID uint32
	PublicKey []byte
	Address   addr.Address
}

func (*RegisterRequest) requestTag() uint8 { return TypeRegister }
func (r *RegisterRequest) encodeBody(w *wire.Writer) error {
	w.WriteUint32(r.RequestID)
	if err := w.WriteBytes(r.PublicKey); err != nil {
		return err
	}
	w.WriteFixed(r.Address[:])
	return nil
}

// ConnectRequest asks the server to introduce the sender to address,
// supplying the sender's own source_id so the server can relay it onward
// in the resulting IncomingConnection.
type ConnectRequest struct {
	RequestID uint32
	Address   addr.Address
	SourceID  uint32
}

func (*ConnectRequest) requestTag() uint8 { return TypeConnect }
func (c *ConnectRequest) encodeBody(w *wire.Writer) error {
	w.WriteUint32(c.RequestID)
	w.WriteFixed(c.Address[:])
	w.WriteUint32(c.SourceID)
	return nil
}

// EncodeRequest serializes a Request to its wire form.
func EncodeRequest(r Request) ([]byte, error) {
	w := wire.NewWriter()
	w.WriteUint8(r.requestTag())
	if err := r.encodeBody(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// DecodeRequest parses a Request from its wire form. An empty buffer
// decodes as HeartbeatRequest, matching the "(empty) or 0x00" wire note.
func DecodeRequest(buf []byte) (Request, error) {
	if len(buf) == 0 {
		return HeartbeatRequest{}, nil
	}
	r := wire.NewReader(buf)
	tag, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TypeHeartbeat:
		return HeartbeatRequest{}, nil
	case TypeRegister:
		return decodeRegisterRequestBody(r)
	case TypeConnect:
		return decodeConnectRequestBody(r)
	default:
		return nil, fmt.Errorf("%w: unknown request type 0x%02x", ErrInvalidFormat, tag)
	}
}

func decodeRegisterRequestBody(r *wire.Reader) (*RegisterRequest, error) {
	req := &RegisterRequest{}
	var err error
	if req.RequestID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if req.PublicKey, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	addrBytes, err := r.ReadFixed(addr.Size)
	if err != nil {
		return nil, err
	}
	if req.Address, err = addr.FromBytes(addrBytes); err != nil {
		return nil, err
	}
	return req, nil
}

func decodeConnectRequestBody(r *wire.Reader) (*ConnectRequest, error) {
	req := &ConnectRequest{}
	var err error
	if req.RequestID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	addrBytes, err := r.ReadFixed(addr.Size)
	if err != nil {
		return nil, err
	}
	if req.Address, err = addr.FromBytes(addrBytes); err != nil {
		return nil, err
	}
	if req.SourceID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	return req, nil
}

// Response is the server-to-peer outer envelope.
type Response interface {
	responseTag() uint8
	encodeBody(w *wire.Writer) error
}

// HeartbeatResponse acknowledges a HeartbeatRequest.
type HeartbeatResponse struct{}

func (HeartbeatResponse) responseTag() uint8                    { return RespTypeHeartbeat }
func (HeartbeatResponse) encodeBody(w *wire.Writer) error { return nil }

// RegisterResponse confirms a successful RegisterRequest.
type RegisterResponse struct {
	RequestID uint32
}

func (r *RegisterResponse) responseTag() uint8 { return RespTypeRegister }
func (r *RegisterResponse) encodeBody(w *wire.Writer) error {
	w.WriteUint32(r.RequestID)
	return nil
}

// RegisterErrorResponse reports why a RegisterRequest was rejected. code is
// opaque to the core; 0 is reserved.
type RegisterErrorResponse struct {
	RequestID uint32
	Code      uint16
}

func (r *RegisterErrorResponse) responseTag() uint8 { return RespTypeRegisterError }
func (r *RegisterErrorResponse) encodeBody(w *wire.Writer) error {
	w.WriteUint32(r.RequestID)
	w.WriteUint16(r.Code)
	return nil
}

// ConnectResponse returns the looked-up peer's endpoint and public key to
// the requester.
type ConnectResponse struct {
	RequestID uint32
	PublicKey []byte
	Address   addr.Address
	Addr      *net.UDPAddr
}

func (r *ConnectResponse) responseTag() uint8 { return RespTypeConnect }
func (r *ConnectResponse) encodeBody(w *wire.Writer) error {
	w.WriteUint32(r.RequestID)
	if err := w.WriteBytes(r.PublicKey); err != nil {
		return err
	}
	w.WriteFixed(r.Address[:])
	return w.WriteSocketAddr(r.Addr)
}

// ConnectErrorResponse reports why a ConnectRequest failed (typically: the
// target address is not currently registered).
type ConnectErrorResponse struct {
	RequestID uint32
	Code      uint16
}

func (r *ConnectErrorResponse) responseTag() uint8 { return RespTypeConnectError }
func (r *ConnectErrorResponse) encodeBody(w *wire.Writer) error {
	w.WriteUint32(r.RequestID)
	w.WriteUint16(r.Code)
	return nil
}

// IncomingConnectionResponse is pushed to a registered peer, unsolicited,
// when someone else asks the server to connect to it.
type IncomingConnectionResponse struct {
	PublicKey []byte
	Address   addr.Address
	Addr      *net.UDPAddr
	SourceID  uint32
}

func (r *IncomingConnectionResponse) responseTag() uint8 { return RespTypeIncomingConnection }
func (r *IncomingConnectionResponse) encodeBody(w *wire.Writer) error {
	if err := w.WriteBytes(r.PublicKey); err != nil {
		return err
	}
	w.WriteFixed(r.Address[:])
	if err := w.WriteSocketAddr(r.Addr); err != nil {
		return err
	}
	w.WriteUint32(r.SourceID)
	return nil
}

// EncodeResponse serializes a Response to its wire form.
func EncodeResponse(r Response) ([]byte, error) {
	w := wire.NewWriter()
	w.WriteUint8(r.responseTag())
	if err := r.encodeBody(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// DecodeResponse parses a Response from its wire form. An empty buffer
// decodes as HeartbeatResponse, matching the "(empty) or 0x00" wire note.
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) == 0 {
		return HeartbeatResponse{}, nil
	}
	r := wire.NewReader(buf)
	tag, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case RespTypeHeartbeat:
		return HeartbeatResponse{}, nil
	case RespTypeRegister:
		return decodeRegisterResponseBody(r)
	case RespTypeRegisterError:
		return decodeRegisterErrorResponseBody(r)
	case RespTypeConnect:
		return decodeConnectResponseBody(r)
	case RespTypeConnectError:
		return decodeConnectErrorResponseBody(r)
	case RespTypeIncomingConnection:
		return decodeIncomingConnectionResponseBody(r)
	default:
		return nil, fmt.Errorf("%w: unknown response type 0x%02x", ErrInvalidFormat, tag)
	}
}

func decodeRegisterResponseBody(r *wire.Reader) (*RegisterResponse, error) {
	resp := &RegisterResponse{}
	var err error
	if resp.RequestID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeRegisterErrorResponseBody(r *wire.Reader) (*RegisterErrorResponse, error) {
	resp := &RegisterErrorResponse{}
	var err error
	if resp.RequestID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if resp.Code, err = r.ReadUint16(); err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeConnectResponseBody(r *wire.Reader) (*ConnectResponse, error) {
	resp := &ConnectResponse{}
	var err error
	if resp.RequestID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if resp.PublicKey, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	addrBytes, err := r.ReadFixed(addr.Size)
	if err != nil {
		return nil, err
	}
	if resp.Address, err = addr.FromBytes(addrBytes); err != nil {
		return nil, err
	}
	if resp.Addr, err = r.ReadSocketAddr(); err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeConnectErrorResponseBody(r *wire.Reader) (*ConnectErrorResponse, error) {
	resp := &ConnectErrorResponse{}
	var err error
	if resp.RequestID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if resp.Code, err = r.ReadUint16(); err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeIncomingConnectionResponseBody(r *wire.Reader) (*IncomingConnectionResponse, error) {
	resp := &IncomingConnectionResponse{}
	var err error
	if resp.PublicKey, err = r.ReadBytes(); err != nil {
		return nil, err
	}
	addrBytes, err := r.ReadFixed(addr.Size)
	if err != nil {
		return nil, err
	}
	if resp.Address, err = addr.FromBytes(addrBytes); err != nil {
		return nil, err
	}
	if resp.Addr, err = r.ReadSocketAddr(); err != nil {
		return nil, err
	}
	if resp.SourceID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	return resp, nil
}
