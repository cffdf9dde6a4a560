package rendezvous

import (
	"bytes"
	"net"
	"testing"

	"github.com/udovin/ntied-core/internal/addr"
)

func TestHeartbeatRequestRoundTrip(t *testing.T) {
	buf, err := EncodeRequest(HeartbeatRequest{})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	decoded, err := DecodeRequest(buf)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if _, ok := decoded.(HeartbeatRequest); !ok {
		t.Fatalf("DecodeRequest() = %T, want HeartbeatRequest", decoded)
	}
}

func TestEmptyBufferDecodesAsHeartbeat(t *testing.T) {
	req, err := DecodeRequest(nil)
	if err != nil {
		t.Fatalf("DecodeRequest(nil) error = %v", err)
	}
	if _, ok := req.(HeartbeatRequest); !ok {
		t.Fatalf("DecodeRequest(nil) = %T, want HeartbeatRequest", req)
	}

	resp, err := DecodeResponse(nil)
	if err != nil {
		t.Fatalf("DecodeResponse(nil) error = %v", err)
	}
	if _, ok := resp.(HeartbeatResponse); !ok {
		t.Fatalf("DecodeResponse(nil) = %T, want HeartbeatResponse", resp)
	}
}

func TestRegisterRequestRoundTrip(t *testing.T) {
	var a addr.Address
	a[0] = 0x09

	req := &RegisterRequest{RequestID: 42, PublicKey: []byte{1, 2, 3}, Address: a}
	buf, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	decoded, err := DecodeRequest(buf)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	got, ok := decoded.(*RegisterRequest)
	if !ok {
		t.Fatalf("DecodeRequest() = %T, want *RegisterRequest", decoded)
	}
	if got.RequestID != req.RequestID || !bytes.Equal(got.PublicKey, req.PublicKey) || got.Address != req.Address {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestConnectRequestRoundTrip(t *testing.T) {
	var a addr.Address
	a[0] = 0x0a

	req := &ConnectRequest{RequestID: 7, Address: a, SourceID: 99}
	buf, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	decoded, err := DecodeRequest(buf)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	got, ok := decoded.(*ConnectRequest)
	if !ok {
		t.Fatalf("DecodeRequest() = %T, want *ConnectRequest", decoded)
	}
	if got.RequestID != req.RequestID || got.Address != req.Address || got.SourceID != req.SourceID {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestRegisterErrorResponseRoundTrip(t *testing.T) {
	resp := &RegisterErrorResponse{RequestID: 3, Code: 7}
	buf, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	decoded, err := DecodeResponse(buf)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	got, ok := decoded.(*RegisterErrorResponse)
	if !ok {
		t.Fatalf("DecodeResponse() = %T, want *RegisterErrorResponse", decoded)
	}
	if got.RequestID != resp.RequestID || got.Code != resp.Code {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, resp)
	}
}

func TestConnectResponseRoundTrip(t *testing.T) {
	var a addr.Address
	a[0] = 0x0b
	udpAddr := &net.UDPAddr{IP: net.ParseIP("192.168.1.1").To4(), Port: 4242}

	resp := &ConnectResponse{RequestID: 11, PublicKey: []byte{9, 9, 9}, Address: a, Addr: udpAddr}
	buf, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	decoded, err := DecodeResponse(buf)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	got, ok := decoded.(*ConnectResponse)
	if !ok {
		t.Fatalf("DecodeResponse() = %T, want *ConnectResponse", decoded)
	}
	if got.RequestID != resp.RequestID || !bytes.Equal(got.PublicKey, resp.PublicKey) ||
		got.Address != resp.Address || got.Addr.Port != resp.Addr.Port || !got.Addr.IP.Equal(resp.Addr.IP) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, resp)
	}
}

func TestIncomingConnectionResponseRoundTrip(t *testing.T) {
	var a addr.Address
	a[0] = 0x0c
	udpAddr := &net.UDPAddr{IP: net.ParseIP("::1"), Port: 9999}

	resp := &IncomingConnectionResponse{PublicKey: []byte{5, 5}, Address: a, Addr: udpAddr, SourceID: 123}
	buf, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	decoded, err := DecodeResponse(buf)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	got, ok := decoded.(*IncomingConnectionResponse)
	if !ok {
		t.Fatalf("DecodeResponse() = %T, want *IncomingConnectionResponse", decoded)
	}
	if got.SourceID != resp.SourceID || got.Address != resp.Address || !got.Addr.IP.Equal(resp.Addr.IP) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, resp)
	}
}

func TestDecodeRequestUnknownTag(t *testing.T) {
	if _, err := DecodeRequest([]byte{0xFF}); err == nil {
		t.Error("DecodeRequest() with unknown tag should fail")
	}
}

func TestDecodeResponseUnknownTag(t *testing.T) {
	if _, err := DecodeResponse([]byte{0xFF}); err == nil {
		t.Error("DecodeResponse() with unknown tag should fail")
	}
}
