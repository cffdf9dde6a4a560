package rendezvous

import (
	"net"
	"testing"
	"time"

	"github.com/udovin/ntied-core/internal/cryptocore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.ExpireAfter = 60 * time.Millisecond
	s, err := NewServer("127.0.0.1:0", cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	go s.Run()
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestIdentity(t *testing.T) (*cryptocore.PrivateKey, []byte) {
	t.Helper()
	priv, err := cryptocore.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}
	return priv, priv.Public().MarshalDER()
}

func dialServer(t *testing.T, s *Server) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, s.LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readResponse(t *testing.T, conn *net.UDPConn) Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	resp, err := DecodeResponse(buf[:n])
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	return resp
}

func TestServerRegisterThenHeartbeat(t *testing.T) {
	s := newTestServer(t)
	conn := dialServer(t, s)

	priv, der := newTestIdentity(t)
	address := priv.Public().Address()

	buf, err := EncodeRequest(&RegisterRequest{RequestID: 1, PublicKey: der, Address: address})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	resp := readResponse(t, conn)
	reg, ok := resp.(*RegisterResponse)
	if !ok {
		t.Fatalf("response = %T, want *RegisterResponse", resp)
	}
	if reg.RequestID != 1 {
		t.Errorf("RequestID = %d, want 1", reg.RequestID)
	}

	hb, err := EncodeRequest(HeartbeatRequest{})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	if _, err := conn.Write(hb); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	hbResp := readResponse(t, conn)
	if _, ok := hbResp.(HeartbeatResponse); !ok {
		t.Fatalf("response = %T, want HeartbeatResponse", hbResp)
	}
}

func TestServerRegisterAddressMismatch(t *testing.T) {
	s := newTestServer(t)
	conn := dialServer(t, s)

	_, der := newTestIdentity(t)
	wrongPriv, err := cryptocore.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}
	wrongAddress := wrongPriv.Public().Address()

	buf, err := EncodeRequest(&RegisterRequest{RequestID: 2, PublicKey: der, Address: wrongAddress})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	resp := readResponse(t, conn)
	errResp, ok := resp.(*RegisterErrorResponse)
	if !ok {
		t.Fatalf("response = %T, want *RegisterErrorResponse", resp)
	}
	if errResp.Code != CodeAddressMismatch {
		t.Errorf("Code = %d, want %d", errResp.Code, CodeAddressMismatch)
	}
}

func TestServerConnectUnknownTarget(t *testing.T) {
	s := newTestServer(t)
	conn := dialServer(t, s)

	var unknown [33]byte
	unknown[0] = 0x01
	unknown[1] = 0xAB

	buf, err := EncodeRequest(&ConnectRequest{RequestID: 3, Address: unknown, SourceID: 5})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	resp := readResponse(t, conn)
	errResp, ok := resp.(*ConnectErrorResponse)
	if !ok {
		t.Fatalf("response = %T, want *ConnectErrorResponse", resp)
	}
	if errResp.Code != CodeUnknownTarget {
		t.Errorf("Code = %d, want %d", errResp.Code, CodeUnknownTarget)
	}
}

func TestServerConnectBrokersIntroduction(t *testing.T) {
	s := newTestServer(t)
	requester := dialServer(t, s)
	target := dialServer(t, s)

	requesterPriv, err := cryptocore.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}
	requesterDER := requesterPriv.Public().MarshalDER()
	requesterAddress := requesterPriv.Public().Address()

	targetPriv, err := cryptocore.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}
	targetDER := targetPriv.Public().MarshalDER()
	targetAddress := targetPriv.Public().Address()

	reg := func(conn *net.UDPConn, der []byte, address [33]byte, id uint32) {
		buf, err := EncodeRequest(&RegisterRequest{RequestID: id, PublicKey: der, Address: address})
		if err != nil {
			t.Fatalf("EncodeRequest() error = %v", err)
		}
		if _, err := conn.Write(buf); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if _, ok := readResponse(t, conn).(*RegisterResponse); !ok {
			t.Fatalf("register failed")
		}
	}
	reg(requester, requesterDER, requesterAddress, 10)
	reg(target, targetDER, targetAddress, 11)

	connBuf, err := EncodeRequest(&ConnectRequest{RequestID: 20, Address: targetAddress, SourceID: 77})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}
	if _, err := requester.Write(connBuf); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	connResp := readResponse(t, requester)
	cr, ok := connResp.(*ConnectResponse)
	if !ok {
		t.Fatalf("response = %T, want *ConnectResponse", connResp)
	}
	if cr.Address != targetAddress {
		t.Errorf("ConnectResponse.Address mismatch")
	}

	incResp := readResponse(t, target)
	inc, ok := incResp.(*IncomingConnectionResponse)
	if !ok {
		t.Fatalf("response = %T, want *IncomingConnectionResponse", incResp)
	}
	if inc.Address != requesterAddress {
		t.Errorf("IncomingConnectionResponse.Address mismatch")
	}
	if inc.SourceID != 77 {
		t.Errorf("IncomingConnectionResponse.SourceID = %d, want 77", inc.SourceID)
	}
}
