package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/udovin/ntied-core/internal/config"
	"github.com/udovin/ntied-core/internal/cryptocore"
	"github.com/udovin/ntied-core/internal/packet"
	"github.com/udovin/ntied-core/internal/transport"
)

type testPeer struct {
	priv *cryptocore.PrivateKey
	tr   *transport.Transport
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	priv, err := cryptocore.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}
	tr, err := transport.New(transport.Config{BindAddress: "127.0.0.1:0"}, priv, nil, nil)
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	go tr.Run()
	t.Cleanup(func() { tr.Close() })
	return &testPeer{priv: priv, tr: tr}
}

func fastTimers() config.TimersConfig {
	return config.TimersConfig{
		HandshakeRetryInterval: 20 * time.Millisecond,
		HandshakeMaxRetries:    100,
		HeartbeatInterval:      50 * time.Millisecond,
		HeartbeatTimeout:       400 * time.Millisecond,
		RotationInterval:       10 * time.Hour,
		RotationTimeout:        time.Second,
	}
}

// establishPair drives a full outgoing/incoming handshake between two
// loopback peers. The acceptor learns the connector's identity and source
// id from the bare Handshake datagram itself (equivalent to what a
// rendezvous server's IncomingConnection notice would otherwise supply),
// then registers its own Accept() in time to catch the connector's next
// retransmission.
func establishPair(t *testing.T) (a, b *Connection) {
	t.Helper()
	peerA := newTestPeer(t)
	peerB := newTestPeer(t)

	bSourceID := peerB.tr.AllocateSourceID()
	accepted := make(chan *Connection, 1)
	acceptErrCh := make(chan error, 1)
	var started bool

	peerB.tr.OnIncomingHandshake = func(src *net.UDPAddr, h *packet.Handshake) {
		if started {
			return
		}
		started = true

		peerPub, err := cryptocore.ParsePublicKeyDER(h.PublicKey)
		if err != nil {
			acceptErrCh <- err
			return
		}

		go func() {
			c, err := Accept(context.Background(), peerB.tr, peerB.priv, bSourceID,
				peerPub, h.Address, h.SourceID, src, fastTimers(), nil, nil)
			if err != nil {
				acceptErrCh <- err
				return
			}
			accepted <- c
		}()
	}

	connA, err := Connect(context.Background(), peerA.tr, peerA.priv, peerB.priv.Public().Address(), peerB.tr.LocalAddr(), fastTimers(), nil, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var connB *Connection
	select {
	case connB = <-accepted:
	case err := <-acceptErrCh:
		t.Fatalf("Accept() error = %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Accept() to complete")
	}

	t.Cleanup(func() { connA.Close() })
	t.Cleanup(func() { connB.Close() })
	return connA, connB
}

func TestHandshakeEstablishesSharedState(t *testing.T) {
	a, b := establishPair(t)

	if a.State() != StateEstablished {
		t.Fatalf("a.State() = %v, want Established", a.State())
	}
	if b.State() != StateEstablished {
		t.Fatalf("b.State() = %v, want Established", b.State())
	}
	if a.TargetID() != b.SourceID() {
		t.Errorf("a.TargetID() = %d, want %d", a.TargetID(), b.SourceID())
	}
	if b.TargetID() != a.SourceID() {
		t.Errorf("b.TargetID() = %d, want %d", b.TargetID(), a.SourceID())
	}
}

func TestSendReceiveDataRoundTrip(t *testing.T) {
	a, b := establishPair(t)

	msg := []byte("hello from a")
	if err := a.Send(msg); err != nil {
		t.Fatalf("a.Send() error = %v", err)
	}

	select {
	case got := <-b.Recv():
		if string(got) != string(msg) {
			t.Errorf("b received %q, want %q", got, msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data on b")
	}

	reply := []byte("hi from b")
	if err := b.Send(reply); err != nil {
		t.Fatalf("b.Send() error = %v", err)
	}

	select {
	case got := <-a.Recv():
		if string(got) != string(reply) {
			t.Errorf("a received %q, want %q", got, reply)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data on a")
	}
}

func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	a, b := establishPair(t)

	// The fast heartbeat interval (50ms) should keep both sides under the
	// 400ms timeout for several cycles.
	time.Sleep(300 * time.Millisecond)

	if a.State() != StateEstablished {
		t.Errorf("a.State() = %v, want Established (heartbeats should keep it alive)", a.State())
	}
	if b.State() != StateEstablished {
		t.Errorf("b.State() = %v, want Established (heartbeats should keep it alive)", b.State())
	}
}

func TestRotationAdvancesEpoch(t *testing.T) {
	a, b := establishPair(t)

	if err := a.initiateRotation(); err != nil {
		t.Fatalf("initiateRotation() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.currentEpoch() == 2 && b.currentEpoch() == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if a.currentEpoch() != 2 || b.currentEpoch() != 2 {
		t.Fatalf("rotation did not complete: a.epoch=%d b.epoch=%d", a.currentEpoch(), b.currentEpoch())
	}

	if err := a.Send([]byte("post-rotation")); err != nil {
		t.Fatalf("Send() after rotation error = %v", err)
	}
	select {
	case got := <-b.Recv():
		if string(got) != "post-rotation" {
			t.Errorf("got %q, want post-rotation", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-rotation data")
	}
}

func TestMalformedRotateSignatureIgnored(t *testing.T) {
	a, b := establishPair(t)

	before := b.currentEpoch()

	bad, err := cryptocore.GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeyPair() error = %v", err)
	}
	pub := bad.PublicKeyBytes()

	wrongPriv, err := cryptocore.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey() error = %v", err)
	}
	sig, err := wrongPriv.Sign(pub[:])
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	b.handleRotate(&packet.Rotate{EphemeralPublicKey: pub[:], Signature: sig})

	time.Sleep(100 * time.Millisecond)
	if b.currentEpoch() != before {
		t.Errorf("epoch changed after malicious rotate: before=%d after=%d", before, b.currentEpoch())
	}

	if err := a.Send([]byte("still alive")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case got := <-b.Recv():
		if string(got) != "still alive" {
			t.Errorf("got %q, want still alive", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data after malicious rotate")
	}
}

func TestPeerMigrationUpdatesAddress(t *testing.T) {
	a, b := establishPair(t)

	newTr, err := transport.New(transport.Config{BindAddress: "127.0.0.1:0"}, a.priv, nil, nil)
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	go newTr.Run()
	defer newTr.Close()
	if err := newTr.Register(a.sourceID, a); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer newTr.Unregister(a.sourceID)

	a.tr = newTr
	if err := a.Send([]byte("migrated")); err != nil {
		t.Fatalf("Send() after migration error = %v", err)
	}

	select {
	case got := <-b.Recv():
		if string(got) != "migrated" {
			t.Errorf("got %q, want migrated", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data after migration")
	}

	if b.PeerAddr().String() != newTr.LocalAddr().String() {
		t.Errorf("b.PeerAddr() = %s, want %s", b.PeerAddr(), newTr.LocalAddr())
	}
}
