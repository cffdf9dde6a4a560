package contact

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/udovin/ntied-core/internal/addr"
	"github.com/udovin/ntied-core/internal/config"
	"github.com/udovin/ntied-core/internal/conn"
	"github.com/udovin/ntied-core/internal/cryptocore"
	"github.com/udovin/ntied-core/internal/listener"
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
		ContactRequestInterval: 30 * time.Millisecond,
		ContactConnectTimeout:  5 * time.Second,
	}
}

// dialerFunc adapts a plain function to the Dialer interface.
type dialerFunc func(ctx context.Context, peerAddress addr.Address) (*conn.Connection, error)

func (f dialerFunc) Dial(ctx context.Context, peerAddress addr.Address) (*conn.Connection, error) {
	return f(ctx, peerAddress)
}

// acceptingDialer makes tr present itself as the acceptor for one inbound
// handshake, delivering the resulting Connection to the returned channel
// instead of answering Dial calls itself.
func acceptingDialer(t *testing.T, peer *testPeer, timers config.TimersConfig) <-chan *conn.Connection {
	t.Helper()
	sourceID := peer.tr.AllocateSourceID()
	out := make(chan *conn.Connection, 1)
	var started bool

	peer.tr.OnIncomingHandshake = func(src *net.UDPAddr, h *packet.Handshake) {
		if started {
			return
		}
		started = true
		peerPub, err := cryptocore.ParsePublicKeyDER(h.PublicKey)
		if err != nil {
			return
		}
		go func() {
			c, err := conn.Accept(context.Background(), peer.tr, peer.priv, sourceID,
				peerPub, h.Address, h.SourceID, src, timers, nil, nil)
			if err != nil {
				return
			}
			out <- c
		}()
	}
	return out
}

// connectDialer dials peer using outgoing Connect semantics.
func connectDialer(peer *testPeer, remoteAddr *net.UDPAddr, remoteIdentity addr.Address, timers config.TimersConfig) Dialer {
	return dialerFunc(func(ctx context.Context, peerAddress addr.Address) (*conn.Connection, error) {
		return conn.Connect(ctx, peer.tr, peer.priv, remoteIdentity, remoteAddr, timers, nil, nil)
	})
}

type recordingObserver struct {
	listener.NopObserver
	accepted  chan listener.Profile
	connected chan struct{}
	incoming  chan listener.Profile
	messages  chan []byte
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		accepted:  make(chan listener.Profile, 4),
		connected: make(chan struct{}, 4),
		incoming:  make(chan listener.Profile, 4),
		messages:  make(chan []byte, 4),
	}
}

func (o *recordingObserver) OnContactAccepted(peer addr.Address, profile listener.Profile) {
	o.accepted <- profile
}

func (o *recordingObserver) OnContactConnected(peer addr.Address) {
	o.connected <- struct{}{}
}

func (o *recordingObserver) OnContactIncoming(peer addr.Address, profile listener.Profile) {
	o.incoming <- profile
}

func (o *recordingObserver) OnIncomingMessage(peer addr.Address, payload []byte) {
	o.messages <- payload
}

func TestSessionOutgoingAcceptedByIncoming(t *testing.T) {
	peerA := newTestPeer(t)
	peerB := newTestPeer(t)
	timers := fastTimers()

	accepted := acceptingDialer(t, peerB, timers)

	obsA := newRecordingObserver()
	obsB := newRecordingObserver()

	sessA := NewOutgoing(context.Background(), peerA.priv.Public().Address(), peerB.priv.Public().Address(),
		listener.Profile("alice"), connectDialer(peerA, peerB.tr.LocalAddr(), peerB.priv.Public().Address(), timers),
		timers, obsA, nil, nil)
	go sessA.Run()
	t.Cleanup(func() { sessA.Close() })

	sessB := NewIncoming(context.Background(), peerB.priv.Public().Address(), peerA.priv.Public().Address(),
		listener.Profile("bob"), nil, timers, obsB, nil, nil)
	go sessB.Run()
	t.Cleanup(func() { sessB.Close() })

	select {
	case c := <-accepted:
		sessB.SetConnection(c)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound connection")
	}

	select {
	case profile := <-obsB.incoming:
		if string(profile) != "alice" {
			t.Errorf("incoming profile = %q, want alice", profile)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnContactIncoming")
	}

	sessB.Accept()

	select {
	case profile := <-obsA.accepted:
		if string(profile) != "bob" {
			t.Errorf("accepted profile = %q, want bob", profile)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnContactAccepted on A")
	}

	if sessA.Status() != StatusAccepted {
		t.Errorf("sessA.Status() = %v, want Accepted", sessA.Status())
	}
	if sessB.Status() != StatusAccepted {
		t.Errorf("sessB.Status() = %v, want Accepted", sessB.Status())
	}

	if err := sessA.SendChat([]byte("hello bob")); err != nil {
		t.Fatalf("SendChat() error = %v", err)
	}
	select {
	case msg := <-obsB.messages:
		if string(msg) != "hello bob" {
			t.Errorf("received chat = %q, want %q", msg, "hello bob")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chat delivery")
	}
}

func TestSessionIncomingReject(t *testing.T) {
	peerA := newTestPeer(t)
	peerB := newTestPeer(t)
	timers := fastTimers()

	accepted := acceptingDialer(t, peerB, timers)

	obsA := newRecordingObserver()
	obsB := newRecordingObserver()

	sessA := NewOutgoing(context.Background(), peerA.priv.Public().Address(), peerB.priv.Public().Address(),
		listener.Profile("alice"), connectDialer(peerA, peerB.tr.LocalAddr(), peerB.priv.Public().Address(), timers),
		timers, obsA, nil, nil)
	go sessA.Run()
	t.Cleanup(func() { sessA.Close() })

	sessB := NewIncoming(context.Background(), peerB.priv.Public().Address(), peerA.priv.Public().Address(),
		listener.Profile("bob"), nil, timers, obsB, nil, nil)
	go sessB.Run()
	t.Cleanup(func() { sessB.Close() })

	select {
	case c := <-accepted:
		sessB.SetConnection(c)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound connection")
	}

	select {
	case <-obsB.incoming:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnContactIncoming")
	}

	sessB.Reject()

	deadline := time.After(5 * time.Second)
	for sessB.Status() != StatusRejectedIncoming {
		select {
		case <-deadline:
			t.Fatalf("sessB.Status() = %v, want RejectedIncoming", sessB.Status())
		case <-time.After(10 * time.Millisecond):
		}
	}

	for sessA.Status() != StatusRejectedOutgoing {
		select {
		case <-deadline:
			t.Fatalf("sessA.Status() = %v, want RejectedOutgoing", sessA.Status())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSessionTieBreakKeepsLowerAddress(t *testing.T) {
	timers := fastTimers()
	local := newTestPeer(t)
	remoteOne := newTestPeer(t)
	remoteTwo := newTestPeer(t)

	acceptedOne := acceptingDialer(t, remoteOne, timers)
	acceptedTwo := acceptingDialer(t, remoteTwo, timers)

	c1, err := conn.Connect(context.Background(), local.tr, local.priv, remoteOne.priv.Public().Address(),
		remoteOne.tr.LocalAddr(), timers, nil, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c1.Close() })
	select {
	case b := <-acceptedOne:
		t.Cleanup(func() { b.Close() })
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for remoteOne to accept")
	}

	c2, err := conn.Connect(context.Background(), local.tr, local.priv, remoteTwo.priv.Public().Address(),
		remoteTwo.tr.LocalAddr(), timers, nil, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c2.Close() })
	select {
	case b := <-acceptedTwo:
		t.Cleanup(func() { b.Close() })
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for remoteTwo to accept")
	}

	// The tie-break compares String() forms (lowercase base32): an all-0xFF
	// address renders as "777...", which sorts before the all-zero "aaa...".
	lower := addr.Address{}
	for i := range lower {
		lower[i] = 0xFF
	}
	higher := addr.Address{}

	s := newSession(context.Background(), lower, higher, nil, nil, timers, nil, nil, nil, true)
	defer s.cancel()

	got1, ok := s.adoptConnection(c1)
	if !ok || got1 != c1 {
		t.Fatalf("first adoptConnection() = %v, %v, want c1, true", got1, ok)
	}

	got2, ok := s.adoptConnection(c2)
	if !ok {
		t.Fatalf("second adoptConnection() ok = false, want true")
	}
	if got2 != c1 {
		t.Errorf("tie-break kept %v, want c1 (lower own address wins)", got2)
	}
}
