// Package transport owns the single UDP socket a node uses for every
// encrypted connection and dispatches inbound packets to the connections
// and handshakes registered against it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/udovin/ntied-core/internal/addr"
	"github.com/udovin/ntied-core/internal/cryptocore"
	"github.com/udovin/ntied-core/internal/logging"
	"github.com/udovin/ntied-core/internal/metrics"
	"github.com/udovin/ntied-core/internal/packet"
)

// ErrSourceIDInUse is returned by Register when the requested source ID is
// already claimed by another connection or pending handshake.
var ErrSourceIDInUse = errors.New("transport: source id already in use")

// ErrHandshakeInUse is returned by RegisterHandshake when the (peer
// address, peer source id) pairing already has a handshake pending.
var ErrHandshakeInUse = errors.New("transport: handshake already pending for peer")

// Dispatcher receives packets addressed to a source ID this Transport has
// registered on its behalf. Implemented by the connection state machine.
type Dispatcher interface {
	HandleHandshake(src *net.UDPAddr, h *packet.Handshake)
	HandleHandshakeAck(src *net.UDPAddr, a *packet.HandshakeAck)
	HandleEncrypted(src *net.UDPAddr, e *packet.Encrypted)
}

// Config controls how a Transport binds its socket and rate-limits inbound
// traffic.
type Config struct {
	BindAddress      string
	InboundRateLimit float64
	InboundRateBurst int
}

// Transport owns the UDP socket and the tables mapping locally-assigned
// source IDs to the connections or handshakes that own them.
type Transport struct {
	conn       *net.UDPConn
	address    addr.Address
	privateKey *cryptocore.PrivateKey

	logger  *slog.Logger
	metrics *metrics.Metrics

	sourceCounter atomic.Uint32

	mu          sync.RWMutex
	bySourceID  map[uint32]Dispatcher
	handshakes  map[handshakeKey]uint32

	rawMu sync.RWMutex
	byRaw map[string]chan []byte

	// OnIncomingHandshake is invoked for a Handshake packet that does not
	// match any registered handshake mapping. nil drops the packet.
	OnIncomingHandshake func(src *net.UDPAddr, h *packet.Handshake)

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit float64
	rateBurst int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// New binds a UDP socket and returns a Transport identified by priv's
// derived Address. Call Run to start the receive loop.
func New(cfg Config, priv *cryptocore.PrivateKey, logger *slog.Logger, m *metrics.Metrics) (*Transport, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	sock, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("bind udp socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	rateLimit := cfg.InboundRateLimit
	if rateLimit <= 0 {
		rateLimit = 200
	}
	rateBurst := cfg.InboundRateBurst
	if rateBurst <= 0 {
		rateBurst = 400
	}

	t := &Transport{
		conn:       sock,
		address:    priv.Public().Address(),
		privateKey: priv,
		logger:     logger.With(slog.String("component", "transport")),
		metrics:    m,
		bySourceID: make(map[uint32]Dispatcher),
		handshakes: make(map[handshakeKey]uint32),
		byRaw:      make(map[string]chan []byte),
		limiters:   make(map[string]*rate.Limiter),
		rateLimit:  rateLimit,
		rateBurst:  rateBurst,
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
	}
	t.sourceCounter.Store(1)

	return t, nil
}

// Address returns this node's long-term Address.
func (t *Transport) Address() addr.Address {
	return t.address
}

// PrivateKey returns this node's long-term identity key.
func (t *Transport) PrivateKey() *cryptocore.PrivateKey {
	return t.privateKey
}

// LocalAddr returns the bound UDP socket address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// AllocateSourceID returns an unused 32-bit source ID, retrying on the rare
// collision against an ID already registered.
func (t *Transport) AllocateSourceID() uint32 {
	for {
		id := t.sourceCounter.Add(1)
		if id == 0 {
			continue
		}
		t.mu.RLock()
		_, taken := t.bySourceID[id]
		t.mu.RUnlock()
		if !taken {
			return id
		}
	}
}

// Register claims id for d. It fails if id is already registered.
func (t *Transport) Register(id uint32, d Dispatcher) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.bySourceID[id]; exists {
		return ErrSourceIDInUse
	}
	t.bySourceID[id] = d
	return nil
}

// Unregister releases id.
func (t *Transport) Unregister(id uint32) {
	t.mu.Lock()
	delete(t.bySourceID, id)
	t.mu.Unlock()
}

// handshakeKey identifies a pending handshake by the peer's declared
// identity, not its UDP endpoint: (peer_address, peer_source_id) as the
// spec's handshakes table is keyed, since a peer may reach us through any
// UDP source port.
type handshakeKey struct {
	peerAddress  addr.Address
	peerSourceID uint32
}

// RegisterHandshake claims (peerAddress, peerSourceID) for a handshake owned
// by id, so a concurrent Handshake from that peer routes to the same
// connection instead of triggering a second accept. It fails with
// ErrHandshakeInUse if the pairing is already claimed.
func (t *Transport) RegisterHandshake(peerAddress addr.Address, peerSourceID, id uint32) error {
	key := handshakeKey{peerAddress: peerAddress, peerSourceID: peerSourceID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handshakes[key]; ok {
		return ErrHandshakeInUse
	}
	t.handshakes[key] = id
	return nil
}

// UnregisterHandshake releases (peerAddress, peerSourceID)'s handshake
// claim.
func (t *Transport) UnregisterHandshake(peerAddress addr.Address, peerSourceID uint32) {
	key := handshakeKey{peerAddress: peerAddress, peerSourceID: peerSourceID}
	t.mu.Lock()
	delete(t.handshakes, key)
	t.mu.Unlock()
}

// rawQueueSize bounds the channel a raw_connections entry delivers into;
// overflow is dropped with a warning, matching the per-connection policy.
const rawQueueSize = 64

// RegisterRaw routes every datagram arriving from remoteAddr to ch instead
// of parsing it as a Packet. This is how the rendezvous client session
// receives server responses, which speak a distinct request/response
// protocol rather than the peer packet wire format.
func (t *Transport) RegisterRaw(remoteAddr *net.UDPAddr) <-chan []byte {
	ch := make(chan []byte, rawQueueSize)
	t.rawMu.Lock()
	t.byRaw[remoteAddr.String()] = ch
	t.rawMu.Unlock()
	return ch
}

// UnregisterRaw releases remoteAddr's raw_connections entry and closes the
// channel returned by the matching RegisterRaw call.
func (t *Transport) UnregisterRaw(remoteAddr *net.UDPAddr) {
	key := remoteAddr.String()
	t.rawMu.Lock()
	ch, ok := t.byRaw[key]
	delete(t.byRaw, key)
	t.rawMu.Unlock()
	if ok {
		close(ch)
	}
}

// SendTo writes buf as a single UDP datagram to dst.
func (t *Transport) SendTo(dst *net.UDPAddr, buf []byte) error {
	_, err := t.conn.WriteToUDP(buf, dst)
	return err
}

// Run starts the receive loop. It blocks until Close is called or the
// socket errors; callers typically invoke it in its own goroutine.
func (t *Transport) Run() {
	t.wg.Add(1)
	defer t.wg.Done()

	buf := make([]byte, 65535)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		t.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.ctx.Done():
				return
			default:
				t.logger.Warn("udp read error", logging.KeyError, err)
				continue
			}
		}

		if !t.allow(raddr) {
			continue
		}

		t.handleDatagram(raddr, append([]byte(nil), buf[:n]...))
	}
}

func (t *Transport) allow(raddr *net.UDPAddr) bool {
	key := raddr.IP.String()

	t.limiterMu.Lock()
	lim, ok := t.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(t.rateLimit), t.rateBurst)
		t.limiters[key] = lim
	}
	t.limiterMu.Unlock()

	return lim.Allow()
}

func (t *Transport) handleDatagram(raddr *net.UDPAddr, buf []byte) {
	if t.deliverRaw(raddr, buf) {
		return
	}

	pkt, err := packet.Decode(buf)
	if err != nil {
		t.logger.Debug("dropping malformed packet",
			logging.KeyRemoteAddr, raddr.String(), logging.KeyError, err)
		return
	}

	switch p := pkt.(type) {
	case *packet.Handshake:
		t.routeHandshake(raddr, p)
	case *packet.HandshakeAck:
		t.routeByTarget(raddr, p.TargetID, func(d Dispatcher) { d.HandleHandshakeAck(raddr, p) })
	case *packet.Encrypted:
		t.routeByTarget(raddr, p.TargetID, func(d Dispatcher) { d.HandleEncrypted(raddr, p) })
	}
}

// deliverRaw reports whether raddr matches a raw_connections entry and, if
// so, try-sends buf to it (dropping with a warning on a full channel).
func (t *Transport) deliverRaw(raddr *net.UDPAddr, buf []byte) bool {
	t.rawMu.RLock()
	ch, ok := t.byRaw[raddr.String()]
	t.rawMu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- buf:
	default:
		t.logger.Warn("dropping raw datagram, channel full", logging.KeyRemoteAddr, raddr.String())
	}
	return true
}

func (t *Transport) routeHandshake(raddr *net.UDPAddr, h *packet.Handshake) {
	key := handshakeKey{peerAddress: h.Address, peerSourceID: h.SourceID}
	t.mu.RLock()
	id, ok := t.handshakes[key]
	var d Dispatcher
	if ok {
		d = t.bySourceID[id]
	}
	t.mu.RUnlock()
	if d != nil {
		d.HandleHandshake(raddr, h)
		return
	}

	if t.OnIncomingHandshake != nil {
		t.OnIncomingHandshake(raddr, h)
	}
}

func (t *Transport) routeByTarget(raddr *net.UDPAddr, targetID uint32, deliver func(Dispatcher)) {
	t.mu.RLock()
	d := t.bySourceID[targetID]
	t.mu.RUnlock()

	if d == nil {
		t.logger.Debug("dropping packet for unknown target",
			logging.KeyTargetID, targetID, logging.KeyRemoteAddr, raddr.String())
		return
	}
	deliver(d)
}

// Close shuts down the receive loop and the underlying socket.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
		t.wg.Wait()
		close(t.closed)
	})
	return err
}

// Done returns a channel closed once Close has completed.
func (t *Transport) Done() <-chan struct{} {
	return t.closed
}

// String renders a short debug identifier for log lines.
func (t *Transport) String() string {
	return fmt.Sprintf("Transport{address=%s, local=%s}", t.address.Short(), t.LocalAddr())
}
