package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udovin/ntied-core/internal/addr"
	"github.com/udovin/ntied-core/internal/logging"
	"github.com/udovin/ntied-core/internal/metrics"
	"github.com/udovin/ntied-core/internal/recovery"
)

// ErrDead is returned by any ServerConnection operation once the session
// has observed a receive timeout or a closed transport channel.
var ErrDead = errors.New("rendezvous: server connection is dead")

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("rendezvous: server connection closed")

// Sender abstracts the single shared UDP socket a ServerConnection writes
// requests through; Transport satisfies it.
type Sender interface {
	SendTo(dst *net.UDPAddr, buf []byte) error
}

// ClientConfig controls a ServerConnection's timing.
type ClientConfig struct {
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
}

// DefaultClientConfig returns the recommended 8s heartbeat / 32s request
// timeout.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HeartbeatInterval: 8 * time.Second,
		RequestTimeout:    32 * time.Second,
	}
}

type pendingRequest struct {
	reply chan Response
}

// ServerConnection is the client-side session against a single rendezvous
// server: it registers this node's address on creation, heartbeats on a
// timer, and correlates outgoing Register/Connect requests with their
// responses by request_id. Unsolicited IncomingConnection notices are
// pushed onto Accept's queue instead.
type ServerConnection struct {
	serverAddr *net.UDPAddr
	sender     Sender
	raw        <-chan []byte
	cfg        ClientConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics

	ownAddress addr.Address
	ownPubDER  []byte

	requestCounter atomic.Uint32

	mu       sync.Mutex
	pending  map[uint32]*pendingRequest
	dead     bool
	deadErr  error

	incoming chan *IncomingConnectionResponse

	lastRecvMu sync.Mutex
	lastRecv   time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

const incomingQueueSize = 100

// NewServerConnection constructs a session against serverAddr. sender
// writes datagrams through the shared transport socket; raw is the
// transport's RegisterRaw(serverAddr) channel, carrying every datagram
// that arrives from the server. Call Start to register and begin
// heartbeating.
func NewServerConnection(serverAddr *net.UDPAddr, sender Sender, raw <-chan []byte, ownAddress addr.Address, ownPubDER []byte, cfg ClientConfig, logger *slog.Logger, m *metrics.Metrics) *ServerConnection {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.HeartbeatInterval <= 0 || cfg.RequestTimeout <= 0 {
		cfg = DefaultClientConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sc := &ServerConnection{
		serverAddr: serverAddr,
		sender:     sender,
		raw:        raw,
		cfg:        cfg,
		logger:     logger.With(logging.KeyComponent, "rendezvous-client"),
		metrics:    m,
		ownAddress: ownAddress,
		ownPubDER:  ownPubDER,
		pending:    make(map[uint32]*pendingRequest),
		incoming:   make(chan *IncomingConnectionResponse, incomingQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
	}
	sc.requestCounter.Store(0)
	return sc
}

// nextRequestID fetch-adds the counter, skipping 0 so it never collides
// with "no pending request".
func (sc *ServerConnection) nextRequestID() uint32 {
	for {
		id := sc.requestCounter.Add(1)
		if id != 0 {
			return id
		}
	}
}

// Start registers this node with the server (bounded by RequestTimeout)
// and, on success, launches the receive loop and heartbeat loop.
func (sc *ServerConnection) Start(ctx context.Context) error {
	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		defer recovery.RecoverWithLog(sc.logger, "rendezvous-client-receive")
		sc.receiveLoop()
	}()

	if _, err := sc.Register(ctx); err != nil {
		return err
	}

	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		defer recovery.RecoverWithLog(sc.logger, "rendezvous-client-heartbeat")
		sc.heartbeatLoop()
	}()
	return nil
}

// Register sends a Register request for this node's address and public
// key and waits for the matching response.
func (sc *ServerConnection) Register(ctx context.Context) (*RegisterResponse, error) {
	resp, err := sc.roundTrip(ctx, func(id uint32) Request {
		return &RegisterRequest{RequestID: id, PublicKey: sc.ownPubDER, Address: sc.ownAddress}
	}, "register")
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case *RegisterResponse:
		return r, nil
	case *RegisterErrorResponse:
		return nil, fmt.Errorf("rendezvous: register rejected, code=%d", r.Code)
	default:
		return nil, fmt.Errorf("rendezvous: unexpected response type %T to register", resp)
	}
}

// Connect asks the server to introduce this node (identified by sourceID)
// to address, returning the target's endpoint and public key.
func (sc *ServerConnection) Connect(ctx context.Context, address addr.Address, sourceID uint32) (*ConnectResponse, error) {
	resp, err := sc.roundTrip(ctx, func(id uint32) Request {
		return &ConnectRequest{RequestID: id, Address: address, SourceID: sourceID}
	}, "connect")
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case *ConnectResponse:
		return r, nil
	case *ConnectErrorResponse:
		return nil, fmt.Errorf("rendezvous: connect failed, code=%d", r.Code)
	default:
		return nil, fmt.Errorf("rendezvous: unexpected response type %T to connect", resp)
	}
}

func (sc *ServerConnection) roundTrip(ctx context.Context, build func(id uint32) Request, kind string) (Response, error) {
	sc.mu.Lock()
	if sc.dead {
		err := sc.deadErr
		sc.mu.Unlock()
		return nil, err
	}
	id := sc.nextRequestID()
	pr := &pendingRequest{reply: make(chan Response, 1)}
	sc.pending[id] = pr
	sc.mu.Unlock()

	start := time.Now()
	buf, err := EncodeRequest(build(id))
	if err != nil {
		sc.clearPending(id)
		return nil, err
	}
	if err := sc.sender.SendTo(sc.serverAddr, buf); err != nil {
		sc.clearPending(id)
		return nil, err
	}

	timer := time.NewTimer(sc.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-pr.reply:
		if !ok {
			return nil, ErrDead
		}
		if sc.metrics != nil {
			sc.metrics.RecordRendezvousRequest(kind, "ok", time.Since(start).Seconds())
		}
		return resp, nil
	case <-timer.C:
		sc.clearPending(id)
		if sc.metrics != nil {
			sc.metrics.RecordRendezvousRequest(kind, "timeout", time.Since(start).Seconds())
		}
		return nil, fmt.Errorf("rendezvous: %s request timed out", kind)
	case <-ctx.Done():
		sc.clearPending(id)
		return nil, ctx.Err()
	case <-sc.ctx.Done():
		sc.clearPending(id)
		return nil, ErrClosed
	}
}

func (sc *ServerConnection) clearPending(id uint32) {
	sc.mu.Lock()
	delete(sc.pending, id)
	sc.mu.Unlock()
}

// Accept returns the channel of unsolicited IncomingConnection notices
// pushed by the server.
func (sc *ServerConnection) Accept() <-chan *IncomingConnectionResponse {
	return sc.incoming
}

// Dead returns whether the session has given up following a receive
// timeout or channel closure.
func (sc *ServerConnection) Dead() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.dead
}

func (sc *ServerConnection) markDead(err error) {
	sc.mu.Lock()
	if sc.dead {
		sc.mu.Unlock()
		return
	}
	sc.dead = true
	sc.deadErr = err
	pending := sc.pending
	sc.pending = make(map[uint32]*pendingRequest)
	sc.mu.Unlock()

	for _, pr := range pending {
		close(pr.reply)
	}
	sc.logger.Warn("rendezvous server connection marked dead", logging.KeyError, err)
}

func (sc *ServerConnection) receiveLoop() {
	timeout := time.NewTimer(sc.cfg.RequestTimeout)
	defer timeout.Stop()
	sc.touch()

	for {
		select {
		case <-sc.ctx.Done():
			return

		case <-timeout.C:
			sc.markDead(fmt.Errorf("%w: no response from server within %s", ErrDead, sc.cfg.RequestTimeout))
			return

		case buf, ok := <-sc.raw:
			if !ok {
				sc.markDead(fmt.Errorf("%w: transport channel closed", ErrDead))
				return
			}
			sc.touch()
			if !timeout.Stop() {
				select {
				case <-timeout.C:
				default:
				}
			}
			timeout.Reset(sc.cfg.RequestTimeout)
			sc.handleDatagram(buf)
		}
	}
}

func (sc *ServerConnection) touch() {
	sc.lastRecvMu.Lock()
	sc.lastRecv = time.Now()
	sc.lastRecvMu.Unlock()
}

func (sc *ServerConnection) handleDatagram(buf []byte) {
	resp, err := DecodeResponse(buf)
	if err != nil {
		sc.logger.Debug("dropping malformed response", logging.KeyError, err)
		return
	}

	reqID, ok := responseRequestID(resp)
	if ok {
		sc.mu.Lock()
		pr := sc.pending[reqID]
		delete(sc.pending, reqID)
		sc.mu.Unlock()
		if pr != nil {
			pr.reply <- resp
		}
		return
	}

	if inc, ok := resp.(*IncomingConnectionResponse); ok {
		select {
		case sc.incoming <- inc:
		default:
			sc.logger.Warn("dropping incoming connection notice, accept queue full")
		}
		return
	}

	// A response with no request_id and not an IncomingConnection is the
	// server's HeartbeatResponse to one of our heartbeats: nothing to
	// correlate, nothing to do beyond the liveness touch already recorded.
}

func responseRequestID(resp Response) (uint32, bool) {
	switch r := resp.(type) {
	case *RegisterResponse:
		return r.RequestID, true
	case *RegisterErrorResponse:
		return r.RequestID, true
	case *ConnectResponse:
		return r.RequestID, true
	case *ConnectErrorResponse:
		return r.RequestID, true
	default:
		return 0, false
	}
}

func (sc *ServerConnection) heartbeatLoop() {
	ticker := time.NewTicker(sc.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			if sc.Dead() {
				return
			}
			buf, err := EncodeRequest(HeartbeatRequest{})
			if err != nil {
				continue
			}
			if err := sc.sender.SendTo(sc.serverAddr, buf); err != nil {
				sc.logger.Warn("send heartbeat failed", logging.KeyError, err)
			}
		}
	}
}

// Close tears down the session's background loops.
func (sc *ServerConnection) Close() error {
	sc.closeOnce.Do(func() {
		sc.cancel()
		sc.wg.Wait()
		close(sc.closed)
	})
	return nil
}

// Done returns a channel closed once Close has completed.
func (sc *ServerConnection) Done() <-chan struct{} {
	return sc.closed
}
