package rendezvous

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/udovin/ntied-core/internal/addr"
	"github.com/udovin/ntied-core/internal/cryptocore"
	"github.com/udovin/ntied-core/internal/logging"
	"github.com/udovin/ntied-core/internal/metrics"
)

// Error codes for RegisterError/ConnectError responses. 0 is reserved.
const (
	CodeAddressMismatch uint16 = 1
	CodeUnknownTarget   uint16 = 2
)

// entry is one peer's directory record.
type entry struct {
	addr      *net.UDPAddr
	publicKey []byte
	lastSeen  time.Time
}

// ServerConfig controls a Server's directory bookkeeping.
type ServerConfig struct {
	// ExpireAfter removes an entry once it has gone this long without a
	// Register or Heartbeat. Matches the client's request timeout so an
	// entry never expires while its owner still believes the session is
	// alive.
	ExpireAfter time.Duration

	// SweepInterval controls how often expired entries are purged.
	SweepInterval time.Duration
}

// DefaultServerConfig returns the recommended expiry parameters.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ExpireAfter:   32 * time.Second,
		SweepInterval: 8 * time.Second,
	}
}

// Server is the rendezvous directory: it maps Address to the endpoint and
// public key a peer last registered, and brokers Connect requests between
// two registered peers.
type Server struct {
	conn    *net.UDPConn
	cfg     ServerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	directory map[addr.Address]*entry

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer binds a UDP socket at bindAddress and returns a Server. Call
// Run to start serving requests.
func NewServer(bindAddress string, cfg ServerConfig, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.ExpireAfter <= 0 {
		cfg = DefaultServerConfig()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", bindAddress)
	if err != nil {
		return nil, err
	}
	sock, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		conn:      sock,
		cfg:       cfg,
		logger:    logger.With(logging.KeyComponent, "rendezvous-server"),
		metrics:   m,
		directory: make(map[addr.Address]*entry),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound UDP socket address.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Run starts the receive loop and the expiry sweep, blocking until Close is
// called.
func (s *Server) Run() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop()
	}()

	buf := make([]byte, 65535)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Warn("udp read error", logging.KeyError, err)
				continue
			}
		}

		s.handleDatagram(raddr, append([]byte(nil), buf[:n]...))
	}
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	cutoff := time.Now().Add(-s.cfg.ExpireAfter)
	s.mu.Lock()
	for addr, e := range s.directory {
		if e.lastSeen.Before(cutoff) {
			delete(s.directory, addr)
		}
	}
	count := len(s.directory)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RendezvousPeersOnline.Set(float64(count))
	}
}

func (s *Server) handleDatagram(raddr *net.UDPAddr, buf []byte) {
	req, err := DecodeRequest(buf)
	if err != nil {
		s.logger.Debug("dropping malformed request", logging.KeyRemoteAddr, raddr.String(), logging.KeyError, err)
		return
	}

	switch r := req.(type) {
	case HeartbeatRequest:
		s.handleHeartbeat(raddr)
	case *RegisterRequest:
		s.handleRegister(raddr, r)
	case *ConnectRequest:
		s.handleConnect(raddr, r)
	}
}

func (s *Server) handleHeartbeat(raddr *net.UDPAddr) {
	s.mu.Lock()
	for _, e := range s.directory {
		if e.addr.String() == raddr.String() {
			e.lastSeen = time.Now()
			break
		}
	}
	s.mu.Unlock()

	s.reply(raddr, HeartbeatResponse{})
}

func (s *Server) handleRegister(raddr *net.UDPAddr, r *RegisterRequest) {
	pub, err := cryptocore.ParsePublicKeyDER(r.PublicKey)
	if err != nil || pub.Address() != r.Address {
		s.reply(raddr, &RegisterErrorResponse{RequestID: r.RequestID, Code: CodeAddressMismatch})
		return
	}

	s.mu.Lock()
	s.directory[r.Address] = &entry{addr: raddr, publicKey: r.PublicKey, lastSeen: time.Now()}
	count := len(s.directory)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RendezvousRegistrations.Inc()
		s.metrics.RendezvousPeersOnline.Set(float64(count))
	}
	s.reply(raddr, &RegisterResponse{RequestID: r.RequestID})
}

func (s *Server) handleConnect(raddr *net.UDPAddr, r *ConnectRequest) {
	var requester *entry
	s.mu.RLock()
	for _, e := range s.directory {
		if e.addr.String() == raddr.String() {
			requester = e
			break
		}
	}
	target, ok := s.directory[r.Address]
	s.mu.RUnlock()

	if !ok {
		if s.metrics != nil {
			s.metrics.RendezvousRequestsTotal.WithLabelValues("connect", "not_found").Inc()
		}
		s.reply(raddr, &ConnectErrorResponse{RequestID: r.RequestID, Code: CodeUnknownTarget})
		return
	}

	requesterAddress, requesterPub := addr.Zero, []byte(nil)
	if requester != nil {
		requesterPub = requester.publicKey
		if pub, err := cryptocore.ParsePublicKeyDER(requesterPub); err == nil {
			requesterAddress = pub.Address()
		}
	}

	s.reply(target.addr, &IncomingConnectionResponse{
		PublicKey: requesterPub,
		Address:   requesterAddress,
		Addr:      raddr,
		SourceID:  r.SourceID,
	})
	s.reply(raddr, &ConnectResponse{
		RequestID: r.RequestID,
		PublicKey: target.publicKey,
		Address:   r.Address,
		Addr:      target.addr,
	})
	if s.metrics != nil {
		s.metrics.RendezvousRequestsTotal.WithLabelValues("connect", "ok").Inc()
	}
}

func (s *Server) reply(dst *net.UDPAddr, resp Response) {
	buf, err := EncodeResponse(resp)
	if err != nil {
		s.logger.Warn("encode response failed", logging.KeyError, err)
		return
	}
	if _, err := s.conn.WriteToUDP(buf, dst); err != nil {
		s.logger.Warn("send response failed", logging.KeyError, err)
	}
}

// Close shuts down the receive loop and the underlying socket.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close()
		s.wg.Wait()
		close(s.closed)
	})
	return err
}

// Done returns a channel closed once Close has completed.
func (s *Server) Done() <-chan struct{} {
	return s.closed
}
