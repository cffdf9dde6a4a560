// Package contact implements the long-lived per-remote-identity session
// that multiplexes chat and call sub-protocols over one authenticated
// transport connection, with simultaneous-open tie-breaking.
package contact

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udovin/ntied-core/internal/addr"
	"github.com/udovin/ntied-core/internal/config"
	"github.com/udovin/ntied-core/internal/conn"
	"github.com/udovin/ntied-core/internal/listener"
	"github.com/udovin/ntied-core/internal/logging"
	"github.com/udovin/ntied-core/internal/metrics"
	"github.com/udovin/ntied-core/internal/recovery"
)

// Status is the contact session's lifecycle stage, independent of the
// underlying transport connection's own state.
type Status int32

const (
	StatusPendingOutgoing Status = iota
	StatusPendingIncoming
	StatusRejectedOutgoing
	StatusRejectedIncoming
	StatusAccepted
)

func (s Status) String() string {
	switch s {
	case StatusPendingOutgoing:
		return "pending_outgoing"
	case StatusPendingIncoming:
		return "pending_incoming"
	case StatusRejectedOutgoing:
		return "rejected_outgoing"
	case StatusRejectedIncoming:
		return "rejected_incoming"
	case StatusAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Send methods once the session has shut down.
var ErrClosed = errors.New("contact: session closed")

// Dialer asks the composition layer above contact (transport + rendezvous)
// to establish an outbound Connection to peerAddress.
type Dialer interface {
	Dial(ctx context.Context, peerAddress addr.Address) (*conn.Connection, error)
}

// Session is one remote identity's contact state machine. Exactly one
// goroutine (Run) drives it; all public methods are safe to call
// concurrently from other goroutines.
type Session struct {
	ownAddress  addr.Address
	peerAddress addr.Address
	profile     listener.Profile
	dialer      Dialer
	timers      config.TimersConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics
	observer    listener.Observer

	initiator bool

	status atomic.Int32

	mu      sync.Mutex
	current *conn.Connection

	setConnCh  chan *conn.Connection
	decisionCh chan bool
	chatOutCh  chan []byte
	callOutCh  chan Frame

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

const commandQueueSize = 8

// NewOutgoing creates a session that immediately attempts to dial
// peerAddress and, once connected, resends Contact::Request every second
// until accepted or rejected.
func NewOutgoing(parent context.Context, ownAddress, peerAddress addr.Address, profile listener.Profile, dialer Dialer, timers config.TimersConfig, observer listener.Observer, logger *slog.Logger, m *metrics.Metrics) *Session {
	s := newSession(parent, ownAddress, peerAddress, profile, dialer, timers, observer, logger, m, true)
	s.status.Store(int32(StatusPendingOutgoing))
	return s
}

// NewIncoming creates a session that waits for an inbound Connection (fed
// via SetConnection) and a Contact::Request before notifying the observer.
func NewIncoming(parent context.Context, ownAddress, peerAddress addr.Address, profile listener.Profile, dialer Dialer, timers config.TimersConfig, observer listener.Observer, logger *slog.Logger, m *metrics.Metrics) *Session {
	s := newSession(parent, ownAddress, peerAddress, profile, dialer, timers, observer, logger, m, false)
	s.status.Store(int32(StatusPendingIncoming))
	return s
}

func newSession(parent context.Context, ownAddress, peerAddress addr.Address, profile listener.Profile, dialer Dialer, timers config.TimersConfig, observer listener.Observer, logger *slog.Logger, m *metrics.Metrics, initiator bool) *Session {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	if observer == nil {
		observer = listener.NopObserver{}
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ownAddress:  ownAddress,
		peerAddress: peerAddress,
		profile:     profile,
		dialer:      dialer,
		timers:      timers,
		logger: logger.With(
			logging.KeyComponent, "contact-session",
			logging.KeyAddress, peerAddress.Short()),
		metrics:    m,
		observer:   observer,
		initiator:  initiator,
		setConnCh:  make(chan *conn.Connection, commandQueueSize),
		decisionCh: make(chan bool, 1),
		chatOutCh:  make(chan []byte, commandQueueSize),
		callOutCh:  make(chan Frame, commandQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
	}
}

// Status returns the session's current lifecycle stage.
func (s *Session) Status() Status { return Status(s.status.Load()) }

// PeerAddress returns the remote identity this session is for.
func (s *Session) PeerAddress() addr.Address { return s.peerAddress }

func (s *Session) setStatus(st Status) {
	s.status.Store(int32(st))
	s.metrics.RecordContactStateTransition(st.String())
}

// SetConnection hands the session a Connection obtained through the
// transport's accept path (inbound race). If the session already holds a
// connection, the simultaneous-open tie-break applies: the side whose own
// address sorts lower keeps its existing connection and the newcomer is
// closed.
func (s *Session) SetConnection(c *conn.Connection) {
	select {
	case s.setConnCh <- c:
	case <-s.ctx.Done():
		c.Close()
	}
}

// Accept accepts a PendingIncoming session. It has no effect once the
// session has left that state.
func (s *Session) Accept() {
	select {
	case s.decisionCh <- true:
	default:
	}
}

// Reject rejects a PendingIncoming session, or ends an Accepted one.
func (s *Session) Reject() {
	select {
	case s.decisionCh <- false:
	default:
	}
}

// SendChat enqueues a chat payload for delivery once the session is
// Accepted.
func (s *Session) SendChat(payload []byte) error {
	select {
	case s.chatOutCh <- payload:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

func (s *Session) sendCall(f Frame) error {
	select {
	case s.callOutCh <- f:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// StartCall offers a new call.
func (s *Session) StartCall(id listener.CallID) error { return s.sendCall(&CallOffer{ID: uint64(id)}) }

// AcceptCall accepts a pending incoming call.
func (s *Session) AcceptCall(id listener.CallID) error { return s.sendCall(&CallAccept{ID: uint64(id)}) }

// RejectCall declines a pending incoming call.
func (s *Session) RejectCall(id listener.CallID) error { return s.sendCall(&CallReject{ID: uint64(id)}) }

// EndCall terminates an active or pending call.
func (s *Session) EndCall(id listener.CallID) error { return s.sendCall(&CallEnd{ID: uint64(id)}) }

// SendCallFrame sends one media frame for an active call.
func (s *Session) SendCallFrame(id listener.CallID, payload []byte) error {
	return s.sendCall(&CallFrame{ID: uint64(id), Bytes: payload})
}

// Close tears down the session and its current connection, if any.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.mu.Lock()
		if s.current != nil {
			s.current.Close()
		}
		s.mu.Unlock()
		close(s.closed)
	})
	return nil
}

// Done returns a channel closed once Close has completed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Run drives the session's state machine until Close is called. Callers
// should invoke it in its own goroutine.
func (s *Session) Run() {
	s.wg.Add(1)
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "contact-session")

	for {
		if s.ctx.Err() != nil {
			return
		}
		c, ok := s.establishConnection()
		if !ok {
			return
		}
		s.observer.OnContactConnected(s.peerAddress)
		s.runOverConnection(c)
		if s.ctx.Err() != nil {
			return
		}
		if s.Status() == StatusRejectedOutgoing || s.Status() == StatusRejectedIncoming {
			return
		}
		s.observer.OnContactDisconnected(s.peerAddress, nil)
	}
}

// establishConnection races an outbound dial against an inbound
// SetConnection, applying the tie-break rule when both resolve, per
// spec.md's "whichever resolves first wins" composition.
func (s *Session) establishConnection() (*conn.Connection, bool) {
	type dialResult struct {
		c   *conn.Connection
		err error
	}
	dialCh := make(chan dialResult, 1)
	if s.dialer != nil {
		go func() {
			c, err := s.dialer.Dial(s.ctx, s.peerAddress)
			select {
			case dialCh <- dialResult{c, err}:
			case <-s.ctx.Done():
				if c != nil {
					c.Close()
				}
			}
		}()
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil, false

		case res := <-dialCh:
			if res.err != nil {
				s.logger.Warn("outbound dial failed", logging.KeyError, res.err)
				dialCh = nil
				continue
			}
			if c, won := s.adoptConnection(res.c); won {
				return c, true
			}

		case c := <-s.setConnCh:
			if won, adopted := s.adoptConnection(c); adopted {
				return won, true
			}
		}
	}
}

// adoptConnection installs candidate as the session's current connection,
// or applies the tie-break rule if one is already set.
func (s *Session) adoptConnection(candidate *conn.Connection) (*conn.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		s.current = candidate
		return candidate, true
	}

	s.metrics.RecordContactTieBreak()
	if s.ownAddress.String() < s.peerAddress.String() {
		candidate.Close()
		return s.current, true
	}
	s.current.Close()
	s.current = candidate
	return candidate, true
}

// runOverConnection drives the request/accept/reject handshake and, once
// Accepted, forwards application frames until the connection drops or the
// session is closed.
func (s *Session) runOverConnection(c *conn.Connection) {
	defer func() {
		s.mu.Lock()
		if s.current == c {
			s.current = nil
		}
		s.mu.Unlock()
		c.Close()
	}()

	if s.initiator && s.Status() == StatusPendingOutgoing {
		if !s.runPendingOutgoing(c) {
			return
		}
	} else if !s.initiator && s.Status() == StatusPendingIncoming {
		if !s.runPendingIncoming(c) {
			return
		}
	}

	if s.Status() == StatusAccepted {
		s.runAccepted(c)
	}
}

// runPendingOutgoing resends Contact::Request every second until an
// Accept or Reject arrives, the connection drops, or the session closes.
func (s *Session) runPendingOutgoing(c *conn.Connection) bool {
	buf, err := EncodeFrame(&ContactRequest{Profile: s.profile})
	if err != nil {
		s.logger.Warn("encode contact request failed", logging.KeyError, err)
		return false
	}
	if err := c.Send(buf); err != nil {
		s.logger.Warn("send contact request failed", logging.KeyError, err)
	}

	ticker := time.NewTicker(s.timers.ContactRequestInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-c.Done():
			return false
		case <-ticker.C:
			if err := c.Send(buf); err != nil {
				s.logger.Warn("resend contact request failed", logging.KeyError, err)
			}
		case payload := <-c.Recv():
			f, err := DecodeFrame(payload)
			if err != nil {
				continue
			}
			switch fr := f.(type) {
			case *ContactAccept:
				s.profile = fr.Profile
				s.setStatus(StatusAccepted)
				s.observer.OnContactAccepted(s.peerAddress, fr.Profile)
				return true
			case *ContactReject:
				s.setStatus(StatusRejectedOutgoing)
				s.observer.OnContactRejected(s.peerAddress)
				return false
			}
		}
	}
}

// runPendingIncoming waits for Contact::Request, notifies the observer, and
// waits for a local Accept/Reject decision.
func (s *Session) runPendingIncoming(c *conn.Connection) bool {
	var requestProfile listener.Profile
	requested := false

	for !requested {
		select {
		case <-s.ctx.Done():
			return false
		case <-c.Done():
			return false
		case payload := <-c.Recv():
			f, err := DecodeFrame(payload)
			if err != nil {
				continue
			}
			if req, ok := f.(*ContactRequest); ok {
				requestProfile = req.Profile
				requested = true
				s.observer.OnContactIncoming(s.peerAddress, requestProfile)
			}
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-c.Done():
			return false
		case accepted := <-s.decisionCh:
			if accepted {
				buf, err := EncodeFrame(&ContactAccept{Profile: s.profile})
				if err != nil {
					s.logger.Warn("encode contact accept failed", logging.KeyError, err)
					return false
				}
				if err := c.Send(buf); err != nil {
					s.logger.Warn("send contact accept failed", logging.KeyError, err)
				}
				s.setStatus(StatusAccepted)
				s.observer.OnContactAccepted(s.peerAddress, requestProfile)
				return true
			}
			buf, err := EncodeFrame(&ContactReject{})
			if err == nil {
				c.Send(buf)
			}
			s.setStatus(StatusRejectedIncoming)
			s.observer.OnContactRejected(s.peerAddress)
			return false
		}
	}
}

// runAccepted forwards chat/call frames in both directions until the
// connection drops, the session closes, or a local Reject or a received
// ContactReject ends it.
func (s *Session) runAccepted(c *conn.Connection) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-c.Done():
			return

		case accepted := <-s.decisionCh:
			if !accepted {
				buf, err := EncodeFrame(&ContactReject{})
				if err == nil {
					c.Send(buf)
				}
				if s.initiator {
					s.setStatus(StatusRejectedOutgoing)
				} else {
					s.setStatus(StatusRejectedIncoming)
				}
				s.observer.OnContactRejected(s.peerAddress)
				return
			}

		case payload := <-s.chatOutCh:
			buf, err := EncodeFrame(&Chat{Bytes: payload})
			if err != nil {
				continue
			}
			if err := c.Send(buf); err != nil {
				s.logger.Warn("send chat failed", logging.KeyError, err)
				continue
			}
			s.observer.OnOutgoingMessage(s.peerAddress, payload)

		case f := <-s.callOutCh:
			buf, err := EncodeFrame(f)
			if err != nil {
				continue
			}
			if err := c.Send(buf); err != nil {
				s.logger.Warn("send call frame failed", logging.KeyError, err)
			}

		case payload := <-c.Recv():
			f, err := DecodeFrame(payload)
			if err != nil {
				s.logger.Debug("dropping malformed application frame", logging.KeyError, err)
				continue
			}
			if _, ok := f.(*ContactReject); ok {
				if s.initiator {
					s.setStatus(StatusRejectedOutgoing)
				} else {
					s.setStatus(StatusRejectedIncoming)
				}
				s.observer.OnContactRejected(s.peerAddress)
				return
			}
			s.dispatchInbound(c, f)
		}
	}
}

func (s *Session) dispatchInbound(c *conn.Connection, f Frame) {
	switch fr := f.(type) {
	case *ContactRequest:
		// Idempotent re-acceptance: the peer may have retried a request
		// that already landed before our Accept did.
		buf, err := EncodeFrame(&ContactAccept{Profile: s.profile})
		if err == nil {
			c.Send(buf)
		}
	case *Chat:
		s.observer.OnIncomingMessage(s.peerAddress, fr.Bytes)
	case *CallOffer:
		s.observer.OnCallIncoming(s.peerAddress, listener.CallID(fr.ID))
	case *CallAccept:
		s.observer.OnCallAccepted(s.peerAddress, listener.CallID(fr.ID))
		s.observer.OnCallConnected(s.peerAddress, listener.CallID(fr.ID))
	case *CallReject:
		s.observer.OnCallRejected(s.peerAddress, listener.CallID(fr.ID))
	case *CallEnd:
		s.observer.OnCallEnded(s.peerAddress, listener.CallID(fr.ID))
	case *CallFrame:
		s.observer.OnCallFrame(s.peerAddress, listener.CallID(fr.ID), fr.Bytes)
	}
}
