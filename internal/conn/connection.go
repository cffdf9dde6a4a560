// Package conn implements the per-peer connection state machine: handshake,
// steady-state heartbeat and epoch rotation, inbound dispatch, and peer
// address migration, all driven by packets delivered through a
// transport.Transport.
package conn

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udovin/ntied-core/internal/addr"
	"github.com/udovin/ntied-core/internal/config"
	"github.com/udovin/ntied-core/internal/cryptocore"
	"github.com/udovin/ntied-core/internal/logging"
	"github.com/udovin/ntied-core/internal/metrics"
	"github.com/udovin/ntied-core/internal/packet"
	"github.com/udovin/ntied-core/internal/recovery"
	"github.com/udovin/ntied-core/internal/transport"
)

// ErrHandshakeFailed is returned when a handshake exhausts its retries
// without receiving a valid response.
var ErrHandshakeFailed = errors.New("conn: handshake failed")

// ErrVerificationFailed is returned when a peer's identity signature, or
// the correspondence between its declared address and public key, does
// not check out.
var ErrVerificationFailed = errors.New("conn: verification failed")

// ErrClosed is returned by Send/Recv once the connection has shut down.
var ErrClosed = errors.New("conn: connection closed")

// ErrHandshakeDuplicate is returned by Accept when the transport already
// has a handshake pending toward the same (peer address, peer source id)
// pairing, so this accept attempt is abandoned rather than retried.
var ErrHandshakeDuplicate = errors.New("conn: duplicate handshake for peer")

// dataQueueSize and controlQueueSize follow the spec's recommendation of a
// small fixed capacity for application data and a larger one for control
// traffic; producers try-send and drop on overflow rather than block the
// transport's receive loop.
const (
	dataQueueSize    = 4
	controlQueueSize = 16
)

// Role records which side of the handshake this connection played, purely
// for logging and metrics labels.
type Role int

const (
	RoleOutgoing Role = iota
	RoleIncoming
)

func (r Role) String() string {
	if r == RoleIncoming {
		return "incoming"
	}
	return "outgoing"
}

// State is the coarse connection lifecycle stage.
type State int32

const (
	StateHandshaking State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// encryptionState holds the mutable cryptographic state of a connection.
// Per the concurrency model, it is guarded by a plain mutex held only long
// enough to generate a nonce, read the active secret, and build a packet;
// it is never held across I/O.
type encryptionState struct {
	mu sync.Mutex

	epoch        packet.EncryptionEpoch
	ephemeral    *cryptocore.EphemeralKeyPair
	sharedSecret *cryptocore.SharedSecret

	nextEphemeral    *cryptocore.EphemeralKeyPair
	nextSharedSecret *cryptocore.SharedSecret

	sendCounter uint64
}

type inboundEvent struct {
	src          *net.UDPAddr
	handshake    *packet.Handshake
	handshakeAck *packet.HandshakeAck
	encrypted    *packet.Encrypted
}

// Connection is one peer-to-peer encrypted session.
type Connection struct {
	tr     *transport.Transport
	priv   *cryptocore.PrivateKey
	pub    *cryptocore.PublicKey
	pubDER []byte

	ownAddress addr.Address

	sourceID uint32
	targetID atomic.Uint32

	peerAddress addr.Address
	peerPubKey  atomic.Pointer[cryptocore.PublicKey]

	peerAddrMu sync.RWMutex
	peerAddr   *net.UDPAddr

	enc encryptionState

	lastHeartbeatMu sync.Mutex
	lastHeartbeat   time.Time

	timers  config.TimersConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	role    Role

	state atomic.Int32

	inbound chan inboundEvent
	dataCh  chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}

	established   chan struct{}
	establishOnce sync.Once
}

func newConnection(parent context.Context, tr *transport.Transport, sourceID uint32, peerAddress addr.Address, priv *cryptocore.PrivateKey, timers config.TimersConfig, logger *slog.Logger, m *metrics.Metrics, role Role) *Connection {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		tr:          tr,
		priv:        priv,
		pub:         priv.Public(),
		ownAddress:  priv.Public().Address(),
		sourceID:    sourceID,
		peerAddress: peerAddress,
		timers:      timers,
		logger: logger.With(
			logging.KeyComponent, "connection",
			logging.KeySourceID, sourceID,
			logging.KeyAddress, peerAddress.Short()),
		metrics: m,
		role:    role,
		inbound: make(chan inboundEvent, controlQueueSize),
		dataCh:  make(chan []byte, dataQueueSize),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
		established: make(chan struct{}),
	}
	c.pubDER = c.pub.MarshalDER()
	c.state.Store(int32(StateHandshaking))
	return c
}

// SourceID returns this end's locally-assigned source id.
func (c *Connection) SourceID() uint32 { return c.sourceID }

// TargetID returns the peer's source id, valid once Established.
func (c *Connection) TargetID() uint32 { return c.targetID.Load() }

// PeerAddress returns the remote peer's long-term Address.
func (c *Connection) PeerAddress() addr.Address { return c.peerAddress }

// PeerAddr returns the remote peer's current UDP endpoint.
func (c *Connection) PeerAddr() *net.UDPAddr {
	c.peerAddrMu.RLock()
	defer c.peerAddrMu.RUnlock()
	return c.peerAddr
}

func (c *Connection) setPeerAddr(a *net.UDPAddr) {
	c.peerAddrMu.Lock()
	changed := c.peerAddr != nil && c.peerAddr.String() != a.String()
	c.peerAddr = a
	c.peerAddrMu.Unlock()
	if changed {
		c.metrics.PeerMigrations.Inc()
		c.logger.Info("peer address migrated", logging.KeyRemoteAddr, a.String())
	}
}

// State reports the connection's current lifecycle stage.
func (c *Connection) State() State { return State(c.state.Load()) }

// Established returns a channel closed once the handshake completes
// successfully. It never closes if the handshake fails.
func (c *Connection) Established() <-chan struct{} { return c.established }

// Done returns a channel closed once the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Recv returns the channel of decrypted application Data payloads.
func (c *Connection) Recv() <-chan []byte { return c.dataCh }

// Send encrypts and transmits an application Data payload under the epoch
// and secret sendDecrypted selects: the current ones, or the next ones
// while a rotation's next secret is pending.
func (c *Connection) Send(payload []byte) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	return c.sendDecrypted(&packet.Data{Bytes: payload})
}

// Close tears the connection down and releases its transport registrations.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.tr.Unregister(c.sourceID)
		c.enc.mu.Lock()
		if c.enc.ephemeral != nil {
			c.enc.ephemeral.Zero()
		}
		if c.enc.nextEphemeral != nil {
			c.enc.nextEphemeral.Zero()
		}
		if c.enc.sharedSecret != nil {
			c.enc.sharedSecret.Zero()
		}
		if c.enc.nextSharedSecret != nil {
			c.enc.nextSharedSecret.Zero()
		}
		c.enc.mu.Unlock()
		c.state.Store(int32(StateClosed))
		close(c.closed)
	})
	return nil
}

// HandleHandshake implements transport.Dispatcher.
func (c *Connection) HandleHandshake(src *net.UDPAddr, h *packet.Handshake) {
	c.tryDeliver(inboundEvent{src: src, handshake: h})
}

// HandleHandshakeAck implements transport.Dispatcher.
func (c *Connection) HandleHandshakeAck(src *net.UDPAddr, a *packet.HandshakeAck) {
	c.tryDeliver(inboundEvent{src: src, handshakeAck: a})
}

// HandleEncrypted implements transport.Dispatcher.
func (c *Connection) HandleEncrypted(src *net.UDPAddr, e *packet.Encrypted) {
	c.tryDeliver(inboundEvent{src: src, encrypted: e})
}

func (c *Connection) tryDeliver(evt inboundEvent) {
	select {
	case c.inbound <- evt:
	default:
		c.logger.Warn("dropping inbound packet, connection queue full")
	}
}

func ephemeralArray(b []byte) ([cryptocore.EphemeralKeySize]byte, error) {
	var out [cryptocore.EphemeralKeySize]byte
	if len(b) != cryptocore.EphemeralKeySize {
		return out, fmt.Errorf("%w: wrong ephemeral key length", ErrVerificationFailed)
	}
	copy(out[:], b)
	return out, nil
}

func signEphemeral(priv *cryptocore.PrivateKey, ephemeralPub [cryptocore.EphemeralKeySize]byte) ([]byte, error) {
	return priv.Sign(ephemeralPub[:])
}

// Connect drives the outgoing handshake against a known peer endpoint and,
// on success, starts the steady-state loop in a background goroutine.
func Connect(ctx context.Context, tr *transport.Transport, priv *cryptocore.PrivateKey, peerAddress addr.Address, peerAddr *net.UDPAddr, timers config.TimersConfig, logger *slog.Logger, m *metrics.Metrics) (*Connection, error) {
	sourceID := tr.AllocateSourceID()
	c := newConnection(ctx, tr, sourceID, peerAddress, priv, timers, logger, m, RoleOutgoing)

	if err := tr.Register(sourceID, c); err != nil {
		return nil, fmt.Errorf("register source id: %w", err)
	}
	c.setPeerAddr(peerAddr)

	ephemeral, err := cryptocore.GenerateEphemeralKeyPair()
	if err != nil {
		tr.Unregister(sourceID)
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephemeralPub := ephemeral.PublicKeyBytes()
	sig, err := signEphemeral(priv, ephemeralPub)
	if err != nil {
		tr.Unregister(sourceID)
		return nil, fmt.Errorf("sign ephemeral key: %w", err)
	}

	handshake := &packet.Handshake{
		SourceID:           sourceID,
		PublicKey:          c.pubDER,
		Address:            c.ownAddress,
		PeerAddress:        peerAddress,
		EphemeralPublicKey: ephemeralPub[:],
		Signature:          sig,
	}
	buf, err := packet.Encode(handshake)
	if err != nil {
		tr.Unregister(sourceID)
		return nil, fmt.Errorf("encode handshake: %w", err)
	}

	start := time.Now()
	ticker := time.NewTicker(timers.HandshakeRetryInterval)
	defer ticker.Stop()

	if err := tr.SendTo(peerAddr, buf); err != nil {
		c.logger.Warn("send handshake failed", logging.KeyError, err)
	}

	attempts := 1
	for {
		select {
		case <-ctx.Done():
			tr.Unregister(sourceID)
			return nil, ctx.Err()

		case <-ticker.C:
			if attempts >= timers.HandshakeMaxRetries {
				tr.Unregister(sourceID)
				c.metrics.RecordHandshakeFailure("timeout")
				return nil, ErrHandshakeFailed
			}
			attempts++
			if err := tr.SendTo(peerAddr, buf); err != nil {
				c.logger.Warn("send handshake retry failed", logging.KeyError, err)
			}
			c.metrics.HandshakeRetries.Inc()

		case evt := <-c.inbound:
			if evt.handshakeAck == nil {
				continue
			}
			if err := c.completeOutgoingHandshake(evt.src, evt.handshakeAck, ephemeral); err != nil {
				c.logger.Warn("handshake ack rejected", logging.KeyError, err)
				continue
			}
			c.metrics.RecordConnectionEstablished(RoleOutgoing.String())
			c.metrics.RecordHandshake(time.Since(start).Seconds())
			c.spawnSteadyState()
			return c, nil
		}
	}
}

func (c *Connection) completeOutgoingHandshake(src *net.UDPAddr, ack *packet.HandshakeAck, ours *cryptocore.EphemeralKeyPair) error {
	peerPub, err := cryptocore.ParsePublicKeyDER(ack.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: parse peer public key: %v", ErrVerificationFailed, err)
	}
	if peerPub.Address() != ack.Address || ack.Address != c.peerAddress {
		return fmt.Errorf("%w: public key does not derive declared address", ErrVerificationFailed)
	}
	if !peerPub.Verify(ack.EphemeralPublicKey, ack.Signature) {
		return fmt.Errorf("%w: ephemeral key signature", ErrVerificationFailed)
	}
	peerEphemeral, err := ephemeralArray(ack.EphemeralPublicKey)
	if err != nil {
		return err
	}
	secret, err := ours.ComputeSharedSecret(peerEphemeral)
	if err != nil {
		return fmt.Errorf("compute shared secret: %w", err)
	}

	c.enc.mu.Lock()
	c.enc.epoch = 1
	c.enc.ephemeral = ours
	c.enc.sharedSecret = secret
	c.enc.mu.Unlock()

	c.targetID.Store(ack.SourceID)
	c.peerPubKey.Store(peerPub)
	c.setPeerAddr(src)
	c.markEstablished()
	return nil
}

// Accept drives the incoming handshake against an already-known peer
// (identified via the rendezvous server's IncomingConnection notice, which
// supplies the peer's public key, address, endpoint, and source id ahead
// of the first Handshake datagram).
func Accept(ctx context.Context, tr *transport.Transport, priv *cryptocore.PrivateKey, sourceID uint32, peerPublicKey *cryptocore.PublicKey, peerAddress addr.Address, peerSourceID uint32, peerAddr *net.UDPAddr, timers config.TimersConfig, logger *slog.Logger, m *metrics.Metrics) (*Connection, error) {
	c := newConnection(ctx, tr, sourceID, peerAddress, priv, timers, logger, m, RoleIncoming)
	c.peerPubKey.Store(peerPublicKey)
	c.targetID.Store(peerSourceID)

	if err := tr.Register(sourceID, c); err != nil {
		return nil, fmt.Errorf("register source id: %w", err)
	}
	if err := tr.RegisterHandshake(peerAddress, peerSourceID, sourceID); err != nil {
		tr.Unregister(sourceID)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeDuplicate, err)
	}
	c.setPeerAddr(peerAddr)

	ephemeral, err := cryptocore.GenerateEphemeralKeyPair()
	if err != nil {
		tr.Unregister(sourceID)
		tr.UnregisterHandshake(peerAddress, peerSourceID)
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephemeralPub := ephemeral.PublicKeyBytes()
	sig, err := signEphemeral(priv, ephemeralPub)
	if err != nil {
		tr.Unregister(sourceID)
		tr.UnregisterHandshake(peerAddress, peerSourceID)
		return nil, fmt.Errorf("sign ephemeral key: %w", err)
	}

	ack := &packet.HandshakeAck{
		TargetID:           peerSourceID,
		SourceID:           sourceID,
		PublicKey:          c.pubDER,
		Address:            c.ownAddress,
		PeerAddress:        peerAddress,
		EphemeralPublicKey: ephemeralPub[:],
		Signature:          sig,
	}
	buf, err := packet.Encode(ack)
	if err != nil {
		tr.Unregister(sourceID)
		tr.UnregisterHandshake(peerAddress, peerSourceID)
		return nil, fmt.Errorf("encode handshake ack: %w", err)
	}

	start := time.Now()
	ticker := time.NewTicker(timers.HandshakeRetryInterval)
	defer ticker.Stop()

	if err := tr.SendTo(peerAddr, buf); err != nil {
		c.logger.Warn("send handshake ack failed", logging.KeyError, err)
	}

	attempts := 1
	for {
		select {
		case <-ctx.Done():
			tr.Unregister(sourceID)
			tr.UnregisterHandshake(peerAddress, peerSourceID)
			return nil, ctx.Err()

		case <-ticker.C:
			if attempts >= timers.HandshakeMaxRetries {
				tr.Unregister(sourceID)
				tr.UnregisterHandshake(peerAddress, peerSourceID)
				c.metrics.RecordHandshakeFailure("timeout")
				return nil, ErrHandshakeFailed
			}
			attempts++
			if err := tr.SendTo(peerAddr, buf); err != nil {
				c.logger.Warn("send handshake ack retry failed", logging.KeyError, err)
			}
			c.metrics.HandshakeRetries.Inc()

		case evt := <-c.inbound:
			if evt.handshake == nil {
				continue
			}
			if err := c.completeIncomingHandshake(evt.src, evt.handshake, ephemeral); err != nil {
				c.logger.Warn("handshake rejected", logging.KeyError, err)
				continue
			}
			tr.UnregisterHandshake(peerAddress, peerSourceID)
			c.metrics.RecordConnectionEstablished(RoleIncoming.String())
			c.metrics.RecordHandshake(time.Since(start).Seconds())
			c.spawnSteadyState()
			return c, nil
		}
	}
}

func (c *Connection) completeIncomingHandshake(src *net.UDPAddr, h *packet.Handshake, ours *cryptocore.EphemeralKeyPair) error {
	peerPub, err := cryptocore.ParsePublicKeyDER(h.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: parse peer public key: %v", ErrVerificationFailed, err)
	}
	if peerPub.Address() != h.Address || h.Address != c.peerAddress {
		return fmt.Errorf("%w: public key does not derive declared address", ErrVerificationFailed)
	}
	if !peerPub.Verify(h.EphemeralPublicKey, h.Signature) {
		return fmt.Errorf("%w: ephemeral key signature", ErrVerificationFailed)
	}
	peerEphemeral, err := ephemeralArray(h.EphemeralPublicKey)
	if err != nil {
		return err
	}
	secret, err := ours.ComputeSharedSecret(peerEphemeral)
	if err != nil {
		return fmt.Errorf("compute shared secret: %w", err)
	}

	c.enc.mu.Lock()
	c.enc.epoch = 1
	c.enc.ephemeral = ours
	c.enc.sharedSecret = secret
	c.enc.mu.Unlock()

	c.targetID.Store(h.SourceID)
	c.peerPubKey.Store(peerPub)
	c.setPeerAddr(src)
	c.markEstablished()
	return nil
}

func (c *Connection) markEstablished() {
	c.establishOnce.Do(func() {
		c.state.Store(int32(StateEstablished))
		c.lastHeartbeatMu.Lock()
		c.lastHeartbeat = time.Now()
		c.lastHeartbeatMu.Unlock()
		close(c.established)
	})
}

func (c *Connection) spawnSteadyState() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer recovery.RecoverWithLog(c.logger, "connection-steady-state")
		c.runSteadyState()
	}()
}

// runSteadyState implements the four-event-source main loop from §4.5:
// heartbeat ticker, rotation timer, inactivity timeout, and inbound packets.
func (c *Connection) runSteadyState() {
	defer c.Close()

	heartbeatTicker := time.NewTicker(c.timers.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	rotateTimer := time.NewTimer(c.timers.RotationInterval)
	defer rotateTimer.Stop()

	timeoutTimer := time.NewTimer(c.timers.HeartbeatTimeout)
	defer timeoutTimer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.metrics.RecordConnectionClosed("closed")
			return

		case <-heartbeatTicker.C:
			if err := c.sendHeartbeat(); err != nil {
				c.logger.Warn("send heartbeat failed", logging.KeyError, err)
			} else {
				c.metrics.HeartbeatsSent.Inc()
			}

		case <-rotateTimer.C:
			if err := c.initiateRotation(); err != nil {
				c.logger.Warn("initiate rotation failed", logging.KeyError, err)
			} else {
				c.metrics.RotationsStarted.Inc()
			}
			rotateTimer.Reset(c.timers.RotationInterval)

		case <-timeoutTimer.C:
			c.logger.Warn("connection timed out, no authenticated traffic")
			c.metrics.RecordConnectionClosed("timeout")
			return

		case evt := <-c.inbound:
			if evt.handshake != nil || evt.handshakeAck != nil {
				c.logger.Debug("ignoring handshake packet in steady state")
				continue
			}
			if evt.encrypted == nil {
				continue
			}
			if c.handleEncrypted(evt.src, evt.encrypted) {
				if !timeoutTimer.Stop() {
					select {
					case <-timeoutTimer.C:
					default:
					}
				}
				timeoutTimer.Reset(c.timers.HeartbeatTimeout)
			}
		}
	}
}

// handleEncrypted processes an inbound Encrypted packet and reports
// whether it represented authenticated traffic (i.e. decrypted
// successfully), which resets the connection's liveness timer.
func (c *Connection) handleEncrypted(src *net.UDPAddr, e *packet.Encrypted) bool {
	plaintext, epochUsed, err := c.decrypt(e)
	if err != nil {
		c.metrics.RecordDecryptFailure(epochRelationLabel(c.currentEpoch(), e.Epoch))
		c.logger.Warn("decrypt failed, dropping packet", logging.KeyError, err)
		return false
	}

	c.lastHeartbeatMu.Lock()
	c.lastHeartbeat = time.Now()
	c.lastHeartbeatMu.Unlock()
	c.setPeerAddr(src)

	dp, err := packet.DecodeDecrypted(plaintext)
	if err != nil {
		c.logger.Warn("malformed decrypted packet", logging.KeyError, err)
		return true
	}
	c.dispatchDecrypted(epochUsed, dp)
	return true
}

func epochRelationLabel(current, received packet.EncryptionEpoch) string {
	if received == current {
		return "current"
	}
	if received == current.Next() {
		return "next"
	}
	return "unknown"
}

func (c *Connection) currentEpoch() packet.EncryptionEpoch {
	c.enc.mu.Lock()
	defer c.enc.mu.Unlock()
	return c.enc.epoch
}

// decrypt implements the atomic rotation-completion rule: if the inbound
// epoch equals current+1 and a pending next_shared_secret exists, the
// rotation is promoted before decrypting.
func (c *Connection) decrypt(e *packet.Encrypted) ([]byte, packet.EncryptionEpoch, error) {
	c.enc.mu.Lock()

	if e.Epoch == c.enc.epoch.Next() && c.enc.nextSharedSecret != nil {
		if c.enc.ephemeral != nil {
			c.enc.ephemeral.Zero()
		}
		if c.enc.sharedSecret != nil {
			c.enc.sharedSecret.Zero()
		}
		c.enc.epoch = c.enc.epoch.Next()
		c.enc.ephemeral = c.enc.nextEphemeral
		c.enc.sharedSecret = c.enc.nextSharedSecret
		c.enc.nextEphemeral = nil
		c.enc.nextSharedSecret = nil
		c.metrics.RecordRotationCompleted(0)
	}

	if e.Epoch != c.enc.epoch {
		epoch := c.enc.epoch
		c.enc.mu.Unlock()
		return nil, epoch, fmt.Errorf("%w: epoch mismatch", packet.ErrInvalidFormat)
	}

	secret := c.enc.sharedSecret
	epoch := c.enc.epoch
	c.enc.mu.Unlock()

	if secret == nil {
		return nil, epoch, fmt.Errorf("%w: no session key", ErrVerificationFailed)
	}

	ad := packet.AssociatedData(e.TargetID, e.Epoch)
	plaintext, err := secret.DecryptNonce(e.Nonce, ad, e.Payload)
	if err != nil {
		return nil, epoch, err
	}
	return plaintext, epoch, nil
}

func (c *Connection) dispatchDecrypted(epoch packet.EncryptionEpoch, dp packet.DecryptedPacket) {
	switch p := dp.(type) {
	case *packet.Data:
		select {
		case c.dataCh <- p.Bytes:
			c.metrics.BytesReceived.Add(float64(len(p.Bytes)))
		default:
			c.logger.Warn("dropping data packet, application queue full")
		}

	case *packet.Heartbeat:
		if err := c.sendDecrypted(&packet.HeartbeatAck{}); err != nil {
			c.logger.Warn("send heartbeat ack failed", logging.KeyError, err)
		}

	case *packet.HeartbeatAck:
		// last_heartbeat already refreshed by the caller.
		c.metrics.HeartbeatsReceived.Inc()

	case *packet.Rotate:
		c.handleRotate(p)

	case *packet.RotateAck:
		c.handleRotateAck(p)
	}
}

func (c *Connection) handleRotate(r *packet.Rotate) {
	peerPub := c.peerPubKey.Load()
	if peerPub == nil || !peerPub.Verify(r.EphemeralPublicKey, r.Signature) {
		c.logger.Warn("rejecting rotate, bad signature")
		return
	}
	peerEphemeral, err := ephemeralArray(r.EphemeralPublicKey)
	if err != nil {
		c.logger.Warn("rejecting rotate", logging.KeyError, err)
		return
	}

	c.enc.mu.Lock()
	if c.enc.nextEphemeral == nil {
		next, genErr := cryptocore.GenerateEphemeralKeyPair()
		if genErr != nil {
			c.enc.mu.Unlock()
			c.logger.Warn("generate rotation ephemeral key failed", logging.KeyError, genErr)
			return
		}
		c.enc.nextEphemeral = next
	}
	secret, err := c.enc.nextEphemeral.ComputeSharedSecret(peerEphemeral)
	if err != nil {
		c.enc.mu.Unlock()
		c.logger.Warn("compute next shared secret failed", logging.KeyError, err)
		return
	}
	ourNextPub := c.enc.nextEphemeral.PublicKeyBytes()
	c.enc.mu.Unlock()

	sig, err := signEphemeral(c.priv, ourNextPub)
	if err != nil {
		c.logger.Warn("sign rotate ack failed", logging.KeyError, err)
		return
	}
	// The ack must go out while next_shared_secret is still nil, or
	// sendDecrypted's auto-select would seal it under epoch+1 instead of
	// the current epoch (spec: Rotate step 5 emits the ack under the
	// current epoch). Only after the send do we start accepting epoch+1
	// traffic from the peer.
	if err := c.sendDecrypted(&packet.RotateAck{EphemeralPublicKey: ourNextPub[:], Signature: sig}); err != nil {
		c.logger.Warn("send rotate ack failed", logging.KeyError, err)
		return
	}

	c.enc.mu.Lock()
	c.enc.nextSharedSecret = secret
	c.enc.mu.Unlock()
}

func (c *Connection) handleRotateAck(a *packet.RotateAck) {
	peerPub := c.peerPubKey.Load()
	if peerPub == nil || !peerPub.Verify(a.EphemeralPublicKey, a.Signature) {
		c.logger.Warn("rejecting rotate ack, bad signature")
		return
	}
	peerEphemeral, err := ephemeralArray(a.EphemeralPublicKey)
	if err != nil {
		c.logger.Warn("rejecting rotate ack", logging.KeyError, err)
		return
	}

	c.enc.mu.Lock()
	defer c.enc.mu.Unlock()
	if c.enc.nextEphemeral == nil {
		c.logger.Warn("rotate ack with no pending rotation")
		return
	}
	secret, err := c.enc.nextEphemeral.ComputeSharedSecret(peerEphemeral)
	if err != nil {
		c.logger.Warn("compute next shared secret failed", logging.KeyError, err)
		return
	}
	c.enc.nextSharedSecret = secret
}

func (c *Connection) initiateRotation() error {
	c.enc.mu.Lock()
	if c.enc.nextEphemeral == nil {
		next, err := cryptocore.GenerateEphemeralKeyPair()
		if err != nil {
			c.enc.mu.Unlock()
			return err
		}
		c.enc.nextEphemeral = next
	}
	ourNextPub := c.enc.nextEphemeral.PublicKeyBytes()
	c.enc.mu.Unlock()

	sig, err := signEphemeral(c.priv, ourNextPub)
	if err != nil {
		return err
	}
	return c.sendDecrypted(&packet.Rotate{EphemeralPublicKey: ourNextPub[:], Signature: sig})
}

func (c *Connection) sendHeartbeat() error {
	return c.sendDecrypted(&packet.Heartbeat{})
}

// sendDecrypted seals dp under the active epoch — or, if a rotation is in
// flight, under epoch.next() with the pending next_shared_secret — and
// writes it to the peer's current UDP endpoint.
func (c *Connection) sendDecrypted(dp packet.DecryptedPacket) error {
	plaintext, err := packet.EncodeDecrypted(dp)
	if err != nil {
		return fmt.Errorf("encode decrypted packet: %w", err)
	}

	c.enc.mu.Lock()
	epoch := c.enc.epoch
	secret := c.enc.sharedSecret
	if c.enc.nextSharedSecret != nil {
		epoch = c.enc.epoch.Next()
		secret = c.enc.nextSharedSecret
	}
	c.enc.sendCounter++
	counter := c.enc.sendCounter
	c.enc.mu.Unlock()

	if secret == nil {
		return fmt.Errorf("%w: no session key established", ErrClosed)
	}

	nonce, err := buildNonce(counter)
	if err != nil {
		return err
	}

	targetID := c.targetID.Load()
	ad := packet.AssociatedData(targetID, epoch)
	ciphertext, err := secret.EncryptNonce(nonce, ad, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	outer := &packet.Encrypted{TargetID: targetID, Epoch: epoch, Nonce: nonce, Payload: ciphertext}
	buf, err := packet.Encode(outer)
	if err != nil {
		return fmt.Errorf("encode encrypted envelope: %w", err)
	}

	dst := c.PeerAddr()
	if err := c.tr.SendTo(dst, buf); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if _, ok := dp.(*packet.Data); ok {
		c.metrics.BytesSent.Add(float64(len(plaintext)))
	}
	return nil
}

// buildNonce lays out the 12-byte AEAD nonce as an 8-byte little-endian
// monotonic counter followed by 4 random bytes, per the spec's nonce
// layout. The counter alone guarantees no reuse within one connection
// direction; the random suffix guards against counter-reset mistakes
// across process restarts reusing the same derived key.
func buildNonce(counter uint64) ([cryptocore.NonceSize]byte, error) {
	var nonce [cryptocore.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[0:8], counter)
	if _, err := io.ReadFull(rand.Reader, nonce[8:12]); err != nil {
		return nonce, fmt.Errorf("generate nonce randomness: %w", err)
	}
	return nonce, nil
}
