package conn

import (
	"context"
	"errors"
	"log/slog"

	"github.com/udovin/ntied-core/internal/config"
	"github.com/udovin/ntied-core/internal/cryptocore"
	"github.com/udovin/ntied-core/internal/logging"
	"github.com/udovin/ntied-core/internal/metrics"
	"github.com/udovin/ntied-core/internal/recovery"
	"github.com/udovin/ntied-core/internal/rendezvous"
	"github.com/udovin/ntied-core/internal/transport"
)

// IncomingSource is the subset of *rendezvous.ServerConnection's surface
// AcceptFromServer needs, so tests can substitute a fake source without
// standing up a real server.
type IncomingSource interface {
	Accept() <-chan *rendezvous.IncomingConnectionResponse
}

// AcceptFromServer implements the production half of the transport's
// accept path: it drains source's unsolicited IncomingConnection notices
// and, for each, allocates a local source id, runs the incoming handshake
// to completion, and hands the established Connection to onAccept. It
// runs until ctx is canceled or source's channel closes.
func AcceptFromServer(ctx context.Context, tr *transport.Transport, priv *cryptocore.PrivateKey, source IncomingSource, timers config.TimersConfig, logger *slog.Logger, m *metrics.Metrics, onAccept func(*Connection)) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With(logging.KeyComponent, "accept-loop")

	for {
		select {
		case <-ctx.Done():
			return
		case info, ok := <-source.Accept():
			if !ok {
				return
			}
			acceptOne(ctx, tr, priv, info, timers, logger, m, onAccept)
		}
	}
}

func acceptOne(ctx context.Context, tr *transport.Transport, priv *cryptocore.PrivateKey, info *rendezvous.IncomingConnectionResponse, timers config.TimersConfig, logger *slog.Logger, m *metrics.Metrics, onAccept func(*Connection)) {
	defer recovery.RecoverWithLog(logger, "accept-one")

	peerPub, err := cryptocore.ParsePublicKeyDER(info.PublicKey)
	if err != nil {
		logger.Warn("dropping incoming connection, bad public key", logging.KeyError, err)
		return
	}
	if peerPub.Address() != info.Address {
		logger.Warn("dropping incoming connection, public key does not derive declared address",
			logging.KeyAddress, info.Address.Short())
		return
	}

	sourceID := tr.AllocateSourceID()
	c, err := Accept(ctx, tr, priv, sourceID, peerPub, info.Address, info.SourceID, info.Addr, timers, logger, m)
	if err != nil {
		if errors.Is(err, ErrHandshakeDuplicate) {
			logger.Debug("incoming connection already has a handshake pending", logging.KeyAddress, info.Address.Short())
			return
		}
		logger.Warn("accept incoming connection failed", logging.KeyError, err, logging.KeyAddress, info.Address.Short())
		return
	}
	onAccept(c)
}
