// Package main provides the CLI entry point for ntied-core.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/udovin/ntied-core/internal/addr"
	"github.com/udovin/ntied-core/internal/config"
	"github.com/udovin/ntied-core/internal/conn"
	"github.com/udovin/ntied-core/internal/contact"
	"github.com/udovin/ntied-core/internal/cryptocore"
	"github.com/udovin/ntied-core/internal/listener"
	"github.com/udovin/ntied-core/internal/logging"
	"github.com/udovin/ntied-core/internal/metrics"
	"github.com/udovin/ntied-core/internal/rendezvous"
	"github.com/udovin/ntied-core/internal/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "ntied-core",
		Short:   "ntied-core - secure peer-to-peer transport core",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	keygen := keygenCmd()
	keygen.GroupID = "start"
	rootCmd.AddCommand(keygen)

	serve := serveCmd()
	serve.GroupID = "start"
	rootCmd.AddCommand(serve)

	connect := connectCmd()
	connect.GroupID = "admin"
	rootCmd.AddCommand(connect)

	chat := chatCmd()
	chat.GroupID = "admin"
	rootCmd.AddCommand(chat)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new long-term identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := cryptocore.GeneratePrivateKey()
			if err != nil {
				return fmt.Errorf("generate identity key: %w", err)
			}
			pem, err := priv.MarshalPEM()
			if err != nil {
				return fmt.Errorf("marshal identity key: %w", err)
			}
			if err := os.WriteFile(out, pem, 0o600); err != nil {
				return fmt.Errorf("write identity key: %w", err)
			}
			fmt.Printf("wrote identity key to %s\naddress: %s\n", out, priv.Public().Address())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "./identity.pem", "path to write the PKCS#8 PEM private key")
	return cmd
}

func loadOrGenerateIdentity(path string) (*cryptocore.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return cryptocore.ParsePrivateKeyPEM(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity key: %w", err)
	}
	priv, err := cryptocore.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	pem, err := priv.MarshalPEM()
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if err := os.WriteFile(path, pem, 0o600); err != nil {
		return nil, fmt.Errorf("write identity key: %w", err)
	}
	return priv, nil
}

func serveCmd() *cobra.Command {
	var configPath string
	var bindAddress string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a rendezvous directory server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if bindAddress != "" {
				cfg.Transport.BindAddress = bindAddress
			}

			logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)
			m := metrics.NewMetrics()

			srv, err := rendezvous.NewServer(cfg.Transport.BindAddress, rendezvous.DefaultServerConfig(), logger, m)
			if err != nil {
				return fmt.Errorf("start rendezvous server: %w", err)
			}
			defer srv.Close()

			go srv.Run()

			if cfg.HTTP.Enabled {
				logger.Info("metrics endpoint requested but not wired in this binary", logging.KeyComponent, "serve")
			}

			logger.Info("rendezvous server listening", logging.KeyLocalAddr, srv.LocalAddr().String())
			waitForSignal()
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	cmd.Flags().StringVar(&bindAddress, "bind", "", "override transport.bind_address")
	return cmd
}

func connectCmd() *cobra.Command {
	var configPath string
	var identityPath string
	var peerAddrFlag string
	var peerAddressFlag string
	var rendezvousAddr string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Bind a transport, connect to a peer, and pipe stdin/stdout through data packets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if identityPath != "" {
				cfg.Node.IdentityKeyPath = identityPath
			}

			logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)
			m := metrics.NewMetrics()

			priv, err := loadOrGenerateIdentity(cfg.Node.IdentityKeyPath)
			if err != nil {
				return err
			}
			logger.Info("identity loaded", logging.KeyAddress, priv.Public().Address().String())

			tr, err := transport.New(transport.Config{
				BindAddress:      cfg.Transport.BindAddress,
				InboundRateLimit: cfg.Transport.InboundRateLimit,
				InboundRateBurst: cfg.Transport.InboundRateBurst,
			}, priv, logger, m)
			if err != nil {
				return fmt.Errorf("start transport: %w", err)
			}
			go tr.Run()
			defer tr.Close()

			ctx, cancel := signalContext()
			defer cancel()

			var peerAddr *net.UDPAddr
			var peerAddress addr.Address

			switch {
			case peerAddrFlag != "" && peerAddressFlag != "":
				peerAddr, err = net.ResolveUDPAddr("udp", peerAddrFlag)
				if err != nil {
					return fmt.Errorf("resolve peer address: %w", err)
				}
				peerAddress, err = addr.ParseString(peerAddressFlag)
				if err != nil {
					return fmt.Errorf("parse peer identity: %w", err)
				}

			case rendezvousAddr != "" && peerAddressFlag != "":
				peerAddress, err = addr.ParseString(peerAddressFlag)
				if err != nil {
					return fmt.Errorf("parse peer identity: %w", err)
				}
				peerAddr, err = resolveViaRendezvous(ctx, rendezvousAddr, priv, tr, peerAddress, cfg, logger, m)
				if err != nil {
					return err
				}

			default:
				return fmt.Errorf("connect requires either --peer-addr and --peer-id, or --rendezvous and --peer-id")
			}

			c, err := conn.Connect(ctx, tr, priv, peerAddress, peerAddr, cfg.Timers, logger, m)
			if err != nil {
				return fmt.Errorf("connect to peer: %w", err)
			}
			defer c.Close()

			logger.Info("connected", logging.KeyAddress, peerAddress.Short())
			pipeStdio(ctx, c, logger)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	cmd.Flags().StringVar(&identityPath, "identity", "", "override node.identity_key_path")
	cmd.Flags().StringVar(&peerAddrFlag, "peer-addr", "", "peer's UDP socket address (direct connect)")
	cmd.Flags().StringVar(&peerAddressFlag, "peer-id", "", "peer's long-term address (base32)")
	cmd.Flags().StringVar(&rendezvousAddr, "rendezvous", "", "rendezvous server UDP address (for address discovery)")
	return cmd
}

// directDialer dials a peer directly over a bound transport, skipping
// rendezvous lookup, for use as a contact.Dialer.
type directDialer struct {
	tr      *transport.Transport
	priv    *cryptocore.PrivateKey
	addr    *net.UDPAddr
	timers  config.TimersConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func (d *directDialer) Dial(ctx context.Context, peerAddress addr.Address) (*conn.Connection, error) {
	return conn.Connect(ctx, d.tr, d.priv, peerAddress, d.addr, d.timers, d.logger, d.metrics)
}

// rendezvousDialer dials a peer by first asking a rendezvous server to
// resolve its current UDP endpoint, for use as a contact.Dialer.
type rendezvousDialer struct {
	tr      *transport.Transport
	priv    *cryptocore.PrivateKey
	sc      *rendezvous.ServerConnection
	timers  config.TimersConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func (d *rendezvousDialer) Dial(ctx context.Context, peerAddress addr.Address) (*conn.Connection, error) {
	// The sourceID advertised here is advisory: the target learns the
	// connector's authoritative source id from the Handshake datagram
	// itself once conn.Connect sends it.
	resp, err := d.sc.Connect(ctx, peerAddress, d.tr.AllocateSourceID())
	if err != nil {
		return nil, fmt.Errorf("rendezvous connect: %w", err)
	}
	return conn.Connect(ctx, d.tr, d.priv, peerAddress, resp.Addr, d.timers, d.logger, d.metrics)
}

// consoleObserver prints contact and chat lifecycle events to stdout and
// auto-accepts any incoming contact request, for use by the chat dev
// harness. Calls must never block, per listener.Observer's contract.
type consoleObserver struct {
	listener.NopObserver
	session func() *contact.Session
}

func (o *consoleObserver) OnContactIncoming(peer addr.Address, profile listener.Profile) {
	fmt.Printf("* contact request from %s, auto-accepting\n", peer.Short())
	if s := o.session(); s != nil {
		s.Accept()
	}
}

func (o *consoleObserver) OnContactAccepted(peer addr.Address, profile listener.Profile) {
	fmt.Printf("* contact with %s accepted\n", peer.Short())
}

func (o *consoleObserver) OnContactRejected(peer addr.Address) {
	fmt.Printf("* contact with %s rejected\n", peer.Short())
}

func (o *consoleObserver) OnContactConnected(peer addr.Address) {
	fmt.Printf("* connected to %s\n", peer.Short())
}

func (o *consoleObserver) OnContactDisconnected(peer addr.Address, err error) {
	fmt.Printf("* disconnected from %s, retrying\n", peer.Short())
}

func (o *consoleObserver) OnIncomingMessage(peer addr.Address, payload []byte) {
	fmt.Printf("%s: %s\n", peer.Short(), payload)
}

func chatCmd() *cobra.Command {
	var configPath string
	var identityPath string
	var peerAddrFlag string
	var peerAddressFlag string
	var profileFlag string
	var rendezvousAddr string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a contact session with a peer and exchange chat messages over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if identityPath != "" {
				cfg.Node.IdentityKeyPath = identityPath
			}

			logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)
			m := metrics.NewMetrics()

			priv, err := loadOrGenerateIdentity(cfg.Node.IdentityKeyPath)
			if err != nil {
				return err
			}
			logger.Info("identity loaded", logging.KeyAddress, priv.Public().Address().String())

			tr, err := transport.New(transport.Config{
				BindAddress:      cfg.Transport.BindAddress,
				InboundRateLimit: cfg.Transport.InboundRateLimit,
				InboundRateBurst: cfg.Transport.InboundRateBurst,
			}, priv, logger, m)
			if err != nil {
				return fmt.Errorf("start transport: %w", err)
			}
			go tr.Run()
			defer tr.Close()

			peerAddress, err := addr.ParseString(peerAddressFlag)
			if err != nil {
				return fmt.Errorf("parse peer identity: %w", err)
			}

			ctx, cancel := signalContext()
			defer cancel()

			var dialer contact.Dialer
			var sc *rendezvous.ServerConnection

			if rendezvousAddr != "" {
				serverAddr, err := net.ResolveUDPAddr("udp", rendezvousAddr)
				if err != nil {
					return fmt.Errorf("resolve rendezvous server address: %w", err)
				}
				raw := tr.RegisterRaw(serverAddr)

				clientCfg := rendezvous.DefaultClientConfig()
				clientCfg.HeartbeatInterval = cfg.Rendezvous.HeartbeatInterval
				clientCfg.RequestTimeout = cfg.Rendezvous.RequestTimeout

				sc = rendezvous.NewServerConnection(serverAddr, tr, raw, priv.Public().Address(), priv.Public().MarshalDER(), clientCfg, logger, m)
				if err := sc.Start(ctx); err != nil {
					return fmt.Errorf("register with rendezvous server: %w", err)
				}
				defer sc.Close()
				defer tr.UnregisterRaw(serverAddr)

				dialer = &rendezvousDialer{tr: tr, priv: priv, sc: sc, timers: cfg.Timers, logger: logger, metrics: m}
			} else {
				if peerAddrFlag == "" {
					return fmt.Errorf("chat requires --peer-addr, or --rendezvous for discovery and inbound acceptance")
				}
				peerAddr, err := net.ResolveUDPAddr("udp", peerAddrFlag)
				if err != nil {
					return fmt.Errorf("resolve peer address: %w", err)
				}
				dialer = &directDialer{tr: tr, priv: priv, addr: peerAddr, timers: cfg.Timers, logger: logger, metrics: m}
			}

			var session *contact.Session
			obs := &consoleObserver{session: func() *contact.Session { return session }}
			session = contact.NewOutgoing(ctx, priv.Public().Address(), peerAddress, listener.Profile(profileFlag), dialer, cfg.Timers, obs, logger, m)
			go session.Run()
			defer session.Close()

			if sc != nil {
				go conn.AcceptFromServer(ctx, tr, priv, sc, cfg.Timers, logger, m, func(c *conn.Connection) {
					if c.PeerAddress() != peerAddress {
						logger.Info("rejecting incoming connection from unexpected peer", logging.KeyAddress, c.PeerAddress().Short())
						c.Close()
						return
					}
					session.SetConnection(c)
				})
			}

			pipeChat(ctx, session, logger)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	cmd.Flags().StringVar(&identityPath, "identity", "", "override node.identity_key_path")
	cmd.Flags().StringVar(&peerAddrFlag, "peer-addr", "", "peer's UDP socket address (direct connect)")
	cmd.Flags().StringVar(&peerAddressFlag, "peer-id", "", "peer's long-term address (base32)")
	cmd.Flags().StringVar(&profileFlag, "profile", "ntied-core", "display-name profile sent with the contact request")
	cmd.Flags().StringVar(&rendezvousAddr, "rendezvous", "", "rendezvous server UDP address (enables discovery and inbound acceptance)")
	return cmd
}

// pipeChat forwards each line of stdin as a chat message and prints incoming
// messages, until the session or context ends.
func pipeChat(ctx context.Context, session *contact.Session, logger *slog.Logger) {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := session.SendChat(line); err != nil {
				logger.Warn("send chat failed", logging.KeyError, err)
				return
			}
		}
	}
}

// resolveViaRendezvous registers with the rendezvous server and asks it to
// broker an introduction to peerAddress, returning the socket address the
// connector should dial directly.
func resolveViaRendezvous(ctx context.Context, serverAddrStr string, priv *cryptocore.PrivateKey, tr *transport.Transport, peerAddress addr.Address, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", serverAddrStr)
	if err != nil {
		return nil, fmt.Errorf("resolve rendezvous server address: %w", err)
	}

	raw := tr.RegisterRaw(serverAddr)
	defer tr.UnregisterRaw(serverAddr)

	clientCfg := rendezvous.DefaultClientConfig()
	clientCfg.HeartbeatInterval = cfg.Rendezvous.HeartbeatInterval
	clientCfg.RequestTimeout = cfg.Rendezvous.RequestTimeout

	sc := rendezvous.NewServerConnection(serverAddr, tr, raw, priv.Public().Address(), priv.Public().MarshalDER(), clientCfg, logger, m)
	if err := sc.Start(ctx); err != nil {
		return nil, fmt.Errorf("register with rendezvous server: %w", err)
	}
	defer sc.Close()

	// The sourceID advertised here is advisory: the target learns the
	// connector's authoritative source id from the Handshake datagram
	// itself once conn.Connect sends it.
	resp, err := sc.Connect(ctx, peerAddress, tr.AllocateSourceID())
	if err != nil {
		return nil, fmt.Errorf("rendezvous connect: %w", err)
	}
	return resp.Addr, nil
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// pipeStdio forwards each line of stdin to the connection and prints each
// received payload to stdout, until the connection or context ends.
func pipeStdio(ctx context.Context, c *conn.Connection, logger *slog.Logger) {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Send(line); err != nil {
				logger.Warn("send failed", logging.KeyError, err)
				return
			}
		case payload, ok := <-c.Recv():
			if !ok {
				return
			}
			fmt.Printf("%s (%s)\n", payload, humanize.Bytes(uint64(len(payload))))
		}
	}
}
