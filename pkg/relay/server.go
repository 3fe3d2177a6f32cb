// Package relay implements the xtun reverse-tunnel relay: client control
// sessions, public remote listeners, user connections and the proxy tunnels
// that carry their bytes, all driven by a single reactor loop.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/buhuipao/xtun/pkg/common/connection"
	"github.com/buhuipao/xtun/pkg/common/cryptor"
	"github.com/buhuipao/xtun/pkg/config"
	"github.com/buhuipao/xtun/pkg/logger"
	"github.com/buhuipao/xtun/pkg/reactor"
)

// Option customises a Server.
type Option func(*Server)

// WithClock replaces the clock used for heartbeat bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server is the relay. All entity state is owned by its loop goroutine.
type Server struct {
	cfg    config.ServerConfig
	cipher cryptor.Cipher
	secret []byte
	loop   *reactor.Loop
	now    func() time.Time

	ids       connection.IDAllocator
	clients   *connection.Registry[*ClientSession]
	listeners *connection.Registry[*RemoteListener]
	users     *connection.Registry[*UserConnection]
	tunnels   *connection.Registry[*ProxyTunnel]
	portOwner map[uint16]connection.ID // port -> RemoteListener id

	controlLn *reactor.Listener
	proxyLn   *reactor.Listener
	hbTimer   int64
	scratch   []byte // relay read buffer, loop goroutine only

	ready atomic.Bool
}

// New creates a relay server for cfg. Missing values take their defaults;
// the result must still pass validation.
func New(cfg config.ServerConfig, opts ...Option) (*Server, error) {
	c := config.Config{Server: cfg}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	secret := cryptor.Digest(c.Server.Password)
	cipher, err := cryptor.NewAESCBC(secret)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       c.Server,
		cipher:    cipher,
		secret:    secret,
		loop:      reactor.NewLoop(),
		now:       time.Now,
		clients:   connection.NewRegistry[*ClientSession]("clients"),
		listeners: connection.NewRegistry[*RemoteListener]("listeners"),
		users:     connection.NewRegistry[*UserConnection]("users"),
		tunnels:   connection.NewRegistry[*ProxyTunnel]("tunnels"),
		portOwner: make(map[uint16]connection.ID),
		scratch:   make([]byte, c.Server.BufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}

	logger.Info("Creating relay server", "control_addr", s.cfg.ControlAddr, "proxy_addr", s.cfg.ProxyAddr, "public_host", s.cfg.PublicHost, "heartbeat_interval", s.cfg.HeartbeatInterval, "heartbeat_timeout", s.cfg.HeartbeatTimeout, "buffer_size", s.cfg.BufferSize)
	return s, nil
}

func (s *Server) connOptions() reactor.ConnOptions {
	return reactor.ConnOptions{BufferSize: s.cfg.BufferSize, Linger: s.cfg.LingerTimeout}
}

func (s *Server) listenerOptions() reactor.ListenerOptions {
	return reactor.ListenerOptions{Backlog: s.cfg.AcceptBacklog, Conn: s.connOptions()}
}

// Start binds the control and proxy listeners and arms the heartbeat
// monitor. It must be called before Run.
func (s *Server) Start() error {
	logger.Info("Starting relay server", "control_addr", s.cfg.ControlAddr, "proxy_addr", s.cfg.ProxyAddr)

	controlLn, err := reactor.Listen("tcp", s.cfg.ControlAddr, s.listenerOptions())
	if err != nil {
		logger.Error("Failed to listen for clients", "control_addr", s.cfg.ControlAddr, "err", err)
		return fmt.Errorf("listen control %s: %w", s.cfg.ControlAddr, err)
	}

	proxyLn, err := reactor.Listen("tcp", s.cfg.ProxyAddr, s.listenerOptions())
	if err != nil {
		_ = controlLn.Close()
		logger.Error("Failed to listen for proxy tunnels", "proxy_addr", s.cfg.ProxyAddr, "err", err)
		return fmt.Errorf("listen proxy %s: %w", s.cfg.ProxyAddr, err)
	}

	s.controlLn = controlLn
	s.proxyLn = proxyLn
	s.loop.Register(controlLn, reactor.Readable, s.onControlAccept)
	s.loop.Register(proxyLn, reactor.Readable, s.onProxyAccept)
	s.hbTimer = s.loop.AddTimer(s.cfg.HeartbeatInterval, s.onHeartbeatTimer)
	s.ready.Store(true)

	logger.Info("Relay server started", "control_addr", controlLn.Addr().String(), "proxy_addr", proxyLn.Addr().String())
	return nil
}

// Run drives the relay until ctx is done or Stop is called, then tears
// down every session and closes the listeners.
func (s *Server) Run(ctx context.Context) error {
	if s.controlLn == nil {
		return errors.New("relay server not started")
	}
	err := s.loop.Run(ctx)
	s.shutdown()
	return err
}

// Stop makes Run return.
func (s *Server) Stop() {
	s.loop.Stop()
}

// Ready reports whether the server is accepting clients. Safe from any goroutine.
func (s *Server) Ready() bool {
	return s.ready.Load()
}

// ControlAddr returns the bound control listener address.
func (s *Server) ControlAddr() net.Addr {
	return s.controlLn.Addr()
}

// ProxyAddr returns the bound proxy listener address.
func (s *Server) ProxyAddr() net.Addr {
	return s.proxyLn.Addr()
}

// Stats returns the registry sizes, read on the loop goroutine.
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.loop.Call(ctx, func() { st = s.stats() })
	return st, err
}

func (s *Server) stats() Stats {
	return Stats{
		ClientSessions:  s.clients.Len(),
		RemoteListeners: s.listeners.Len(),
		UserConnections: s.users.Len(),
		ProxyTunnels:    s.tunnels.Len(),
	}
}

// shutdown runs on the loop goroutine after the loop stopped.
func (s *Server) shutdown() {
	s.ready.Store(false)
	logger.Info("Shutting down relay server", "client_count", s.clients.Len(), "tunnel_count", s.tunnels.Len())

	s.loop.DelTimer(s.hbTimer)

	// Step 1: Delete every client, cascading to its listeners, users and tunnels
	for _, cs := range s.clients.Snapshot() {
		s.deleteClientSession(cs.ID, "server shutdown")
	}

	// Step 2: Close tunnels that never presented a correlation id
	for _, t := range s.tunnels.Snapshot() {
		s.deleteProxyTunnel(t.ID)
	}

	// Step 3: Close the public listeners
	s.loop.Unregister(s.controlLn, reactor.Readable|reactor.Writable)
	s.loop.Unregister(s.proxyLn, reactor.Readable|reactor.Writable)
	if err := s.controlLn.Close(); err != nil {
		logger.Debug("Error closing control listener", "err", err)
	}
	if err := s.proxyLn.Close(); err != nil {
		logger.Debug("Error closing proxy listener", "err", err)
	}

	logger.Info("Relay server shutdown completed")
}
