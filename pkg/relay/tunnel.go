package relay

import (
	"github.com/buhuipao/xtun/pkg/common/buffer"
	"github.com/buhuipao/xtun/pkg/common/monitoring"
	"github.com/buhuipao/xtun/pkg/common/protocol"
	"github.com/buhuipao/xtun/pkg/logger"
	"github.com/buhuipao/xtun/pkg/reactor"
)

func (s *Server) onProxyAccept(reactor.Events) {
	conn, err := s.proxyLn.Accept()
	if err != nil {
		if !isWouldBlock(err) {
			logger.Error("Proxy accept failed", "err", err)
			monitoring.IncrementErrors(monitoring.ErrTypeAccept)
		}
		return
	}

	t := &ProxyTunnel{
		ID:      s.ids.Next(),
		Conn:    conn,
		SendBuf: buffer.New(s.cfg.BufferSize),
		reader:  protocol.NewFrameReader(s.cipher, s.cfg.BufferSize),
	}
	s.tunnels.Add(t.ID, t)
	s.loop.Register(conn, reactor.Readable, func(reactor.Events) { s.onTunnelHandshake(t) })

	logger.Debug("New proxy connection", "tunnel_id", t.ID, "remote_addr", conn.RemoteAddr().String())
}

// onTunnelHandshake waits for the correlation id naming the pending user.
func (s *Server) onTunnelHandshake(t *ProxyTunnel) {
	err := t.reader.ReadFrom(t.Conn, func(payload []byte) error {
		userID, err := protocol.UnpackUserID(payload)
		if err != nil {
			return protocolErrorf("correlation id: %v", err)
		}
		s.pair(t, userID)
		return nil
	})
	if err != nil {
		s.tunnelError(t, err)
	}
}

func (s *Server) pair(t *ProxyTunnel, userID int32) {
	u, ok := s.users.Get(userID)
	if !ok || !u.Pending() {
		logger.Warn("No pending user for proxy tunnel", "tunnel_id", t.ID, "user_id", userID, "user_exists", ok)
		monitoring.IncrementErrors(monitoring.ErrTypeStaleUser)
		s.deleteProxyTunnel(t.ID)
		return
	}

	u.TunnelID = t.ID
	t.UserID = u.ID
	t.PairedAt = s.now()
	monitoring.TunnelOpened()

	s.loop.Register(t.Conn, reactor.Readable, func(reactor.Events) { s.onTunnelReadable(t) })
	s.loop.Register(u.Conn, reactor.Readable, func(reactor.Events) { s.onUserReadable(u) })

	logger.Debug("Proxy tunnel paired", "client_id", u.ClientID, "tunnel_id", t.ID, "user_id", u.ID, "port", u.Port)
}

// onUserReadable seals user bytes into the tunnel's send buffer.
func (s *Server) onUserReadable(u *UserConnection) {
	t, ok := s.tunnels.Get(u.TunnelID)
	if !ok {
		s.deleteUserConnection(u.ID)
		return
	}

	limit := min(protocol.MaxPlaintext(t.SendBuf.Available()), len(s.scratch))
	if limit <= 0 {
		s.stallUser(u)
		return
	}

	n, err := u.Conn.Recv(s.scratch[:limit])
	if err != nil {
		s.userError(u, err)
		return
	}
	if n == 0 {
		return
	}

	frame, err := protocol.Seal(t.SendBuf.Tail(), s.cipher, s.scratch[:n])
	if err != nil {
		logger.Error("Failed to seal relay frame", "user_id", u.ID, "tunnel_id", t.ID, "err", err)
		s.deleteUserConnection(u.ID)
		return
	}
	t.SendBuf.Commit(len(frame))
	monitoring.AddBytesUp(n)
	if monitoring.ShouldLogData() {
		logger.Debug("Relay user to client (sampled)", "user_id", u.ID, "tunnel_id", t.ID, "bytes", n)
	}

	s.loop.Register(t.Conn, reactor.Writable, func(reactor.Events) { s.onTunnelWritable(t) })
}

// onTunnelReadable decrypts tunnel frames into the user's send buffer.
func (s *Server) onTunnelReadable(t *ProxyTunnel) {
	u, ok := s.users.Get(t.UserID)
	if !ok {
		s.deleteProxyTunnel(t.ID)
		return
	}

	// The plaintext of a frame never exceeds its ciphertext length.
	if t.reader.InPayload() && u.SendBuf.Available() < t.reader.PayloadLen() {
		s.stallTunnel(t)
		return
	}

	err := t.reader.ReadFrom(t.Conn, func(plaintext []byte) error {
		_ = u.SendBuf.Append(plaintext)
		monitoring.AddBytesDown(len(plaintext))
		if monitoring.ShouldLogData() {
			logger.Debug("Relay client to user (sampled)", "user_id", u.ID, "tunnel_id", t.ID, "bytes", len(plaintext))
		}
		if u.SendBuf.Len() > 0 {
			s.loop.Register(u.Conn, reactor.Writable, func(reactor.Events) { s.onUserWritable(u) })
		}
		return nil
	})
	if err != nil {
		s.tunnelError(t, err)
	}
}

func (s *Server) onTunnelWritable(t *ProxyTunnel) {
	n, err := t.Conn.Send(t.SendBuf.Bytes())
	if err != nil {
		if !isWouldBlock(err) {
			s.tunnelError(t, err)
		}
		return
	}
	t.SendBuf.Consume(n)
	if t.SendBuf.Len() == 0 {
		s.loop.Unregister(t.Conn, reactor.Writable)
	}

	if u, ok := s.users.Get(t.UserID); ok && u.stalled && protocol.MaxPlaintext(t.SendBuf.Available()) > 0 {
		s.resumeUser(u)
	}
}

func (s *Server) onUserWritable(u *UserConnection) {
	n, err := u.Conn.Send(u.SendBuf.Bytes())
	if err != nil {
		if !isWouldBlock(err) {
			s.userError(u, err)
		}
		return
	}
	u.SendBuf.Consume(n)
	if u.SendBuf.Len() == 0 {
		s.loop.Unregister(u.Conn, reactor.Writable)
	}

	if t, ok := s.tunnels.Get(u.TunnelID); ok && t.stalled && u.SendBuf.Available() >= t.reader.PayloadLen() {
		s.resumeTunnel(t)
	}
}

func (s *Server) stallUser(u *UserConnection) {
	u.stalled = true
	s.loop.Unregister(u.Conn, reactor.Readable)
	monitoring.BackpressureTotal.WithLabelValues(monitoring.DirectionUp).Inc()
	if monitoring.ShouldLogBackpressure() {
		logger.Warn("Tunnel send buffer full, deferring user reads", "user_id", u.ID, "tunnel_id", u.TunnelID)
	}
}

func (s *Server) resumeUser(u *UserConnection) {
	u.stalled = false
	s.loop.Register(u.Conn, reactor.Readable, func(reactor.Events) { s.onUserReadable(u) })
}

func (s *Server) stallTunnel(t *ProxyTunnel) {
	t.stalled = true
	s.loop.Unregister(t.Conn, reactor.Readable)
	monitoring.BackpressureTotal.WithLabelValues(monitoring.DirectionDown).Inc()
	if monitoring.ShouldLogBackpressure() {
		logger.Warn("User send buffer full, deferring tunnel reads", "tunnel_id", t.ID, "user_id", t.UserID)
	}
}

func (s *Server) resumeTunnel(t *ProxyTunnel) {
	t.stalled = false
	s.loop.Register(t.Conn, reactor.Readable, func(reactor.Events) { s.onTunnelReadable(t) })
}

func (s *Server) userError(u *UserConnection, err error) {
	if isWouldBlock(err) {
		return
	}
	if reactor.IsEOF(err) {
		logger.Debug("User connection closed", "user_id", u.ID, "tunnel_id", u.TunnelID, "port", u.Port)
	} else {
		if monitoring.ShouldLogError() {
			logger.Warn("User connection error", "user_id", u.ID, "tunnel_id", u.TunnelID, "port", u.Port, "err", err)
		}
		monitoring.IncrementErrors(monitoring.ErrTypeIO)
	}
	s.deleteUserConnection(u.ID)
}

func (s *Server) tunnelError(t *ProxyTunnel, err error) {
	if isWouldBlock(err) {
		return
	}
	switch {
	case reactor.IsEOF(err):
		logger.Debug("Proxy tunnel closed", "tunnel_id", t.ID, "user_id", t.UserID)
	case isProtocolError(err):
		logger.Warn("Proxy tunnel protocol error", "tunnel_id", t.ID, "user_id", t.UserID, "err", err)
		monitoring.IncrementErrors(monitoring.ErrTypeProtocol)
	default:
		if monitoring.ShouldLogError() {
			logger.Warn("Proxy tunnel error", "tunnel_id", t.ID, "user_id", t.UserID, "err", err)
		}
		monitoring.IncrementErrors(errorType(err))
	}
	s.deleteProxyTunnel(t.ID)
}
