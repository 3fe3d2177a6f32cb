package relay

import (
	"crypto/subtle"

	"github.com/buhuipao/xtun/pkg/common/buffer"
	"github.com/buhuipao/xtun/pkg/common/monitoring"
	"github.com/buhuipao/xtun/pkg/common/protocol"
	"github.com/buhuipao/xtun/pkg/common/utils"
	"github.com/buhuipao/xtun/pkg/logger"
	"github.com/buhuipao/xtun/pkg/reactor"
)

func (s *Server) onControlAccept(reactor.Events) {
	conn, err := s.controlLn.Accept()
	if err != nil {
		if !isWouldBlock(err) {
			logger.Error("Control accept failed", "err", err)
			monitoring.IncrementErrors(monitoring.ErrTypeAccept)
		}
		return
	}

	cs := &ClientSession{
		ID:      s.ids.Next(),
		Tag:     utils.GenerateSessionTag(),
		Conn:    conn,
		Status:  StatusAccepted,
		reader:  protocol.NewFrameReader(s.cipher, s.cfg.BufferSize),
		sendBuf: buffer.New(s.cfg.BufferSize),
	}
	s.clients.Add(cs.ID, cs)
	monitoring.ClientSessions.Inc()

	s.loop.Register(conn, reactor.Readable, func(reactor.Events) { s.onControlReadable(cs) })
	cs.Status = StatusAwaitingAuth

	logger.Info("New client connection", "client_id", cs.ID, "session", cs.Tag, "remote_addr", conn.RemoteAddr().String())
}

func (s *Server) onControlReadable(cs *ClientSession) {
	err := cs.reader.ReadFrom(cs.Conn, func(payload []byte) error {
		return s.onControlPayload(cs, payload)
	})
	if err != nil {
		s.controlError(cs, err)
	}
}

func (s *Server) controlError(cs *ClientSession, err error) {
	if isWouldBlock(err) {
		return
	}
	switch {
	case reactor.IsEOF(err):
		logger.Info("Client disconnected", "client_id", cs.ID, "session", cs.Tag, "status", cs.Status.String())
	case isProtocolError(err):
		logger.Warn("Client protocol error", "client_id", cs.ID, "session", cs.Tag, "status", cs.Status.String(), "err", err)
		monitoring.IncrementErrors(monitoring.ErrTypeProtocol)
	default:
		logger.Warn("Client connection error", "client_id", cs.ID, "session", cs.Tag, "status", cs.Status.String(), "err", err)
		monitoring.IncrementErrors(monitoring.ErrTypeIO)
	}
	s.deleteClientSession(cs.ID, "connection closed")
}

func (s *Server) onControlPayload(cs *ClientSession, payload []byte) error {
	switch cs.Status {
	case StatusAwaitingAuth:
		s.checkAuth(cs, payload)
		return nil
	case StatusAwaitingPorts:
		return s.openPorts(cs, payload)
	case StatusActive:
		return s.handleControlMessage(cs, payload)
	default:
		// Reading is paused while the auth ack drains.
		logger.Debug("Ignoring payload in transitional state", "client_id", cs.ID, "status", cs.Status.String(), "size", len(payload))
		return nil
	}
}

// checkAuth compares the first payload with the shared secret. The ack is
// sent either way; the outcome is applied once it has drained.
func (s *Server) checkAuth(cs *ClientSession, payload []byte) {
	ok := len(payload) == len(s.secret) && subtle.ConstantTimeCompare(payload, s.secret) == 1
	if ok {
		cs.Status = StatusAuthOk
		logger.Info("Client authenticated", "client_id", cs.ID, "session", cs.Tag)
	} else {
		cs.Status = StatusAuthFail
		monitoring.AuthFailuresTotal.Inc()
		logger.Warn("Client authentication failed", "client_id", cs.ID, "session", cs.Tag, "payload_size", len(payload), "expected_size", len(s.secret))
	}

	// Pause reading so pipelined bytes wait for the transition.
	s.loop.Unregister(cs.Conn, reactor.Readable)
	cs.afterDrain = func() { s.onAuthAckSent(cs) }
	if err := s.sendControl(cs, protocol.AuthAck); err != nil {
		logger.Error("Failed to queue auth ack", "client_id", cs.ID, "err", err)
		s.deleteClientSession(cs.ID, "auth ack failed")
	}
}

func (s *Server) onAuthAckSent(cs *ClientSession) {
	if cs.Status == StatusAuthFail {
		s.deleteClientSession(cs.ID, "authentication failed")
		return
	}
	cs.Status = StatusAwaitingPorts
	s.loop.Register(cs.Conn, reactor.Readable, func(reactor.Events) { s.onControlReadable(cs) })
	logger.Debug("Auth ack sent, waiting for port list", "client_id", cs.ID)
}

func (s *Server) openPorts(cs *ClientSession, payload []byte) error {
	ports, err := protocol.UnpackPorts(payload)
	if err != nil {
		return protocolErrorf("port list: %v", err)
	}
	cs.Ports = ports

	logger.Info("Opening ports for client", "client_id", cs.ID, "port_count", len(ports), "ports", ports)
	opened := 0
	for _, port := range ports {
		if s.openRemoteListener(cs, port) {
			opened++
		}
	}

	cs.Status = StatusActive
	cs.LastHeartbeat = s.now()
	logger.Info("Client active", "client_id", cs.ID, "session", cs.Tag, "requested_ports", len(ports), "opened_ports", opened)
	return nil
}

func (s *Server) handleControlMessage(cs *ClientSession, payload []byte) error {
	msgType, body, err := protocol.UnpackMessage(payload)
	if err != nil {
		return protocolErrorf("control message: %v", err)
	}

	switch msgType {
	case protocol.MsgTypeHeartbeat:
		if !protocol.IsPing(body) {
			logger.Debug("Ignoring heartbeat with unexpected body", "client_id", cs.ID, "size", len(body))
			return nil
		}
		cs.LastHeartbeat = s.now()
		if err := s.sendControl(cs, protocol.PackHeartbeat(nil, protocol.HeartbeatPong)); err != nil {
			logger.Warn("Dropping heartbeat reply", "client_id", cs.ID, "err", err)
			monitoring.IncrementErrors(monitoring.ErrTypeOverflow)
		}
		return nil

	case protocol.MsgTypeNewProxyReply:
		reply, err := protocol.UnpackNewProxyReply(body)
		if err != nil {
			return protocolErrorf("new proxy reply: %v", err)
		}
		s.handleNewProxyReply(cs, reply)
		return nil

	default:
		logger.Debug("Ignoring unknown control message", "client_id", cs.ID, "type", msgType.String(), "size", len(body))
		return nil
	}
}

func (s *Server) handleNewProxyReply(cs *ClientSession, reply protocol.NewProxyReply) {
	if reply.Success {
		logger.Debug("Make proxy tunnel success", "client_id", cs.ID, "user_id", reply.UserID)
		return
	}

	logger.Warn("Make proxy tunnel fail", "client_id", cs.ID, "user_id", reply.UserID)
	monitoring.IncrementErrors(monitoring.ErrTypeProxyFail)

	u, ok := s.users.Get(reply.UserID)
	if !ok || u.ClientID != cs.ID || !u.Pending() {
		return
	}
	s.deleteUserConnection(u.ID)
}

// sendControl seals plaintext onto the control channel. One frame is in
// flight at a time; later frames wait in the bounded outbox.
func (s *Server) sendControl(cs *ClientSession, plaintext []byte) error {
	size := protocol.SealedSize(len(plaintext))
	if size > cs.sendBuf.Cap() {
		return errFrameTooBig
	}

	if cs.sendBuf.Len() == 0 && len(cs.outbox) == 0 {
		frame, err := protocol.Seal(cs.sendBuf.Tail(), s.cipher, plaintext)
		if err != nil {
			return err
		}
		cs.sendBuf.Commit(len(frame))
		s.loop.Register(cs.Conn, reactor.Writable, func(reactor.Events) { s.onControlWritable(cs) })
		return nil
	}

	if len(cs.outbox) >= s.cfg.MaxPendingMessages {
		return errOutboxFull
	}
	frame, err := protocol.Seal(make([]byte, 0, size), s.cipher, plaintext)
	if err != nil {
		return err
	}
	cs.outbox = append(cs.outbox, frame)
	return nil
}

func (s *Server) onControlWritable(cs *ClientSession) {
	n, err := cs.Conn.Send(cs.sendBuf.Bytes())
	if err != nil {
		s.controlError(cs, err)
		return
	}
	cs.sendBuf.Consume(n)
	if cs.sendBuf.Len() > 0 {
		return
	}

	if len(cs.outbox) > 0 {
		_ = cs.sendBuf.Append(cs.outbox[0])
		cs.outbox[0] = nil
		cs.outbox = cs.outbox[1:]
		return
	}

	s.loop.Unregister(cs.Conn, reactor.Writable)
	if fn := cs.afterDrain; fn != nil {
		cs.afterDrain = nil
		fn()
	}
}
