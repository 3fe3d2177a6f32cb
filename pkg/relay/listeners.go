package relay

import (
	"net"
	"strconv"

	"github.com/buhuipao/xtun/pkg/common/buffer"
	"github.com/buhuipao/xtun/pkg/common/monitoring"
	"github.com/buhuipao/xtun/pkg/common/protocol"
	"github.com/buhuipao/xtun/pkg/logger"
	"github.com/buhuipao/xtun/pkg/reactor"
)

// openRemoteListener binds one requested port for cs. Failures are logged
// and reported as false; they never affect the session.
func (s *Server) openRemoteListener(cs *ClientSession, port uint16) bool {
	if port == 0 {
		logger.Warn("Skipping invalid port", "client_id", cs.ID, "port", port)
		return false
	}

	if ownerID, exists := s.portOwner[port]; exists {
		owner, _ := s.listeners.Get(ownerID)
		if owner != nil && owner.ClientID == cs.ID {
			logger.Info("Port already opened by same client", "client_id", cs.ID, "port", port)
		} else {
			logger.Warn("Port conflict detected", "client_id", cs.ID, "port", port, "listener_id", ownerID)
		}
		return false
	}

	addr := net.JoinHostPort(s.cfg.PublicHost, strconv.Itoa(int(port)))
	ln, err := reactor.Listen("tcp", addr, s.listenerOptions())
	if err != nil {
		logger.Error("Failed to create TCP listener", "client_id", cs.ID, "port", port, "bind_addr", addr, "err", err)
		monitoring.IncrementErrors(monitoring.ErrTypeBind)
		return false
	}

	rl := &RemoteListener{
		ID:       s.ids.Next(),
		Port:     port,
		ClientID: cs.ID,
		Listener: ln,
	}
	s.listeners.Add(rl.ID, rl)
	s.portOwner[port] = rl.ID
	monitoring.RemoteListeners.Inc()
	s.loop.Register(ln, reactor.Readable, func(reactor.Events) { s.onUserAccept(rl) })

	logger.Info("Port forwarding created successfully", "client_id", cs.ID, "listener_id", rl.ID, "port", port, "bind_addr", ln.Addr().String())
	return true
}

// onUserAccept registers an external user and asks the owning client to
// open a proxy tunnel for it.
func (s *Server) onUserAccept(rl *RemoteListener) {
	conn, err := rl.Listener.Accept()
	if err != nil {
		if !isWouldBlock(err) {
			logger.Error("User accept failed", "client_id", rl.ClientID, "port", rl.Port, "err", err)
			monitoring.IncrementErrors(monitoring.ErrTypeAccept)
		}
		return
	}

	cs, ok := s.clients.Get(rl.ClientID)
	if !ok {
		// The owner is gone; its listeners are being torn down.
		_ = conn.Close()
		return
	}

	u := &UserConnection{
		ID:         s.ids.Next(),
		Port:       rl.Port,
		ListenerID: rl.ID,
		ClientID:   rl.ClientID,
		Conn:       conn,
		SendBuf:    buffer.New(s.cfg.BufferSize),
	}
	s.users.Add(u.ID, u)
	monitoring.UserConnections.Inc()

	if monitoring.ShouldLogConnection() {
		logger.Info("User connection accepted (sampled)", "client_id", cs.ID, "user_id", u.ID, "port", u.Port, "remote_addr", conn.RemoteAddr().String())
	} else {
		logger.Debug("User connection accepted", "client_id", cs.ID, "user_id", u.ID, "port", u.Port, "remote_addr", conn.RemoteAddr().String())
	}

	req := protocol.NewProxyRequest{UserID: u.ID, RemotePort: u.Port}
	if err := s.sendControl(cs, protocol.PackNewProxyRequest(nil, req)); err != nil {
		logger.Warn("Dropping user connection, cannot request proxy tunnel", "client_id", cs.ID, "user_id", u.ID, "port", u.Port, "err", err)
		monitoring.IncrementErrors(monitoring.ErrTypeOverflow)
		s.deleteUserConnection(u.ID)
	}
}
