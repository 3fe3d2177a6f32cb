package relay

import (
	"github.com/buhuipao/xtun/pkg/common/connection"
	"github.com/buhuipao/xtun/pkg/common/monitoring"
	"github.com/buhuipao/xtun/pkg/logger"
	"github.com/buhuipao/xtun/pkg/reactor"
)

// deleteClientSession tears down a client and everything it owns: its
// tunnels first, then its users, then its listeners. Unknown ids are
// ignored, so the call is safe from any callback order.
func (s *Server) deleteClientSession(id connection.ID, reason string) {
	cs, ok := s.clients.Remove(id)
	if !ok {
		return
	}
	s.loop.Unregister(cs.Conn, reactor.Readable|reactor.Writable)
	_ = cs.Conn.Close()
	cs.outbox = nil
	cs.afterDrain = nil
	monitoring.ClientSessions.Dec()

	owned := func(u *UserConnection) bool { return u.ClientID == id }

	tunnels := 0
	for _, t := range s.tunnels.Filter(func(t *ProxyTunnel) bool {
		u, ok := s.users.Get(t.UserID)
		return ok && owned(u)
	}) {
		s.removeTunnel(t)
		tunnels++
	}

	users := s.users.Filter(owned)
	for _, u := range users {
		s.removeUser(u)
	}

	listeners := s.listeners.Filter(func(rl *RemoteListener) bool { return rl.ClientID == id })
	for _, rl := range listeners {
		s.removeListener(rl)
	}

	logger.Info("Client session closed", "client_id", id, "session", cs.Tag, "reason", reason, "tunnels", tunnels, "users", len(users), "listeners", len(listeners))
}

// deleteUserConnection closes a user and its paired tunnel, if any.
func (s *Server) deleteUserConnection(id connection.ID) {
	u, ok := s.users.Get(id)
	if !ok {
		return
	}
	if t, ok := s.tunnels.Get(u.TunnelID); ok {
		s.removeTunnel(t)
	}
	s.removeUser(u)
}

// deleteProxyTunnel closes a tunnel and its paired user, if any.
func (s *Server) deleteProxyTunnel(id connection.ID) {
	t, ok := s.tunnels.Get(id)
	if !ok {
		return
	}
	s.removeTunnel(t)
	if u, ok := s.users.Get(t.UserID); ok {
		s.removeUser(u)
	}
}

func (s *Server) removeUser(u *UserConnection) {
	if _, ok := s.users.Remove(u.ID); !ok {
		return
	}
	s.loop.Unregister(u.Conn, reactor.Readable|reactor.Writable)
	flush(u.Conn, u.SendBuf.Bytes())
	_ = u.Conn.Close()
	monitoring.UserConnections.Dec()
	logger.Debug("User connection removed", "user_id", u.ID, "client_id", u.ClientID, "tunnel_id", u.TunnelID, "port", u.Port)
}

func (s *Server) removeTunnel(t *ProxyTunnel) {
	if _, ok := s.tunnels.Remove(t.ID); !ok {
		return
	}
	s.loop.Unregister(t.Conn, reactor.Readable|reactor.Writable)
	flush(t.Conn, t.SendBuf.Bytes())
	_ = t.Conn.Close()
	if t.Bound() {
		monitoring.TunnelClosed(s.now().Sub(t.PairedAt))
	}
	logger.Debug("Proxy tunnel removed", "tunnel_id", t.ID, "user_id", t.UserID)
}

func (s *Server) removeListener(rl *RemoteListener) {
	if _, ok := s.listeners.Remove(rl.ID); !ok {
		return
	}
	s.loop.Unregister(rl.Listener, reactor.Readable|reactor.Writable)
	_ = rl.Listener.Close()
	if s.portOwner[rl.Port] == rl.ID {
		delete(s.portOwner, rl.Port)
	}
	monitoring.RemoteListeners.Dec()
	logger.Info("Port forwarding closed", "client_id", rl.ClientID, "listener_id", rl.ID, "port", rl.Port)
}

// flush hands relayed bytes still queued in the relay to the connection,
// which writes them during its linger period.
func flush(conn *reactor.Conn, pending []byte) {
	for len(pending) > 0 {
		n, err := conn.Send(pending)
		if err != nil || n == 0 {
			return
		}
		pending = pending[n:]
	}
}
