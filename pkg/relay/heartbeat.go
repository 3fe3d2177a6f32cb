package relay

import (
	"time"

	"github.com/buhuipao/xtun/pkg/common/monitoring"
	"github.com/buhuipao/xtun/pkg/logger"
)

func (s *Server) onHeartbeatTimer(int64) time.Duration {
	s.checkHeartbeats()
	return s.cfg.HeartbeatInterval
}

// checkHeartbeats closes active sessions that have not sent a ping within
// the heartbeat timeout. Sessions still in their handshake are not tracked.
func (s *Server) checkHeartbeats() {
	now := s.now()
	for _, cs := range s.clients.Snapshot() {
		if cs.LastHeartbeat.IsZero() {
			continue
		}
		if idle := now.Sub(cs.LastHeartbeat); idle > s.cfg.HeartbeatTimeout {
			logger.Warn("Client heartbeat timeout", "client_id", cs.ID, "session", cs.Tag, "idle", idle, "timeout", s.cfg.HeartbeatTimeout)
			monitoring.HeartbeatTimeoutsTotal.Inc()
			s.deleteClientSession(cs.ID, "heartbeat timeout")
		}
	}
}
