package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay directions
const (
	DirectionUp   = "up"   // user -> client
	DirectionDown = "down" // client -> user
)

// Error types
const (
	ErrTypeProtocol  = "protocol"
	ErrTypeIO        = "io"
	ErrTypeBind      = "bind"
	ErrTypeAccept    = "accept"
	ErrTypeOverflow  = "overflow"
	ErrTypeStaleUser = "stale_user"
	ErrTypeProxyFail = "proxy_fail"
)

var (
	ClientSessions  = promauto.NewGauge(prometheus.GaugeOpts{Name: "xtun_client_sessions", Help: "Connected control sessions"})
	RemoteListeners = promauto.NewGauge(prometheus.GaugeOpts{Name: "xtun_remote_listeners", Help: "Public ports bound for clients"})
	UserConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "xtun_user_connections", Help: "External user connections"})
	ProxyTunnels    = promauto.NewGauge(prometheus.GaugeOpts{Name: "xtun_proxy_tunnels", Help: "Paired proxy tunnels"})

	TunnelsEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "xtun_tunnels_established_total", Help: "Proxy tunnels paired with a user"})
	HeartbeatTimeoutsTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "xtun_heartbeat_timeouts_total", Help: "Sessions closed for missing heartbeats"})
	AuthFailuresTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "xtun_auth_failures_total", Help: "Rejected client authentications"})
	RelayBytesTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "xtun_relay_bytes_total", Help: "Relayed plaintext bytes by direction"}, []string{"direction"})
	ErrorsTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "xtun_errors_total", Help: "Errors by type"}, []string{"type"})
	BackpressureTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "xtun_backpressure_total", Help: "Reads deferred because the destination buffer was full"}, []string{"direction"})
	TunnelDurationSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "xtun_tunnel_duration_seconds", Help: "Tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
