// Package monitoring provides metrics, log sampling and the health endpoint
// for the xtun relay.
package monitoring

import (
	"sync/atomic"
	"time"
)

// Metrics holds in-process relay counters summarised by the periodic
// performance log line.
type Metrics struct {
	// Tunnels
	ActiveTunnels int64 // Currently paired user/proxy connections
	TotalTunnels  int64 // Tunnels established since start

	// Relay traffic
	BytesUp   int64 // User -> client bytes
	BytesDown int64 // Client -> user bytes

	// Failed handshakes and torn down sessions
	ErrorCount int64

	StartTime time.Time
}

// Uptime gets uptime duration
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.StartTime)
}

// SuccessRate returns the share of tunnel attempts that did not fail.
func (m *Metrics) SuccessRate() float64 {
	total := atomic.LoadInt64(&m.TotalTunnels)
	errors := atomic.LoadInt64(&m.ErrorCount)
	if total+errors == 0 {
		return 100.0
	}
	return float64(total) / float64(total+errors) * 100
}

var globalMetrics = &Metrics{
	StartTime: time.Now(),
}

// GetMetrics gets global metrics
func GetMetrics() *Metrics {
	return globalMetrics
}

// TunnelOpened records a newly paired tunnel.
func TunnelOpened() {
	atomic.AddInt64(&globalMetrics.ActiveTunnels, 1)
	atomic.AddInt64(&globalMetrics.TotalTunnels, 1)
	TunnelsEstablishedTotal.Inc()
	ProxyTunnels.Inc()
}

// TunnelClosed records the end of a paired tunnel.
func TunnelClosed(lifetime time.Duration) {
	atomic.AddInt64(&globalMetrics.ActiveTunnels, -1)
	TunnelDurationSeconds.Observe(lifetime.Seconds())
	ProxyTunnels.Dec()
}

// AddBytesUp adds user -> client relay bytes
func AddBytesUp(n int) {
	atomic.AddInt64(&globalMetrics.BytesUp, int64(n))
	RelayBytesTotal.WithLabelValues(DirectionUp).Add(float64(n))
}

// AddBytesDown adds client -> user relay bytes
func AddBytesDown(n int) {
	atomic.AddInt64(&globalMetrics.BytesDown, int64(n))
	RelayBytesTotal.WithLabelValues(DirectionDown).Add(float64(n))
}

// IncrementErrors counts an error of the given type.
func IncrementErrors(errType string) {
	atomic.AddInt64(&globalMetrics.ErrorCount, 1)
	ErrorsTotal.WithLabelValues(errType).Inc()
}
