package monitoring

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// LogSampler log sampler for reducing high-frequency logs
type LogSampler struct {
	counter  uint64
	interval uint64 // How often to record logs
}

// NewLogSampler creates a log sampler
func NewLogSampler(interval uint64) *LogSampler {
	if interval == 0 {
		interval = 1000 // Default: record once every 1000 times
	}
	return &LogSampler{
		interval: interval,
	}
}

// ShouldLog determines whether to record logs
func (s *LogSampler) ShouldLog() bool {
	count := atomic.AddUint64(&s.counter, 1)
	return count%s.interval == 0
}

// Count gets the current count
func (s *LogSampler) Count() uint64 {
	return atomic.LoadUint64(&s.counter)
}

// RateLimiter allows one log line per interval, with no burst beyond one.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a rate limiter
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// ShouldLog determines whether to record logs
func (r *RateLimiter) ShouldLog() bool {
	return r.limiter.Allow()
}

var (
	dataSampler         = NewLogSampler(1000)         // Relay data logs: once every 1000 times
	connSampler         = NewLogSampler(100)          // User connection logs: once every 100 times
	errorLimiter        = NewRateLimiter(time.Second) // Error logs: at most once per second
	backpressureLimiter = NewRateLimiter(time.Second) // Backpressure warnings: at most once per second
)

// ShouldLogData reports whether a relay data log should be recorded
func ShouldLogData() bool {
	return dataSampler.ShouldLog()
}

// ShouldLogConnection reports whether a user connection log should be recorded
func ShouldLogConnection() bool {
	return connSampler.ShouldLog()
}

// ShouldLogError reports whether an error log should be recorded (rate limited)
func ShouldLogError() bool {
	return errorLimiter.ShouldLog()
}

// ShouldLogBackpressure reports whether a backpressure warning should be recorded (rate limited)
func ShouldLogBackpressure() bool {
	return backpressureLimiter.ShouldLog()
}
