package monitoring

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/buhuipao/xtun/pkg/common/utils"
	"github.com/buhuipao/xtun/pkg/logger"
)

// MetricsReporter periodically logs a one-line performance summary.
type MetricsReporter struct {
	interval time.Duration
}

// NewMetricsReporter creates metrics reporter
func NewMetricsReporter(interval time.Duration) *MetricsReporter {
	if interval <= 0 {
		interval = 30 * time.Second // Default 30 seconds
	}
	return &MetricsReporter{
		interval: interval,
	}
}

// Run reports until ctx is done.
func (r *MetricsReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *MetricsReporter) report() {
	metrics := GetMetrics()
	total := atomic.LoadInt64(&metrics.TotalTunnels)
	up := atomic.LoadInt64(&metrics.BytesUp)
	down := atomic.LoadInt64(&metrics.BytesDown)

	// Only output when there's activity
	if total == 0 && up == 0 && down == 0 {
		return
	}

	logger.Info("Performance",
		"uptime", fmt.Sprintf("%dm", int(metrics.Uptime().Minutes())),
		"tunnels", fmt.Sprintf("%d/%d", atomic.LoadInt64(&metrics.ActiveTunnels), total),
		"success", fmt.Sprintf("%.0f%%", metrics.SuccessRate()),
		"up", utils.HumanizeBytes(up),
		"down", utils.HumanizeBytes(down),
		"errors", atomic.LoadInt64(&metrics.ErrorCount),
	)
}
