package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	globalMetrics = &Metrics{StartTime: time.Now()}
	assert.Equal(t, 100.0, GetMetrics().SuccessRate())

	established := testutil.ToFloat64(TunnelsEstablishedTotal)
	up := testutil.ToFloat64(RelayBytesTotal.WithLabelValues(DirectionUp))

	TunnelOpened()
	TunnelOpened()
	assert.Equal(t, int64(2), atomic.LoadInt64(&GetMetrics().ActiveTunnels))
	assert.Equal(t, established+2, testutil.ToFloat64(TunnelsEstablishedTotal))

	TunnelClosed(time.Second)
	assert.Equal(t, int64(1), atomic.LoadInt64(&GetMetrics().ActiveTunnels))
	assert.Equal(t, int64(2), atomic.LoadInt64(&GetMetrics().TotalTunnels))

	AddBytesUp(100)
	AddBytesDown(50)
	assert.Equal(t, int64(100), atomic.LoadInt64(&GetMetrics().BytesUp))
	assert.Equal(t, int64(50), atomic.LoadInt64(&GetMetrics().BytesDown))
	assert.Equal(t, up+100, testutil.ToFloat64(RelayBytesTotal.WithLabelValues(DirectionUp)))

	IncrementErrors(ErrTypeProtocol)
	IncrementErrors(ErrTypeProtocol)
	assert.InDelta(t, 50.0, GetMetrics().SuccessRate(), 0.001)

	// Reporting with activity must not panic.
	NewMetricsReporter(0).report()
}

func TestMetricsReporterStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewMetricsReporter(10 * time.Millisecond).Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop")
	}
}

func TestHealthEndpoints(t *testing.T) {
	var ready atomic.Bool
	srv := httptest.NewServer(NewServer("", ready.Load).Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	ready.Store(true)
	code, body = get("/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "xtun_client_sessions")
}

func TestServerRunShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer("127.0.0.1:0", nil).Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
