package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakePollable struct {
	mu     sync.Mutex
	ev     Events
	notify func()
}

func (f *fakePollable) Ready() Events {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ev
}

func (f *fakePollable) SetNotify(notify func()) {
	f.mu.Lock()
	f.notify = notify
	f.mu.Unlock()
}

func (f *fakePollable) set(ev Events) {
	f.mu.Lock()
	f.ev = ev
	notify := f.notify
	f.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func startLoop(t *testing.T) (*Loop, func()) {
	t.Helper()
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	return l, func() {
		cancel()
		select {
		case <-l.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop")
		}
	}
}

func TestEventsString(t *testing.T) {
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "readable", Readable.String())
	assert.Equal(t, "writable", Writable.String())
	assert.Equal(t, "readable|writable", (Readable | Writable).String())
}

func TestLoopDispatchesReadiness(t *testing.T) {
	defer goleak.VerifyNone(t)
	l, stop := startLoop(t)
	defer stop()

	p := &fakePollable{}
	var reads, writes atomic.Int32
	require.NoError(t, l.Call(context.Background(), func() {
		l.Register(p, Readable, func(ev Events) {
			assert.Equal(t, Readable, ev)
			reads.Add(1)
			p.set(p.Ready() &^ Readable)
		})
		l.Register(p, Writable, func(ev Events) {
			assert.Equal(t, Writable, ev)
			writes.Add(1)
			l.Unregister(p, Writable)
		})
		assert.Equal(t, Readable|Writable, l.Registered(p))
	}))

	p.set(Readable | Writable)
	require.Eventually(t, func() bool { return reads.Load() == 1 && writes.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Writable interest is gone; readable fires again on new readiness.
	p.set(Readable | Writable)
	require.Eventually(t, func() bool { return reads.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), writes.Load())

	var registered Events
	var handles int
	require.NoError(t, l.Call(context.Background(), func() {
		registered = l.Registered(p)
		l.Unregister(p, Readable)
		handles = l.Handles()
	}))
	assert.Equal(t, Readable, registered)
	assert.Equal(t, 0, handles)
}

func TestUnregisterSuppressesPendingEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	l, stop := startLoop(t)
	defer stop()

	a, b := &fakePollable{}, &fakePollable{}
	var calls atomic.Int32
	require.NoError(t, l.Call(context.Background(), func() {
		l.Register(a, Readable, func(Events) {
			calls.Add(1)
			l.Unregister(b, Readable)
			l.Unregister(a, Readable)
		})
		l.Register(b, Readable, func(Events) {
			calls.Add(1)
			l.Unregister(a, Readable)
			l.Unregister(b, Readable)
		})
		// Both become ready before the next dispatch.
		a.set(Readable)
		b.set(Readable)
	}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "the second handle was unregistered before its turn")
}

func TestLoopTimers(t *testing.T) {
	defer goleak.VerifyNone(t)
	l, stop := startLoop(t)
	defer stop()

	var fired, cancelled atomic.Int32
	var cancelID int64
	require.NoError(t, l.Call(context.Background(), func() {
		l.AddTimer(5*time.Millisecond, func(int64) time.Duration {
			if fired.Add(1) == 3 {
				return NoMore
			}
			return 5 * time.Millisecond
		})
		cancelID = l.AddTimer(time.Hour, func(int64) time.Duration {
			cancelled.Add(1)
			return NoMore
		})
		l.AddTimer(time.Millisecond, func(id int64) time.Duration {
			l.DelTimer(id)
			return time.Millisecond
		})
	}))

	require.Eventually(t, func() bool { return fired.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), fired.Load(), "NoMore cancels the timer")

	require.NoError(t, l.Call(context.Background(), func() {
		assert.Len(t, l.timers, 1)
		l.DelTimer(cancelID)
		assert.Empty(t, l.timers)
	}))
	assert.Equal(t, int32(0), cancelled.Load())
}

func TestLoopDoAndStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := NewLoop()

	var ran atomic.Bool
	l.Do(func() { ran.Store(true) })

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()

	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
	l.Stop()
	l.Stop()
	require.NoError(t, <-errCh)

	err := l.Call(context.Background(), func() { t.Error("must not run after stop") })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestCallHonoursContext(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// The loop is not running, so the task never executes.
	err := l.Call(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
