package reactor

import (
	"errors"
	"net"
	"sync"
	"time"
)

// DefaultBacklog bounds the connections accepted but not yet taken by Accept.
const DefaultBacklog = 128

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	Backlog int
	Conn    ConnOptions
}

// Listener is a non-blocking view of a net.Listener. An accept goroutine
// queues incoming connections up to the backlog.
type Listener struct {
	raw  net.Listener
	opts ListenerOptions

	mu     sync.Mutex
	queue  []*Conn
	err    error // delivered once by Accept
	closed bool
	notify func()

	space     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
}

var _ Pollable = (*Listener)(nil)

// Listen announces on the local network address.
func Listen(network, address string, opts ListenerOptions) (*Listener, error) {
	raw, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return NewListener(raw, opts), nil
}

// NewListener wraps raw and starts accepting. The Listener owns raw.
func NewListener(raw net.Listener, opts ListenerOptions) *Listener {
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultBacklog
	}
	l := &Listener{
		raw:     raw,
		opts:    opts,
		space:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.acceptLoop()
	return l
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr { return l.raw.Addr() }

// Port returns the listening TCP port, or 0 for non-TCP listeners.
func (l *Listener) Port() int {
	if addr, ok := l.raw.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// SetNotify implements Pollable.
func (l *Listener) SetNotify(notify func()) {
	l.mu.Lock()
	l.notify = notify
	l.mu.Unlock()
}

// Ready implements Pollable. A Listener is readable while it has queued
// connections or an accept error to report.
func (l *Listener) Ready() Events {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return None
	}
	if len(l.queue) > 0 || l.err != nil {
		return Readable
	}
	return None
}

// Accept returns a queued connection. It returns ErrWouldBlock when none is
// queued. An accept failure is reported once; the listener keeps accepting
// afterwards.
func (l *Listener) Accept() (*Conn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if len(l.queue) > 0 {
		c := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		signal(l.space)
		return c, nil
	}
	if err := l.err; err != nil {
		l.err = nil
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()
	return nil, ErrWouldBlock
}

// Close stops accepting and closes any queued connections. It is idempotent.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.notify = nil
		queued := l.queue
		l.queue = nil
		l.mu.Unlock()

		close(l.done)
		err = l.raw.Close()
		for _, c := range queued {
			_ = c.Close()
		}
	})
	return err
}

// Stopped is closed once the accept goroutine has exited.
func (l *Listener) Stopped() <-chan struct{} {
	return l.stopped
}

func (l *Listener) wake() {
	l.mu.Lock()
	notify := l.notify
	l.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (l *Listener) acceptLoop() {
	defer close(l.stopped)

	var delay time.Duration
	for {
		l.mu.Lock()
		full := len(l.queue) >= l.opts.Backlog
		l.mu.Unlock()
		if full {
			select {
			case <-l.space:
				continue
			case <-l.done:
				return
			}
		}

		raw, err := l.raw.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
			l.wake()

			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			select {
			case <-time.After(delay):
				continue
			case <-l.done:
				return
			}
		}
		delay = 0

		c := NewConn(raw, l.opts.Conn)
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = c.Close()
			return
		}
		l.queue = append(l.queue, c)
		l.mu.Unlock()
		l.wake()
	}
}
