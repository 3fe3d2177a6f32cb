package reactor

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/buhuipao/xtun/pkg/common/buffer"
)

// Defaults for ConnOptions
const (
	DefaultBufferSize = 64 * 1024
	readChunkSize     = 16 * 1024
)

// ConnOptions configures a Conn.
type ConnOptions struct {
	// BufferSize bounds each staging buffer (inbound and outbound).
	BufferSize int
	// Linger bounds how long Close keeps flushing accepted bytes. Zero or
	// negative closes the socket without flushing.
	Linger time.Duration
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	return o
}

// Conn is a non-blocking view of a net.Conn. A reader goroutine stages
// inbound bytes and a writer goroutine drains accepted outbound bytes, so
// Recv and Send never block the loop.
type Conn struct {
	raw    net.Conn
	linger time.Duration

	mu      sync.Mutex
	in      *buffer.Buffer
	inErr   error // sticky; reported once staged bytes are consumed
	out     *buffer.Buffer
	outErr  error
	closed  bool
	notify  func()
	lingerT *time.Timer

	inSpace  chan struct{} // reader may continue
	outData  chan struct{} // writer has work
	closing  chan struct{} // Close was called
	done     chan struct{} // socket closed
	closeMu  sync.Once
	shutOnce sync.Once
}

var _ Pollable = (*Conn)(nil)

// NewConn wraps raw and starts its pump goroutines. The Conn owns raw.
func NewConn(raw net.Conn, opts ConnOptions) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		raw:     raw,
		linger:  opts.Linger,
		in:      buffer.New(opts.BufferSize),
		out:     buffer.New(opts.BufferSize),
		inSpace: make(chan struct{}, 1),
		outData: make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Dial connects to address and wraps the connection.
func Dial(network, address string, opts ConnOptions) (*Conn, error) {
	raw, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return NewConn(raw, opts), nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Conn) wake() {
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// SetNotify implements Pollable.
func (c *Conn) SetNotify(notify func()) {
	c.mu.Lock()
	c.notify = notify
	c.mu.Unlock()
}

// Ready implements Pollable. A Conn is readable while it has staged bytes or
// a pending read error, and writable while it has staging space or a
// pending write error. A closed Conn is never ready.
func (c *Conn) Ready() Events {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return None
	}
	ev := None
	if c.in.Len() > 0 || c.inErr != nil {
		ev |= Readable
	}
	if c.out.Available() > 0 || c.outErr != nil {
		ev |= Writable
	}
	return ev
}

// Recv copies staged inbound bytes into p. It returns ErrWouldBlock when
// nothing is staged, io.EOF after the peer shut down its side, and any other
// read error as fatal.
func (c *Conn) Recv(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if c.in.Len() > 0 {
		n := copy(p, c.in.Bytes())
		c.in.Consume(n)
		c.mu.Unlock()
		signal(c.inSpace)
		return n, nil
	}
	err := c.inErr
	c.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	return 0, ErrWouldBlock
}

// Buffered returns the number of staged inbound bytes.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.Len()
}

// Send accepts as much of p as fits in the outbound staging buffer and
// returns the count, which may be less than len(p). It returns ErrWouldBlock
// when the buffer is full.
func (c *Conn) Send(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if c.outErr != nil {
		err := c.outErr
		c.mu.Unlock()
		return 0, err
	}
	n := min(len(p), c.out.Available())
	if n == 0 && len(p) > 0 {
		c.mu.Unlock()
		return 0, ErrWouldBlock
	}
	_ = c.out.Append(p[:n])
	c.mu.Unlock()

	signal(c.outData)
	return n, nil
}

// Pending returns the number of accepted bytes not yet written to the socket.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Len()
}

// Close stops the Conn. Bytes already accepted by Send are still written,
// within the linger timeout, before the socket closes. Close never blocks
// and is idempotent.
func (c *Conn) Close() error {
	c.closeMu.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.notify = nil
		c.mu.Unlock()

		if c.linger <= 0 {
			c.shutdown()
			return
		}
		c.mu.Lock()
		c.lingerT = time.AfterFunc(c.linger, c.shutdown)
		c.mu.Unlock()
		close(c.closing)
	})
	return nil
}

// Done is closed once the underlying socket is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

func (c *Conn) shutdown() {
	c.shutOnce.Do(func() {
		c.mu.Lock()
		if c.lingerT != nil {
			c.lingerT.Stop()
		}
		c.mu.Unlock()

		close(c.done)
		_ = c.raw.Close()
	})
}

func (c *Conn) readLoop() {
	chunk := make([]byte, readChunkSize)
	for {
		c.mu.Lock()
		space := c.in.Available()
		c.mu.Unlock()

		if space == 0 {
			select {
			case <-c.inSpace:
				continue
			case <-c.done:
				return
			}
		}

		n, err := c.raw.Read(chunk[:min(space, len(chunk))])

		c.mu.Lock()
		if n > 0 {
			_ = c.in.Append(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) && c.closed {
				err = ErrClosed
			}
			c.inErr = err
		}
		c.mu.Unlock()

		if n > 0 || err != nil {
			c.wake()
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) writeLoop() {
	chunk := make([]byte, readChunkSize)
	for {
		c.mu.Lock()
		pending := c.out.Len()
		closed := c.closed
		n := copy(chunk, c.out.Bytes())
		c.mu.Unlock()

		if pending == 0 {
			if closed {
				c.shutdown()
				return
			}
			select {
			case <-c.outData:
				continue
			case <-c.closing:
				continue
			case <-c.done:
				return
			}
		}

		m, err := c.raw.Write(chunk[:n])

		c.mu.Lock()
		c.out.Consume(m)
		if err != nil {
			c.outErr = err
		}
		c.mu.Unlock()

		c.wake()
		if err != nil {
			select {
			case <-c.closing:
				c.shutdown()
			case <-c.done:
			}
			return
		}
	}
}

// IsEOF reports whether err means the peer closed its side in order.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
