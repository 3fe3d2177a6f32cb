// Package buffer implements the fixed-capacity byte buffer used for every
// per-connection send and receive queue.
package buffer

import "errors"

// ErrFull is returned by Append when the data does not fit.
var ErrFull = errors.New("buffer: capacity exceeded")

// Buffer is a bounded FIFO of bytes. Pending bytes always start at index 0:
// Consume shifts the remainder to the front, so a partial write leaves the
// unsent bytes in their original order for the next attempt.
//
// A Buffer never grows beyond the capacity it was created with.
type Buffer struct {
	data []byte
}

// New creates an empty buffer holding at most capacity bytes.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Append queues p in full or not at all.
func (b *Buffer) Append(p []byte) error {
	if len(p) > b.Available() {
		return ErrFull
	}
	b.data = append(b.data, p...)
	return nil
}

// Extend reserves n bytes at the tail and returns them for the caller to
// fill in place. It returns nil when n bytes are not available.
func (b *Buffer) Extend(n int) []byte {
	if n > b.Available() {
		return nil
	}
	start := len(b.data)
	b.data = b.data[:start+n]
	return b.data[start:]
}

// Tail returns the unused capacity as an empty slice, suitable as the dst of
// an append-style encoder. Commit must follow with the number of bytes used.
func (b *Buffer) Tail() []byte {
	return b.data[len(b.data):len(b.data):cap(b.data)]
}

// Commit accounts for n bytes written into the slice returned by Tail.
func (b *Buffer) Commit(n int) {
	b.data = b.data[:len(b.data)+n]
}

// Consume drops the first n pending bytes.
func (b *Buffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	remaining := copy(b.data, b.data[n:])
	b.data = b.data[:remaining]
}

// Bytes returns the pending bytes. The slice is valid until the next
// mutating call.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of pending bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Available returns how many more bytes fit.
func (b *Buffer) Available() int { return cap(b.data) - len(b.data) }

// Reset discards all pending bytes.
func (b *Buffer) Reset() { b.data = b.data[:0] }
