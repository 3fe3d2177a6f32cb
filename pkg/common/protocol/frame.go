package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/buhuipao/xtun/pkg/common/cryptor"
)

// Frame header layout: [payloadLen:4][iv:16]
const (
	PayloadLenSize = 4
	IVSize         = cryptor.BlockSize
	HeaderSize     = PayloadLenSize + IVSize
)

// MinFrameSize is the smallest legal frame: a header and one cipher block.
const MinFrameSize = HeaderSize + cryptor.BlockSize

var (
	// ErrFrameSize is returned for a header announcing an illegal payload length.
	ErrFrameSize = errors.New("invalid frame payload length")
	// ErrFrameTooLarge is returned when a plaintext cannot be framed within a size limit.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// FrameHeader precedes every encrypted payload on every connection. It is
// sent in the clear.
type FrameHeader struct {
	PayloadLen uint32
	IV         [IVSize]byte
}

// Receiver is a non-blocking byte source. Recv returns a would-block error
// when no bytes are available, io.EOF on orderly shutdown.
type Receiver interface {
	Recv(p []byte) (int, error)
}

// SealedSize returns the wire size of a frame carrying n plaintext bytes.
func SealedSize(n int) int {
	return HeaderSize + cryptor.PaddedSize(n)
}

// MaxPlaintext returns the largest plaintext whose sealed frame fits in
// space bytes, or 0 when not even a one-byte message fits.
func MaxPlaintext(space int) int {
	blocks := (space - HeaderSize) / cryptor.BlockSize
	if blocks < 1 {
		return 0
	}
	return blocks*cryptor.BlockSize - 1
}

// Seal appends one frame carrying plaintext to dst. Each call draws a fresh IV.
func Seal(dst []byte, c cryptor.Cipher, plaintext []byte) ([]byte, error) {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:PayloadLenSize], uint32(cryptor.PaddedSize(len(plaintext))))
	iv := hdr[PayloadLenSize:]
	if err := cryptor.NewIV(iv); err != nil {
		return dst, err
	}

	dst = append(dst, hdr[:]...)
	return c.Encrypt(dst, iv, plaintext), nil
}

// ParseFrameHeader decodes a header from the first HeaderSize bytes of b.
func ParseFrameHeader(b []byte) (FrameHeader, error) {
	var h FrameHeader
	if len(b) < HeaderSize {
		return h, fmt.Errorf("frame header too short: %d bytes", len(b))
	}
	h.PayloadLen = binary.LittleEndian.Uint32(b[:PayloadLenSize])
	copy(h.IV[:], b[PayloadLenSize:HeaderSize])
	return h, nil
}

func checkPayloadLen(n uint32, limit int) error {
	if n == 0 || n%cryptor.BlockSize != 0 || n > uint32(limit) {
		return fmt.Errorf("%w: %d (limit %d)", ErrFrameSize, n, limit)
	}
	return nil
}

// FrameReader is the receive side of the codec for one connection. It
// alternates between collecting exactly HeaderSize bytes and collecting
// exactly the announced payload, asking the source only for the bytes still
// missing from the current phase.
type FrameReader struct {
	cipher  cryptor.Cipher
	hdrBuf  [HeaderSize]byte
	hdrRecv int
	header  FrameHeader // valid while PayloadLen > 0
	payload []byte
	recv    int
}

// NewFrameReader creates a reader accepting payloads up to maxPayload bytes.
func NewFrameReader(c cryptor.Cipher, maxPayload int) *FrameReader {
	return &FrameReader{
		cipher:  c,
		payload: make([]byte, maxPayload),
	}
}

// InPayload reports whether a header has been parsed and its payload is
// still being collected.
func (r *FrameReader) InPayload() bool {
	return r.header.PayloadLen > 0
}

// PayloadLen returns the announced ciphertext length of the pending frame,
// an upper bound on the plaintext it yields. It is 0 in the header phase.
func (r *FrameReader) PayloadLen() int {
	return int(r.header.PayloadLen)
}

// MaxPayload returns the largest payload length accepted.
func (r *FrameReader) MaxPayload() int {
	return len(r.payload)
}

// Reset discards any partially received frame.
func (r *FrameReader) Reset() {
	r.hdrRecv = 0
	r.header = FrameHeader{}
	r.recv = 0
}

// ReadFrom performs one receive from src for the current phase. When a frame
// completes, its payload is decrypted in place and passed to onPayload; the
// plaintext is only valid during the call. Errors from src, header
// validation, decryption and onPayload are returned unchanged or wrapped.
func (r *FrameReader) ReadFrom(src Receiver, onPayload func(plaintext []byte) error) error {
	if !r.InPayload() {
		n, err := src.Recv(r.hdrBuf[r.hdrRecv:])
		r.hdrRecv += n
		if err != nil {
			return err
		}
		if r.hdrRecv < HeaderSize {
			return nil
		}

		h, _ := ParseFrameHeader(r.hdrBuf[:])
		if err := checkPayloadLen(h.PayloadLen, len(r.payload)); err != nil {
			return err
		}
		r.header = h
		r.hdrRecv = 0
		return nil
	}

	size := int(r.header.PayloadLen)
	n, err := src.Recv(r.payload[r.recv:size])
	r.recv += n
	if err != nil {
		return err
	}
	if r.recv < size {
		return nil
	}

	iv := r.header.IV
	r.Reset()
	plaintext, err := r.cipher.Decrypt(iv[:], r.payload[:size])
	if err != nil {
		return fmt.Errorf("decrypt frame: %w", err)
	}
	return onPayload(plaintext)
}

// ReadFrame reads one frame from a blocking reader and returns its
// plaintext. It is the counterpart of Seal for peers that use ordinary
// blocking sockets.
func ReadFrame(rd io.Reader, c cryptor.Cipher, maxPayload int) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return nil, err
	}
	h, _ := ParseFrameHeader(hdr[:])
	if err := checkPayloadLen(h.PayloadLen, maxPayload); err != nil {
		return nil, err
	}

	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return nil, err
	}
	plaintext, err := c.Decrypt(h.IV[:], payload)
	if err != nil {
		return nil, fmt.Errorf("decrypt frame: %w", err)
	}
	return plaintext, nil
}

// WriteFrame seals plaintext and writes the frame to a blocking writer.
func WriteFrame(w io.Writer, c cryptor.Cipher, plaintext []byte) error {
	frame, err := Seal(make([]byte, 0, SealedSize(len(plaintext))), c, plaintext)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
