package relay

import (
	"errors"
	"fmt"

	"github.com/buhuipao/xtun/pkg/common/cryptor"
	"github.com/buhuipao/xtun/pkg/common/monitoring"
	"github.com/buhuipao/xtun/pkg/common/protocol"
	"github.com/buhuipao/xtun/pkg/reactor"
)

var (
	errProtocol    = errors.New("protocol error")
	errOutboxFull  = errors.New("control outbox full")
	errFrameTooBig = errors.New("control message exceeds buffer")
)

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errProtocol, fmt.Sprintf(format, args...))
}

// isProtocolError reports whether err comes from malformed peer input
// rather than the transport.
func isProtocolError(err error) bool {
	return errors.Is(err, errProtocol) ||
		errors.Is(err, protocol.ErrFrameSize) ||
		errors.Is(err, protocol.ErrShortMessage) ||
		errors.Is(err, protocol.ErrNoPorts) ||
		errors.Is(err, cryptor.ErrPadding) ||
		errors.Is(err, cryptor.ErrBlockSize)
}

// errorType maps a connection error to its metrics label.
func errorType(err error) string {
	if isProtocolError(err) {
		return monitoring.ErrTypeProtocol
	}
	return monitoring.ErrTypeIO
}

func isWouldBlock(err error) bool {
	return errors.Is(err, reactor.ErrWouldBlock)
}
