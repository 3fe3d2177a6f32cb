// Package protocol defines the xtun wire format: the encrypted frame codec
// shared by control and proxy channels, and the typed control messages
// carried inside frame payloads. All integers are little-endian.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MsgType identifies a control message on an active control channel.
type MsgType int32

// Control message types
const (
	MsgTypeHeartbeat     MsgType = 1 // client ping, server pong
	MsgTypeNewProxy      MsgType = 2 // server -> client: open a proxy channel
	MsgTypeNewProxyReply MsgType = 3 // client -> server: proxy channel result
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeHeartbeat:
		return "heartbeat"
	case MsgTypeNewProxy:
		return "new_proxy"
	case MsgTypeNewProxyReply:
		return "new_proxy_reply"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// Message sizes
const (
	EnvelopeSize        = 8 // [type:4][size:4]
	NewProxyRequestSize = 8 // [userId:4][port:2][reserved:2]
	NewProxyReplySize   = 5 // [userId:4][success:1]
	UserIDSize          = 4
	PortCountSize       = 2
)

// Fixed tokens
var (
	AuthAck       = []byte("DGPJCY\x00")
	HeartbeatPing = []byte("ping")
	HeartbeatPong = []byte("pong")
)

var (
	// ErrShortMessage is returned when a payload is shorter than its declared layout.
	ErrShortMessage = errors.New("message too short")
	// ErrNoPorts is returned for a port list announcing zero ports.
	ErrNoPorts = errors.New("port list is empty")
)

// NewProxyRequest asks a client to open a proxy channel for a user connection.
type NewProxyRequest struct {
	UserID     int32
	RemotePort uint16
}

// NewProxyReply reports whether the client managed to open the proxy channel.
type NewProxyReply struct {
	UserID  int32
	Success bool
}

// PackMessage appends an envelope and body to dst.
// Format: [type:4][size:4][body:size]
func PackMessage(dst []byte, msgType MsgType, body []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(msgType))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}

// UnpackMessage splits a control payload into its type and body.
func UnpackMessage(payload []byte) (MsgType, []byte, error) {
	if len(payload) < EnvelopeSize {
		return 0, nil, fmt.Errorf("%w: envelope %d bytes", ErrShortMessage, len(payload))
	}

	msgType := MsgType(int32(binary.LittleEndian.Uint32(payload[0:4])))
	size := int32(binary.LittleEndian.Uint32(payload[4:8]))
	body := payload[EnvelopeSize:]
	if size < 0 || int(size) > len(body) {
		return 0, nil, fmt.Errorf("%w: envelope declares %d body bytes, %d present", ErrShortMessage, size, len(body))
	}
	return msgType, body[:size], nil
}

// PackNewProxyRequest encodes a complete NewProxy control message.
func PackNewProxyRequest(dst []byte, req NewProxyRequest) []byte {
	var body [NewProxyRequestSize]byte
	binary.LittleEndian.PutUint32(body[0:4], uint32(req.UserID))
	binary.LittleEndian.PutUint16(body[4:6], req.RemotePort)
	return PackMessage(dst, MsgTypeNewProxy, body[:])
}

// UnpackNewProxyRequest decodes a NewProxy message body.
func UnpackNewProxyRequest(body []byte) (NewProxyRequest, error) {
	if len(body) < NewProxyRequestSize-2 {
		return NewProxyRequest{}, fmt.Errorf("%w: new proxy request %d bytes", ErrShortMessage, len(body))
	}
	return NewProxyRequest{
		UserID:     int32(binary.LittleEndian.Uint32(body[0:4])),
		RemotePort: binary.LittleEndian.Uint16(body[4:6]),
	}, nil
}

// PackNewProxyReply encodes a complete NewProxyReply control message.
func PackNewProxyReply(dst []byte, reply NewProxyReply) []byte {
	var body [NewProxyReplySize]byte
	binary.LittleEndian.PutUint32(body[0:4], uint32(reply.UserID))
	if reply.Success {
		body[4] = 1
	}
	return PackMessage(dst, MsgTypeNewProxyReply, body[:])
}

// UnpackNewProxyReply decodes a NewProxyReply body. Trailing struct padding
// sent by some clients is ignored.
func UnpackNewProxyReply(body []byte) (NewProxyReply, error) {
	if len(body) < NewProxyReplySize {
		return NewProxyReply{}, fmt.Errorf("%w: new proxy reply %d bytes", ErrShortMessage, len(body))
	}
	return NewProxyReply{
		UserID:  int32(binary.LittleEndian.Uint32(body[0:4])),
		Success: body[4] != 0,
	}, nil
}

// PackHeartbeat encodes a heartbeat control message carrying token.
func PackHeartbeat(dst []byte, token []byte) []byte {
	return PackMessage(dst, MsgTypeHeartbeat, token)
}

// IsPing reports whether a heartbeat body is the client ping token.
func IsPing(body []byte) bool {
	return bytes.Equal(body, HeartbeatPing)
}

// PackPorts encodes the port registration payload.
// Format: [count:2][port:2]*count
func PackPorts(ports []uint16) []byte {
	buf := make([]byte, PortCountSize+2*len(ports))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(ports)))
	for i, p := range ports {
		binary.LittleEndian.PutUint16(buf[PortCountSize+2*i:], p)
	}
	return buf
}

// UnpackPorts decodes the port registration payload. The payload length must
// match the announced count exactly.
func UnpackPorts(payload []byte) ([]uint16, error) {
	if len(payload) < PortCountSize {
		return nil, fmt.Errorf("%w: port list %d bytes", ErrShortMessage, len(payload))
	}

	count := int(binary.LittleEndian.Uint16(payload[0:2]))
	if count == 0 {
		return nil, ErrNoPorts
	}
	if want := PortCountSize + 2*count; len(payload) != want {
		return nil, fmt.Errorf("port list length mismatch: count %d needs %d bytes, got %d", count, want, len(payload))
	}

	ports := make([]uint16, count)
	for i := range ports {
		ports[i] = binary.LittleEndian.Uint16(payload[PortCountSize+2*i:])
	}
	return ports, nil
}

// PackUserID encodes the proxy channel correlation payload.
func PackUserID(id int32) []byte {
	return binary.LittleEndian.AppendUint32(make([]byte, 0, UserIDSize), uint32(id))
}

// UnpackUserID decodes the proxy channel correlation payload, which must be
// exactly UserIDSize bytes.
func UnpackUserID(payload []byte) (int32, error) {
	if len(payload) != UserIDSize {
		return 0, fmt.Errorf("correlation id must be %d bytes, got %d", UserIDSize, len(payload))
	}
	return int32(binary.LittleEndian.Uint32(payload)), nil
}
