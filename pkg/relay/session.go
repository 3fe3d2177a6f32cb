package relay

import (
	"time"

	"github.com/buhuipao/xtun/pkg/common/buffer"
	"github.com/buhuipao/xtun/pkg/common/connection"
	"github.com/buhuipao/xtun/pkg/common/protocol"
	"github.com/buhuipao/xtun/pkg/reactor"
)

// ClientStatus is the control channel state of a ClientSession.
type ClientStatus int

// Control channel states
const (
	StatusAccepted      ClientStatus = iota // socket accepted, not yet read
	StatusAwaitingAuth                      // waiting for the secret digest
	StatusAuthOk                            // ack queued, ports follow
	StatusAuthFail                          // ack queued, then teardown
	StatusAwaitingPorts                     // waiting for the port list
	StatusActive                            // typed control messages
)

func (s ClientStatus) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusAwaitingAuth:
		return "awaiting_auth"
	case StatusAuthOk:
		return "auth_ok"
	case StatusAuthFail:
		return "auth_fail"
	case StatusAwaitingPorts:
		return "awaiting_ports"
	case StatusActive:
		return "active"
	default:
		return "unknown"
	}
}

// ClientSession is one client control channel and the state of its
// protocol state machine.
type ClientSession struct {
	ID     connection.ID
	Tag    string // globally unique, for log correlation
	Conn   *reactor.Conn
	Status ClientStatus
	Ports  []uint16 // as requested by the client

	// LastHeartbeat is zero until the session becomes active.
	LastHeartbeat time.Time

	reader  *protocol.FrameReader
	sendBuf *buffer.Buffer // frame in flight
	outbox  [][]byte       // sealed frames waiting for sendBuf to drain
	// afterDrain runs once sendBuf and outbox are empty.
	afterDrain func()
}

// RemoteListener is a public port bound on behalf of a client.
type RemoteListener struct {
	ID       connection.ID
	Port     uint16
	ClientID connection.ID
	Listener *reactor.Listener
}

// UserConnection is an external connection accepted on a RemoteListener.
// It is pending until a proxy tunnel presents its ID.
type UserConnection struct {
	ID         connection.ID
	Port       uint16
	ListenerID connection.ID
	ClientID   connection.ID
	TunnelID   connection.ID // zero while pending
	Conn       *reactor.Conn
	SendBuf    *buffer.Buffer // plaintext relayed from the tunnel

	stalled bool // reads paused: the tunnel has no room
}

// Pending reports whether the user still waits for its proxy tunnel.
func (u *UserConnection) Pending() bool { return u.TunnelID == 0 }

// ProxyTunnel is a data channel opened by a client for exactly one user.
// It is unbound until its correlation id arrives.
type ProxyTunnel struct {
	ID       connection.ID
	UserID   connection.ID // zero while unbound
	Conn     *reactor.Conn
	SendBuf  *buffer.Buffer // sealed frames relayed from the user
	PairedAt time.Time

	reader  *protocol.FrameReader
	stalled bool // reads paused: the user has no room
}

// Bound reports whether the tunnel is paired with a user.
func (t *ProxyTunnel) Bound() bool { return t.UserID != 0 }

// Stats is a snapshot of the registry sizes.
type Stats struct {
	ClientSessions  int
	RemoteListeners int
	UserConnections int
	ProxyTunnels    int
}

// Total returns the number of entities across all registries.
func (s Stats) Total() int {
	return s.ClientSessions + s.RemoteListeners + s.UserConnections + s.ProxyTunnels
}
