package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/buhuipao/xtun/pkg/common/cryptor"
	"github.com/buhuipao/xtun/pkg/common/protocol"
	"github.com/buhuipao/xtun/pkg/config"
)

const (
	testPassword   = "s3cret"
	testMaxPayload = 1 << 16
	ioTimeout      = 5 * time.Second
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		ControlAddr:   "127.0.0.1:0",
		ProxyAddr:     "127.0.0.1:0",
		PublicHost:    "127.0.0.1",
		Password:      testPassword,
		LingerTimeout: 200 * time.Millisecond,
	}
}

type testServer struct {
	*Server
	cancel context.CancelFunc
	done   chan error
}

// startServer runs a relay on loopback ports until the test ends.
func startServer(t *testing.T, cfg config.ServerConfig, opts ...Option) *testServer {
	t.Helper()
	srv, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{Server: srv, cancel: cancel, done: make(chan error, 1)}
	go func() { ts.done <- srv.Run(ctx) }()
	t.Cleanup(ts.stop)
	return ts
}

func (ts *testServer) stop() {
	ts.cancel()
	select {
	case <-ts.done:
		ts.done <- nil
	case <-time.After(ioTimeout):
		panic("relay server did not stop")
	}
}

func (ts *testServer) waitStats(t *testing.T, want Stats) {
	t.Helper()
	var last Stats
	require.Eventually(t, func() bool {
		st, err := ts.Stats(context.Background())
		last = st
		return err == nil && st == want
	}, ioTimeout, 5*time.Millisecond, "want %+v, last %+v", want, last)
}

// freePort returns a loopback port that was free a moment ago.
func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func portAddr(port uint16) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
}

func testCipher(t *testing.T) cryptor.Cipher {
	t.Helper()
	c, err := cryptor.NewAESCBC(cryptor.Digest(testPassword))
	require.NoError(t, err)
	return c
}

// testClient speaks the client side of the protocol over blocking sockets.
type testClient struct {
	t      *testing.T
	srv    *testServer
	conn   net.Conn
	cipher cryptor.Cipher
}

func dialClient(t *testing.T, srv *testServer) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.ControlAddr().String(), ioTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, srv: srv, conn: conn, cipher: testCipher(t)}
}

func (c *testClient) send(payload []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(ioTimeout)))
	require.NoError(c.t, protocol.WriteFrame(c.conn, c.cipher, payload))
}

func (c *testClient) recv() []byte {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(ioTimeout)))
	payload, err := protocol.ReadFrame(c.conn, c.cipher, testMaxPayload)
	require.NoError(c.t, err)
	return payload
}

func (c *testClient) recvMessage() (protocol.MsgType, []byte) {
	c.t.Helper()
	msgType, body, err := protocol.UnpackMessage(c.recv())
	require.NoError(c.t, err)
	return msgType, body
}

// login authenticates and registers ports, leaving the session active.
func (c *testClient) login(ports ...uint16) {
	c.t.Helper()
	c.send(cryptor.Digest(testPassword))
	require.Equal(c.t, protocol.AuthAck, c.recv())
	c.send(protocol.PackPorts(ports))
}

// ping round-trips a heartbeat, which also proves earlier messages were handled.
func (c *testClient) ping() {
	c.t.Helper()
	c.send(protocol.PackHeartbeat(nil, protocol.HeartbeatPing))
	msgType, body := c.recvMessage()
	require.Equal(c.t, protocol.MsgTypeHeartbeat, msgType)
	require.Equal(c.t, protocol.HeartbeatPong, body)
}

func (c *testClient) expectNewProxy(port uint16) int32 {
	c.t.Helper()
	msgType, body := c.recvMessage()
	require.Equal(c.t, protocol.MsgTypeNewProxy, msgType)
	req, err := protocol.UnpackNewProxyRequest(body)
	require.NoError(c.t, err)
	require.Equal(c.t, port, req.RemotePort)
	return req.UserID
}

// openTunnel dials the proxy port and presents payload as the correlation id.
func (c *testClient) openTunnel(payload []byte) net.Conn {
	c.t.Helper()
	conn, err := net.DialTimeout("tcp", c.srv.ProxyAddr().String(), ioTimeout)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = conn.Close() })
	require.NoError(c.t, protocol.WriteFrame(conn, c.cipher, payload))
	return conn
}

func dialUser(t *testing.T, port uint16) net.Conn {
	t.Helper()
	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.DialTimeout("tcp", portAddr(port), ioTimeout)
		return err == nil
	}, ioTimeout, 5*time.Millisecond)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readTunnel collects n plaintext bytes from the frames on a tunnel.
func readTunnel(t *testing.T, conn net.Conn, c cryptor.Cipher, n int) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(ioTimeout)))
	out := make([]byte, 0, n)
	for len(out) < n {
		p, err := protocol.ReadFrame(conn, c, testMaxPayload)
		require.NoError(t, err)
		out = append(out, p...)
	}
	return out
}

// expectClosed asserts the peer closed conn rather than leaving it idle.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(ioTimeout)))
	_, err := io.Copy(io.Discard, conn)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatalf("connection to %s still open", conn.RemoteAddr())
	}
}
