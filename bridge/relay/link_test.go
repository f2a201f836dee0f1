package relay

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code.linksmart.eu/dt/serial-bridge/bridge/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// upstream is a loopback device endpoint
type upstream struct {
	listener net.Listener
	conns    chan net.Conn
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	u := &upstream{
		listener: l,
		conns:    make(chan net.Conn, 4),
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			u.conns <- conn
		}
	}()
	t.Cleanup(func() { l.Close() })
	return u
}

func (u *upstream) addr() string {
	return u.listener.Addr().String()
}

// accept waits for the next device connection
func (u *upstream) accept(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	select {
	case conn := <-u.conns:
		t.Cleanup(func() { conn.Close() })
		return conn, bufio.NewReader(conn)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for upstream connection")
	}
	return nil, nil
}

func readLine(t *testing.T, conn net.Conn, r *bufio.Reader) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

// refusedAddr returns an address nothing listens on
func refusedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func startLink(t *testing.T, link *Link) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go link.Run(ctx)
	t.Cleanup(cancel)
	return cancel
}

type brokenConn struct {
	net.Conn
	closed bool
}

func (c *brokenConn) Write([]byte) (int, error)        { return 0, errors.New("broken pipe") }
func (c *brokenConn) SetWriteDeadline(time.Time) error { return nil }
func (c *brokenConn) Close() error                     { c.closed = true; return nil }

func TestLinkSendsStateRequestFirst(t *testing.T) {
	u := newUpstream(t)
	link := NewLink(u.addr(), time.Hour)
	startLink(t, link)

	conn, r := u.accept(t)
	assert.Equal(t, "GET_STATE\n", readLine(t, conn, r))
	require.True(t, link.Connected())

	require.NoError(t, link.Send("TOGGLE_1"))
	assert.Equal(t, "TOGGLE_1\n", readLine(t, conn, r))
}

func TestLinkStreamsMessages(t *testing.T) {
	u := newUpstream(t)
	link := NewLink(u.addr(), time.Hour)
	startLink(t, link)

	conn, r := u.accept(t)
	readLine(t, conn, r)

	_, err := conn.Write([]byte("LED1_ON\r\n\nLED2_OFF\n"))
	require.NoError(t, err)

	for _, expected := range []string{"LED1_ON", "LED2_OFF"} {
		select {
		case m := <-link.Messages():
			assert.Equal(t, expected, m)
		case <-time.After(testTimeout):
			t.Fatal("timeout waiting for", expected)
		}
	}
}

func TestLinkSendWithoutConnection(t *testing.T) {
	link := NewLink(refusedAddr(t), time.Hour)

	err := link.Send("X")
	assert.Equal(t, ErrNotConnected, err)
	assert.False(t, link.Connected())
}

func TestLinkSendFailureClearsLink(t *testing.T) {
	link := NewLink(refusedAddr(t), time.Hour)
	conn := &brokenConn{}
	link.conn = conn

	err := link.Send("X")
	require.Error(t, err)
	assert.NotEqual(t, ErrNotConnected, err)
	assert.True(t, conn.closed)
	assert.False(t, link.Connected())

	// absent link is authoritative
	assert.Equal(t, ErrNotConnected, link.Send("X"))
}

func TestLinkRetriesRefusedConnections(t *testing.T) {
	u := newUpstream(t)
	const delay = 50 * time.Millisecond
	link := NewLink(u.addr(), delay)

	var attempts int32
	dialer := &net.Dialer{}
	link.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return nil, errors.New("connection refused")
		}
		return dialer.DialContext(ctx, network, address)
	}

	start := time.Now()
	startLink(t, link)

	conn, r := u.accept(t)
	assert.Equal(t, "GET_STATE\n", readLine(t, conn, r))
	assert.True(t, link.Connected())
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	assert.True(t, time.Since(start) >= 2*delay, "attempts are spaced by the delay")
}

func TestLinkFailedStateRequestPublishesNoStatus(t *testing.T) {
	link := NewLink(refusedAddr(t), 10*time.Millisecond)

	var attempts int32
	link.dial = func(context.Context, string, string) (net.Conn, error) {
		atomic.AddInt32(&attempts, 1)
		return &brokenConn{}, nil
	}
	var mutex sync.Mutex
	var statuses []model.UpstreamStatus
	link.onStatus = func(s model.UpstreamStatus) {
		mutex.Lock()
		defer mutex.Unlock()
		statuses = append(statuses, s)
	}

	startLink(t, link)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) >= 3 }, testTimeout, 5*time.Millisecond)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Empty(t, statuses)
	assert.False(t, link.Connected())
}

func TestLinkReconnectsAfterDrop(t *testing.T) {
	u := newUpstream(t)
	link := NewLink(u.addr(), 200*time.Millisecond)
	startLink(t, link)

	conn, r := u.accept(t)
	readLine(t, conn, r)
	conn.Close()

	require.Eventually(t, func() bool { return !link.Connected() }, testTimeout, 5*time.Millisecond)
	assert.Equal(t, ErrNotConnected, link.Send("X"))

	conn, r = u.accept(t)
	assert.Equal(t, "GET_STATE\n", readLine(t, conn, r))
	assert.True(t, link.Connected())
}

func TestLinkStopsOnCancel(t *testing.T) {
	u := newUpstream(t)
	link := NewLink(u.addr(), time.Hour)
	cancel := startLink(t, link)

	conn, r := u.accept(t)
	readLine(t, conn, r)
	cancel()

	select {
	case _, ok := <-link.Messages():
		assert.False(t, ok)
	case <-time.After(testTimeout):
		t.Fatal("link did not stop")
	}
	assert.False(t, link.Connected())
}
