package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"code.linksmart.eu/dt/serial-bridge/bridge/model"
)

const (
	// StateRequest prompts the device to report its current state
	StateRequest   = "GET_STATE"
	lineTerminator = "\n"
	dialTimeout    = 10 * time.Second
	writeWait      = 10 * time.Second
	maxLineSize    = 1 << 20
	inboundBuffer  = 64
)

// ErrNotConnected is returned when a message is sent without an upstream link
var ErrNotConnected = errors.New("upstream not connected")

// DialFunc opens the upstream connection
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Link owns the single connection to the upstream device.
// The connection is nil while disconnected and is only replaced by Run.
type Link struct {
	address string
	delay   time.Duration
	dial    DialFunc

	mutex sync.Mutex
	conn  net.Conn

	inbound  chan string
	onStatus func(model.UpstreamStatus)
}

// NewLink returns a link to the given host:port, retrying every delay
func NewLink(address string, delay time.Duration) *Link {
	dialer := &net.Dialer{Timeout: dialTimeout}
	return &Link{
		address:  address,
		delay:    delay,
		dial:     dialer.DialContext,
		inbound:  make(chan string, inboundBuffer),
		onStatus: func(model.UpstreamStatus) {},
	}
}

// Messages returns the stream of messages received from the device.
// It is closed when Run returns.
func (l *Link) Messages() <-chan string {
	return l.inbound
}

// Connected reports whether a link is currently present
func (l *Link) Connected() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.conn != nil
}

// Run keeps the upstream connection alive until the context is cancelled
func (l *Link) Run(ctx context.Context) {
	defer close(l.inbound)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		log.Printf("relay: Connecting to upstream %s (attempt %d)...", l.address, attempt)
		conn, err := l.dial(ctx, "tcp", l.address)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("relay: Could not connect to upstream %s: %s", l.address, err)
		} else {
			err = l.install(conn)
			installed := err == nil
			if installed {
				log.Println("relay: Connected to upstream", l.address)
				l.onStatus(model.UpstreamStatus{Connected: true, Address: l.address, Attempt: attempt})
				attempt = 0
				err = l.serve(ctx, conn)
			}
			l.teardown(conn)
			if installed {
				l.onStatus(model.UpstreamStatus{Connected: false, Address: l.address})
			}
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Printf("relay: Upstream error: %s", err)
			}
		}

		log.Printf("relay: Upstream disconnected. Retrying in %s...", l.delay)
		timer.Reset(l.delay)
	}
}

// install sets conn as the current link and sends the state request
// before anything else can be written to it
func (l *Link) install(conn net.Conn) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.conn = conn
	err := write(conn, StateRequest)
	if err != nil {
		l.conn = nil
		return fmt.Errorf("error requesting state: %w", err)
	}
	return nil
}

func (l *Link) teardown(conn net.Conn) {
	l.mutex.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mutex.Unlock()
	conn.Close()
}

// serve reads newline-delimited messages until the stream ends
func (l *Link) serve(ctx context.Context, conn net.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	for scanner.Scan() {
		message := strings.TrimSpace(scanner.Text())
		if message == "" {
			continue
		}
		log.Printf("relay: Upstream > %s", message)
		select {
		case l.inbound <- message:
		case <-ctx.Done():
			return nil
		}
	}
	return scanner.Err()
}

// Send writes a message to the device. Failed messages are dropped and
// the link is marked as disconnected for the next Run iteration.
func (l *Link) Send(message string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.conn == nil {
		return ErrNotConnected
	}
	err := write(l.conn, message)
	if err != nil {
		l.conn.Close()
		l.conn = nil
		return fmt.Errorf("error writing to upstream: %w", err)
	}
	return nil
}

// RequestState asks the device to push its current state to all subscribers
func (l *Link) RequestState() {
	err := l.Send(StateRequest)
	if err != nil && err != ErrNotConnected {
		log.Printf("relay: Error requesting state: %s", err)
	}
}

func write(conn net.Conn, message string) error {
	err := conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err != nil {
		return err
	}
	_, err = io.WriteString(conn, message+lineTerminator)
	return err
}
