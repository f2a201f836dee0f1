// Package zeromq mirrors the relay on a pair of bound PUB/SUB sockets
package zeromq

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"code.linksmart.eu/dt/serial-bridge/bridge/model"
	"code.linksmart.eu/dt/serial-bridge/bridge/relay"
	zmq "github.com/pebbe/zmq4"
	"github.com/satori/go.uuid"
)

const pipeCapacity = 64

var errClosed = errors.New("mirror closed")

// Config of the mirror. The mirror is disabled when either endpoint is empty.
type Config struct {
	PubEndpoint string `yaml:"pub"`
	SubEndpoint string `yaml:"sub"`
}

// Server handles subscriber connections, e.g. *relay.Relay
type Server interface {
	Serve(c relay.Conn)
}

type Mirror struct {
	context    *zmq.Context
	publisher  *zmq.Socket
	subscriber *zmq.Socket

	session *session
}

// StartMirror binds the sockets and serves them as a single subscriber
func StartMirror(conf Config, server Server) (_ *Mirror, err error) {
	log.Printf("zeromq: Using ZeroMQ v%v", strings.Replace(fmt.Sprint(zmq.Version()), " ", ".", -1))

	m := &Mirror{
		session: newSession(model.NewPipe(pipeCapacity)),
	}

	m.context, err = zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("error creating context: %s", err)
	}
	defer func() {
		if err != nil {
			m.release()
		}
	}()

	// socket to publish device messages
	m.publisher, err = m.context.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("error creating PUB socket: %s", err)
	}
	m.publisher.SetLinger(0)
	err = m.publisher.Bind(conf.PubEndpoint)
	if err != nil {
		return nil, fmt.Errorf("error binding to PUB endpoint: %s", err)
	}

	// socket to receive commands
	m.subscriber, err = m.context.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("error creating SUB socket: %s", err)
	}
	m.subscriber.SetLinger(0)
	err = m.subscriber.Bind(conf.SubEndpoint)
	if err != nil {
		return nil, fmt.Errorf("error binding to SUB endpoint: %s", err)
	}
	err = m.subscriber.SetSubscribe(model.TopicTX + model.TopicSeparator)
	if err != nil {
		return nil, fmt.Errorf("error subscribing: %s", err)
	}
	log.Printf("zeromq: Bound PUB to %s and SUB to %s", conf.PubEndpoint, conf.SubEndpoint)

	go m.startPublisher()
	go m.startListener()
	go server.Serve(m.session)

	return m, nil
}

// startPublisher owns the PUB socket
func (m *Mirror) startPublisher() {
	for request := range m.session.pipe.RequestCh {
		_, err := m.publisher.Send(request.Topic+model.TopicSeparator+string(request.Payload), 0)
		if err != nil {
			log.Printf("zeromq: Error publishing: %s", err)
		}
	}
	m.publisher.Close()
}

// startListener owns the SUB socket
func (m *Mirror) startListener() {
	defer close(m.session.pipe.ResponseCh)
	for {
		msg, err := m.subscriber.Recv(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				m.subscriber.Close()
				return
			}
			log.Printf("zeromq: Error receiving: %s", err)
			continue
		}
		// split the prefix
		parts := strings.SplitN(msg, model.TopicSeparator, 2)
		if len(parts) != 2 {
			log.Printf("zeromq: Unable to parse message: %s", msg)
			continue
		}
		m.session.pipe.ResponseCh <- model.Message{Topic: parts[0], Payload: []byte(parts[1])}
	}
}

// release closes what a failed start has created so far
func (m *Mirror) release() {
	if m.publisher != nil {
		m.publisher.Close()
	}
	if m.subscriber != nil {
		m.subscriber.Close()
	}
	err := m.context.Term()
	if err != nil {
		log.Printf("zeromq: Error terminating context: %s", err)
	}
}

// Close stops the workers and terminates the context
func (m *Mirror) Close() error {
	log.Println("zeromq: Closing sockets...")
	m.session.close()
	return m.context.Term()
}

// session adapts the pipe to a relay subscriber
type session struct {
	id   string
	pipe model.Pipe

	mutex  sync.RWMutex
	closed bool
}

func newSession(pipe model.Pipe) *session {
	return &session{
		id:   uuid.NewV4().String(),
		pipe: pipe,
	}
}

func (s *session) ID() string    { return s.id }
func (s *session) Label() string { return "zeromq" }

// Send queues the message for publishing. A full queue drops it, as PUB would.
func (s *session) Send(message string) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return errClosed
	}

	select {
	case s.pipe.RequestCh <- model.Message{Topic: model.TopicRX, Payload: []byte(message)}:
	default:
		log.Printf("zeromq: WARNING: publish queue is full. Dropped: %s", message)
	}
	return nil
}

// Receive returns the next command or io.EOF once the listener has stopped
func (s *session) Receive() (string, error) {
	for m := range s.pipe.ResponseCh {
		if m.Topic != model.TopicTX {
			log.Printf("zeromq: Unexpected topic %s. Dropped: %s", m.Topic, m.Payload)
			continue
		}
		return string(m.Payload), nil
	}
	return "", io.EOF
}

func (s *session) close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.closed {
		s.closed = true
		close(s.pipe.RequestCh)
	}
}
