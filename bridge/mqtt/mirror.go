// Package mqtt mirrors the relay on an MQTT broker.
// Every broker session is a subscriber of its own.
package mqtt

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"code.linksmart.eu/dt/serial-bridge/bridge/relay"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/satori/go.uuid"
)

const (
	topicRX = "rx" // device to broker
	topicTX = "tx" // broker to device

	qos            = 1
	publishTimeout = 5 * time.Second
	inboxSize      = 16
	quiesce        = 250 // ms
)

var errSessionClosed = errors.New("session closed")

// Server handles subscriber connections, e.g. *relay.Relay
type Server interface {
	Serve(c relay.Conn)
}

// Config of the mirror. The mirror is disabled when Broker is empty.
type Config struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topicPrefix"`
}

type Mirror struct {
	client paho.Client
	prefix string
	server Server

	mutex    sync.Mutex
	session  *session
	sessions int
}

// StartMirror connects to the broker. Connection is retried in the background.
func StartMirror(conf Config, clientID string, server Server) (*Mirror, error) {
	log.Println("mqtt: Broker:", conf.Broker)
	m := &Mirror{
		prefix: conf.TopicPrefix,
		server: server,
	}

	opts := paho.NewClientOptions().
		AddBroker(conf.Broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost)

	m.client = paho.NewClient(opts)
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("error connecting to broker: %s", token.Error())
	}
	return m, nil
}

func (m *Mirror) topic(suffix string) string {
	return m.prefix + "/" + suffix
}

// onConnect starts a new session. Subscriptions do not survive clean sessions.
func (m *Mirror) onConnect(client paho.Client) {
	m.mutex.Lock()
	if m.session != nil {
		m.session.close()
	}
	m.sessions++
	s := newSession(fmt.Sprintf("mqtt-%d", m.sessions), func(message string) error {
		token := client.Publish(m.topic(topicRX), qos, false, message)
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("timeout publishing to %s", m.topic(topicRX))
		}
		return token.Error()
	})
	m.session = s
	m.mutex.Unlock()

	token := client.Subscribe(m.topic(topicTX), qos, m.onMessage)
	if token.Wait() && token.Error() != nil {
		log.Printf("mqtt: Error subscribing to %s: %s", m.topic(topicTX), token.Error())
	}
	log.Printf("mqtt: Connected. Session %s", s.Label())

	go m.server.Serve(s)
}

func (m *Mirror) onConnectionLost(_ paho.Client, err error) {
	log.Printf("mqtt: Connection lost: %s", err)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.session != nil {
		m.session.close()
		m.session = nil
	}
}

func (m *Mirror) onMessage(_ paho.Client, msg paho.Message) {
	m.mutex.Lock()
	s := m.session
	m.mutex.Unlock()

	if s == nil || s.isClosed() {
		log.Printf("mqtt: No session. Dropped: %s", msg.Payload())
		return
	}
	s.deliver(string(msg.Payload()))
}

// Close ends the session and disconnects from the broker
func (m *Mirror) Close() {
	log.Println("mqtt: Disconnecting...")
	m.mutex.Lock()
	if m.session != nil {
		m.session.close()
		m.session = nil
	}
	m.mutex.Unlock()
	m.client.Disconnect(quiesce)
}

// session is one broker connection seen as a relay subscriber
type session struct {
	id      string
	label   string
	publish func(message string) error

	inbox     chan string
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(label string, publish func(string) error) *session {
	return &session{
		id:      uuid.NewV4().String(),
		label:   label,
		publish: publish,
		inbox:   make(chan string, inboxSize),
		done:    make(chan struct{}),
	}
}

func (s *session) ID() string    { return s.id }
func (s *session) Label() string { return s.label }

// Send publishes the message. A failed publish closes the session for good.
func (s *session) Send(message string) error {
	if s.isClosed() {
		return errSessionClosed
	}
	err := s.publish(message)
	if err != nil {
		s.close()
		return err
	}
	return nil
}

// Receive returns the next command or io.EOF once the session is closed
func (s *session) Receive() (string, error) {
	select {
	case message := <-s.inbox:
		return message, nil
	case <-s.done:
		return "", io.EOF
	}
}

func (s *session) deliver(message string) {
	select {
	case s.inbox <- message:
	case <-s.done:
	}
}

func (s *session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
