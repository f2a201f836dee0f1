package main

import (
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"code.linksmart.eu/dt/serial-bridge/bridge/relay"
	"github.com/Pallinder/go-randomdata"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/satori/go.uuid"
)

const writeTimeout = 10 * time.Second

// subscriberServer handles connections of subscribers, e.g. *relay.Relay
type subscriberServer interface {
	Serve(c relay.Conn)
}

// wsSubscriber is a browser connected to the subscriber endpoint
type wsSubscriber struct {
	id    string
	label string
	conn  *websocket.Conn
	// gorilla connections support one concurrent writer
	writeMutex sync.Mutex
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{
		id:    uuid.NewV4().String(),
		label: randomdata.SillyName(),
		conn:  conn,
	}
}

func (s *wsSubscriber) ID() string    { return s.id }
func (s *wsSubscriber) Label() string { return s.label }

// Send writes a text frame. A failed write closes the connection.
func (s *wsSubscriber) Send(message string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := s.conn.WriteMessage(websocket.TextMessage, []byte(message))
	if err != nil {
		s.conn.Close()
		return err
	}
	return nil
}

// Receive returns the next text message. A normal closure is reported as io.EOF.
func (s *wsSubscriber) Receive() (string, error) {
	for {
		messageType, p, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return "", io.EOF
			}
			return "", err
		}
		if messageType != websocket.TextMessage {
			log.Printf("ws: %s sent a non-text frame. Ignored.", s.label)
			continue
		}
		return string(p), nil
	}
}

func subscriberHandler(server subscriberServer) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true }, // allow all origins
	}

	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("ws: upgrade error:", err)
			return
		}
		defer c.Close()

		s := newWSSubscriber(c)
		log.Printf("ws: %s connected from %s", s.Label(), r.RemoteAddr)
		server.Serve(s)
		log.Printf("ws: %s disconnected", s.Label())
	})
	return r
}
