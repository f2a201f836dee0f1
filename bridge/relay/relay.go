// Package relay bridges the upstream device link and the subscriber hub
package relay

import (
	"context"
	"io"
	"log"

	"code.linksmart.eu/dt/serial-bridge/bridge/model"
	"github.com/cskr/pubsub"
)

const (
	notificationBuffer = 64
	eventsBuffer       = 16
)

// EventLog records subscriber commands
type EventLog interface {
	Append(command string) error
}

// Conn is a subscriber that also receives messages from its client.
// Receive returns io.EOF when the client closed the connection normally.
type Conn interface {
	Subscriber
	Receive() (string, error)
}

type Relay struct {
	link  *Link
	hub   *Hub
	store EventLog

	notifications chan string
	events        *pubsub.PubSub
}

// New wires the link and hub together. Status changes of both are published on Events.
func New(link *Link, hub *Hub, store EventLog) *Relay {
	r := &Relay{
		link:          link,
		hub:           hub,
		store:         store,
		notifications: make(chan string, notificationBuffer),
		events:        pubsub.New(eventsBuffer),
	}
	link.onStatus = func(s model.UpstreamStatus) {
		r.publish(model.TopicUpstream, s)
	}
	hub.onChange = func(s model.SubscribersStatus) {
		r.publish(model.TopicSubscribers, s)
	}
	return r
}

func (r *Relay) publish(topic string, payload interface{}) {
	r.events.TryPub(model.StatusEvent{Topic: topic, Payload: payload}, topic)
}

// Events returns the status event bus. Subscribers must Unsub when done.
// The bus is never shut down, so publishing and Unsub stay safe after Run returns.
func (r *Relay) Events() *pubsub.PubSub {
	return r.events
}

// Run maintains the upstream link and broadcasts device messages and
// notifications, in the order they are received, until the context is cancelled
func (r *Relay) Run(ctx context.Context) {
	go r.link.Run(ctx)

	// the link closes its stream once it has stopped.
	// The event bus stays up for subscribers that leave afterwards.
	messages := r.link.Messages()
	for {
		select {
		case message, ok := <-messages:
			if !ok {
				return
			}
			r.hub.Broadcast(message)
		case action := <-r.notifications:
			r.hub.Broadcast(action)
		}
	}
}

// Notify queues an action tag for broadcast without blocking the caller
func (r *Relay) Notify(action string) bool {
	select {
	case r.notifications <- action:
		return true
	default:
		log.Printf("relay: WARNING: notification queue is full. Dropped: %s", action)
		return false
	}
}

// Serve handles one subscriber connection until it is closed
func (r *Relay) Serve(c Conn) {
	r.hub.Join(c)
	defer r.hub.Leave(c)

	r.link.RequestState()
	for {
		message, err := c.Receive()
		if err != nil {
			if err != io.EOF {
				log.Printf("relay: Subscriber %s error: %s", c.Label(), err)
			}
			return
		}
		r.handle(c, message)
	}
}

func (r *Relay) handle(c Subscriber, message string) {
	log.Printf("relay: %s > %s", c.Label(), message)

	err := r.store.Append(message)
	if err != nil {
		log.Printf("relay: Error logging event: %s", err)
	}

	err = r.link.Send(message)
	if err == ErrNotConnected {
		log.Printf("relay: WARNING: Upstream is not connected. Dropped: %s", message)
	} else if err != nil {
		log.Printf("relay: WARNING: %s. Dropped: %s", err, message)
	}
}

// Status summarises the link and hub
func (r *Relay) Status() model.Status {
	return model.Status{
		Upstream:    r.link.Connected(),
		Subscribers: r.hub.Count(),
	}
}
