package relay

import (
	"log"
	"sync"

	"code.linksmart.eu/dt/serial-bridge/bridge/model"
)

// Subscriber is a live client channel receiving broadcasts
type Subscriber interface {
	// ID is unique per connection
	ID() string
	// Label is a human-readable name for logs
	Label() string
	Send(message string) error
}

// Hub maintains the set of active subscribers and broadcasts messages to them
type Hub struct {
	mutex       sync.RWMutex
	subscribers map[string]Subscriber

	onChange func(model.SubscribersStatus)
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]Subscriber),
		onChange:    func(model.SubscribersStatus) {},
	}
}

// Join registers a subscriber for future broadcasts
func (h *Hub) Join(s Subscriber) {
	h.mutex.Lock()
	h.subscribers[s.ID()] = s
	total := len(h.subscribers)
	h.mutex.Unlock()

	log.Printf("hub: Subscriber %s (%s) joined. Total: %d", s.Label(), s.ID(), total)
	h.onChange(model.SubscribersStatus{ID: s.ID(), Label: s.Label(), Joined: true, Total: total})
}

// Leave removes a subscriber. Removing an absent subscriber is a no-op.
func (h *Hub) Leave(s Subscriber) {
	h.mutex.Lock()
	_, found := h.subscribers[s.ID()]
	delete(h.subscribers, s.ID())
	total := len(h.subscribers)
	h.mutex.Unlock()

	if !found {
		return
	}
	log.Printf("hub: Subscriber %s (%s) left. Total: %d", s.Label(), s.ID(), total)
	h.onChange(model.SubscribersStatus{ID: s.ID(), Label: s.Label(), Joined: false, Total: total})
}

// Count returns the number of subscribers
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) snapshot() []Subscriber {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	subs := make([]Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	return subs
}

// Broadcast sends the message to every current subscriber.
// Subscribers that fail are removed once all sends have been attempted.
func (h *Hub) Broadcast(message string) {
	subs := h.snapshot()
	if len(subs) == 0 {
		return
	}

	var failed []Subscriber
	for _, s := range subs {
		err := s.Send(message)
		if err != nil {
			log.Printf("hub: Error broadcasting to %s: %s", s.Label(), err)
			failed = append(failed, s)
		}
	}

	for _, s := range failed {
		h.Leave(s)
	}
}
