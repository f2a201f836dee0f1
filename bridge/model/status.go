package model

const (
	// Status event topics
	TopicUpstream    = "upstream"
	TopicSubscribers = "subscribers"
	// Actions sent to subscribers after control API mutations
	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// StatusEvent is published on the event bus
type StatusEvent struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// UpstreamStatus is the payload of TopicUpstream events
type UpstreamStatus struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address"`
	Attempt   int    `json:"attempt,omitempty"`
}

// SubscribersStatus is the payload of TopicSubscribers events
type SubscribersStatus struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Joined bool   `json:"joined"`
	Total  int    `json:"total"`
}

// Status summarises the relay
type Status struct {
	Upstream    bool `json:"upstream"`
	Subscribers int  `json:"subscribers"`
}
