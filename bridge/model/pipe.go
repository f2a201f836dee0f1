package model

const (
	TopicSeparator = ":"
	// Mirror topics
	TopicRX = "RX" // device to subscribers
	TopicTX = "TX" // subscribers to device
)

// Pipe is a bi-directional channel structure
// for communication between socket workers and the relay
type Pipe struct {
	RequestCh  chan Message
	ResponseCh chan Message
}

// NewPipe returns an instantiated Pipe
func NewPipe(capacity int) Pipe {
	return Pipe{
		RequestCh:  make(chan Message, capacity),
		ResponseCh: make(chan Message, capacity),
	}
}

type Message struct {
	Topic   string
	Payload []byte
}
