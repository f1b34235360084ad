package feed

import (
	"sync"

	"github.com/google/uuid"
)

// SubscriberBufferSize is the per-subscriber outbound buffer. At typical
// chain activity this is on the order of a minute of backlog; a dashboard
// that falls further behind is disconnected rather than allowed to stall
// ingestion.
const SubscriberBufferSize = 512

// Subscriber is one connected dashboard. The aggregator pushes serialized
// feed messages into Messages with a non-blocking send; on overflow it
// closes Overflow exactly once, signalling the connection's write pump to
// drop the client.
type Subscriber struct {
	// ID identifies the subscriber in logs and metrics.
	ID uuid.UUID

	messages chan []byte
	overflow chan struct{}
	once     sync.Once
}

// NewSubscriber returns a subscriber with an empty buffer.
func NewSubscriber() *Subscriber {
	return &Subscriber{
		ID:       uuid.New(),
		messages: make(chan []byte, SubscriberBufferSize),
		overflow: make(chan struct{}),
	}
}

// Send queues a feed message without blocking. It reports false, and marks
// the subscriber overflowed, when the buffer is full.
func (s *Subscriber) Send(msg []byte) bool {
	select {
	case s.messages <- msg:
		return true
	default:
		s.once.Do(func() { close(s.overflow) })
		return false
	}
}

// Messages is the stream consumed by the connection's write pump.
func (s *Subscriber) Messages() <-chan []byte {
	return s.messages
}

// Overflow is closed when the subscriber fell behind and must be dropped.
func (s *Subscriber) Overflow() <-chan struct{} {
	return s.overflow
}
