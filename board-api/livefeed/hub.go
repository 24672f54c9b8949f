package livefeed

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/aryabyte21/taskboard/domain"
)

// DefaultClientBuffer is the number of frames a subscriber may lag behind
// before it is disconnected.
const DefaultClientBuffer = 64

// Publisher broadcasts a task event after a successful mutation.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Subscription is one connected stream client.
type Subscription struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

// Frames yields encoded events in broadcast order.
func (s *Subscription) Frames() <-chan []byte { return s.frames }

// Dropped is closed when the hub gave up on a subscriber, either because it
// fell too far behind or because events may have been missed upstream.
func (s *Subscription) Dropped() <-chan struct{} { return s.closed }

func (s *Subscription) drop() {
	s.once.Do(func() { close(s.closed) })
}

// Hub fans encoded events out to the stream clients of this instance.
type Hub struct {
	buffer int
	logger *log.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewHub(buffer int, logger *log.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultClientBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{buffer: buffer, logger: logger, subs: make(map[*Subscription]struct{})}
}

func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{frames: make(chan []byte, h.buffer), closed: make(chan struct{})}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast hands data to every subscriber. A subscriber whose buffer is full
// is dropped so that it reconnects and refetches rather than silently missing
// an event.
func (h *Hub) Broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.frames <- data:
		default:
			delete(h.subs, s)
			s.drop()
			h.logger.WithField("buffer", h.buffer).Warn("stream subscriber too slow, disconnecting")
		}
	}
}

// DropAll disconnects every subscriber.
func (h *Hub) DropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.subs)
	for s := range h.subs {
		delete(h.subs, s)
		s.drop()
	}
	if n > 0 {
		h.logger.WithField("subscribers", n).Warn("disconnecting all stream subscribers")
	}
}

// Publish encodes ev and broadcasts it locally.
func (h *Hub) Publish(_ context.Context, ev domain.Event) error {
	data, err := ev.MarshalJSON()
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}
