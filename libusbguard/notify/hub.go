package notify

import (
	"context"
	"errors"
	"sync"
)

// DefaultQueueSize is the per-subscriber queue length used when none is
// configured.
const DefaultQueueSize = 64

var ErrClosed = errors.New("subscription closed")

// Hub fans notifications out to subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	size int
}

func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{subs: make(map[*Subscription]struct{}), size: queueSize}
}

// Publish enqueues n for every current subscriber without blocking.
func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.push(n)
	}
}

// Subscribe registers a new subscriber. Only notifications published
// after Subscribe returns are delivered to it.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		hub:   h,
		buf:   make([]Notification, h.size),
		ready: make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscription is a bounded drop-oldest queue of notifications.
type Subscription struct {
	hub *Hub

	mu      sync.Mutex
	buf     []Notification
	head    int
	n       int
	dropped uint64
	closed  bool

	// ready holds a token while the queue may be non-empty.
	ready chan struct{}
}

func (s *Subscription) push(n Notification) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.n == len(s.buf) {
		s.buf[s.head] = nil
		s.head = (s.head + 1) % len(s.buf)
		s.n--
		s.dropped++
	}
	s.buf[(s.head+s.n)%len(s.buf)] = n
	s.n++
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next returns the oldest queued notification, waiting until one is
// available, ctx is done or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Notification, error) {
	for {
		s.mu.Lock()
		if s.n > 0 {
			n := s.buf[s.head]
			s.buf[s.head] = nil
			s.head = (s.head + 1) % len(s.buf)
			s.n--
			more := s.n > 0
			s.mu.Unlock()
			if more {
				s.signal()
			}
			return n, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dropped returns how many notifications were discarded because the
// queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscription. Queued notifications can still be
// drained with Next, which then returns ErrClosed.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}
