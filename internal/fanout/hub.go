// Package fanout delivers one encoded stream to every enabled target through
// independent relay sessions.
package fanout

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueDepth is the number of chunks a subscriber may lag behind.
const DefaultQueueDepth = 256

// Hub receives the encoder's output and copies every chunk to each
// subscriber without ever blocking the writer. A subscriber whose queue is
// full is cut loose.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool

	firstOnce sync.Once
	first     chan struct{}
	bytes     atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:  make(map[*Subscription]struct{}),
		first: make(chan struct{}),
	}
}

// Write implements io.Writer. It always consumes all of p.
func (h *Hub) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := append([]byte(nil), p...)
	h.bytes.Add(uint64(len(p)))
	h.firstOnce.Do(func() { close(h.first) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- chunk:
		default:
			sub.dropped.Store(true)
			h.removeLocked(sub)
		}
	}
	return len(p), nil
}

// FirstData is closed once the encoder has produced any output.
func (h *Hub) FirstData() <-chan struct{} { return h.first }

// Bytes reports the total number of bytes written.
func (h *Hub) Bytes() uint64 { return h.bytes.Load() }

// Subscribe registers a new queue of the given depth.
func (h *Hub) Subscribe(depth int) *Subscription {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	sub := &Subscription{hub: h, ch: make(chan []byte, depth)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Subscribers reports the number of attached queues.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber. Later writes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		h.removeLocked(sub)
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

// Subscription is one consumer queue. C is closed when the subscriber is
// cut loose, cancelled, or the hub closes.
type Subscription struct {
	hub     *Hub
	ch      chan []byte
	dropped atomic.Bool
}

// C delivers chunks in write order.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Dropped reports whether the hub cut this subscriber loose for lagging.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// Cancel detaches the subscription.
func (s *Subscription) Cancel() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}
