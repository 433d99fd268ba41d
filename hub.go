package tandem

import (
	"context"
	"log/slog"
	"sync"
)

// defaultOutputCapacity is the per-subscriber queue size.
const defaultOutputCapacity = 1000

// Hub fans published messages out to any number of independent subscribers.
// Each subscriber owns a bounded FIFO queue; a full queue back-pressures the
// publisher for that subscriber only. All methods are safe for concurrent use.
type Hub struct {
	capacity int
	logger   *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

// subscriber is one registered consumer. The data channel is closed only by
// close(), and only after every in-flight send has drained, so publishers
// never race a close.
type subscriber struct {
	id   string
	ch   chan Message
	done chan struct{}

	mu      sync.RWMutex
	closing bool
	inflight sync.WaitGroup
	once    sync.Once
}

// send delivers m, blocking until the queue accepts it, the subscriber is
// closed, or ctx is cancelled. Dropped deliveries are reported back to the
// hub for logging.
func (s *subscriber) send(ctx context.Context, m Message) (delivered bool) {
	s.mu.RLock()
	if s.closing {
		s.mu.RUnlock()
		return false
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	select {
	case s.ch <- m:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// close makes the subscriber's stream end. Idempotent. Blocks only as long
// as in-flight sends need to observe the done signal.
func (s *subscriber) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closing = true
		close(s.done)
		s.mu.Unlock()
		s.inflight.Wait()
		close(s.ch)
	})
}

// NewHub creates a hub whose subscribers each get a queue of the given
// capacity. capacity <= 0 selects the default (1000).
func NewHub(capacity int, logger *slog.Logger) *Hub {
	if capacity <= 0 {
		capacity = defaultOutputCapacity
	}
	if logger == nil {
		logger = nopLogger
	}
	return &Hub{
		capacity: capacity,
		logger:   logger,
		subs:     make(map[string]*subscriber),
	}
}

// Subscribe registers a new subscriber and returns its id together with the
// message stream. Subscription is hot: the stream yields only messages
// published after registration. The stream ends when Unsubscribe is called
// with the returned id or when the hub closes.
func (h *Hub) Subscribe() (string, <-chan Message) {
	s := &subscriber{
		id:   NewID(),
		ch:   make(chan Message, h.capacity),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.id, s.ch
	}
	h.subs[s.id] = s
	h.mu.Unlock()
	return s.id, s.ch
}

// Unsubscribe removes a subscriber and ends its stream. Idempotent; unknown
// ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		s.close()
	}
}

// Publish delivers m to every subscriber registered at the moment of the
// call. Deliveries to distinct subscribers proceed in parallel; each blocks
// on its own queue until accepted or cancelled. Publish returns when every
// delivery has completed or been abandoned. Deliveries to subscribers that
// close mid-publish are dropped silently. After Close, Publish is a no-op.
func (h *Hub) Publish(ctx context.Context, m Message) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	switch len(targets) {
	case 0:
		return
	case 1:
		if !targets[0].send(ctx, m) {
			h.logger.Warn("publish dropped", "subscriber_id", targets[0].id, "message_type", m.Type)
		}
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, s := range targets {
		go func(s *subscriber) {
			defer wg.Done()
			if !s.send(ctx, m) {
				h.logger.Warn("publish dropped", "subscriber_id", s.id, "message_type", m.Type)
			}
		}(s)
	}
	wg.Wait()
}

// Close ends every subscriber stream and empties the registry. Further
// Publish calls are no-ops and further Subscribe calls return an already
// closed stream. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
