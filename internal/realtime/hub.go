package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mbeoliero/kit/log"
)

// Event is a change cue. It says which conversation changed and which users
// should refresh their views; it never carries the changed data itself, so
// consumers must re-fetch rather than trust a payload. Duplicate and
// out-of-order delivery are allowed.
type Event struct {
	ConversationId string   `json:"conversation_id"`
	UserIds        []string `json:"user_ids,omitempty"`
}

// subscription wraps a callback so cancellation can guarantee that no
// callback starts after cancel returns.
type subscription struct {
	mu     sync.Mutex
	closed bool
	fn     func(Event)
}

func (s *subscription) invoke(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(ev)
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Hub fans change events out to in-process subscribers: conversation-scoped
// ones (open conversation screens) and global ones (badge caches, the
// websocket gateway). Dispatch runs on a worker pool fed by a bounded queue;
// when the queue is full events are dropped and logged, never blocked on —
// a dropped cue is recovered by the fallback poll.
type Hub struct {
	mu         sync.RWMutex
	nextId     uint64
	convSubs   map[string]map[uint64]*subscription
	globalSubs map[uint64]*subscription

	events  chan Event
	workers int
	dropped atomic.Int64
}

// NewHub creates a hub with the given queue size and worker count
func NewHub(queueSize, workers int) *Hub {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	return &Hub{
		convSubs:   make(map[string]map[uint64]*subscription),
		globalSubs: make(map[uint64]*subscription),
		events:     make(chan Event, queueSize),
		workers:    workers,
	}
}

// Run starts the dispatch workers; they exit when ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	for i := 0; i < h.workers; i++ {
		go h.dispatchLoop(ctx)
	}
}

func (h *Hub) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

// Subscribe registers a callback for one conversation's changes.
// The returned cancel revokes the subscription; once it returns, the callback
// will not fire again.
func (h *Hub) Subscribe(conversationId string, onChange func(Event)) func() {
	sub := &subscription{fn: onChange}

	h.mu.Lock()
	h.nextId++
	id := h.nextId
	subs, ok := h.convSubs[conversationId]
	if !ok {
		subs = make(map[uint64]*subscription)
		h.convSubs[conversationId] = subs
	}
	subs[id] = sub
	h.mu.Unlock()

	return func() {
		sub.close()
		h.mu.Lock()
		if subs, ok := h.convSubs[conversationId]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.convSubs, conversationId)
			}
		}
		h.mu.Unlock()
	}
}

// SubscribeGlobal registers a callback for every change event
func (h *Hub) SubscribeGlobal(onChange func(Event)) func() {
	sub := &subscription{fn: onChange}

	h.mu.Lock()
	h.nextId++
	id := h.nextId
	h.globalSubs[id] = sub
	h.mu.Unlock()

	return func() {
		sub.close()
		h.mu.Lock()
		delete(h.globalSubs, id)
		h.mu.Unlock()
	}
}

// Publish enqueues an event without blocking the caller
func (h *Hub) Publish(ctx context.Context, ev Event) {
	select {
	case h.events <- ev:
	default:
		n := h.dropped.Add(1)
		log.CtxWarn(ctx, "event queue full, dropped change event: conversation_id=%s, total_dropped=%d", ev.ConversationId, n)
	}
}

// Dropped returns how many events were discarded due to backpressure
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// dispatch delivers an event to the matching conversation subscribers and all
// global subscribers
func (h *Hub) dispatch(ev Event) {
	h.mu.RLock()
	targets := make([]*subscription, 0, len(h.globalSubs)+4)
	if subs, ok := h.convSubs[ev.ConversationId]; ok {
		for _, sub := range subs {
			targets = append(targets, sub)
		}
	}
	for _, sub := range h.globalSubs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.invoke(ev)
	}
}
