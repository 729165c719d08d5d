package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/internal/metrics"
)

// Hub is the in-process waiter registry. Each waiter owns a buffered(1)
// channel; Broadcast does a non-blocking send to all of them, so bursts of
// notifications collapse into one wake-up per waiter.
type Hub struct {
	metrics *metrics.Metrics

	mu     sync.Mutex
	subs   map[uuid.UUID]map[chan struct{}]struct{}
	closed bool
}

// NewHub creates an empty Hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		metrics: m,
		subs:    make(map[uuid.UUID]map[chan struct{}]struct{}),
	}
}

// Notify wakes all current waiters for executorID.
func (h *Hub) Notify(_ context.Context, executorID uuid.UUID) {
	h.Broadcast(executorID)
	h.metrics.NotificationSent("memory")
}

// Wait registers a waiter for executorID and blocks per the Channel contract.
func (h *Hub) Wait(ctx context.Context, executorID uuid.UUID, timeout time.Duration) bool {
	timeout = ClampTimeout(timeout)
	if timeout == 0 {
		return false
	}

	ch, unsub, ok := h.subscribe(executorID)
	if !ok {
		h.metrics.WaitSkipped()
		return false
	}
	defer unsub()

	return await(ctx, ch, timeout, h.metrics)
}

// Run blocks until ctx is done, then closes the hub.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.Close()
	return nil
}

// Broadcast signals every waiter registered for executorID without blocking.
func (h *Hub) Broadcast(executorID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[executorID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Waiters returns the number of waiters currently registered for executorID.
func (h *Hub) Waiters(executorID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[executorID])
}

// Close wakes every waiter and makes later Waits return immediately. Used on
// shutdown so held long-polls drain promptly.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, subscribers := range h.subs {
		for ch := range subscribers {
			drainAndClose(ch)
		}
		delete(h.subs, id)
	}
}

func (h *Hub) subscribe(executorID uuid.UUID) (<-chan struct{}, func(), bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, nil, false
	}

	ch := make(chan struct{}, 1)
	if h.subs[executorID] == nil {
		h.subs[executorID] = make(map[chan struct{}]struct{})
	}
	h.subs[executorID][ch] = struct{}{}

	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subscribers := h.subs[executorID]
		if _, ok := subscribers[ch]; !ok {
			return
		}
		delete(subscribers, ch)
		if len(subscribers) == 0 {
			delete(h.subs, executorID)
		}
	}
	return ch, unsub, true
}

// drainAndClose removes any buffered signal before closing the channel so
// receivers observe a closed channel immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Transport = (*Hub)(nil)
