// Package notify carries the transient execution messages of the daemon to
// presentation clients.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
)

// Kind classifies a Notification.
type Kind string

const (
	KindProgress Kind = "progress"
	KindSuccess  Kind = "success"
	KindFailure  Kind = "failure"
	KindChange   Kind = "change"
)

// Notification is a message keyed by record id. Level and Total are set for
// the progress of multi-step codes; Op is set for store changes.
type Notification struct {
	RecordID string          `json:"record_id"`
	Kind     Kind            `json:"kind"`
	Message  string          `json:"message,omitempty"`
	Level    int             `json:"level,omitempty"`
	Total    int             `json:"total,omitempty"`
	Op       schema.ChangeOp `json:"op,omitempty"`
	At       time.Time       `json:"at"`
}

// Notifier receives notifications. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Discard drops every notification.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(context.Context, Notification) {}

// Multi forwards to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, target := range m {
		target.Notify(ctx, n)
	}
}

// Hub fans notifications out to in-process subscribers. A subscriber whose
// buffer is full misses the notification instead of stalling the sender.
type Hub struct {
	mu     sync.RWMutex
	next   int
	subs   map[int]chan Notification
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Notification)}
}

// Subscribe returns a channel of notifications and a function that releases
// it. The channel is closed on release or when the hub is closed.
func (h *Hub) Subscribe(buffer int) (<-chan Notification, func()) {
	ch := make(chan Notification, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Notify implements Notifier.
func (h *Hub) Notify(_ context.Context, n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close releases every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.closed = true
}

// FromChange converts a store change into a notification.
func FromChange(ch schema.Change) Notification {
	return Notification{
		RecordID: ch.ID,
		Kind:     KindChange,
		Op:       ch.Op,
		Message:  ch.Table,
		At:       time.Now().UTC(),
	}
}
