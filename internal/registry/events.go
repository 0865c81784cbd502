package registry

import (
	"sync"
	"time"
)

// EventKind classifies a membership event.
type EventKind string

const (
	EventJoin       EventKind = "join"        // TCP accept, not yet registered
	EventRegister   EventKind = "register"    // username asserted
	EventLeave      EventKind = "leave"       // socket closed or removed
	EventRoomChange EventKind = "room_change" // moved between rooms
)

// Event is a membership change published to monitoring subscribers.
// Downstream effects inside the server are never driven by events; routers
// act on the registry directly and events exist only for observation.
type Event struct {
	Kind     EventKind `json:"kind"`
	MemberID string    `json:"member_id"`
	Username string    `json:"username,omitempty"`
	IP       string    `json:"ip"`
	Room     string    `json:"room"`
	Time     time.Time `json:"time"`
}

// eventHub fans membership events out to subscribers. Slow subscribers lose
// events rather than block registry operations.
type eventHub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

// subscriberBuffer is the per-subscriber channel depth. Events beyond it are
// dropped for that subscriber.
const subscriberBuffer = 64

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of membership events and a cancel function.
// The channel is closed on cancel or registry shutdown.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	return r.events.subscribe()
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *eventHub) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; drop rather than stall the registry.
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = make(map[chan Event]struct{})
}
