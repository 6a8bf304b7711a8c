package formula

import (
	"sort"
	"sync"
)

// EventKind distinguishes progress events from the completion event
type EventKind uint8

const (
	EventProgress EventKind = iota
	EventCompleted
)

// Event is delivered to listeners during an execution. Result is set on
// the completion event only.
type Event struct {
	Kind        EventKind
	ExecutionID string
	Progress    Progress
	Result      *Result
}

// Listener receives events. it is called synchronously on the goroutine
// running the execution.
type Listener func(Event)

// Subscription is the handle returned by Subscribe
type Subscription struct {
	id  uint64
	hub *eventHub
}

// Unsubscribe stops delivery to the listener. it is safe to call more than
// once and from within a listener.
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s.id)
}

type eventHub struct {
	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
}

func newEventHub() *eventHub {
	return &eventHub{listeners: make(map[uint64]Listener)}
}

func (h *eventHub) add(l Listener) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.listeners[h.nextID] = l
	return &Subscription{id: h.nextID, hub: h}
}

func (h *eventHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, id)
}

// emit calls the listeners in subscription order. the lock is not held
// while they run so listeners can stop the execution or unsubscribe.
func (h *eventHub) emit(e Event) {
	h.mu.Lock()
	ids := make([]uint64, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, len(ids))
	for i, id := range ids {
		listeners[i] = h.listeners[id]
	}
	h.mu.Unlock()

	for _, l := range listeners {
		l(e)
	}
}
