// Package realtime provides an in-process publish/subscribe hub that fans out
// search snapshots to the listeners of a session (e.g. WebSocket streams).
//
// Delivery is best effort and never blocks the publisher. A listener whose
// buffer is full loses its oldest pending snapshot instead of the newest one,
// so a slow consumer always ends up with the latest state.
package realtime

import (
	"sync"

	"github.com/rubiojr/panhub/pkg/orchestrator"
)

const (
	// EventSnapshot carries a new orchestrator snapshot.
	EventSnapshot = "snapshot"
	// EventInit is the first message of a stream, carrying the current state.
	EventInit = "init"
)

// Event is the envelope delivered to listeners and written on the wire.
type Event struct {
	Type     string                `json:"type"`
	Session  string                `json:"session"`
	Snapshot orchestrator.Snapshot `json:"snapshot"`
}

type listener struct {
	session string
	ch      chan Event
}

// SnapshotHub is an in-memory fan-out dispatcher keyed by session id.
// The hub is concurrency-safe.
type SnapshotHub struct {
	mu        sync.RWMutex
	listeners map[uint64]listener
	nextID    uint64
	bufSize   int
}

// NewSnapshotHub constructs a hub with the given per-listener buffer size.
// If bufSize <= 0, a default of 16 is used.
func NewSnapshotHub(bufSize int) *SnapshotHub {
	if bufSize <= 0 {
		bufSize = 16
	}
	return &SnapshotHub{
		listeners: make(map[uint64]listener),
		bufSize:   bufSize,
	}
}

// Register adds a listener for session and returns its id and channel.
// Callers must later Unregister(id) to release resources.
func (h *SnapshotHub) Register(session string) (uint64, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.bufSize)
	h.listeners[id] = listener{session: session, ch: ch}
	return id, ch
}

// Unregister removes the listener and closes its channel. Unknown ids are ignored.
func (h *SnapshotHub) Unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.listeners[id]; ok {
		delete(h.listeners, id)
		close(l.ch)
	}
}

// CloseSession unregisters every listener of session, closing their channels.
func (h *SnapshotHub) CloseSession(session string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id, l := range h.listeners {
		if l.session == session {
			delete(h.listeners, id)
			close(l.ch)
			n++
		}
	}
	return n
}

// Publish delivers snap to every listener of session.
func (h *SnapshotHub) Publish(session string, snap orchestrator.Snapshot) {
	ev := Event{Type: EventSnapshot, Session: session, Snapshot: snap}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, l := range h.listeners {
		if l.session != session {
			continue
		}
		select {
		case l.ch <- ev:
			continue
		default:
		}
		// Full: drop the oldest pending event and retry once.
		select {
		case <-l.ch:
		default:
		}
		select {
		case l.ch <- ev:
		default:
		}
	}
}

// Publisher returns an orchestrator.Publisher bound to session.
func (h *SnapshotHub) Publisher(session string) orchestrator.Publisher {
	return orchestrator.PublisherFunc(func(s orchestrator.Snapshot) {
		h.Publish(session, s)
	})
}

// Size returns the current number of listeners.
func (h *SnapshotHub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
