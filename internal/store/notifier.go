package store

import (
	"sync"

	"github.com/oversightlabs/fieldsync/internal/types"
)

// ChangeKind classifies a store mutation for subscribers.
type ChangeKind string

const (
	ChangeCreated    ChangeKind = "created"
	ChangeUpdated    ChangeKind = "updated"
	ChangeDeleted    ChangeKind = "deleted"
	ChangeReassigned ChangeKind = "reassigned"
)

// ChangeEvent describes one store mutation. OldID is set only for
// reassignments, where the record's identity moved from a device-minted
// id to the server-assigned one.
type ChangeEvent struct {
	EntityType types.EntityType `json:"entity_type"`
	ID         int64            `json:"id"`
	OldID      int64            `json:"old_id,omitempty"`
	Kind       ChangeKind       `json:"kind"`
}

// Notifier fans out store change events to subscribers so the UI layer
// can re-run its reads reactively. Sends never block: a subscriber that
// has fallen behind misses intermediate events and re-reads on the next
// one, which is safe because events carry no payloads.
type Notifier struct {
	mu     sync.Mutex
	subs   map[int]chan ChangeEvent
	nextID int
	closed bool
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan ChangeEvent)}
}

// Subscribe registers a subscriber and returns its event channel plus a
// cancel function. The channel is buffered; it is closed by cancel or
// when the notifier shuts down.
func (n *Notifier) Subscribe() (<-chan ChangeEvent, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan ChangeEvent, 16)
	if n.closed {
		close(ch)
		return ch, func() {}
	}

	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Notify delivers an event to every subscriber without blocking.
func (n *Notifier) Notify(ev ChangeEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts down all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
