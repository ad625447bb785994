package forum

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// QueuedMessage is an outbound chat frame waiting to be written.
type QueuedMessage struct {
	ID        string
	Envelope  Envelope
	CreatedAt time.Time
}

// Outbox holds chat frames in composition order until they were written.
// Messages handed to a writer stay queued until acknowledged, so a socket
// lost mid-write loses nothing.
type Outbox struct {
	mu    sync.Mutex
	items []QueuedMessage
	// dispatched counts the items at the head already handed to a writer.
	dispatched int
}

// NewOutbox returns an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Enqueue appends env and returns its queue entry. An empty id gets a fresh
// UUID.
func (o *Outbox) Enqueue(id string, env Envelope, now time.Time) QueuedMessage {
	if id == "" {
		id = uuid.NewString()
	}
	q := QueuedMessage{ID: id, Envelope: env, CreatedAt: now}
	o.mu.Lock()
	o.items = append(o.items, q)
	o.mu.Unlock()
	return q
}

// Dispatch hands messages not yet handed out to send, oldest first, until
// send refuses one. It returns how many were handed out. send must not call
// back into the outbox.
func (o *Outbox) Dispatch(send func(QueuedMessage) bool) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for o.dispatched < len(o.items) {
		if !send(o.items[o.dispatched]) {
			break
		}
		o.dispatched++
		n++
	}
	return n
}

// Ack removes message id after it was written. Writes complete in order, so
// only the oldest message can be acknowledged.
func (o *Outbox) Ack(id string) (QueuedMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 || o.items[0].ID != id {
		return QueuedMessage{}, false
	}
	q := o.items[0]
	o.items = o.items[1:]
	if o.dispatched > 0 {
		o.dispatched--
	}
	return q, true
}

// Requeue takes back everything handed out but not acknowledged. The next
// Dispatch starts again from the oldest message.
func (o *Outbox) Requeue() {
	o.mu.Lock()
	o.dispatched = 0
	o.mu.Unlock()
}

// InFlight returns how many messages are handed out and not yet acknowledged.
func (o *Outbox) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dispatched
}

// Len returns the number of queued messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Pending returns a copy of the queue, oldest first.
func (o *Outbox) Pending() []QueuedMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]QueuedMessage(nil), o.items...)
}

// Clear drops every queued message.
func (o *Outbox) Clear() {
	o.mu.Lock()
	o.items = nil
	o.dispatched = 0
	o.mu.Unlock()
}
