// Package queue defines the outbound handoff contract between the SMTP
// session / Sieve driver and whatever durable delivery queue backs this
// server; this repo supplies only the interface and an in-memory
// reference implementation.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/bobobo1618/mail-server/envelope"
)

// Message is the unit handed to the queue for delivery.
type Message struct {
	ID   string
	From *envelope.Sender
	To   string
	Raw  []byte

	Notify envelope.NotifyFlag
	Ret    envelope.RetFlag

	ByTrace               bool
	ByTimeRelativeSeconds int64
	ByTimeAbsolute        string
}

// NewMessage builds a Message addressed to recipient carrying raw.
func NewMessage(recipient string, raw []byte) *Message {
	return &Message{To: recipient, Raw: raw}
}

// Queue accepts finished messages for delivery.
type Queue interface {
	Enqueue(ctx context.Context, msg *Message) error
}

// MemoryQueue is an in-memory reference Queue implementation, useful for
// tests and small deployments that don't need a durable backing store.
type MemoryQueue struct {
	mu       sync.Mutex
	messages []*Message
	nextID   int
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("m%d", q.nextID)
	}
	q.messages = append(q.messages, msg)
	return nil
}

// Messages returns a snapshot of everything enqueued so far, in enqueue
// order.
func (q *MemoryQueue) Messages() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Message, len(q.messages))
	copy(out, q.messages)
	return out
}
