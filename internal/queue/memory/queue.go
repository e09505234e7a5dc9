// Package memory provides a queue broker for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/queue"
)

// Broker is a bounded in-memory queue broker with context-aware
// operations. Delayed messages sit on timers until due.
type Broker struct {
	capacity int
	mu       sync.Mutex
	queues   map[string]chan queue.Message
	closed   bool
}

// NewBroker constructs a broker whose queues hold up to capacity ready
// messages each.
func NewBroker(capacity int) *Broker {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Broker{
		capacity: capacity,
		queues:   make(map[string]chan queue.Message),
	}
}

func (b *Broker) channel(name string) chan queue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan queue.Message, b.capacity)
		b.queues[name] = ch
	}
	return ch
}

// Enqueue pushes a fresh message or returns if the context ends.
func (b *Broker) Enqueue(ctx context.Context, name string, payload indexer.JobPayload) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("enqueue payload: %w", err)
	}
	msg := queue.Message{
		ID:         uuid.NewString(),
		Queue:      name,
		Payload:    payload,
		Attempt:    1,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case b.channel(name) <- msg:
		return nil
	}
}

// EnqueueDelayed re-delivers msg after delay with its attempt bumped.
func (b *Broker) EnqueueDelayed(_ context.Context, name string, msg queue.Message, delay time.Duration) error {
	msg.Queue = name
	msg.Attempt++
	ch := b.channel(name)
	time.AfterFunc(delay, func() {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg:
		default:
		}
	})
	return nil
}

// Dequeue pops the next message, respecting context cancellation.
func (b *Broker) Dequeue(ctx context.Context, name string) (queue.Message, error) {
	select {
	case <-ctx.Done():
		return queue.Message{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case msg, ok := <-b.channel(name):
		if !ok {
			return queue.Message{}, errors.New("queue closed")
		}
		return msg, nil
	}
}

// Size reports the ready depth of the queue.
func (b *Broker) Size(_ context.Context, name string) (int, error) {
	return len(b.channel(name)), nil
}

// Close marks the broker closed; pending delayed timers become no-ops.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
