// Package queue defines the broker contract the worker pools consume.
package queue

import (
	"context"
	"time"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

// Durable queue names, one per pipeline.
const (
	QueueScanner  = "sitemap-scanner"
	QueueGoogle   = "google-submitter"
	QueueIndexNow = "indexnow-submitter"
)

// Message is the envelope carried on a queue. Attempt counts broker
// deliveries, starting at 1.
type Message struct {
	ID         string             `json:"id"`
	Queue      string             `json:"queue"`
	Payload    indexer.JobPayload `json:"payload"`
	Attempt    int                `json:"attempt"`
	EnqueuedAt int64              `json:"enqueued_at"`
}

// Broker provides named, durable, FIFO-ish queues with delayed
// redelivery. Delivery is at-least-once; idempotency lives in the
// database layer.
type Broker interface {
	// Enqueue appends a fresh message for immediate delivery.
	Enqueue(ctx context.Context, queue string, payload indexer.JobPayload) error
	// EnqueueDelayed schedules msg for delivery after delay with its
	// attempt count incremented by one. Used for broker-level retry
	// backoff.
	EnqueueDelayed(ctx context.Context, queue string, msg Message, delay time.Duration) error
	// Dequeue blocks for the next message or until ctx ends.
	Dequeue(ctx context.Context, queue string) (Message, error)
	// Size reports the current ready depth of the queue.
	Size(ctx context.Context, queue string) (int, error)
	Close() error
}
