// Package redis implements the queue broker on Redis lists with a
// sorted-set staging area for delayed redelivery.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/queue"
)

const (
	dequeueBlock  = 2 * time.Second
	moverInterval = 500 * time.Millisecond
)

// Config holds Redis connection configuration.
type Config struct {
	Address  string
	Password string
	DB       int
}

// Broker is the Redis-backed queue broker. Ready messages live on
// queue:<name>; delayed ones on queue:<name>:delayed scored by their
// delivery time, moved over by a background loop.
type Broker struct {
	client *redis.Client
	logger *zap.Logger

	mu      sync.Mutex
	movers  map[string]struct{}
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewBroker connects to Redis and verifies the connection.
func NewBroker(ctx context.Context, cfg Config, logger *zap.Logger) (*Broker, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Broker{
		client: client,
		logger: logger,
		movers: make(map[string]struct{}),
		stopCh: make(chan struct{}),
	}, nil
}

func readyKey(name string) string {
	return "queue:" + name
}

func delayedKey(name string) string {
	return "queue:" + name + ":delayed"
}

// Enqueue appends a fresh message for immediate delivery.
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
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	if err := b.client.LPush(ctx, readyKey(name), raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", name, err)
	}
	return nil
}

// EnqueueDelayed stages msg on the delayed set, scored by delivery time.
func (b *Broker) EnqueueDelayed(ctx context.Context, name string, msg queue.Message, delay time.Duration) error {
	msg.Queue = name
	msg.Attempt++
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	deliverAt := float64(time.Now().Add(delay).UnixMilli())
	if err := b.client.ZAdd(ctx, delayedKey(name), redis.Z{Score: deliverAt, Member: raw}).Err(); err != nil {
		return fmt.Errorf("failed to stage delayed message on %s: %w", name, err)
	}
	b.ensureMover(name)
	return nil
}

// Dequeue blocks for the next ready message. The mover loop for the
// queue is started lazily on first use.
func (b *Broker) Dequeue(ctx context.Context, name string) (queue.Message, error) {
	b.ensureMover(name)
	for {
		if err := ctx.Err(); err != nil {
			return queue.Message{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		res, err := b.client.BRPop(ctx, dequeueBlock, readyKey(name)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return queue.Message{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return queue.Message{}, fmt.Errorf("failed to dequeue from %s: %w", name, err)
		}
		var msg queue.Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			b.logger.Error("discarding undecodable queue message",
				zap.String("queue", name),
				zap.Error(err),
			)
			continue
		}
		return msg, nil
	}
}

// Size reports the ready depth of the queue.
func (b *Broker) Size(ctx context.Context, name string) (int, error) {
	n, err := b.client.LLen(ctx, readyKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to measure queue %s: %w", name, err)
	}
	return int(n), nil
}

// Close stops the mover loops and the client.
func (b *Broker) Close() error {
	b.stopped.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

// ensureMover starts at most one delayed-set mover per queue.
func (b *Broker) ensureMover(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.movers[name]; ok {
		return
	}
	b.movers[name] = struct{}{}
	b.wg.Add(1)
	go b.runMover(name)
}

// runMover promotes due delayed messages onto the ready list. The
// ZRangeByScore + ZRem pair makes each promotion effectively
// exactly-once per member since members are unique payloads.
func (b *Broker) runMover(name string) {
	defer b.wg.Done()
	ticker := time.NewTicker(moverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.moveDue(name)
		}
	}
}

func (b *Broker) moveDue(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := b.client.ZRangeByScore(ctx, delayedKey(name), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		b.logger.Warn("delayed queue scan failed", zap.String("queue", name), zap.Error(err))
		return
	}
	for _, member := range due {
		removed, err := b.client.ZRem(ctx, delayedKey(name), member).Result()
		if err != nil {
			b.logger.Warn("delayed queue remove failed", zap.String("queue", name), zap.Error(err))
			continue
		}
		if removed == 0 {
			// Another instance won the race for this member.
			continue
		}
		if err := b.client.LPush(ctx, readyKey(name), member).Err(); err != nil {
			b.logger.Error("delayed queue promote failed", zap.String("queue", name), zap.Error(err))
		}
	}
}
