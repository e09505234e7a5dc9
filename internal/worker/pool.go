package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/metrics"
	"github.com/indexerpro/sitemap-indexer/internal/queue"
)

// maxDeliveries bounds broker-level redeliveries of one message.
const maxDeliveries = 3

// HandlerFunc processes one queue message.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

// PoolConfig sizes one queue's consumer pool.
type PoolConfig struct {
	Queue       string
	Concurrency int
	RatePerSec  float64
}

// Pool consumes one queue with N concurrent handlers behind a token
// bucket. Transient handler errors re-enter the queue with a delay;
// fatal ones do not.
type Pool struct {
	cfg     PoolConfig
	broker  queue.Broker
	handler HandlerFunc
	limiter *rate.Limiter
	policy  *indexer.ExponentialRetryPolicy
	logger  *zap.Logger
}

// NewPool builds a Pool.
func NewPool(cfg PoolConfig, broker queue.Broker, handler HandlerFunc, logger *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	limit := rate.Limit(cfg.RatePerSec)
	if cfg.RatePerSec <= 0 {
		limit = rate.Inf
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		broker:  broker,
		handler: handler,
		limiter: rate.NewLimiter(limit, 1),
		policy:  indexer.NewRetryPolicy(maxDeliveries, 5*time.Second, 2*time.Minute),
		logger:  logger,
	}
}

// Run blocks, consuming queue messages until the context finishes.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consume(ctx)
		}()
	}

	go p.observeDepth(ctx)
	wg.Wait()
}

func (p *Pool) consume(ctx context.Context) {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		msg, err := p.broker.Dequeue(ctx, p.cfg.Queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("queue dequeue failed", zap.String("queue", p.cfg.Queue), zap.Error(err))
			continue
		}
		p.process(ctx, msg)
	}
}

func (p *Pool) process(ctx context.Context, msg queue.Message) {
	err := p.handler(ctx, msg)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, indexer.ErrJobAborted):
		// The handler already moved the job to CANCELLED.
		return
	case indexer.IsFatalPerJob(err):
		// The handler already moved the job to FAILED; redelivery
		// cannot change the outcome.
		metrics.ObserveError("fatal")
		return
	case msg.Attempt >= maxDeliveries:
		p.logger.Error("job exhausted redeliveries",
			zap.String("queue", p.cfg.Queue),
			zap.String("message_id", msg.ID),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err),
		)
		metrics.ObserveError("exhausted")
		return
	default:
		delay := p.policy.Backoff(msg.Attempt - 1)
		p.logger.Warn("job redelivery scheduled",
			zap.String("queue", p.cfg.Queue),
			zap.String("message_id", msg.ID),
			zap.Int("attempt", msg.Attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.ObserveError("transient")
		if err := p.broker.EnqueueDelayed(ctx, p.cfg.Queue, msg, delay); err != nil {
			p.logger.Error("job redelivery failed", zap.String("queue", p.cfg.Queue), zap.Error(err))
		}
	}
}

// observeDepth samples the queue depth for the queue_size gauge.
func (p *Pool) observeDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := p.broker.Size(ctx, p.cfg.Queue)
			if err != nil {
				continue
			}
			metrics.SetQueueSize(p.cfg.Queue, depth)
		}
	}
}
