package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/metrics"
)

// Mirror fans events out to other instances. The Redis bridge implements
// it; a nil mirror keeps the bus process-local.
type Mirror interface {
	Broadcast(ctx context.Context, evt Event) error
}

// Bus is the in-process pub/sub keyed by (org, project). Delivery to
// each subscriber preserves publish order; subscribers that fall behind
// shed LOG events first and never lose terminal JOB_UPDATEs.
type Bus struct {
	instanceID string
	bufferSize int
	mirror     Mirror
	logger     *zap.Logger

	mu   sync.RWMutex
	subs map[channelKey][]*Subscriber
}

type channelKey struct {
	org     uuid.UUID
	project uuid.UUID
}

// NewBus builds a Bus. instanceID must be unique per process so the
// mirror can tell its own broadcasts apart.
func NewBus(instanceID string, bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		instanceID: instanceID,
		bufferSize: bufferSize,
		logger:     logger,
		subs:       make(map[channelKey][]*Subscriber),
	}
}

// SetMirror attaches the cross-instance bridge.
func (b *Bus) SetMirror(m Mirror) {
	b.mirror = m
}

// InstanceID returns the bus owner's instance id.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Publish stamps the event with this instance's origin, delivers it
// locally, and hands it to the mirror.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	evt.Origin = b.instanceID
	b.deliverLocal(evt)
	if b.mirror != nil {
		if err := b.mirror.Broadcast(ctx, evt); err != nil {
			b.logger.Warn("event mirror broadcast failed", zap.Error(err))
		}
	}
}

// DeliverRemote feeds an event received from the mirror to local
// subscribers. Events that originated here already went out via Publish
// and are ignored, which is what breaks the mirror loop.
func (b *Bus) DeliverRemote(evt Event) {
	if evt.Origin == b.instanceID {
		return
	}
	b.deliverLocal(evt)
}

func (b *Bus) deliverLocal(evt Event) {
	key := channelKey{org: evt.OrgID, project: evt.ProjectID}
	b.mu.RLock()
	subs := b.subs[key]
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.push(evt)
	}
}

// Subscribe registers a subscriber for one (org, project) channel.
func (b *Bus) Subscribe(orgID, projectID uuid.UUID) *Subscriber {
	sub := &Subscriber{
		bus:    b,
		key:    channelKey{org: orgID, project: projectID},
		limit:  b.bufferSize,
		signal: make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subs[sub.key] = append(b.subs[sub.key], sub)
	b.mu.Unlock()
	metrics.IncEventSubscribers()
	return sub
}

// Unsubscribe removes the subscriber and wakes any pending Next call.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	subs := b.subs[sub.key]
	for i, candidate := range subs {
		if candidate == sub {
			b.subs[sub.key] = append(subs[:i], subs[i+1:]...)
			metrics.DecEventSubscribers()
			break
		}
	}
	if len(b.subs[sub.key]) == 0 {
		delete(b.subs, sub.key)
	}
	b.mu.Unlock()
	sub.close()
}

// Subscriber is one ordered event consumer with a bounded buffer.
type Subscriber struct {
	bus    *Bus
	key    channelKey
	limit  int
	signal chan struct{}

	mu      sync.Mutex
	buffer  []Event
	dropped int64
	closed  bool
}

// push appends evt, shedding per the drop policy when full: the oldest
// droppable LOG goes first, then the oldest droppable event of any
// kind. If nothing in the buffer may be shed and evt itself is
// droppable, evt is discarded instead.
func (s *Subscriber) push(evt Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buffer) >= s.limit {
		if !s.shedOne() {
			if evt.Droppable() {
				s.dropped++
				s.mu.Unlock()
				return
			}
		}
	}
	s.buffer = append(s.buffer, evt)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// shedOne removes one droppable event, preferring the oldest LOG.
// Returns false if every buffered event must be kept.
func (s *Subscriber) shedOne() bool {
	for i, evt := range s.buffer {
		if evt.Kind == KindLog {
			s.buffer = append(s.buffer[:i], s.buffer[i+1:]...)
			s.dropped++
			return true
		}
	}
	for i, evt := range s.buffer {
		if evt.Droppable() {
			s.buffer = append(s.buffer[:i], s.buffer[i+1:]...)
			s.dropped++
			return true
		}
	}
	return false
}

// Next blocks until an event is available or ctx ends. Events come out
// in publish order.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.buffer) > 0 {
			evt := s.buffer[0]
			s.buffer = s.buffer[1:]
			s.mu.Unlock()
			return evt, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, context.Canceled
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.signal:
		}
	}
}

// Dropped reports how many events this subscriber has shed.
func (s *Subscriber) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
