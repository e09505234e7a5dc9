package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
	"github.com/indexerpro/sitemap-indexer/internal/queue"
)

func scannerPayload() indexer.JobPayload {
	return indexer.NewScannerPayload(indexer.ScannerPayload{
		ProjectID: uuid.New(),
		JobID:     uuid.New(),
	})
}

func TestBroker_EnqueueDequeue(t *testing.T) {
	t.Parallel()

	b := NewBroker(4)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, queue.QueueScanner, scannerPayload()))

	msg, err := b.Dequeue(ctx, queue.QueueScanner)
	require.NoError(t, err)
	require.Equal(t, queue.QueueScanner, msg.Queue)
	require.Equal(t, 1, msg.Attempt)
	require.NotEmpty(t, msg.ID)
	require.NoError(t, msg.Payload.Validate())
}

func TestBroker_EnqueueRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	b := NewBroker(4)
	err := b.Enqueue(context.Background(), queue.QueueScanner, indexer.JobPayload{Kind: indexer.PayloadScanner})
	require.Error(t, err)
}

func TestBroker_DequeueHonorsContext(t *testing.T) {
	t.Parallel()

	b := NewBroker(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Dequeue(ctx, queue.QueueScanner)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroker_DelayedDeliveryBumpsAttempt(t *testing.T) {
	t.Parallel()

	b := NewBroker(4)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, queue.QueueGoogle, scannerPayload()))
	msg, err := b.Dequeue(ctx, queue.QueueGoogle)
	require.NoError(t, err)

	require.NoError(t, b.EnqueueDelayed(ctx, queue.QueueGoogle, msg, 10*time.Millisecond))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	redelivered, err := b.Dequeue(waitCtx, queue.QueueGoogle)
	require.NoError(t, err)
	require.Equal(t, msg.ID, redelivered.ID)
	require.Equal(t, 2, redelivered.Attempt)
}

func TestBroker_SizeTracksDepth(t *testing.T) {
	t.Parallel()

	b := NewBroker(8)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Enqueue(ctx, queue.QueueIndexNow, scannerPayload()))
	}
	depth, err := b.Size(ctx, queue.QueueIndexNow)
	require.NoError(t, err)
	require.Equal(t, 3, depth)
}
