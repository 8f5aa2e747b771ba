// Package queuetest holds the behaviour every queue.Store adapter must share.
package queuetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/queue"
)

// Factory returns a fresh, empty store configured with max_retries = 3.
type Factory func(t *testing.T) queue.Store

// Run executes the contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s queue.Store)
	}{
		{"EnqueueAndNextPending", testEnqueueAndNextPending},
		{"CompleteStage", testCompleteStage},
		{"RetryThenQuarantine", testRetryThenQuarantine},
		{"QuarantineIsTerminal", testQuarantineIsTerminal},
		{"BatchProgress", testBatchProgress},
		{"PartialBatch", testPartialBatch},
		{"UnknownBatch", testUnknownBatch},
		{"Checkpoints", testCheckpoints},
		{"IncompleteAndResetStale", testIncompleteAndResetStale},
		{"ClaimIsExclusive", testClaimIsExclusive},
		{"ResumableBatches", testResumableBatches},
		{"LargeBatch", testLargeBatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func enqueue(t *testing.T, s queue.Store, batchID string, ids ...int64) []*queue.Item {
	t.Helper()
	n, err := s.EnqueueBatch(context.Background(), ids, batchID)
	require.NoError(t, err)
	require.Equal(t, len(ids), n)
	items, err := s.ListBatchItems(context.Background(), batchID)
	require.NoError(t, err)
	require.Len(t, items, len(ids))
	return items
}

func testEnqueueAndNextPending(t *testing.T, s queue.Store) {
	ctx := context.Background()
	a := enqueue(t, s, "batch-a", 1, 2)
	enqueue(t, s, "batch-b", 3)

	for _, item := range a {
		assert.Equal(t, queue.StatusPending, item.Status)
		assert.Equal(t, queue.Stage1, item.Stage)
		assert.Equal(t, 0, item.RetryCount)
		assert.Equal(t, 3, item.MaxRetries)
	}

	next, err := s.GetNextPending(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, a[0].ID, next.ID)

	next, err = s.GetNextPending(ctx, "batch-b")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, int64(3), next.VocabularyID)

	_, err = s.EnqueueBatch(ctx, []int64{9}, "batch-a")
	require.Error(t, err)

	next, err = s.GetNextPending(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func testCompleteStage(t *testing.T, s queue.Store) {
	ctx := context.Background()
	item := enqueue(t, s, "b", 1)[0]

	require.NoError(t, s.UpdateStatus(ctx, item.ID, queue.StatusInProgress, ""))
	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.StartedAt)

	got, err = s.CompleteStage(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.Stage2, got.Stage)
	assert.Equal(t, queue.StatusPending, got.Status)

	got, err = s.CompleteStage(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StageComplete, got.Stage)
	assert.Equal(t, queue.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	_, err = s.CompleteStage(ctx, item.ID)
	require.Error(t, err)
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))
}

func testRetryThenQuarantine(t *testing.T, s queue.Store) {
	ctx := context.Background()
	item := enqueue(t, s, "b", 1)[0]

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.UpdateStatus(ctx, item.ID, queue.StatusFailed, "boom"))
		eligible, err := s.IncrementRetry(ctx, item.ID)
		require.NoError(t, err)
		assert.True(t, eligible)
		got, err := s.GetItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusPending, got.Status)
		assert.Equal(t, i, got.RetryCount)
		assert.Equal(t, "boom", got.ErrorMessage)
	}

	eligible, err := s.IncrementRetry(ctx, item.ID)
	require.NoError(t, err)
	assert.False(t, eligible)
	got, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQuarantined, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.LessOrEqual(t, got.RetryCount, got.MaxRetries)
}

func testQuarantineIsTerminal(t *testing.T, s queue.Store) {
	ctx := context.Background()
	item := enqueue(t, s, "b", 1)[0]
	for range 3 {
		_, err := s.IncrementRetry(ctx, item.ID)
		require.NoError(t, err)
	}

	err := s.UpdateStatus(ctx, item.ID, queue.StatusPending, "")
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))
	_, err = s.IncrementRetry(ctx, item.ID)
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))
	_, err = s.CompleteStage(ctx, item.ID)
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))

	incomplete, err := s.ListIncomplete(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func testBatchProgress(t *testing.T, s queue.Store) {
	ctx := context.Background()
	items := enqueue(t, s, "b", 1, 2, 3)

	p, err := s.GetBatchProgress(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 3, p.TotalItems)
	assert.Equal(t, 3, p.PendingItems)
	assert.False(t, p.IsComplete)
	assert.Nil(t, p.ETA)

	for _, item := range items {
		require.NoError(t, s.UpdateStatus(ctx, item.ID, queue.StatusInProgress, ""))
		_, err := s.CompleteStage(ctx, item.ID)
		require.NoError(t, err)
		require.NoError(t, s.UpdateStatus(ctx, item.ID, queue.StatusInProgress, ""))
		_, err = s.CompleteStage(ctx, item.ID)
		require.NoError(t, err)
		require.NoError(t, s.UpdateStatus(ctx, item.ID, queue.StatusCompleted, ""))
	}

	p, err = s.GetBatchProgress(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 3, p.CompletedItems)
	assert.Equal(t, 0, p.PendingItems)
	assert.True(t, p.IsComplete)
	assert.InDelta(t, 100.0, p.PercentComplete, 1e-9)

	batch, err := s.GetBatch(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, queue.BatchCompleted, batch.Status)
	assert.Equal(t, 3, batch.CompletedItems)
	assert.NotNil(t, batch.EndTime)
}

func testPartialBatch(t *testing.T, s queue.Store) {
	ctx := context.Background()
	items := enqueue(t, s, "b", 1, 2)

	require.NoError(t, s.UpdateStatus(ctx, items[0].ID, queue.StatusCompleted, ""))
	require.NoError(t, s.UpdateStatus(ctx, items[1].ID, queue.StatusFailed, "bad"))

	batch, err := s.GetBatch(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, queue.BatchPartial, batch.Status)
	assert.Equal(t, 1, batch.FailedItems)

	p, err := s.GetBatchProgress(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, p.TotalItems,
		p.CompletedItems+p.FailedItems+p.QuarantinedItems+p.PendingItems+p.InProgressItems)
}

func testUnknownBatch(t *testing.T, s queue.Store) {
	_, err := s.GetBatchProgress(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))

	batch, err := s.GetBatch(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func testCheckpoints(t *testing.T, s queue.Store) {
	ctx := context.Background()
	enqueue(t, s, "b", 1, 2)

	cp, err := s.GetLatestCheckpoint(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, s.SaveCheckpoint(ctx, &queue.Checkpoint{BatchID: "b", Stage: queue.Stage1}))
	require.NoError(t, s.SaveCheckpoint(ctx, &queue.Checkpoint{
		BatchID:         "b",
		LastProcessedID: 2,
		Stage:           queue.Stage2,
		Data:            json.RawMessage(`{"completed":1}`),
	}))

	cp, err = s.GetLatestCheckpoint(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(2), cp.LastProcessedID)
	assert.Equal(t, queue.Stage2, cp.Stage)
	assert.JSONEq(t, `{"completed":1}`, string(cp.Data))
}

func testIncompleteAndResetStale(t *testing.T, s queue.Store) {
	ctx := context.Background()
	items := enqueue(t, s, "b", 1, 2, 3)

	require.NoError(t, s.UpdateStatus(ctx, items[0].ID, queue.StatusCompleted, ""))
	require.NoError(t, s.UpdateStatus(ctx, items[1].ID, queue.StatusInProgress, ""))

	incomplete, err := s.ListIncomplete(ctx, "b")
	require.NoError(t, err)
	require.Len(t, incomplete, 2)
	assert.Equal(t, items[1].ID, incomplete[0].ID)

	n, err := s.ResetStale(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetItem(ctx, items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, got.Status)
}

func testClaimIsExclusive(t *testing.T, s queue.Store) {
	ctx := context.Background()
	enqueue(t, s, "b", 1, 2, 3, 4, 5)

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := s.ClaimNextPending(ctx, "b")
			assert.NoError(t, err)
			if item == nil {
				return
			}
			assert.Equal(t, queue.StatusInProgress, item.Status)
			mu.Lock()
			seen[item.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 5)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %d claimed twice", id)
	}
}

func testResumableBatches(t *testing.T, s queue.Store) {
	ctx := context.Background()
	done := enqueue(t, s, "done", 1)
	enqueue(t, s, "open", 2)
	failed := enqueue(t, s, "failed", 3)

	require.NoError(t, s.UpdateStatus(ctx, done[0].ID, queue.StatusCompleted, ""))
	require.NoError(t, s.UpdateStatus(ctx, failed[0].ID, queue.StatusFailed, "bad request"))

	ids, err := s.ListResumableBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"open"}, ids)
}

func testLargeBatch(t *testing.T, s queue.Store) {
	ctx := context.Background()
	const size = 5000
	ids := make([]int64, size)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	items := enqueue(t, s, "big", ids...)
	assert.Equal(t, int64(size), items[size-1].VocabularyID)

	batch, err := s.GetBatch(ctx, "big")
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, size, batch.TotalItems)

	p, err := s.GetBatchProgress(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, size, p.PendingItems)
}
