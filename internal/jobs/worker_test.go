package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_Worker_TransitionsStatus(t *testing.T) {
	q := NewQueue(1, nil)
	q.Start(func(_ context.Context, run *Run) (*Summary, error) {
		return &Summary{Successful: len(run.Payload.VocabularyIDs), TotalProcessed: len(run.Payload.VocabularyIDs)}, nil
	})
	defer q.Stop()

	run, _ := q.Enqueue(EnqueueRequest{
		Source:    "api",
		DedupeKey: "b1",
		Payload:   RunPayload{Kind: KindProcess, BatchID: "b1", VocabularyIDs: []int64{1, 2, 3}},
	})

	require.Eventually(t, func() bool {
		got, ok := q.Get(run.ID)
		if !ok || got == nil {
			return false
		}
		return got.Status == StatusSuccess
	}, time.Second, 10*time.Millisecond)

	got, _ := q.Get(run.ID)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 3, got.Summary.Successful)
}

func TestQueue_Stop_CancelsRunningExecutor(t *testing.T) {
	store := newMemoryStore()
	q := NewQueue(1, store)

	entered := make(chan struct{})
	q.Start(func(ctx context.Context, _ *Run) (*Summary, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	run, _ := q.Enqueue(EnqueueRequest{DedupeKey: "slow", Payload: RunPayload{BatchID: "slow"}})

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("executor never started")
	}
	q.Stop()

	got, ok := q.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, StatusPending, store.get(run.ID).Status)
}
