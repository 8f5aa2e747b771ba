package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/flashcard-pipeline/internal/jobs"
)

func TestSQLiteStore_RunsRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	run := &jobs.Run{
		ID:        "run-1",
		Source:    "api",
		DedupeKey: "batch-1",
		Payload:   jobs.RunPayload{Kind: jobs.KindProcess, BatchID: "batch-1", VocabularyIDs: []int64{3, 1, 2}},
		Status:    jobs.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.UpsertRun(ctx, run))

	run.Status = jobs.StatusFailed
	run.Error = "2 items failed"
	run.Summary = &jobs.Summary{TotalProcessed: 3, Successful: 1, Failed: 2, CacheHits: 1, ElapsedMS: 1500}
	run.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, store.UpsertRun(ctx, run))

	all, err := store.LoadRuns(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	got := all[0]
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, "api", got.Source)
	assert.Equal(t, "batch-1", got.DedupeKey)
	assert.Equal(t, jobs.KindProcess, got.Payload.Kind)
	assert.Equal(t, []int64{3, 1, 2}, got.Payload.VocabularyIDs)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, "2 items failed", got.Error)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 2, got.Summary.Failed)
	assert.Equal(t, int64(1500), got.Summary.ElapsedMS)
	assert.True(t, got.CreatedAt.Equal(now))

	require.NoError(t, store.DeleteRun(ctx, "run-1"))
	all, err = store.LoadRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLiteStore_QueueRecoversRuns(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	q := jobs.NewQueue(1, store)
	run, created := q.Enqueue(jobs.EnqueueRequest{
		Source:    "sweep",
		DedupeKey: "batch-9",
		Payload:   jobs.RunPayload{Kind: jobs.KindResume, BatchID: "batch-9"},
	})
	require.True(t, created)

	restarted := jobs.NewQueue(1, store)
	got, ok := restarted.Get(run.ID)
	require.True(t, ok)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, "batch-9", got.Payload.BatchID)

	_, created = restarted.Enqueue(jobs.EnqueueRequest{DedupeKey: "batch-9"})
	assert.False(t, created)
}
