package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"pending", "in_progress", "completed", "failed", "quarantined"} {
		got, err := ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, Status(s), got)
	}
	for _, s := range []string{"", "Pending", "running", "done"} {
		_, err := ParseStatus(s)
		require.Error(t, err, s)
		assert.True(t, errs.IsErrorType(err, errs.ErrValidation))
	}
}

func TestParseStage(t *testing.T) {
	_, err := ParseStage("stage3")
	require.Error(t, err)
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))

	got, err := ParseStage("complete")
	require.NoError(t, err)
	assert.Equal(t, StageComplete, got)
}

func TestNextStage(t *testing.T) {
	stage, status, err := NextStage(Stage1)
	require.NoError(t, err)
	assert.Equal(t, Stage2, stage)
	assert.Equal(t, StatusPending, status)

	stage, status, err = NextStage(Stage2)
	require.NoError(t, err)
	assert.Equal(t, StageComplete, stage)
	assert.Equal(t, StatusCompleted, status)

	_, _, err = NextStage(StageComplete)
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))
	_, _, err = NextStage("bogus")
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))
}

func TestRetryOutcome(t *testing.T) {
	status, ok := RetryOutcome(1, 3)
	assert.Equal(t, StatusPending, status)
	assert.True(t, ok)

	status, ok = RetryOutcome(3, 3)
	assert.Equal(t, StatusQuarantined, status)
	assert.False(t, ok)
}

func TestComputeProgress_ETA(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Second)

	p := ComputeProgress("b", start, Counts{Completed: 5, Pending: 10}, now)
	assert.InDelta(t, 0.5, p.Throughput, 1e-9)
	require.NotNil(t, p.ETA)
	assert.Equal(t, now.Add(20*time.Second), *p.ETA)
	assert.InDelta(t, 100.0/3, p.PercentComplete, 1e-9)
	assert.False(t, p.IsComplete)

	p = ComputeProgress("b", start, Counts{Pending: 3}, now)
	assert.Zero(t, p.Throughput)
	assert.Nil(t, p.ETA)
}

func TestComputeProgress_Arithmetic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := Counts{
			Pending:     rapid.IntRange(0, 50).Draw(t, "pending"),
			InProgress:  rapid.IntRange(0, 50).Draw(t, "in_progress"),
			Completed:   rapid.IntRange(0, 50).Draw(t, "completed"),
			Failed:      rapid.IntRange(0, 50).Draw(t, "failed"),
			Quarantined: rapid.IntRange(0, 50).Draw(t, "quarantined"),
		}
		start := time.Unix(0, 0)
		now := start.Add(time.Duration(rapid.IntRange(0, 3600).Draw(t, "elapsed")) * time.Second)
		p := ComputeProgress("b", start, c, now)

		sum := p.CompletedItems + p.FailedItems + p.QuarantinedItems + p.PendingItems + p.InProgressItems
		if sum != p.TotalItems {
			t.Fatalf("counts sum %d != total %d", sum, p.TotalItems)
		}
		if p.IsComplete != (p.PendingItems == 0 && p.InProgressItems == 0) {
			t.Fatalf("IsComplete=%v with pending=%d in_progress=%d", p.IsComplete, p.PendingItems, p.InProgressItems)
		}
		if p.PercentComplete < 0 || p.PercentComplete > 100 {
			t.Fatalf("percent out of range: %f", p.PercentComplete)
		}
		if p.ETA != nil && p.CompletedItems == 0 {
			t.Fatalf("ETA set without completed items")
		}
	})
}

func TestMemoryStore_ProgressInvariantUnderRandomOps(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewMemoryStore(3)
		n := rapid.IntRange(1, 8).Draw(t, "n")
		ids := make([]int64, n)
		for i := range ids {
			ids[i] = int64(i + 1)
		}
		ctx := context.Background()
		_, err := s.EnqueueBatch(ctx, ids, "b")
		if err != nil {
			t.Fatal(err)
		}
		items, _ := s.ListBatchItems(ctx, "b")

		ops := rapid.IntRange(0, 40).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			item := rapid.SampledFrom(items).Draw(t, "item")
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				_ = s.UpdateStatus(ctx, item.ID, StatusInProgress, "")
			case 1:
				_, _ = s.CompleteStage(ctx, item.ID)
			case 2:
				_ = s.UpdateStatus(ctx, item.ID, StatusFailed, "x")
			case 3:
				_, _ = s.IncrementRetry(ctx, item.ID)
			}
			got, _ := s.GetItem(ctx, item.ID)
			if got.RetryCount > got.MaxRetries {
				t.Fatalf("retry_count %d exceeds max %d", got.RetryCount, got.MaxRetries)
			}
		}

		p, err := s.GetBatchProgress(ctx, "b")
		if err != nil {
			t.Fatal(err)
		}
		if p.TotalItems != n {
			t.Fatalf("total %d != %d", p.TotalItems, n)
		}
		sum := p.CompletedItems + p.FailedItems + p.QuarantinedItems + p.PendingItems + p.InProgressItems
		if sum != n {
			t.Fatalf("counts sum %d != %d", sum, n)
		}
	})
}
