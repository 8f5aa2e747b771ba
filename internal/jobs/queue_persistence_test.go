package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func newMemoryStore() *memoryStore {
	return &memoryStore{runs: make(map[string]*Run)}
}

func (m *memoryStore) LoadRuns(_ context.Context) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		ret = append(ret, cloneRun(r))
	}
	return ret, nil
}

func (m *memoryStore) UpsertRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *memoryStore) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}

func (m *memoryStore) get(id string) *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRun(m.runs[id])
}

func TestQueue_RecoversPendingAndRunningRunsFromStore(t *testing.T) {
	store := newMemoryStore()
	now := time.Now()
	store.runs["run-1"] = &Run{
		ID:        "run-1",
		Source:    "api",
		DedupeKey: "batch-a",
		Status:    StatusPending,
		Payload:   RunPayload{Kind: KindProcess, BatchID: "batch-a", VocabularyIDs: []int64{1}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	store.runs["run-7"] = &Run{
		ID:        "run-7",
		Source:    "sweep",
		DedupeKey: "batch-b",
		Status:    StatusRunning,
		Payload:   RunPayload{Kind: KindResume, BatchID: "batch-b"},
		CreatedAt: now,
		UpdatedAt: now,
	}

	q := NewQueue(1, store)

	runs := q.List()
	require.Len(t, runs, 2)
	byID := map[string]*Run{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	require.Contains(t, byID, "run-7")
	assert.Equal(t, StatusPending, byID["run-7"].Status)
	assert.Equal(t, StatusPending, store.get("run-7").Status)

	// Recovered runs still hold their dedupe keys.
	_, created := q.Enqueue(EnqueueRequest{DedupeKey: "batch-b"})
	assert.False(t, created)

	fresh, created := q.Enqueue(EnqueueRequest{DedupeKey: "batch-c"})
	require.True(t, created)
	assert.Equal(t, "run-8", fresh.ID)

	q.Start(func(_ context.Context, _ *Run) (*Summary, error) { return &Summary{}, nil })
	defer q.Stop()

	for _, id := range []string{"run-1", "run-7", "run-8"} {
		require.Eventually(t, func() bool {
			got, ok := q.Get(id)
			return ok && got.Status == StatusSuccess
		}, time.Second, 10*time.Millisecond, id)
	}
	assert.Equal(t, StatusSuccess, store.get("run-1").Status)
}

func TestQueue_PrunesOldestTerminalRuns(t *testing.T) {
	store := newMemoryStore()
	q := NewQueue(1, store)
	q.maxRuns = 2
	q.Start(func(_ context.Context, _ *Run) (*Summary, error) { return &Summary{}, nil })
	defer q.Stop()

	var ids []string
	for _, key := range []string{"a", "b", "c"} {
		run, _ := q.Enqueue(EnqueueRequest{DedupeKey: key})
		ids = append(ids, run.ID)
		require.Eventually(t, func() bool {
			got, ok := q.Get(run.ID)
			return ok && got.Status == StatusSuccess
		}, time.Second, 10*time.Millisecond)
	}

	_, ok := q.Get(ids[0])
	assert.False(t, ok)
	assert.Nil(t, store.get(ids[0]))
	assert.Len(t, q.List(), 2)
}
