package batch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/flashcard-pipeline/internal/cache"
	"github.com/MimeLyc/flashcard-pipeline/internal/compute"
	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/queue"
	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
)

type fakeProvider struct {
	delay time.Duration

	mu    sync.Mutex
	fails map[string]error
	block map[string]chan struct{}

	stage1Calls atomic.Int32
	stage2Calls atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		fails: make(map[string]error),
		block: make(map[string]chan struct{}),
	}
}

func (f *fakeProvider) failWith(term string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fails, term)
		return
	}
	f.fails[term] = err
}

// blockUntilCancelled makes Stage1 for term wait for ctx; started is closed
// once the call is in flight.
func (f *fakeProvider) blockUntilCancelled(term string) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	started := make(chan struct{})
	f.block[term] = started
	return started
}

func (f *fakeProvider) enter() func() {
	n := f.inFlight.Add(1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeProvider) Stage1(ctx context.Context, item *vocab.Item) (*compute.Output[vocab.SemanticAnalysis], error) {
	defer f.enter()()
	f.stage1Calls.Add(1)

	f.mu.Lock()
	err := f.fails[item.Term]
	started, blocked := f.block[item.Term]
	if blocked {
		delete(f.block, item.Term)
	}
	f.mu.Unlock()

	if blocked {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return nil, err
	}
	if item.Term == "panic" {
		panic("provider blew up")
	}
	return &compute.Output[vocab.SemanticAnalysis]{
		Content:   vocab.SemanticAnalysis{PrimaryMeaning: item.Meaning},
		Tokens:    100,
		Model:     "fake",
		RequestID: "s1-" + item.Term,
	}, nil
}

func (f *fakeProvider) Stage2(_ context.Context, item *vocab.Item, stage1 *vocab.Stage1Result) (*compute.Output[vocab.Flashcard], error) {
	defer f.enter()()
	f.stage2Calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return &compute.Output[vocab.Flashcard]{
		Content: vocab.Flashcard{
			Front: vocab.CardFace{Primary: item.Term},
			Back:  vocab.CardFace{Primary: stage1.Analysis.PrimaryMeaning},
			Tags:  []string{"test"},
		},
		Tokens:    50,
		Model:     "fake",
		RequestID: "s2-" + item.Term,
	}, nil
}

type harness struct {
	store    *queue.MemoryStore
	vocab    *vocab.MemoryRepository
	cache    *cache.Manager
	provider *fakeProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		store:    queue.NewMemoryStore(3),
		vocab:    vocab.NewMemoryRepository(),
		cache:    cache.NewManager(cache.NewMemoryRepository()),
		provider: newFakeProvider(),
	}
}

func (h *harness) processor(opts ...Option) *Processor {
	opts = append([]Option{WithReportInterval(0)}, opts...)
	return NewProcessor(h.store, h.cache, h.provider, h.vocab, opts...)
}

func (h *harness) items(t *testing.T, terms ...string) []*vocab.Item {
	t.Helper()
	items := make([]*vocab.Item, 0, len(terms))
	for _, term := range terms {
		items = append(items, &vocab.Item{Term: term, Meaning: "meaning of " + term, Category: "noun"})
	}
	require.NoError(t, h.vocab.CreateItems(context.Background(), items))
	return items
}

func (h *harness) row(t *testing.T, batchID string, vocabID int64) *queue.Item {
	t.Helper()
	rows, err := h.store.ListBatchItems(context.Background(), batchID)
	require.NoError(t, err)
	for _, row := range rows {
		if row.VocabularyID == vocabID {
			return row
		}
	}
	t.Fatalf("no row for vocabulary %d in %s", vocabID, batchID)
	return nil
}

func TestProcessBatch_AllSucceed(t *testing.T) {
	h := newHarness(t)
	p := h.processor()
	ctx := context.Background()
	items := h.items(t, "사랑", "먹다", "학교")

	res, err := p.ProcessBatch(ctx, items, "b1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalProcessed)
	assert.Len(t, res.Successful, 3)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 0, res.CacheHits)
	assert.Equal(t, "사랑\tmeaning of 사랑\ttest", res.Successful[0].Result.FlatRow)

	prog, err := h.store.GetBatchProgress(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 3, prog.CompletedItems)
	assert.Equal(t, 0, prog.PendingItems)
	assert.True(t, prog.IsComplete)

	for _, item := range items {
		row := h.row(t, "b1", item.ID)
		assert.Equal(t, queue.StatusCompleted, row.Status)
		assert.Equal(t, queue.StageComplete, row.Stage)
	}

	cp, err := h.store.GetLatestCheckpoint(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.JSONEq(t, `{"event":"final","total":3,"completed":3,"cached":0,"failed":0}`, string(cp.Data))

	snap, ok := p.Snapshot("b1")
	require.True(t, ok)
	assert.True(t, snap.Done)
	assert.Equal(t, 3, snap.Completed)
}

func TestProcessBatch_SecondRunHitsCache(t *testing.T) {
	h := newHarness(t)
	p := h.processor()
	ctx := context.Background()

	_, err := p.ProcessBatch(ctx, h.items(t, "사랑", "먹다"), "first")
	require.NoError(t, err)

	// Same content under new ids derives the same keys.
	res, err := p.ProcessBatch(ctx, h.items(t, "사랑", "먹다"), "second")
	require.NoError(t, err)
	assert.Equal(t, 2, res.CacheHits)
	for _, s := range res.Successful {
		assert.True(t, s.CacheHit)
	}
	assert.Equal(t, int32(2), h.provider.stage1Calls.Load())
	assert.Equal(t, int32(2), h.provider.stage2Calls.Load())

	stats, err := h.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Hits)
}

func TestProcessBatch_FailureIsolation(t *testing.T) {
	h := newHarness(t)
	p := h.processor(WithMaxConcurrent(2))
	ctx := context.Background()
	items := h.items(t, "좋다", "나쁘다", "괜찮다")
	h.provider.failWith("나쁘다", errs.NewAPI(http.StatusBadRequest, "bad request"))

	res, err := p.ProcessBatch(ctx, items, "b1")
	require.NoError(t, err)
	assert.Len(t, res.Successful, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "나쁘다", res.Failed[0].Item.Term)
	assert.Contains(t, res.Failed[0].Error, "bad request")
	assert.False(t, res.Failed[0].Quarantined)

	row := h.row(t, "b1", items[1].ID)
	assert.Equal(t, queue.StatusFailed, row.Status)
	assert.Equal(t, queue.Stage1, row.Stage)
	assert.Equal(t, 0, row.RetryCount, "fatal errors are not retried")
	assert.Contains(t, row.ErrorMessage, "bad request")
	assert.Equal(t, int32(2), h.provider.stage2Calls.Load(), "stage2 never runs without stage1")

	batch, err := h.store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, queue.BatchPartial, batch.Status)
}

func TestProcessBatch_RetryThenQuarantine(t *testing.T) {
	h := newHarness(t)
	p := h.processor()
	ctx := context.Background()
	items := h.items(t, "사랑", "어렵다")
	h.provider.failWith("어렵다", errs.NewAPI(http.StatusServiceUnavailable, "overloaded"))

	res, err := p.ProcessBatch(ctx, items, "b1")
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.False(t, res.Failed[0].Quarantined)
	row := h.row(t, "b1", items[1].ID)
	assert.Equal(t, queue.StatusPending, row.Status)
	assert.Equal(t, 1, row.RetryCount)

	for range 2 {
		res, err = p.ResumeBatch(ctx, "b1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, res.TotalProcessed, "completed items are not re-run")
	require.Len(t, res.Failed, 1)
	assert.True(t, res.Failed[0].Quarantined)
	assert.Contains(t, res.Failed[0].Error, "overloaded")

	row = h.row(t, "b1", items[1].ID)
	assert.Equal(t, queue.StatusQuarantined, row.Status)
	assert.Equal(t, 3, row.RetryCount)
	assert.Contains(t, row.ErrorMessage, "overloaded")

	// Quarantined items are left alone by later resumes.
	res, err = p.ResumeBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.TotalProcessed)
	assert.Equal(t, int32(4), h.provider.stage1Calls.Load())
}

func TestProcessBatch_PanicIsIsolated(t *testing.T) {
	h := newHarness(t)
	p := h.processor()
	items := h.items(t, "panic", "평화")

	res, err := p.ProcessBatch(context.Background(), items, "b1")
	require.NoError(t, err)
	assert.Len(t, res.Successful, 1)
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed[0].Error, "provider blew up")
	assert.Equal(t, queue.StatusFailed, h.row(t, "b1", items[0].ID).Status)
}

func TestProcessBatch_ConcurrencyBound(t *testing.T) {
	const limit = 3
	h := newHarness(t)
	h.provider.delay = 15 * time.Millisecond
	p := h.processor(WithMaxConcurrent(limit))
	ctx := context.Background()

	terms := make([]string, 12)
	for i := range terms {
		terms[i] = fmt.Sprintf("단어%d", i)
	}
	items := h.items(t, terms...)

	var maxInProgress atomic.Int32
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			rows, err := h.store.ListBatchItems(ctx, "b1")
			if err == nil {
				n := int32(0)
				for _, row := range rows {
					if row.Status == queue.StatusInProgress {
						n++
					}
				}
				if n > maxInProgress.Load() {
					maxInProgress.Store(n)
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res, err := p.ProcessBatch(ctx, items, "b1")
	close(stop)
	<-sampled
	require.NoError(t, err)
	assert.Len(t, res.Successful, len(items))
	assert.LessOrEqual(t, h.provider.maxInFlight.Load(), int32(limit))
	assert.LessOrEqual(t, maxInProgress.Load(), int32(limit))
	assert.Greater(t, h.provider.maxInFlight.Load(), int32(1), "items should overlap")
}

type countingStore struct {
	queue.Store
	saved atomic.Int32
}

func (s *countingStore) SaveCheckpoint(ctx context.Context, cp *queue.Checkpoint) error {
	s.saved.Add(1)
	return s.Store.SaveCheckpoint(ctx, cp)
}

func TestProcessBatch_PeriodicCheckpoints(t *testing.T) {
	h := newHarness(t)
	store := &countingStore{Store: h.store}
	p := NewProcessor(store, h.cache, h.provider, h.vocab,
		WithReportInterval(0), WithMaxConcurrent(1), WithCheckpointInterval(2))
	ctx := context.Background()

	_, err := p.ProcessBatch(ctx, h.items(t, "가", "나", "다", "라"), "b1")
	require.NoError(t, err)

	// start, two progress checkpoints, final
	assert.Equal(t, int32(4), store.saved.Load())

	cp, err := h.store.GetLatestCheckpoint(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, queue.StageComplete, cp.Stage)
	assert.Equal(t, h.row(t, "b1", 4).ID, cp.LastProcessedID)
}

func TestProcessBatch_Validation(t *testing.T) {
	h := newHarness(t)
	p := h.processor()
	ctx := context.Background()

	_, err := p.ProcessBatch(ctx, []*vocab.Item{{Term: "unsaved"}}, "b1")
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))

	items := h.items(t, "하나")
	_, err = p.ProcessBatch(ctx, []*vocab.Item{items[0], items[0]}, "b1")
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))

	_, err = p.ProcessBatch(ctx, items, "")
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))
}

func TestResumeBatch_NothingToDo(t *testing.T) {
	h := newHarness(t)
	p := h.processor()
	ctx := context.Background()

	_, err := p.ProcessBatch(ctx, h.items(t, "하나", "둘"), "b1")
	require.NoError(t, err)

	res, err := p.ResumeBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.TotalProcessed)
	assert.Empty(t, res.Successful)
	assert.Empty(t, res.Failed)
	assert.Zero(t, res.Elapsed)
}

func TestResumeBatch_UnknownBatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.processor().ResumeBatch(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))
}

func TestResumeBatch_ContinuesAtStage2(t *testing.T) {
	h := newHarness(t)
	p := h.processor()
	ctx := context.Background()
	items := h.items(t, "바다")

	_, err := h.store.EnqueueBatch(ctx, []int64{items[0].ID}, "b1")
	require.NoError(t, err)
	row := h.row(t, "b1", items[0].ID)
	_, err = h.store.CompleteStage(ctx, row.ID)
	require.NoError(t, err)

	res, err := p.ResumeBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, res.Successful, 1)

	row = h.row(t, "b1", items[0].ID)
	assert.Equal(t, queue.StatusCompleted, row.Status)
	assert.Equal(t, queue.StageComplete, row.Stage)
}

func TestResumeBatch_OrphanRowFails(t *testing.T) {
	h := newHarness(t)
	p := h.processor()
	ctx := context.Background()

	_, err := h.store.EnqueueBatch(ctx, []int64{404}, "b1")
	require.NoError(t, err)

	res, err := p.ResumeBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, int64(404), res.Failed[0].Item.ID)
	assert.Equal(t, queue.StatusFailed, h.row(t, "b1", 404).Status)
}

func TestProcessBatch_CancelledRunIsResumable(t *testing.T) {
	h := newHarness(t)
	p := h.processor(WithMaxConcurrent(1))
	items := h.items(t, "시간")
	started := h.provider.blockUntilCancelled("시간")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		_, runErr = p.ProcessBatch(ctx, items, "b1")
	}()
	<-started
	cancel()
	<-done

	require.Error(t, runErr)
	row := h.row(t, "b1", items[0].ID)
	assert.Equal(t, queue.StatusInProgress, row.Status, "interrupted rows are not marked failed")
	assert.Equal(t, 0, row.RetryCount)

	res, err := p.ResumeBatch(context.Background(), "b1")
	require.NoError(t, err)
	assert.Len(t, res.Successful, 1)
	assert.Equal(t, queue.StatusCompleted, h.row(t, "b1", items[0].ID).Status)
}

func TestProcessor_ReporterStops(t *testing.T) {
	h := newHarness(t)
	h.provider.delay = 5 * time.Millisecond
	p := NewProcessor(h.store, h.cache, h.provider, h.vocab, WithReportInterval(time.Millisecond))

	res, err := p.ProcessBatch(context.Background(), h.items(t, "하늘", "땅"), "b1")
	require.NoError(t, err)
	assert.Len(t, res.Successful, 2)

	snaps := p.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].Processed())
}

func TestProcessor_FinishedProgressExpires(t *testing.T) {
	h := newHarness(t)
	p := h.processor(WithProgressRetention(time.Minute))
	var mu sync.Mutex
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}
	ctx := context.Background()

	_, err := p.ProcessBatch(ctx, h.items(t, "바다"), "old")
	require.NoError(t, err)
	_, ok := p.Snapshot("old")
	require.True(t, ok)

	advance(2 * time.Minute)
	_, ok = p.Snapshot("old")
	assert.False(t, ok)
	assert.Empty(t, p.Snapshots())

	_, err = p.ProcessBatch(ctx, h.items(t, "산"), "new")
	require.NoError(t, err)
	snaps := p.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "new", snaps[0].BatchID)

	p.mu.RLock()
	assert.Len(t, p.live, 1)
	p.mu.RUnlock()
}
