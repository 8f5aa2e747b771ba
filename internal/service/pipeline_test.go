package service

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/flashcard-pipeline/internal/cache"
	"github.com/MimeLyc/flashcard-pipeline/internal/compute"
	"github.com/MimeLyc/flashcard-pipeline/internal/config"
	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/jobs"
	"github.com/MimeLyc/flashcard-pipeline/internal/queue"
	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
)

type stubProvider struct {
	stage1Calls atomic.Int32
	stage2Calls atomic.Int32
}

func (s *stubProvider) Stage1(_ context.Context, item *vocab.Item) (*compute.Output[vocab.SemanticAnalysis], error) {
	s.stage1Calls.Add(1)
	return &compute.Output[vocab.SemanticAnalysis]{
		Content:   vocab.SemanticAnalysis{PrimaryMeaning: item.Meaning},
		Tokens:    100,
		Model:     "stub",
		RequestID: "s1-" + item.Term,
	}, nil
}

func (s *stubProvider) Stage2(_ context.Context, item *vocab.Item, stage1 *vocab.Stage1Result) (*compute.Output[vocab.Flashcard], error) {
	s.stage2Calls.Add(1)
	return &compute.Output[vocab.Flashcard]{
		Content: vocab.Flashcard{
			Front:    vocab.CardFace{Primary: item.Term},
			Back:     vocab.CardFace{Primary: stage1.Analysis.PrimaryMeaning},
			DeckName: "Test",
			CardType: "basic",
		},
		Tokens:    200,
		Model:     "stub",
		RequestID: "s2-" + item.Term,
	}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		LLM: config.LLMConfig{
			APIKey:      "test-key",
			APIURL:      "http://127.0.0.1:1/v1",
			Model:       "test-model",
			MaxTokens:   500,
			Temperature: 0.3,
			Timeout:     5,
		},
		Store: config.StoreConfig{
			DataDir:      dir,
			DBPath:       filepath.Join(dir, "flashcards.db"),
			CacheBackend: config.CacheBackendSQLite,
		},
		Pipeline: config.PipelineConfig{
			MaxConcurrent:      2,
			MaxRetries:         3,
			CheckpointInterval: 1,
			DedupeInFlight:     true,
			RunWorkers:         1,
		},
		Cache: config.CacheConfig{CostPerThousandTokens: 0.15},
		Sweep: config.SweepConfig{Enabled: true, CronExpr: "*/15 * * * *"},
		Generation: config.GenerationConfig{
			ExplanationLanguage: "en",
			DeckName:            "Test",
		},
	}
}

func newTestPipeline(t *testing.T, cfg config.Config, opts ...Option) (*Pipeline, *stubProvider) {
	t.Helper()
	provider := &stubProvider{}
	p, err := New(cfg, cron.New(), append([]Option{WithProvider(provider)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, provider
}

func sampleItems() []*vocab.Item {
	return []*vocab.Item{
		{Term: "사랑", Meaning: "love", Category: "noun"},
		{Term: "먹다", Meaning: "to eat", Category: "verb"},
		{Term: "학교", Meaning: "school", Category: "noun", Hanja: vocab.StringPtr("學校")},
	}
}

func waitForRun(t *testing.T, p *Pipeline, id string) *jobs.Run {
	t.Helper()
	var got *jobs.Run
	require.Eventually(t, func() bool {
		run, ok := p.Run(id)
		if !ok || run.Status.IsActive() {
			return false
		}
		got = run
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestPipeline_SubmitProcessesBatch(t *testing.T) {
	p, provider := newTestPipeline(t, testConfig(t))
	p.Start()
	ctx := context.Background()

	run, err := p.Submit(ctx, SubmitRequest{BatchID: "first", Items: sampleItems()})
	require.NoError(t, err)
	assert.Equal(t, jobs.KindProcess, run.Payload.Kind)
	assert.Len(t, run.Payload.VocabularyIDs, 3)

	done := waitForRun(t, p, run.ID)
	require.Equal(t, jobs.StatusSuccess, done.Status, done.Error)
	require.NotNil(t, done.Summary)
	assert.Equal(t, 3, done.Summary.Successful)
	assert.Zero(t, done.Summary.CacheHits)

	view, err := p.Batch(ctx, "first")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, queue.BatchCompleted, view.Batch.Status)
	assert.Equal(t, 3, view.Progress.CompletedItems)
	assert.True(t, view.Progress.IsComplete)
	require.NotNil(t, view.Live)
	assert.True(t, view.Live.Done)
	assert.Nil(t, view.ActiveRun)

	cp, err := p.Checkpoint(ctx, "first")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, queue.StageComplete, cp.Stage)

	page, err := p.Cards(ctx, "first", 0, 2)
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Cards, 2)
	assert.Equal(t, "사랑", page.Cards[0].Term)
	require.NotNil(t, page.Cards[0].Card)
	assert.Equal(t, "love", page.Cards[0].Card.Card.Back.Primary)

	page, err = p.Cards(ctx, "first", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Cards)
	assert.Equal(t, DefaultCardLimit, page.Limit)

	// Same content under a new batch is served from the cache.
	again, err := p.Submit(ctx, SubmitRequest{Items: sampleItems()})
	require.NoError(t, err)
	assert.NotEmpty(t, again.Payload.BatchID)
	done = waitForRun(t, p, again.ID)
	require.Equal(t, jobs.StatusSuccess, done.Status, done.Error)
	assert.Equal(t, 3, done.Summary.CacheHits)
	assert.Equal(t, int32(3), provider.stage1Calls.Load())
	assert.Equal(t, int32(3), provider.stage2Calls.Load())

	stats, err := p.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Stage1Entries)
	assert.Equal(t, int64(3), stats.Stage2Entries)
	assert.Positive(t, stats.Hits)

	warm, err := p.WarmCache(ctx, again.Payload.VocabularyIDs)
	require.NoError(t, err)
	assert.Equal(t, 3, warm.Stage2Cached)

	cleared, err := p.ClearCache(ctx, cache.ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, int64(6), cleared)
}

func TestPipeline_SubmitValidation(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(t))
	ctx := context.Background()

	_, err := p.Submit(ctx, SubmitRequest{})
	require.Error(t, err)
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))

	_, err = p.Submit(ctx, SubmitRequest{Items: []*vocab.Item{{Meaning: "no term"}}})
	require.Error(t, err)
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))

	_, err = p.Submit(ctx, SubmitRequest{BatchID: "dup", Items: sampleItems()})
	require.NoError(t, err)
	_, err = p.Submit(ctx, SubmitRequest{BatchID: "dup", Items: sampleItems()})
	require.Error(t, err)
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))
}

func TestPipeline_ConcurrentSubmitsQueueOneRun(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(t))
	ctx := context.Background()

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []*jobs.Run
		rejected int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := p.Submit(ctx, SubmitRequest{BatchID: "same", Items: sampleItems()})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.True(t, errs.IsErrorType(err, errs.ErrValidation), err.Error())
				rejected++
				return
			}
			accepted = append(accepted, run)
		}()
	}
	wg.Wait()

	require.Len(t, accepted, 1)
	assert.Equal(t, callers-1, rejected)
	assert.Len(t, p.Runs(), 1)
}

func TestPipeline_ResumeUnknownBatch(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(t))

	_, _, err := p.Resume(context.Background(), "missing", SourceAPI)
	require.Error(t, err)
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))

	view, err := p.Batch(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestPipeline_SweepQueuesResumableBatches(t *testing.T) {
	p, _ := newTestPipeline(t, testConfig(t))
	ctx := context.Background()

	items := sampleItems()
	require.NoError(t, p.vocab.CreateItems(ctx, items))
	_, err := p.store.EnqueueBatch(ctx, []int64{items[0].ID, items[1].ID}, "left-over")
	require.NoError(t, err)

	queued, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	// The run is still pending, so the batch is not queued twice.
	queued, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)

	runs := p.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, SourceSweep, runs[0].Source)
	assert.Equal(t, jobs.KindResume, runs[0].Payload.Kind)

	p.Start()
	done := waitForRun(t, p, runs[0].ID)
	require.Equal(t, jobs.StatusSuccess, done.Status, done.Error)
	assert.Equal(t, 2, done.Summary.Successful)

	queued, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestPipeline_RecoversQueuedRunAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := New(cfg, cron.New(), WithProvider(&stubProvider{}))
	require.NoError(t, err)
	run, err := first.Submit(ctx, SubmitRequest{BatchID: "restart", Items: sampleItems()})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, _ := newTestPipeline(t, cfg)
	got, ok := second.Run(run.ID)
	require.True(t, ok)
	assert.Equal(t, jobs.StatusPending, got.Status)

	second.Start()
	done := waitForRun(t, second, run.ID)
	require.Equal(t, jobs.StatusSuccess, done.Status, done.Error)
	assert.Equal(t, 3, done.Summary.Successful)
}

func TestPipeline_ApplyRuntimeSettings_ReschedulesSweep(t *testing.T) {
	cronEngine := cron.New()
	p, err := New(testConfig(t), cronEngine)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Schedule(ctx))
	require.Len(t, cronEngine.Entries(), 1)
	before := p.provider.load()

	err = p.ApplyRuntimeSettings(config.RuntimeSettings{
		LLMAPIURL:           "https://new.example/v1",
		LLMAPIKey:           "new-key",
		LLMModel:            "new-model",
		SweepCron:           "*/5 * * * *",
		ExplanationLanguage: "ko",
		DeckName:            "New Deck",
	})
	require.NoError(t, err)

	cfg := p.config()
	assert.Equal(t, "new-key", cfg.LLM.APIKey)
	assert.Equal(t, "new-model", cfg.LLM.Model)
	assert.Equal(t, "*/5 * * * *", cfg.Sweep.CronExpr)
	assert.Equal(t, "New Deck", cfg.Generation.DeckName)
	require.Len(t, cronEngine.Entries(), 1)
	assert.NotSame(t, before, p.provider.load())

	info, err := p.SweepInfo()
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "*/5 * * * *", info.Expression)
	assert.LessOrEqual(t, info.TimeUntilNext, 5*time.Minute)

	err = p.ApplyRuntimeSettings(config.RuntimeSettings{LLMAPIURL: "x"})
	require.Error(t, err)
	assert.Equal(t, "*/5 * * * *", p.config().Sweep.CronExpr)
}

func TestPipeline_ScheduleDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sweep.Enabled = false
	cronEngine := cron.New()
	p, err := New(cfg, cronEngine, WithProvider(&stubProvider{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, p.Schedule(context.Background()))
	assert.Empty(t, cronEngine.Entries())

	info, err := p.SweepInfo()
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestPipeline_RedisCacheBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Store.CacheBackend = config.CacheBackendRedis
	cfg.Store.RedisAddr = mr.Addr()
	cfg.Store.RedisKeyPrefix = "test:"

	p, _ := newTestPipeline(t, cfg)
	p.Start()
	ctx := context.Background()

	run, err := p.Submit(ctx, SubmitRequest{Items: sampleItems()[:1]})
	require.NoError(t, err)
	done := waitForRun(t, p, run.ID)
	require.Equal(t, jobs.StatusSuccess, done.Status, done.Error)

	stats, err := p.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Stage1Entries)
	assert.Equal(t, int64(1), stats.Stage2Entries)

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.Contains(t, k, "test:")
	}
}
