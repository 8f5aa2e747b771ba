// Package service wires storage, caching, generation and the run queue into
// the long-running flashcard pipeline.
package service

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/flashcard-pipeline/internal/batch"
	"github.com/MimeLyc/flashcard-pipeline/internal/cache"
	"github.com/MimeLyc/flashcard-pipeline/internal/compute"
	"github.com/MimeLyc/flashcard-pipeline/internal/config"
	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/jobs"
	"github.com/MimeLyc/flashcard-pipeline/internal/llm"
	"github.com/MimeLyc/flashcard-pipeline/internal/metrics"
	"github.com/MimeLyc/flashcard-pipeline/internal/persistence"
	"github.com/MimeLyc/flashcard-pipeline/pkg/log"
)

const metricsNamespace = "flashcards"

// Pipeline is the running service: it accepts batches, executes them as
// background runs and periodically resumes unfinished work.
type Pipeline struct {
	store     *persistence.SQLiteStore
	vocab     *persistence.VocabularyStore
	cache     *cache.Manager
	provider  *swappableProvider
	processor *batch.Processor
	runs      *jobs.Queue
	metrics   *metrics.Collector
	closers   []io.Closer

	mu        sync.RWMutex
	cfg       config.Config
	cron      *cron.Cron
	cronEntry cron.EntryID
	scheduled bool
	sweepCtx  context.Context

	// fixedProvider is set when the provider was injected, so runtime
	// settings leave it alone.
	fixedProvider bool

	sweepGroup singleflight.Group
}

type Option func(*options)

type options struct {
	provider  compute.Provider
	cacheRepo cache.Repository
}

// WithProvider replaces the LLM-backed provider.
func WithProvider(p compute.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithCacheRepository replaces the cache backend chosen by configuration.
func WithCacheRepository(repo cache.Repository) Option {
	return func(o *options) {
		o.cacheRepo = repo
	}
}

// New opens the store and builds every component. The run queue is not
// started until Start.
func New(cfg config.Config, cronEngine *cron.Cron, opts ...Option) (*Pipeline, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store, err := persistence.NewSQLiteStore(cfg.Store.DBPath, persistence.WithMaxRetries(cfg.Pipeline.MaxRetries))
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		store:   store,
		vocab:   store.Vocabulary(),
		metrics: metrics.NewCollector(metricsNamespace),
		cfg:     cfg,
		cron:    cronEngine,
		closers: []io.Closer{store},
	}

	repo, err := p.cacheRepository(cfg, o.cacheRepo)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	p.cache = cache.NewManager(repo,
		cache.WithMetrics(p.metrics),
		cache.WithCostPerThousandTokens(cfg.Cache.CostPerThousandTokens),
		cache.WithInFlightDedupe(cfg.Pipeline.DedupeInFlight),
	)

	provider := o.provider
	if provider == nil {
		if provider, err = p.newLLMProvider(cfg); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	p.provider = newSwappableProvider(provider)
	p.fixedProvider = o.provider != nil

	p.processor = batch.NewProcessor(store, p.cache, p.provider, p.vocab,
		batch.WithMaxConcurrent(cfg.Pipeline.MaxConcurrent),
		batch.WithCheckpointInterval(cfg.Pipeline.CheckpointInterval),
		batch.WithReportInterval(cfg.Pipeline.ReportInterval),
		batch.WithMetrics(p.metrics),
	)
	p.runs = jobs.NewQueue(cfg.Pipeline.RunWorkers, store)
	return p, nil
}

func (p *Pipeline) cacheRepository(cfg config.Config, override cache.Repository) (cache.Repository, error) {
	if override != nil {
		return override, nil
	}
	if cfg.Store.CacheBackend != config.CacheBackendRedis {
		return p.store.Cache(), nil
	}
	rc, err := persistence.NewRedisCache(persistence.RedisOptions{
		Addr:      cfg.Store.RedisAddr,
		Password:  cfg.Store.RedisPassword,
		DB:        cfg.Store.RedisDB,
		KeyPrefix: cfg.Store.RedisKeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, rc)
	log.Info("Using redis cache at %s", cfg.Store.RedisAddr)
	return rc, nil
}

func (p *Pipeline) newLLMProvider(cfg config.Config) (*compute.LLMProvider, error) {
	client, err := llm.NewClient(&llm.Config{
		APIKey:            cfg.LLM.APIKey,
		APIURL:            cfg.LLM.APIURL,
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       cfg.LLM.Temperature,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		SiteURL:           cfg.LLM.SiteURL,
		AppName:           cfg.LLM.AppName,
	})
	if err != nil {
		return nil, err
	}
	return compute.NewLLMProvider(client,
		compute.WithExplanationLanguage(cfg.Generation.ExplanationTag()),
		compute.WithDeckName(cfg.Generation.DeckName),
		compute.WithProviderMetrics(p.metrics),
	), nil
}

// Start begins executing queued runs, including runs recovered from the
// previous process.
func (p *Pipeline) Start() {
	p.runs.Start(p.execute)
}

// Close stops the run queue and releases storage. Interrupted runs stay
// pending in the store.
func (p *Pipeline) Close() error {
	if p.runs != nil {
		p.runs.Stop()
	}
	var firstErr error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = errs.NewWithCause(errs.ErrIO, "close pipeline", err)
		}
	}
	p.closers = nil
	return firstErr
}

func (p *Pipeline) MetricsHandler() http.Handler {
	return p.metrics.Handler()
}

func (p *Pipeline) config() config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Progress returns the live view of every batch run since start.
func (p *Pipeline) Progress() []batch.Progress {
	return p.processor.Snapshots()
}

func (p *Pipeline) CacheStats(ctx context.Context) (cache.Stats, error) {
	return p.cache.Stats(ctx)
}

func (p *Pipeline) ClearCache(ctx context.Context, scope cache.Scope) (int64, error) {
	return p.cache.Clear(ctx, scope)
}

// WarmCache reports how many of the stored items already have cached results.
func (p *Pipeline) WarmCache(ctx context.Context, vocabularyIDs []int64) (cache.WarmupStats, error) {
	items, err := p.vocab.GetItems(ctx, vocabularyIDs)
	if err != nil {
		return cache.WarmupStats{}, err
	}
	return p.cache.WarmForBatch(ctx, items)
}

func (p *Pipeline) Runs() []*jobs.Run {
	return p.runs.List()
}

func (p *Pipeline) Run(id string) (*jobs.Run, bool) {
	return p.runs.Get(id)
}
