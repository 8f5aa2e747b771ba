package cache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/metrics"
	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
	"github.com/MimeLyc/flashcard-pipeline/pkg/log"
)

// DefaultCostPerThousandTokens is the estimate used for cost-saved reporting.
const DefaultCostPerThousandTokens = 0.15

// Producer computes the entry for a key on a cache miss.
type Producer func(ctx context.Context) (*Entry, error)

type Manager struct {
	repo      Repository
	metrics   *metrics.Collector
	costPer1K float64
	dedupe    bool
	inflight  singleflight.Group
}

type Option func(*Manager)

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

func WithCostPerThousandTokens(rate float64) Option {
	return func(m *Manager) {
		if rate >= 0 {
			m.costPer1K = rate
		}
	}
}

// WithInFlightDedupe toggles sharing of one producer call between
// concurrent misses on the same key.
func WithInFlightDedupe(enabled bool) Option {
	return func(m *Manager) {
		m.dedupe = enabled
	}
}

func NewManager(repo Repository, opts ...Option) *Manager {
	m := &Manager{
		repo:      repo,
		costPer1K: DefaultCostPerThousandTokens,
		dedupe:    true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type lookupResult struct {
	entry *Entry
	hit   bool
}

// GetOrCompute returns the entry stored under key, or runs produce, stores its
// result and returns it. A producer error is returned as is and nothing is stored.
func (m *Manager) GetOrCompute(ctx context.Context, stage Stage, key string, produce Producer) (*Entry, bool, error) {
	return m.getOrCompute(ctx, stage, key, produce, nil)
}

func (m *Manager) getOrCompute(ctx context.Context, stage Stage, key string, produce Producer, decode func(*Entry) error) (*Entry, bool, error) {
	if !m.dedupe {
		res, err := m.lookupOrProduce(ctx, stage, key, produce, decode)
		if err != nil {
			return nil, false, err
		}
		return res.entry, res.hit, nil
	}

	executed := false
	v, err, _ := m.inflight.Do(string(stage)+"|"+key, func() (any, error) {
		executed = true
		return m.lookupOrProduce(ctx, stage, key, produce, decode)
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(lookupResult)
	if !executed {
		// Another caller did the work; for this caller it is a hit.
		m.recordLookup(ctx, stage, true, res.entry.TokenCount)
		return res.entry, true, nil
	}
	return res.entry, res.hit, nil
}

func (m *Manager) lookupOrProduce(ctx context.Context, stage Stage, key string, produce Producer, decode func(*Entry) error) (lookupResult, error) {
	entry, err := m.repo.Get(ctx, stage, key)
	if err != nil {
		if errs.Classify(err) != errs.Recoverable {
			return lookupResult{}, err
		}
		m.recoverable(stage, key, err)
		entry = nil
	}
	if entry != nil && decode != nil {
		if err := decode(entry); err != nil {
			m.recoverable(stage, key, err)
			entry = nil
		}
	}
	if entry != nil {
		m.recordLookup(ctx, stage, true, entry.TokenCount)
		return lookupResult{entry: entry, hit: true}, nil
	}

	m.recordLookup(ctx, stage, false, 0)
	produced, err := produce(ctx)
	if err != nil {
		return lookupResult{}, err
	}
	if produced == nil {
		return lookupResult{}, errs.Newf(errs.ErrCache, "producer returned no entry for %s", key)
	}
	produced.Stage = stage
	produced.Key = key
	if produced.CreatedAt.IsZero() {
		produced.CreatedAt = time.Now().UTC()
	}
	if err := m.repo.Put(ctx, produced); err != nil {
		return lookupResult{}, errs.WrapError(err, errs.ErrDatabase, "persist cache entry").WithContext("key", key)
	}
	return lookupResult{entry: produced, hit: false}, nil
}

func (m *Manager) recordLookup(ctx context.Context, stage Stage, hit bool, tokensSaved int) {
	m.metrics.RecordCacheLookup(string(stage), hit, tokensSaved)
	if err := m.repo.RecordLookup(ctx, stage, hit, tokensSaved); err != nil {
		log.Warn("Failed to record cache %s lookup: %v", stage, err)
	}
}

func (m *Manager) recoverable(stage Stage, key string, err error) {
	m.metrics.RecordCacheDecodeError(string(stage))
	log.Warn("Treating unreadable cache entry %s as a miss: %v", key, err)
}

// Stage1 returns the Stage-1 result for item, computing it with produce on a miss.
func (m *Manager) Stage1(ctx context.Context, item *vocab.Item, produce func(ctx context.Context) (*vocab.Stage1Result, error)) (*vocab.Stage1Result, bool, error) {
	key := vocab.DeriveStage1Key(item)
	var decoded vocab.Stage1Result
	decode := func(e *Entry) error {
		return decodePayload(e, &decoded)
	}

	entry, hit, err := m.getOrCompute(ctx, Stage1, key, func(ctx context.Context) (*Entry, error) {
		res, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		res.CacheKey = key
		res.VocabularyID = item.ID
		if res.CreatedAt.IsZero() {
			res.CreatedAt = time.Now().UTC()
		}
		payload, err := json.Marshal(res)
		if err != nil {
			return nil, errs.WrapError(err, errs.ErrSerialization, "encode stage1 result")
		}
		return &Entry{
			VocabularyID: item.ID,
			RequestHash:  res.RequestID,
			Payload:      payload,
			TokenCount:   res.TokenCount,
			Model:        res.Model,
			CreatedAt:    res.CreatedAt,
		}, nil
	}, decode)
	if err != nil {
		return nil, false, err
	}

	var out vocab.Stage1Result
	if err := decodePayload(entry, &out); err != nil {
		return nil, false, err
	}
	return &out, hit, nil
}

// Stage2 returns the Stage-2 result for item, derived from stage1.
func (m *Manager) Stage2(ctx context.Context, item *vocab.Item, stage1 *vocab.Stage1Result, produce func(ctx context.Context) (*vocab.Stage2Result, error)) (*vocab.Stage2Result, bool, error) {
	if stage1 == nil || stage1.CacheKey == "" {
		return nil, false, errs.New(errs.ErrValidation, "stage2 requires a stage1 result")
	}
	key := vocab.DeriveStage2Key(item, stage1.CacheKey)
	var decoded vocab.Stage2Result
	decode := func(e *Entry) error {
		return decodePayload(e, &decoded)
	}

	entry, hit, err := m.getOrCompute(ctx, Stage2, key, func(ctx context.Context) (*Entry, error) {
		res, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		res.CacheKey = key
		res.Stage1Key = stage1.CacheKey
		res.VocabularyID = item.ID
		res.FlatRow = res.Card.FlatRow()
		if res.CreatedAt.IsZero() {
			res.CreatedAt = time.Now().UTC()
		}
		payload, err := json.Marshal(res)
		if err != nil {
			return nil, errs.WrapError(err, errs.ErrSerialization, "encode stage2 result")
		}
		return &Entry{
			VocabularyID: item.ID,
			Stage1Key:    stage1.CacheKey,
			RequestHash:  res.RequestID,
			Payload:      payload,
			FlatRow:      res.FlatRow,
			TokenCount:   res.TokenCount,
			Model:        res.Model,
			CreatedAt:    res.CreatedAt,
		}, nil
	}, decode)
	if err != nil {
		return nil, false, err
	}

	var out vocab.Stage2Result
	if err := decodePayload(entry, &out); err != nil {
		return nil, false, err
	}
	return &out, hit, nil
}

func decodePayload(e *Entry, v any) error {
	if len(e.Payload) == 0 {
		return errs.Newf(errs.ErrSerialization, "empty payload for %s", e.Key)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errs.WrapError(err, errs.ErrSerialization, "decode cached payload").WithContext("key", e.Key)
	}
	return nil
}

// Stats summarizes entry counts and hit/miss economics.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	c, err := m.repo.Counts(ctx)
	if err != nil {
		return Stats{}, errs.WrapError(err, errs.ErrDatabase, "load cache counts")
	}
	stats := Stats{
		Stage1Entries:      c.Stage1Entries,
		Stage2Entries:      c.Stage2Entries,
		TotalEntries:       c.Stage1Entries + c.Stage2Entries,
		Hits:               c.Hits,
		Misses:             c.Misses,
		TokensSaved:        c.TokensSaved,
		EstimatedCostSaved: float64(c.TokensSaved) * m.costPer1K / 1000,
	}
	if lookups := c.Hits + c.Misses; lookups > 0 {
		stats.HitRate = float64(c.Hits) / float64(lookups)
	}
	return stats, nil
}

// Clear removes the entries in scope and returns how many were removed.
func (m *Manager) Clear(ctx context.Context, scope Scope) (int64, error) {
	n, err := m.repo.Clear(ctx, scope)
	if err != nil {
		return 0, errs.WrapError(err, errs.ErrDatabase, "clear cache").WithContext("scope", scope)
	}
	log.Info("Cleared %d cache entries (scope %s)", n, scope)
	return n, nil
}

// WarmForBatch reports which items already have cached results. Stage-2 is
// only checked for items whose Stage-1 entry exists. Nothing is computed and
// access statistics are left untouched.
func (m *Manager) WarmForBatch(ctx context.Context, items []*vocab.Item) (WarmupStats, error) {
	stats := WarmupStats{Total: len(items)}
	for _, item := range items {
		s1Key := vocab.DeriveStage1Key(item)
		s1, err := m.repo.Peek(ctx, Stage1, s1Key)
		if err != nil {
			return WarmupStats{}, errs.WrapError(err, errs.ErrDatabase, "peek stage1 entry").WithContext("key", s1Key)
		}
		if s1 == nil {
			continue
		}
		stats.Stage1Cached++
		stats.EstimatedTokensSaved += int64(s1.TokenCount)

		s2Key := vocab.DeriveStage2Key(item, s1Key)
		s2, err := m.repo.Peek(ctx, Stage2, s2Key)
		if err != nil {
			return WarmupStats{}, errs.WrapError(err, errs.ErrDatabase, "peek stage2 entry").WithContext("key", s2Key)
		}
		if s2 != nil {
			stats.Stage2Cached++
			stats.EstimatedTokensSaved += int64(s2.TokenCount)
		}
	}
	stats.Stage1Missing = stats.Total - stats.Stage1Cached
	stats.Stage2Missing = stats.Total - stats.Stage2Cached
	log.Info("Cache warmup: %s", stats)
	return stats, nil
}

// CachedCard returns the Stage-2 result stored for item, or nil when either
// stage is missing. Like WarmForBatch it does not touch access statistics.
func (m *Manager) CachedCard(ctx context.Context, item *vocab.Item) (*vocab.Stage2Result, error) {
	s1Key := vocab.DeriveStage1Key(item)
	s1, err := m.repo.Peek(ctx, Stage1, s1Key)
	if err != nil {
		return nil, errs.WrapError(err, errs.ErrDatabase, "peek stage1 entry").WithContext("key", s1Key)
	}
	if s1 == nil {
		return nil, nil
	}
	s2Key := vocab.DeriveStage2Key(item, s1Key)
	s2, err := m.repo.Peek(ctx, Stage2, s2Key)
	if err != nil {
		return nil, errs.WrapError(err, errs.ErrDatabase, "peek stage2 entry").WithContext("key", s2Key)
	}
	if s2 == nil {
		return nil, nil
	}
	var out vocab.Stage2Result
	if err := decodePayload(s2, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
