// Package batch runs vocabulary items through both generation stages with
// bounded concurrency, recording every outcome in the queue store.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MimeLyc/flashcard-pipeline/internal/cache"
	"github.com/MimeLyc/flashcard-pipeline/internal/compute"
	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/metrics"
	"github.com/MimeLyc/flashcard-pipeline/internal/queue"
	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
	"github.com/MimeLyc/flashcard-pipeline/pkg/log"
)

type Processor struct {
	queue    queue.Store
	cache    *cache.Manager
	provider compute.Provider
	vocab    vocab.Repository
	metrics  *metrics.Collector
	handler  errs.ErrorHandler

	maxConcurrent      int
	checkpointInterval int
	reportInterval     time.Duration
	progressRetention  time.Duration
	now                func() time.Time

	mu   sync.RWMutex
	live map[string]*Progress
}

type Option func(*Processor)

func WithMaxConcurrent(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxConcurrent = n
		}
	}
}

// WithCheckpointInterval saves a checkpoint after every n completed items.
func WithCheckpointInterval(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.checkpointInterval = n
		}
	}
}

// WithReportInterval sets how often live progress is logged. Zero disables it.
func WithReportInterval(d time.Duration) Option {
	return func(p *Processor) {
		if d >= 0 {
			p.reportInterval = d
		}
	}
}

// WithProgressRetention sets how long finished runs remain visible through
// Snapshot and Snapshots.
func WithProgressRetention(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.progressRetention = d
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(p *Processor) {
		p.metrics = c
	}
}

func NewProcessor(store queue.Store, cacheManager *cache.Manager, provider compute.Provider, repo vocab.Repository, opts ...Option) *Processor {
	p := &Processor{
		queue:              store,
		cache:              cacheManager,
		provider:           provider,
		vocab:              repo,
		handler:            errs.NewDefaultErrorHandler(),
		maxConcurrent:      DefaultMaxConcurrent,
		checkpointInterval: DefaultCheckpointInterval,
		reportInterval:     DefaultReportInterval,
		progressRetention:  DefaultProgressRetention,
		now:                time.Now,
		live:               make(map[string]*Progress),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// unit pairs a vocabulary item with its queue row for one run.
type unit struct {
	item *vocab.Item
	row  *queue.Item
}

// ProcessBatch enqueues the batch if it is new and runs every item that is
// not yet Completed or Quarantined. Item failures never fail the call; the
// error is only set when the batch cannot be set up or ctx ends early.
func (p *Processor) ProcessBatch(ctx context.Context, items []*vocab.Item, batchID string) (*Result, error) {
	if batchID == "" {
		return nil, errs.New(errs.ErrValidation, "batch id is required")
	}
	ids := make([]int64, 0, len(items))
	byID := make(map[int64]*vocab.Item, len(items))
	for _, item := range items {
		if item == nil || item.ID == 0 {
			return nil, errs.New(errs.ErrValidation, "items must be stored before processing")
		}
		if _, dup := byID[item.ID]; dup {
			return nil, errs.Newf(errs.ErrValidation, "vocabulary item %d listed twice", item.ID)
		}
		byID[item.ID] = item
		ids = append(ids, item.ID)
	}

	existing, err := p.queue.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		n, err := p.queue.EnqueueBatch(ctx, ids, batchID)
		if err != nil {
			return nil, err
		}
		log.Info("Enqueued batch %s with %d items", batchID, n)
	}

	rows, err := p.queue.ListIncomplete(ctx, batchID)
	if err != nil {
		return nil, err
	}
	units := make([]unit, 0, len(rows))
	for _, row := range rows {
		if item, ok := byID[row.VocabularyID]; ok {
			units = append(units, unit{item: item, row: row})
		}
	}
	return p.run(ctx, batchID, units)
}

// ResumeBatch re-runs the items of an existing batch that are neither
// Completed nor Quarantined. Rows left InProgress by an interrupted run are
// reset to Pending first.
func (p *Processor) ResumeBatch(ctx context.Context, batchID string) (*Result, error) {
	existing, err := p.queue.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errs.Newf(errs.ErrValidation, "batch %s does not exist", batchID)
	}

	reset, err := p.queue.ResetStale(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if reset > 0 {
		log.Warn("Batch %s: reset %d stale in-progress items", batchID, reset)
	}

	rows, err := p.queue.ListIncomplete(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		log.Info("Batch %s has nothing to resume", batchID)
		return &Result{BatchID: batchID}, nil
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.VocabularyID)
	}
	items, err := p.vocab.GetItems(ctx, ids)
	if err != nil {
		return nil, errs.WrapError(err, errs.ErrDatabase, "load vocabulary items")
	}
	byID := make(map[int64]*vocab.Item, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	units := make([]unit, 0, len(rows))
	var orphans []Failure
	for _, row := range rows {
		item, ok := byID[row.VocabularyID]
		if !ok {
			msg := "vocabulary item not found"
			if err := p.queue.UpdateStatus(ctx, row.ID, queue.StatusFailed, msg); err != nil {
				log.Error("Batch %s: failed to mark orphan row %d: %v", batchID, row.ID, err)
			}
			orphans = append(orphans, Failure{Item: &vocab.Item{ID: row.VocabularyID}, Error: msg})
			continue
		}
		units = append(units, unit{item: item, row: row})
	}

	log.Info("Resuming batch %s with %d items", batchID, len(units))
	res, err := p.run(ctx, batchID, units)
	if res != nil && len(orphans) > 0 {
		res.Failed = append(res.Failed, orphans...)
		res.TotalProcessed += len(orphans)
	}
	return res, err
}

func (p *Processor) run(ctx context.Context, batchID string, units []unit) (*Result, error) {
	start := p.now()
	res := &Result{BatchID: batchID}
	p.track(batchID, len(units), start)

	p.checkpoint(ctx, batchID, 0, queue.Stage1, "start")

	stopReporter := p.startReporter(batchID)

	sem := semaphore.NewWeighted(int64(p.maxConcurrent))
	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		runErr  error
		lastRow int64
	)
	for _, u := range units {
		if err := sem.Acquire(ctx, 1); err != nil {
			runErr = err
			break
		}
		wg.Add(1)
		go func(u unit) {
			defer wg.Done()
			defer sem.Release(1)

			p.metrics.ItemStarted()
			out := p.processUnit(ctx, u)
			p.metrics.ItemFinished()

			resMu.Lock()
			res.TotalProcessed++
			if out.err == nil {
				res.Successful = append(res.Successful, Success{Item: u.item, Result: out.result, CacheHit: out.cacheHit})
				if out.cacheHit {
					res.CacheHits++
				}
				lastRow = u.row.ID
			} else {
				res.Failed = append(res.Failed, Failure{Item: u.item, Error: out.err.Error(), Quarantined: out.quarantined})
			}
			resMu.Unlock()

			completed := p.record(batchID, out)
			if out.err == nil && completed%p.checkpointInterval == 0 {
				p.checkpoint(ctx, batchID, u.row.ID, queue.StageComplete, "progress")
			}
		}(u)
	}
	wg.Wait()
	stopReporter()

	res.Elapsed = p.now().Sub(start)
	p.finish(batchID)
	p.checkpoint(context.WithoutCancel(ctx), batchID, lastRow, queue.StageComplete, "final")
	p.metrics.RecordBatch(res.Elapsed)

	sort.Slice(res.Successful, func(i, j int) bool { return res.Successful[i].Item.ID < res.Successful[j].Item.ID })
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Item.ID < res.Failed[j].Item.ID })

	log.Info("Batch %s finished in %s: %d succeeded (%d cached), %d failed",
		batchID, res.Elapsed, len(res.Successful), res.CacheHits, len(res.Failed))

	if runErr == nil {
		runErr = ctx.Err()
	}
	if runErr != nil {
		return res, errs.NewWithCause(errs.ErrQueue, "batch run interrupted", runErr).WithContext("batch_id", batchID)
	}
	return res, nil
}

type outcome struct {
	result      *vocab.Stage2Result
	cacheHit    bool
	quarantined bool
	err         error
}

// processUnit runs both stages for one item. Stage-1 completion is skipped
// when the row already sits at Stage2 from an earlier run.
func (p *Processor) processUnit(ctx context.Context, u unit) outcome {
	var out outcome
	row := u.row

	err := errs.SafeExecute(func() error {
		if err := p.queue.UpdateStatus(ctx, row.ID, queue.StatusInProgress, ""); err != nil {
			return err
		}

		s1, hit1, err := p.cache.Stage1(ctx, u.item, func(ctx context.Context) (*vocab.Stage1Result, error) {
			gen, err := p.provider.Stage1(ctx, u.item)
			if err != nil {
				return nil, err
			}
			return &vocab.Stage1Result{
				RequestID:  gen.RequestID,
				Analysis:   gen.Content,
				TokenCount: gen.Tokens,
				Model:      gen.Model,
			}, nil
		})
		if err != nil {
			return err
		}

		if row.Stage == queue.Stage1 {
			if row, err = p.queue.CompleteStage(ctx, row.ID); err != nil {
				return err
			}
			if err := p.queue.UpdateStatus(ctx, row.ID, queue.StatusInProgress, ""); err != nil {
				return err
			}
		}

		s2, hit2, err := p.cache.Stage2(ctx, u.item, s1, func(ctx context.Context) (*vocab.Stage2Result, error) {
			gen, err := p.provider.Stage2(ctx, u.item, s1)
			if err != nil {
				return nil, err
			}
			return &vocab.Stage2Result{
				RequestID:  gen.RequestID,
				Card:       gen.Content,
				TokenCount: gen.Tokens,
				Model:      gen.Model,
			}, nil
		})
		if err != nil {
			return err
		}

		if row.Stage == queue.Stage2 {
			if row, err = p.queue.CompleteStage(ctx, row.ID); err != nil {
				return err
			}
		}
		if row.Status != queue.StatusCompleted {
			if err := p.queue.UpdateStatus(ctx, row.ID, queue.StatusCompleted, ""); err != nil {
				return err
			}
		}

		out.result = s2
		out.cacheHit = hit1 && hit2
		return nil
	})
	if err != nil {
		out.err = err
		out.quarantined = p.fail(ctx, u, err)
		return out
	}

	if out.cacheHit {
		p.metrics.RecordItem("cached")
	} else {
		p.metrics.RecordItem("completed")
	}
	return out
}

// fail records err against the item's row and reports whether it ended up
// Quarantined. A cancelled run writes nothing; the row stays InProgress
// until the next resume resets it.
func (p *Processor) fail(ctx context.Context, u unit, err error) bool {
	if ctx.Err() != nil {
		log.Warn("Item %d (%s) interrupted: %v", u.item.ID, u.item.Term, err)
		p.metrics.RecordItem("interrupted")
		return false
	}

	var e *errs.Error
	if errors.As(err, &e) {
		log.Error("Item %d (%s) failed: %v, advice: %s", u.item.ID, u.item.Term, err, p.handler.GetAdvice(e))
	} else {
		log.Error("Item %d (%s) failed: %v", u.item.ID, u.item.Term, err)
	}

	if uerr := p.queue.UpdateStatus(ctx, u.row.ID, queue.StatusFailed, err.Error()); uerr != nil {
		log.Error("Item %d: failed to record failure: %v", u.item.ID, uerr)
		p.metrics.RecordItem("failed")
		return false
	}

	if errs.Classify(err) != errs.Retryable {
		p.metrics.RecordItem("failed")
		return false
	}

	eligible, rerr := p.queue.IncrementRetry(ctx, u.row.ID)
	if rerr != nil {
		log.Error("Item %d: failed to increment retry: %v", u.item.ID, rerr)
		p.metrics.RecordItem("failed")
		return false
	}
	if !eligible {
		log.Warn("Item %d (%s) quarantined after exhausting retries", u.item.ID, u.item.Term)
		p.metrics.RecordItem("quarantined")
		return true
	}
	p.metrics.RecordItem("retry")
	return false
}

func (p *Processor) checkpoint(ctx context.Context, batchID string, lastRow int64, stage queue.Stage, event string) {
	snap, _ := p.Snapshot(batchID)
	data, err := json.Marshal(checkpointData{
		Event:     event,
		Total:     snap.Total,
		Completed: snap.Completed,
		Cached:    snap.Cached,
		Failed:    snap.Failed,
	})
	if err != nil {
		log.Error("Batch %s: encode checkpoint: %v", batchID, err)
		return
	}
	err = p.queue.SaveCheckpoint(ctx, &queue.Checkpoint{
		BatchID:         batchID,
		LastProcessedID: lastRow,
		Stage:           stage,
		Data:            data,
	})
	if err != nil {
		log.Error("Batch %s: save %s checkpoint: %v", batchID, event, err)
	}
}
