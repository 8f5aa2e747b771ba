package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/MimeLyc/flashcard-pipeline/internal/batch"
	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/jobs"
	"github.com/MimeLyc/flashcard-pipeline/internal/queue"
	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
	"github.com/MimeLyc/flashcard-pipeline/pkg/log"
)

const (
	SourceAPI   = "api"
	SourceSweep = "sweep"
)

type SubmitRequest struct {
	// BatchID is generated when empty.
	BatchID string        `json:"batch_id"`
	Items   []*vocab.Item `json:"items"`
}

// BatchView combines the durable batch state with the live run, if any.
type BatchView struct {
	Batch     *queue.Batch    `json:"batch"`
	Progress  *queue.Progress `json:"progress"`
	Live      *batch.Progress `json:"live,omitempty"`
	ActiveRun *jobs.Run       `json:"active_run,omitempty"`
}

// Submit stores the items and queues a run that processes them as a new
// batch.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*jobs.Run, error) {
	if len(req.Items) == 0 {
		return nil, errs.New(errs.ErrValidation, "at least one item is required")
	}
	for i, item := range req.Items {
		if item == nil || strings.TrimSpace(item.Term) == "" {
			return nil, errs.Newf(errs.ErrValidation, "item %d has no term", i)
		}
	}

	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		batchID = uuid.NewString()
	}
	existing, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errs.Newf(errs.ErrValidation, "batch %s already exists", batchID)
	}
	if _, active := p.runs.ActiveFor(batchID); active {
		return nil, errs.Newf(errs.ErrValidation, "batch %s is already queued", batchID)
	}

	if err := p.vocab.CreateItems(ctx, req.Items); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(req.Items))
	for _, item := range req.Items {
		ids = append(ids, item.ID)
	}

	run, created := p.runs.Enqueue(jobs.EnqueueRequest{
		Source:    SourceAPI,
		DedupeKey: batchID,
		Payload: jobs.RunPayload{
			Kind:          jobs.KindProcess,
			BatchID:       batchID,
			VocabularyIDs: ids,
		},
	})
	if !created {
		// A concurrent submit for the same batch won the race.
		return nil, errs.Newf(errs.ErrValidation, "batch %s is already queued as %s", batchID, run.ID)
	}
	log.Info("Queued batch %s with %d items as %s", batchID, len(ids), run.ID)
	return run, nil
}

// Resume queues a resume run for an existing batch. When a run for the batch
// is already pending or running, that run is returned with created=false.
func (p *Pipeline) Resume(ctx context.Context, batchID, source string) (*jobs.Run, bool, error) {
	existing, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errs.Newf(errs.ErrValidation, "batch %s does not exist", batchID)
	}
	run, created := p.runs.Enqueue(jobs.EnqueueRequest{
		Source:    source,
		DedupeKey: batchID,
		Payload: jobs.RunPayload{
			Kind:    jobs.KindResume,
			BatchID: batchID,
		},
	})
	return run, created, nil
}

// Batch returns nil when the batch does not exist.
func (p *Pipeline) Batch(ctx context.Context, batchID string) (*BatchView, error) {
	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil || b == nil {
		return nil, err
	}
	progress, err := p.store.GetBatchProgress(ctx, batchID)
	if err != nil {
		return nil, err
	}
	view := &BatchView{Batch: b, Progress: progress}
	if live, ok := p.processor.Snapshot(batchID); ok {
		view.Live = &live
	}
	if run, ok := p.runs.ActiveFor(batchID); ok {
		view.ActiveRun = run
	}
	return view, nil
}

func (p *Pipeline) BatchItems(ctx context.Context, batchID string) ([]*queue.Item, error) {
	return p.store.ListBatchItems(ctx, batchID)
}

func (p *Pipeline) Checkpoint(ctx context.Context, batchID string) (*queue.Checkpoint, error) {
	return p.store.GetLatestCheckpoint(ctx, batchID)
}

// execute is the run queue's executor.
func (p *Pipeline) execute(ctx context.Context, run *jobs.Run) (*jobs.Summary, error) {
	batchID := run.Payload.BatchID
	log.Info("Run %s: %s batch %s (source=%s)", run.ID, run.Payload.Kind, batchID, run.Source)

	var (
		res *batch.Result
		err error
	)
	switch run.Payload.Kind {
	case jobs.KindProcess:
		var items []*vocab.Item
		items, err = p.vocab.GetItems(ctx, run.Payload.VocabularyIDs)
		if err != nil {
			return nil, err
		}
		if missing := len(run.Payload.VocabularyIDs) - len(items); missing > 0 {
			log.Warn("Run %s: %d vocabulary items no longer exist", run.ID, missing)
		}
		res, err = p.processor.ProcessBatch(ctx, items, batchID)
	case jobs.KindResume:
		res, err = p.processor.ResumeBatch(ctx, batchID)
	default:
		return nil, errs.Newf(errs.ErrValidation, "unknown run kind %q", run.Payload.Kind)
	}
	return summarize(res), err
}

func summarize(res *batch.Result) *jobs.Summary {
	if res == nil {
		return nil
	}
	return &jobs.Summary{
		TotalProcessed: res.TotalProcessed,
		Successful:     len(res.Successful),
		Failed:         len(res.Failed),
		CacheHits:      res.CacheHits,
		ElapsedMS:      res.Elapsed.Milliseconds(),
	}
}

const (
	DefaultCardLimit = 80
	MaxCardLimit     = 500
)

// CardView is one queue row of a batch with its generated card, when the
// card is still in the cache.
type CardView struct {
	QueueID      int64               `json:"queue_id"`
	VocabularyID int64               `json:"vocabulary_id"`
	Term         string              `json:"term"`
	Status       queue.Status        `json:"status"`
	Stage        queue.Stage         `json:"stage"`
	Error        string              `json:"error,omitempty"`
	Card         *vocab.Stage2Result `json:"card,omitempty"`
}

type CardPage struct {
	BatchID string     `json:"batch_id"`
	Offset  int        `json:"offset"`
	Limit   int        `json:"limit"`
	Total   int        `json:"total"`
	Cards   []CardView `json:"cards"`
}

// Cards pages through a batch's rows in queue order. A nil page means the
// batch does not exist.
func (p *Pipeline) Cards(ctx context.Context, batchID string, offset, limit int) (*CardPage, error) {
	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil || b == nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultCardLimit
	}
	limit = min(limit, MaxCardLimit)
	offset = max(offset, 0)

	rows, err := p.store.ListBatchItems(ctx, batchID)
	if err != nil {
		return nil, err
	}
	page := &CardPage{BatchID: batchID, Offset: offset, Limit: limit, Total: len(rows), Cards: []CardView{}}
	if offset >= len(rows) {
		return page, nil
	}
	rows = rows[offset:min(offset+limit, len(rows))]

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.VocabularyID)
	}
	items, err := p.vocab.GetItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*vocab.Item, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	for _, row := range rows {
		view := CardView{
			QueueID:      row.ID,
			VocabularyID: row.VocabularyID,
			Status:       row.Status,
			Stage:        row.Stage,
			Error:        row.ErrorMessage,
		}
		if item, ok := byID[row.VocabularyID]; ok {
			view.Term = item.Term
			if row.Status == queue.StatusCompleted {
				if view.Card, err = p.cache.CachedCard(ctx, item); err != nil {
					return nil, err
				}
			}
		}
		page.Cards = append(page.Cards, view)
	}
	return page, nil
}
