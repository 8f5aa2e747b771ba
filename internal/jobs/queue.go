package jobs

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MimeLyc/flashcard-pipeline/pkg/log"
)

const (
	runIDPrefix    = "run-"
	defaultMaxRuns = 1000
)

// Executor performs one run. A non-nil error fails the run; the summary is
// kept either way.
type Executor func(ctx context.Context, run *Run) (*Summary, error)

// Queue holds runs in memory, mirrors every state change to its Store and
// executes pending runs in FIFO order on a fixed number of workers.
type Queue struct {
	workers int
	maxRuns int
	store   Store

	mu      sync.Mutex
	wake    *sync.Cond
	runs    map[string]*Run
	holders map[string]string // dedupe key -> active run id
	backlog []string
	lastID  uint64
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue loads the runs kept in store. Runs that were running when the
// previous process exited come back as pending.
func NewQueue(workerCount int, store Store) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		workers: max(workerCount, 1),
		maxRuns: defaultMaxRuns,
		store:   store,
		runs:    make(map[string]*Run),
		holders: make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
	q.wake = sync.NewCond(&q.mu)
	q.recover()
	return q
}

// Enqueue adds a run unless an active run holds the same dedupe key, in which
// case that run is returned with created=false.
func (q *Queue) Enqueue(req EnqueueRequest) (*Run, bool) {
	q.mu.Lock()
	if holder := q.activeHolderLocked(req.DedupeKey); holder != nil {
		snapshot := cloneRun(holder)
		q.mu.Unlock()
		return snapshot, false
	}

	now := time.Now()
	q.lastID++
	run := &Run{
		ID:        runIDPrefix + strconv.FormatUint(q.lastID, 10),
		Source:    req.Source,
		DedupeKey: req.DedupeKey,
		Payload:   req.Payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	run.Payload.VocabularyIDs = slices.Clone(req.Payload.VocabularyIDs)
	q.runs[run.ID] = run
	if run.DedupeKey != "" {
		q.holders[run.DedupeKey] = run.ID
	}
	if q.started {
		q.pushLocked(run.ID)
	}
	snapshot := cloneRun(run)
	q.mu.Unlock()

	q.save(snapshot)
	return snapshot, true
}

func (q *Queue) activeHolderLocked(key string) *Run {
	if key == "" {
		return nil
	}
	id, ok := q.holders[key]
	if !ok {
		return nil
	}
	if run, ok := q.runs[id]; ok && run.Status.IsActive() {
		return run
	}
	delete(q.holders, key)
	return nil
}

func (q *Queue) Get(id string) (*Run, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	run, ok := q.runs[id]
	if !ok {
		return nil, false
	}
	return cloneRun(run), true
}

// List returns every known run, newest first.
func (q *Queue) List() []*Run {
	q.mu.Lock()
	ret := make([]*Run, 0, len(q.runs))
	for _, run := range q.runs {
		ret = append(ret, cloneRun(run))
	}
	q.mu.Unlock()

	slices.SortFunc(ret, func(a, b *Run) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return ret
}

// ActiveFor returns the pending or running run for batchID, if any.
func (q *Queue) ActiveFor(batchID string) (*Run, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, run := range q.runs {
		if run.Payload.BatchID == batchID && run.Status.IsActive() {
			return cloneRun(run), true
		}
	}
	return nil, false
}

// Start queues every pending run, oldest first, and launches the workers.
// Calling it again has no effect.
func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true

	var pending []*Run
	for _, run := range q.runs {
		if run.Status == StatusPending {
			pending = append(pending, run)
		}
	}
	slices.SortFunc(pending, func(a, b *Run) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	for _, run := range pending {
		q.pushLocked(run.ID)
	}

	q.wg.Add(q.workers)
	for range q.workers {
		go q.work(exec)
	}
}

// Stop cancels running executors and waits for the workers to exit. Runs
// interrupted this way are picked up again after the next start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.cancel()
	q.wake.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) pushLocked(id string) {
	q.backlog = append(q.backlog, id)
	q.wake.Signal()
}

// claim blocks until a pending run can be marked running or the queue stops.
func (q *Queue) claim() (*Run, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for len(q.backlog) > 0 && !q.stopped {
			id := q.backlog[0]
			q.backlog = q.backlog[1:]
			run, ok := q.runs[id]
			if !ok || run.Status != StatusPending {
				continue
			}
			run.Status = StatusRunning
			run.UpdatedAt = time.Now()
			return cloneRun(run), true
		}
		if q.stopped {
			return nil, false
		}
		q.wake.Wait()
	}
}

func (q *Queue) work(exec Executor) {
	defer q.wg.Done()
	for {
		run, ok := q.claim()
		if !ok {
			return
		}
		q.save(run)

		summary, err := exec(q.ctx, run)
		switch {
		case q.ctx.Err() != nil:
			q.update(run.ID, func(r *Run) {
				r.Status = StatusPending
			})
			return
		case err != nil:
			q.update(run.ID, func(r *Run) {
				r.Status = StatusFailed
				r.Error = err.Error()
				r.Summary = summary
			})
		default:
			q.update(run.ID, func(r *Run) {
				r.Status = StatusSuccess
				r.Error = ""
				r.Summary = summary
			})
		}
	}
}

// update applies fn to a run under the lock, releases the dedupe key once the
// run is terminal, prunes old runs and persists the result.
func (q *Queue) update(id string, fn func(r *Run)) {
	q.mu.Lock()
	run, ok := q.runs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	fn(run)
	run.UpdatedAt = time.Now()

	var pruned []string
	if !run.Status.IsActive() {
		if q.holders[run.DedupeKey] == run.ID {
			delete(q.holders, run.DedupeKey)
		}
		pruned = q.pruneLocked()
	}
	snapshot := cloneRun(run)
	q.mu.Unlock()

	q.save(snapshot)
	for _, prunedID := range pruned {
		if err := q.store.DeleteRun(context.Background(), prunedID); err != nil {
			log.Error("Failed to delete pruned run %s: %v", prunedID, err)
		}
	}
}

// pruneLocked drops the least recently updated terminal runs until at most
// maxRuns remain. It returns the removed IDs when a store needs updating.
func (q *Queue) pruneLocked() []string {
	excess := len(q.runs) - q.maxRuns
	if q.maxRuns <= 0 || excess <= 0 {
		return nil
	}

	var finished []*Run
	for _, run := range q.runs {
		if !run.Status.IsActive() {
			finished = append(finished, run)
		}
	}
	slices.SortFunc(finished, func(a, b *Run) int {
		return cmp.Or(a.UpdatedAt.Compare(b.UpdatedAt), strings.Compare(a.ID, b.ID))
	})

	var pruned []string
	for _, run := range finished[:min(excess, len(finished))] {
		delete(q.runs, run.ID)
		if q.store != nil {
			pruned = append(pruned, run.ID)
		}
	}
	return pruned
}

func (q *Queue) recover() {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadRuns(context.Background())
	if err != nil {
		log.Error("Failed to load runs from store: %v", err)
		return
	}

	var requeued []*Run
	q.mu.Lock()
	for _, stored := range loaded {
		if stored == nil || stored.ID == "" {
			continue
		}
		run := cloneRun(stored)
		if run.Status == StatusRunning {
			run.Status = StatusPending
			run.UpdatedAt = time.Now()
			requeued = append(requeued, cloneRun(run))
		}
		q.runs[run.ID] = run
		if run.Status.IsActive() && run.DedupeKey != "" {
			q.holders[run.DedupeKey] = run.ID
		}
		if n, ok := runSequence(run.ID); ok && n > q.lastID {
			q.lastID = n
		}
	}
	q.mu.Unlock()

	for _, run := range requeued {
		q.save(run)
	}
	if len(loaded) > 0 {
		log.Info("Recovered %d runs from store (%d were running)", len(loaded), len(requeued))
	}
}

func runSequence(id string) (uint64, bool) {
	digits, ok := strings.CutPrefix(id, runIDPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	return n, err == nil
}

func (q *Queue) save(run *Run) {
	if q.store == nil {
		return
	}
	if err := q.store.UpsertRun(context.Background(), run); err != nil {
		log.Error("Failed to persist run %s: %v", run.ID, err)
	}
}

func cloneRun(run *Run) *Run {
	if run == nil {
		return nil
	}
	cp := *run
	cp.Payload.VocabularyIDs = slices.Clone(run.Payload.VocabularyIDs)
	if run.Summary != nil {
		summary := *run.Summary
		cp.Summary = &summary
	}
	return &cp
}
