package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
)

// MemoryStore is an in-process Store. It follows the same transition rules
// as the SQL store and is safe for concurrent use.
type MemoryStore struct {
	maxRetries int

	mu          sync.RWMutex
	items       map[int64]*Item
	batches     map[string]*Batch
	checkpoints map[string][]*Checkpoint
	idCounter   int64
	cpCounter   int64
	now         func() time.Time
}

func NewMemoryStore(maxRetries int) *MemoryStore {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &MemoryStore{
		maxRetries:  maxRetries,
		items:       make(map[int64]*Item),
		batches:     make(map[string]*Batch),
		checkpoints: make(map[string][]*Checkpoint),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) EnqueueBatch(_ context.Context, vocabularyIDs []int64, batchID string) (int, error) {
	if batchID == "" {
		return 0, errs.New(errs.ErrValidation, "batch id is required")
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batchID]; exists {
		return 0, errs.Newf(errs.ErrValidation, "batch %s already exists", batchID)
	}
	s.batches[batchID] = &Batch{
		ID:         batchID,
		TotalItems: len(vocabularyIDs),
		Status:     BatchPending,
		StartTime:  now,
	}
	for _, vid := range vocabularyIDs {
		s.idCounter++
		s.items[s.idCounter] = &Item{
			ID:           s.idCounter,
			VocabularyID: vid,
			BatchID:      batchID,
			Status:       StatusPending,
			Stage:        Stage1,
			MaxRetries:   s.maxRetries,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	return len(vocabularyIDs), nil
}

func (s *MemoryStore) GetNextPending(_ context.Context, batchID string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneItem(s.nextPendingLocked(batchID)), nil
}

func (s *MemoryStore) ClaimNextPending(_ context.Context, batchID string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.nextPendingLocked(batchID)
	if item == nil {
		return nil, nil
	}
	ApplyStatus(item, StatusInProgress, "", s.now())
	s.markBatchStartedLocked(item.BatchID)
	return cloneItem(item), nil
}

func (s *MemoryStore) nextPendingLocked(batchID string) *Item {
	var best *Item
	for _, item := range s.items {
		if item.Status != StatusPending {
			continue
		}
		if batchID != "" && item.BatchID != batchID {
			continue
		}
		if best == nil || item.CreatedAt.Before(best.CreatedAt) ||
			(item.CreatedAt.Equal(best.CreatedAt) && item.ID < best.ID) {
			best = item
		}
	}
	return best
}

func (s *MemoryStore) UpdateStatus(_ context.Context, itemID int64, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return errs.Newf(errs.ErrQueue, "queue item %d not found", itemID)
	}
	if err := CheckStatusChange(item.Status, status); err != nil {
		return err
	}
	ApplyStatus(item, status, errMsg, s.now())
	if status == StatusInProgress {
		s.markBatchStartedLocked(item.BatchID)
	}
	if status.IsTerminal() {
		s.refreshBatchLocked(item.BatchID)
	}
	return nil
}

func (s *MemoryStore) CompleteStage(_ context.Context, itemID int64) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return nil, errs.Newf(errs.ErrQueue, "queue item %d not found", itemID)
	}
	if err := AdvanceStage(item, s.now()); err != nil {
		return nil, err
	}
	if item.Status.IsTerminal() {
		s.refreshBatchLocked(item.BatchID)
	}
	return cloneItem(item), nil
}

func (s *MemoryStore) IncrementRetry(_ context.Context, itemID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return false, errs.Newf(errs.ErrQueue, "queue item %d not found", itemID)
	}
	eligible, err := Retry(item, s.now())
	if err != nil {
		return false, err
	}
	if item.Status.IsTerminal() {
		s.refreshBatchLocked(item.BatchID)
	}
	return eligible, nil
}

func (s *MemoryStore) GetBatchProgress(_ context.Context, batchID string) (*Progress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, errs.Newf(errs.ErrValidation, "batch %s not found", batchID)
	}
	p := ComputeProgress(batchID, batch.StartTime, s.countsLocked(batchID), s.now())
	return &p, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	if cp == nil || cp.BatchID == "" {
		return errs.New(errs.ErrValidation, "checkpoint requires a batch id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cpCounter++
	stored := *cp
	stored.ID = s.cpCounter
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.Data = append([]byte(nil), cp.Data...)
	s.checkpoints[cp.BatchID] = append(s.checkpoints[cp.BatchID], &stored)
	cp.ID = stored.ID
	cp.CreatedAt = stored.CreatedAt
	return nil
}

func (s *MemoryStore) GetLatestCheckpoint(_ context.Context, batchID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.checkpoints[batchID]
	if len(list) == 0 {
		return nil, nil
	}
	tmp := *list[len(list)-1]
	return &tmp, nil
}

func (s *MemoryStore) GetItem(_ context.Context, itemID int64) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneItem(s.items[itemID]), nil
}

func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, nil
	}
	tmp := *batch
	return &tmp, nil
}

func (s *MemoryStore) ListBatchItems(_ context.Context, batchID string) ([]*Item, error) {
	return s.list(batchID, func(*Item) bool { return true }), nil
}

func (s *MemoryStore) ListIncomplete(_ context.Context, batchID string) ([]*Item, error) {
	return s.list(batchID, func(item *Item) bool {
		return item.Status != StatusCompleted && item.Status != StatusQuarantined
	}), nil
}

func (s *MemoryStore) ResetStale(_ context.Context, batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, item := range s.items {
		if item.BatchID == batchID && item.Status == StatusInProgress {
			item.Status = StatusPending
			item.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListResumableBatches(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, item := range s.items {
		switch item.Status {
		case StatusPending, StatusInProgress:
			seen[item.BatchID] = struct{}{}
		}
	}
	ret := make([]string, 0, len(seen))
	for id := range seen {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret, nil
}

func (s *MemoryStore) list(batchID string, keep func(*Item) bool) []*Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make([]*Item, 0)
	for _, item := range s.items {
		if item.BatchID == batchID && keep(item) {
			ret = append(ret, cloneItem(item))
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

func (s *MemoryStore) countsLocked(batchID string) Counts {
	var c Counts
	for _, item := range s.items {
		if item.BatchID == batchID {
			c.Add(item.Status)
		}
	}
	return c
}

func (s *MemoryStore) markBatchStartedLocked(batchID string) {
	if batch, ok := s.batches[batchID]; ok && batch.Status == BatchPending {
		batch.Status = BatchInProgress
	}
}

func (s *MemoryStore) refreshBatchLocked(batchID string) {
	batch, ok := s.batches[batchID]
	if !ok {
		return
	}
	now := s.now()
	p := ComputeProgress(batchID, batch.StartTime, s.countsLocked(batchID), now)
	batch.CompletedItems = p.CompletedItems
	batch.FailedItems = p.FailedItems
	batch.QuarantinedItems = p.QuarantinedItems
	batch.Status = BatchStatusFor(p)
	if p.IsComplete {
		batch.EndTime = &now
	} else {
		batch.EndTime = nil
	}
}

func cloneItem(item *Item) *Item {
	if item == nil {
		return nil
	}
	tmp := *item
	return &tmp
}
