package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps entries and counters in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[Stage]map[string]*Entry
	counts  map[Stage]*Counts
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		entries: map[Stage]map[string]*Entry{
			Stage1: {},
			Stage2: {},
		},
		counts: map[Stage]*Counts{
			Stage1: {},
			Stage2: {},
		},
	}
}

func (r *MemoryRepository) Get(_ context.Context, stage Stage, key string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[stage][key]
	if !ok {
		return nil, nil
	}
	entry.AccessCount++
	entry.AccessedAt = time.Now().UTC()
	return cloneEntry(entry), nil
}

func (r *MemoryRepository) Peek(_ context.Context, stage Stage, key string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[stage][key]
	if !ok {
		return nil, nil
	}
	return cloneEntry(entry), nil
}

func (r *MemoryRepository) Put(_ context.Context, entry *Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := cloneEntry(entry)
	if stored.AccessedAt.IsZero() {
		stored.AccessedAt = stored.CreatedAt
	}
	if existing, ok := r.entries[entry.Stage][entry.Key]; ok {
		stored.AccessCount = existing.AccessCount
	}
	r.entries[entry.Stage][entry.Key] = stored
	return nil
}

func (r *MemoryRepository) RecordLookup(_ context.Context, stage Stage, hit bool, tokensSaved int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counts[stage]
	if !ok {
		return nil
	}
	if hit {
		c.Hits++
		c.TokensSaved += int64(tokensSaved)
	} else {
		c.Misses++
	}
	return nil
}

func (r *MemoryRepository) Counts(_ context.Context) (Counts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ret Counts
	for _, c := range r.counts {
		ret.Hits += c.Hits
		ret.Misses += c.Misses
		ret.TokensSaved += c.TokensSaved
	}
	ret.Stage1Entries = int64(len(r.entries[Stage1]))
	ret.Stage2Entries = int64(len(r.entries[Stage2]))
	return ret, nil
}

func (r *MemoryRepository) Clear(_ context.Context, scope Scope) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for stage, m := range r.entries {
		if !scope.Includes(stage) {
			continue
		}
		removed += int64(len(m))
		r.entries[stage] = map[string]*Entry{}
	}
	return removed, nil
}

func cloneEntry(e *Entry) *Entry {
	if e == nil {
		return nil
	}
	tmp := *e
	tmp.Payload = append([]byte(nil), e.Payload...)
	return &tmp
}
