package vocab

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository used by tests and the
// in-memory pipeline wiring.
type MemoryRepository struct {
	mu     sync.RWMutex
	items  map[int64]*Item
	nextID int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[int64]*Item)}
}

// CreateItems stores items, assigning IDs to those without one.
func (r *MemoryRepository) CreateItems(_ context.Context, items []*Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, item := range items {
		if item == nil {
			return fmt.Errorf("nil item")
		}
		if item.ID == 0 {
			r.nextID++
			item.ID = r.nextID
		} else if item.ID > r.nextID {
			r.nextID = item.ID
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.UpdatedAt = now
		tmp := *item
		r.items[item.ID] = &tmp
	}
	return nil
}

func (r *MemoryRepository) GetItem(_ context.Context, id int64) (*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[id]
	if !ok {
		return nil, nil
	}
	tmp := *item
	return &tmp, nil
}

// GetItems returns the items found, in the order of ids. Missing ids are skipped.
func (r *MemoryRepository) GetItems(_ context.Context, ids []int64) ([]*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]*Item, 0, len(ids))
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			tmp := *item
			ret = append(ret, &tmp)
		}
	}
	return ret, nil
}
