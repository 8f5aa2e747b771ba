package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
)

type Stage string

const (
	Stage1 Stage = "stage1"
	Stage2 Stage = "stage2"
)

func (s Stage) String() string {
	return string(s)
}

// Scope selects which entries Clear removes.
type Scope string

const (
	ScopeAll    Scope = "all"
	ScopeStage1 Scope = "stage1"
	ScopeStage2 Scope = "stage2"
)

func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return ScopeAll, nil
	case "stage1":
		return ScopeStage1, nil
	case "stage2":
		return ScopeStage2, nil
	default:
		return "", errs.Newf(errs.ErrValidation, "unknown cache scope %q", s)
	}
}

// Includes reports whether entries of stage fall inside the scope.
func (s Scope) Includes(stage Stage) bool {
	switch s {
	case ScopeAll:
		return true
	case ScopeStage1:
		return stage == Stage1
	case ScopeStage2:
		return stage == Stage2
	default:
		return false
	}
}

// Entry is one memoized result. Payload holds the JSON-encoded stage result.
type Entry struct {
	Stage        Stage     `json:"stage"`
	Key          string    `json:"cache_key"`
	VocabularyID int64     `json:"vocabulary_id"`
	Stage1Key    string    `json:"stage1_cache_key,omitempty"`
	RequestHash  string    `json:"request_hash,omitempty"`
	Payload      []byte    `json:"payload"`
	FlatRow      string    `json:"tsv_output,omitempty"`
	TokenCount   int       `json:"token_count"`
	Model        string    `json:"model_used,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	AccessedAt   time.Time `json:"accessed_at"`
	AccessCount  int64     `json:"access_count"`
}

func (e *Entry) validate() error {
	if e == nil {
		return errs.New(errs.ErrValidation, "cache entry is nil")
	}
	if e.Key == "" {
		return errs.New(errs.ErrValidation, "cache entry key is empty")
	}
	if e.Stage != Stage1 && e.Stage != Stage2 {
		return errs.Newf(errs.ErrValidation, "unknown cache stage %q", e.Stage)
	}
	return nil
}

// Counts are the raw aggregates a Repository keeps.
type Counts struct {
	Stage1Entries int64
	Stage2Entries int64
	Hits          int64
	Misses        int64
	TokensSaved   int64
}

// Repository is the storage seam behind Manager.
//
// Get returns (nil, nil) on a miss and refreshes access statistics on a hit.
// Peek is Get without side effects. Put is an idempotent upsert by key.
type Repository interface {
	Get(ctx context.Context, stage Stage, key string) (*Entry, error)
	Peek(ctx context.Context, stage Stage, key string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	RecordLookup(ctx context.Context, stage Stage, hit bool, tokensSaved int) error
	Counts(ctx context.Context) (Counts, error)
	Clear(ctx context.Context, scope Scope) (int64, error)
}

type Stats struct {
	Stage1Entries      int64   `json:"stage1_entries"`
	Stage2Entries      int64   `json:"stage2_entries"`
	TotalEntries       int64   `json:"total_entries"`
	Hits               int64   `json:"hits"`
	Misses             int64   `json:"misses"`
	HitRate            float64 `json:"hit_rate"`
	TokensSaved        int64   `json:"tokens_saved"`
	EstimatedCostSaved float64 `json:"estimated_cost_saved"`
}

type WarmupStats struct {
	Total                int   `json:"total_items"`
	Stage1Cached         int   `json:"stage1_cached"`
	Stage1Missing        int   `json:"stage1_missing"`
	Stage2Cached         int   `json:"stage2_cached"`
	Stage2Missing        int   `json:"stage2_missing"`
	EstimatedTokensSaved int64 `json:"estimated_tokens_saved"`
}

func (w WarmupStats) String() string {
	return fmt.Sprintf("%d items: stage1 %d cached/%d missing, stage2 %d cached/%d missing",
		w.Total, w.Stage1Cached, w.Stage1Missing, w.Stage2Cached, w.Stage2Missing)
}
