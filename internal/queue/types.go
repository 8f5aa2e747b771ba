package queue

import (
	"encoding/json"
	"time"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
)

// DefaultMaxRetries is applied to items enqueued without an explicit limit.
const DefaultMaxRetries = 3

type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusQuarantined Status = "quarantined"
)

// ParseStatus maps a stored string to a Status. Unknown strings are a
// Validation error, never a default.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusQuarantined:
		return Status(s), nil
	default:
		return "", errs.Newf(errs.ErrValidation, "unknown queue status %q", s)
	}
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusQuarantined:
		return true
	default:
		return false
	}
}

type Stage string

const (
	Stage1        Stage = "stage1"
	Stage2        Stage = "stage2"
	StageComplete Stage = "complete"
)

func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case Stage1, Stage2, StageComplete:
		return Stage(s), nil
	default:
		return "", errs.Newf(errs.ErrValidation, "unknown queue stage %q", s)
	}
}

// Item is one (vocabulary item, batch) row.
type Item struct {
	ID           int64      `json:"id"`
	VocabularyID int64      `json:"vocabulary_id"`
	BatchID      string     `json:"batch_id"`
	Status       Status     `json:"status"`
	Stage        Stage      `json:"stage"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchPartial    BatchStatus = "partial"
)

func ParseBatchStatus(s string) (BatchStatus, error) {
	switch BatchStatus(s) {
	case BatchPending, BatchInProgress, BatchCompleted, BatchPartial:
		return BatchStatus(s), nil
	default:
		return "", errs.Newf(errs.ErrValidation, "unknown batch status %q", s)
	}
}

// Batch is the stored batch metadata row.
type Batch struct {
	ID               string      `json:"batch_id"`
	TotalItems       int         `json:"total_items"`
	CompletedItems   int         `json:"completed_items"`
	FailedItems      int         `json:"failed_items"`
	QuarantinedItems int         `json:"quarantined_items"`
	Status           BatchStatus `json:"status"`
	StartTime        time.Time   `json:"start_time"`
	EndTime          *time.Time  `json:"end_time,omitempty"`
}

// Progress is derived from the item rows of one batch.
type Progress struct {
	BatchID          string     `json:"batch_id"`
	TotalItems       int        `json:"total_items"`
	CompletedItems   int        `json:"completed_items"`
	FailedItems      int        `json:"failed_items"`
	QuarantinedItems int        `json:"quarantined_items"`
	PendingItems     int        `json:"pending_items"`
	InProgressItems  int        `json:"in_progress_items"`
	StartTime        time.Time  `json:"start_time"`
	Throughput       float64    `json:"throughput"`
	ETA              *time.Time `json:"eta,omitempty"`
	PercentComplete  float64    `json:"percent_complete"`
	IsComplete       bool       `json:"is_complete"`
}

// Checkpoint is an append-only resume marker.
type Checkpoint struct {
	ID              int64           `json:"id"`
	BatchID         string          `json:"batch_id"`
	LastProcessedID int64           `json:"last_processed_id"`
	Stage           Stage           `json:"stage"`
	Data            json.RawMessage `json:"checkpoint_data,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
