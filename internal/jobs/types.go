// Package jobs runs batch submissions and resumes in the background, one
// run per batch at a time.
package jobs

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

type Kind string

const (
	KindProcess Kind = "process"
	KindResume  Kind = "resume"
)

type EnqueueRequest struct {
	Source    string
	DedupeKey string
	Payload   RunPayload
}

type RunPayload struct {
	Kind          Kind    `json:"kind"`
	BatchID       string  `json:"batch_id"`
	VocabularyIDs []int64 `json:"vocabulary_ids,omitempty"`
}

// Summary is the outcome of a finished run.
type Summary struct {
	TotalProcessed int   `json:"total_processed"`
	Successful     int   `json:"successful"`
	Failed         int   `json:"failed"`
	CacheHits      int   `json:"cache_hits"`
	ElapsedMS      int64 `json:"elapsed_ms"`
}

type Run struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	DedupeKey string     `json:"dedupe_key"`
	Payload   RunPayload `json:"payload"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	Summary   *Summary   `json:"summary,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
