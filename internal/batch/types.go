package batch

import (
	"time"

	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
)

const (
	DefaultMaxConcurrent      = 5
	DefaultCheckpointInterval = 10
	DefaultReportInterval     = 5 * time.Second
	// DefaultProgressRetention is how long a finished run stays in the live view.
	DefaultProgressRetention = 10 * time.Minute
)

// Success is an item that reached Completed.
type Success struct {
	Item   *vocab.Item         `json:"item"`
	Result *vocab.Stage2Result `json:"result"`
	// CacheHit is set only when both stages were served from the cache.
	CacheHit bool `json:"cache_hit"`
}

// Failure is an item that did not reach Completed in this run.
type Failure struct {
	Item        *vocab.Item `json:"item"`
	Error       string      `json:"error"`
	Quarantined bool        `json:"quarantined"`
}

type Result struct {
	BatchID        string        `json:"batch_id"`
	Successful     []Success     `json:"successful"`
	Failed         []Failure     `json:"failed"`
	TotalProcessed int           `json:"total_processed"`
	CacheHits      int           `json:"cache_hits"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Progress is the advisory live view of one run. The queue store stays
// authoritative.
type Progress struct {
	BatchID   string    `json:"batch_id"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Cached    int       `json:"cached"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Done      bool      `json:"done"`
}

func (p Progress) Processed() int {
	return p.Completed + p.Failed
}

type checkpointData struct {
	Event     string `json:"event"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Cached    int    `json:"cached"`
	Failed    int    `json:"failed"`
}
