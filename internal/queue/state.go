package queue

import (
	"time"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
)

// NextStage is the complete_stage transition: Stage1 moves to (Stage2, Pending),
// Stage2 moves to (Complete, Completed). Anything else has no transition.
func NextStage(current Stage) (Stage, Status, error) {
	switch current {
	case Stage1:
		return Stage2, StatusPending, nil
	case Stage2:
		return StageComplete, StatusCompleted, nil
	case StageComplete:
		return "", "", errs.New(errs.ErrValidation, "item has already completed all stages")
	default:
		return "", "", errs.Newf(errs.ErrValidation, "no stage transition from %q", current)
	}
}

// CheckStatusChange rejects transitions out of Quarantined and unknown targets.
func CheckStatusChange(current, next Status) error {
	if _, err := ParseStatus(string(next)); err != nil {
		return err
	}
	if current == StatusQuarantined {
		return errs.New(errs.ErrValidation, "item is quarantined")
	}
	return nil
}

// RetryOutcome decides the status after a retry increment.
// eligible is false once newCount reaches maxRetries.
func RetryOutcome(newCount, maxRetries int) (status Status, eligible bool) {
	if newCount >= maxRetries {
		return StatusQuarantined, false
	}
	return StatusPending, true
}

// ApplyStatus mutates item for a status change at now.
func ApplyStatus(item *Item, status Status, errMsg string, now time.Time) {
	item.Status = status
	item.UpdatedAt = now
	switch status {
	case StatusInProgress:
		item.StartedAt = &now
	case StatusCompleted:
		item.CompletedAt = &now
		item.ErrorMessage = ""
	}
	if errMsg != "" {
		item.ErrorMessage = errMsg
	}
}

// AdvanceStage applies complete_stage to item in place.
func AdvanceStage(item *Item, now time.Time) error {
	if item.Status == StatusQuarantined {
		return errs.New(errs.ErrValidation, "item is quarantined")
	}
	stage, status, err := NextStage(item.Stage)
	if err != nil {
		return err
	}
	item.Stage = stage
	ApplyStatus(item, status, "", now)
	return nil
}

// Retry applies increment_retry to item in place and reports whether the
// item is still eligible for another attempt.
func Retry(item *Item, now time.Time) (bool, error) {
	if item.Status == StatusQuarantined {
		return false, errs.New(errs.ErrValidation, "item is quarantined")
	}
	item.RetryCount++
	status, eligible := RetryOutcome(item.RetryCount, item.MaxRetries)
	ApplyStatus(item, status, "", now)
	return eligible, nil
}

// Counts tallies item statuses for one batch.
type Counts struct {
	Pending     int
	InProgress  int
	Completed   int
	Failed      int
	Quarantined int
}

func (c *Counts) Add(s Status) {
	switch s {
	case StatusPending:
		c.Pending++
	case StatusInProgress:
		c.InProgress++
	case StatusCompleted:
		c.Completed++
	case StatusFailed:
		c.Failed++
	case StatusQuarantined:
		c.Quarantined++
	}
}

func (c Counts) Total() int {
	return c.Pending + c.InProgress + c.Completed + c.Failed + c.Quarantined
}

// ComputeProgress derives a Progress snapshot. Throughput and ETA are only
// set once at least one item has completed.
func ComputeProgress(batchID string, start time.Time, c Counts, now time.Time) Progress {
	p := Progress{
		BatchID:          batchID,
		TotalItems:       c.Total(),
		CompletedItems:   c.Completed,
		FailedItems:      c.Failed,
		QuarantinedItems: c.Quarantined,
		PendingItems:     c.Pending,
		InProgressItems:  c.InProgress,
		StartTime:        start,
	}
	if p.TotalItems > 0 {
		p.PercentComplete = float64(p.CompletedItems) / float64(p.TotalItems) * 100
	}
	p.IsComplete = p.PendingItems == 0 && p.InProgressItems == 0

	elapsed := now.Sub(start).Seconds()
	if p.CompletedItems > 0 && elapsed > 0 {
		p.Throughput = float64(p.CompletedItems) / elapsed
		remaining := time.Duration(float64(p.PendingItems) / p.Throughput * float64(time.Second))
		eta := now.Add(remaining)
		p.ETA = &eta
	}
	return p
}

// BatchStatusFor maps progress onto the batch metadata status.
func BatchStatusFor(p Progress) BatchStatus {
	switch {
	case p.TotalItems == 0:
		return BatchCompleted
	case p.IsComplete && p.FailedItems+p.QuarantinedItems > 0:
		return BatchPartial
	case p.IsComplete:
		return BatchCompleted
	case p.CompletedItems+p.FailedItems+p.QuarantinedItems+p.InProgressItems == 0:
		return BatchPending
	default:
		return BatchInProgress
	}
}
