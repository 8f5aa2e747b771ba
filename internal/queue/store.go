package queue

import "context"

// Store is the durable queue state machine. Item rows are authoritative;
// batch metadata and checkpoints are derived or advisory.
type Store interface {
	// EnqueueBatch creates the batch row and one Pending/Stage1 item per id
	// atomically and returns the number of items created.
	EnqueueBatch(ctx context.Context, vocabularyIDs []int64, batchID string) (int, error)
	// GetNextPending returns the oldest Pending item, scoped to batchID when
	// it is non-empty, or nil. It does not claim the row.
	GetNextPending(ctx context.Context, batchID string) (*Item, error)
	// ClaimNextPending is GetNextPending plus a transition to InProgress in
	// one step, so two callers never receive the same row.
	ClaimNextPending(ctx context.Context, batchID string) (*Item, error)
	UpdateStatus(ctx context.Context, itemID int64, status Status, errMsg string) error
	// CompleteStage advances the item's stage and returns the updated row.
	CompleteStage(ctx context.Context, itemID int64) (*Item, error)
	// IncrementRetry returns true while the item is still eligible for retry.
	IncrementRetry(ctx context.Context, itemID int64) (bool, error)
	GetBatchProgress(ctx context.Context, batchID string) (*Progress, error)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetLatestCheckpoint(ctx context.Context, batchID string) (*Checkpoint, error)

	GetItem(ctx context.Context, itemID int64) (*Item, error)
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	ListBatchItems(ctx context.Context, batchID string) ([]*Item, error)
	// ListIncomplete returns items that are neither Completed nor Quarantined.
	ListIncomplete(ctx context.Context, batchID string) ([]*Item, error)
	// ResetStale moves InProgress items of a batch back to Pending.
	ResetStale(ctx context.Context, batchID string) (int, error)
	// ListResumableBatches returns batches that still have Pending or
	// InProgress items. Failed items only come back through an explicit resume.
	ListResumableBatches(ctx context.Context) ([]string, error)
}
