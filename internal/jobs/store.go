package jobs

import "context"

// Store persists run states for queue restart recovery.
type Store interface {
	LoadRuns(ctx context.Context) ([]*Run, error)
	UpsertRun(ctx context.Context, run *Run) error
	DeleteRun(ctx context.Context, runID string) error
}
