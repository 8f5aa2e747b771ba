package persistence

import (
	"context"
	"database/sql"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/jobs"
)

const tableRuns = "pipeline_runs"

var _ jobs.Store = (*SQLiteStore)(nil)

var runColumns = []string{
	"id", "source", "dedupe_key", "batch_id", "payload_json", "status", "error",
	"summary_json", "created_at", "updated_at",
}

func (s *SQLiteStore) LoadRuns(ctx context.Context) ([]*jobs.Run, error) {
	rows, err := queryBuilder(ctx, s.db, sq.Select(runColumns...).
		From(tableRuns).
		OrderBy("created_at ASC", "id ASC"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Run, 0)
	for rows.Next() {
		var run jobs.Run
		var batchID, payload, status string
		var summary sql.NullString
		if err := rows.Scan(
			&run.ID,
			&run.Source,
			&run.DedupeKey,
			&batchID,
			&payload,
			&status,
			&run.Error,
			&summary,
			&run.CreatedAt,
			&run.UpdatedAt,
		); err != nil {
			return nil, dbError(err)
		}
		if err := json.Unmarshal([]byte(payload), &run.Payload); err != nil {
			return nil, errs.NewWithCause(errs.ErrSerialization, "decode run payload "+run.ID, err)
		}
		if summary.Valid && summary.String != "" {
			run.Summary = &jobs.Summary{}
			if err := json.Unmarshal([]byte(summary.String), run.Summary); err != nil {
				return nil, errs.NewWithCause(errs.ErrSerialization, "decode run summary "+run.ID, err)
			}
		}
		run.Status = jobs.Status(status)
		ret = append(ret, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}
	return ret, nil
}

func (s *SQLiteStore) UpsertRun(ctx context.Context, run *jobs.Run) error {
	if run == nil {
		return errs.New(errs.ErrValidation, "run is nil")
	}
	payload, err := json.Marshal(run.Payload)
	if err != nil {
		return errs.NewWithCause(errs.ErrSerialization, "encode run payload", err)
	}
	var summary sql.NullString
	if run.Summary != nil {
		raw, err := json.Marshal(run.Summary)
		if err != nil {
			return errs.NewWithCause(errs.ErrSerialization, "encode run summary", err)
		}
		summary = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = execBuilder(ctx, s.db, sq.Insert(tableRuns).
		Columns(runColumns...).
		Values(
			run.ID,
			run.Source,
			run.DedupeKey,
			run.Payload.BatchID,
			string(payload),
			string(run.Status),
			run.Error,
			summary,
			run.CreatedAt.UTC(),
			run.UpdatedAt.UTC(),
		).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			source=excluded.source,
			dedupe_key=excluded.dedupe_key,
			batch_id=excluded.batch_id,
			payload_json=excluded.payload_json,
			status=excluded.status,
			error=excluded.error,
			summary_json=excluded.summary_json,
			updated_at=excluded.updated_at`))
	return err
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	_, err := execBuilder(ctx, s.db, sq.Delete(tableRuns).Where(sq.Eq{"id": runID}))
	return err
}
