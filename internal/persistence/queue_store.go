package persistence

import (
	"context"
	"database/sql"
	"errors"
	"slices"

	sq "github.com/Masterminds/squirrel"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/queue"
)

// enqueueChunkRows keeps one insert at 4000 variables, well under SQLite's
// 32766 limit.
const enqueueChunkRows = 500

// EnqueueBatch writes the batch row and all of its items in one transaction.
func (s *SQLiteStore) EnqueueBatch(ctx context.Context, vocabularyIDs []int64, batchID string) (int, error) {
	if batchID == "" {
		return 0, errs.New(errs.ErrValidation, "batch id is required")
	}
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO batch_metadata (batch_id, total_items, status, start_time)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(batch_id) DO NOTHING`,
			batchID,
			len(vocabularyIDs),
			string(queue.BatchPending),
			now,
		)
		if err != nil {
			return dbError(err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return dbError(err)
		} else if n == 0 {
			return errs.Newf(errs.ErrValidation, "batch %s already exists", batchID)
		}
		if len(vocabularyIDs) == 0 {
			return nil
		}

		// SQLite caps bound variables per statement, so rows go in chunks
		// inside the same transaction.
		for chunk := range slices.Chunk(vocabularyIDs, enqueueChunkRows) {
			insert := sq.Insert(tableQueue).Columns(
				"vocabulary_id", "batch_id", "status", "stage", "retry_count", "max_retries", "created_at", "updated_at",
			)
			for _, vid := range chunk {
				insert = insert.Values(vid, batchID, string(queue.StatusPending), string(queue.Stage1), 0, s.maxRetries, now, now)
			}
			if _, err := execBuilder(ctx, tx, insert); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(vocabularyIDs), nil
}

func (s *SQLiteStore) GetNextPending(ctx context.Context, batchID string) (*queue.Item, error) {
	return s.nextPending(ctx, s.db, batchID)
}

func (s *SQLiteStore) ClaimNextPending(ctx context.Context, batchID string) (*queue.Item, error) {
	var claimed *queue.Item
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := s.nextPending(ctx, tx, batchID)
		if err != nil || item == nil {
			return err
		}
		queue.ApplyStatus(item, queue.StatusInProgress, "", s.now())
		if err := saveItem(ctx, tx, item); err != nil {
			return err
		}
		if err := markBatchStarted(ctx, tx, item.BatchID); err != nil {
			return err
		}
		claimed = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteStore) nextPending(ctx context.Context, q queryer, batchID string) (*queue.Item, error) {
	where := sq.Eq{"status": string(queue.StatusPending)}
	if batchID != "" {
		where["batch_id"] = batchID
	}
	items, err := listItems(ctx, q, sq.Select(queueColumns...).
		From(tableQueue).
		Where(where).
		OrderBy("created_at ASC", "id ASC").
		Limit(1))
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, itemID int64, status queue.Status, errMsg string) error {
	return s.mutateItem(ctx, itemID, func(item *queue.Item) error {
		if err := queue.CheckStatusChange(item.Status, status); err != nil {
			return err
		}
		queue.ApplyStatus(item, status, errMsg, s.now())
		return nil
	})
}

func (s *SQLiteStore) CompleteStage(ctx context.Context, itemID int64) (*queue.Item, error) {
	var ret *queue.Item
	err := s.mutateItem(ctx, itemID, func(item *queue.Item) error {
		if err := queue.AdvanceStage(item, s.now()); err != nil {
			return err
		}
		ret = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) IncrementRetry(ctx context.Context, itemID int64) (bool, error) {
	var eligible bool
	err := s.mutateItem(ctx, itemID, func(item *queue.Item) error {
		ok, err := queue.Retry(item, s.now())
		eligible = ok
		return err
	})
	return eligible, err
}

// mutateItem loads one row, applies fn and writes it back together with
// any batch metadata the change implies.
func (s *SQLiteStore) mutateItem(ctx context.Context, itemID int64, fn func(item *queue.Item) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := getItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if item == nil {
			return errs.Newf(errs.ErrQueue, "queue item %d not found", itemID)
		}
		if err := fn(item); err != nil {
			return err
		}
		if err := saveItem(ctx, tx, item); err != nil {
			return err
		}
		if item.Status == queue.StatusInProgress {
			if err := markBatchStarted(ctx, tx, item.BatchID); err != nil {
				return err
			}
		}
		if item.Status.IsTerminal() {
			return s.refreshBatch(ctx, tx, item.BatchID)
		}
		return nil
	})
}

func (s *SQLiteStore) GetBatchProgress(ctx context.Context, batchID string) (*queue.Progress, error) {
	batch, err := getBatch(ctx, s.db, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, errs.Newf(errs.ErrValidation, "batch %s not found", batchID)
	}
	counts, err := batchCounts(ctx, s.db, batchID)
	if err != nil {
		return nil, err
	}
	p := queue.ComputeProgress(batchID, batch.StartTime, counts, s.now())
	return &p, nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *queue.Checkpoint) error {
	if cp == nil || cp.BatchID == "" {
		return errs.New(errs.ErrValidation, "checkpoint requires a batch id")
	}
	createdAt := cp.CreatedAt.UTC()
	if cp.CreatedAt.IsZero() {
		createdAt = s.now()
	}
	var data sql.NullString
	if len(cp.Data) > 0 {
		data = sql.NullString{String: string(cp.Data), Valid: true}
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO processing_checkpoints (batch_id, last_processed_id, stage, checkpoint_data, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		cp.BatchID,
		cp.LastProcessedID,
		string(cp.Stage),
		data,
		createdAt,
	)
	if err != nil {
		return dbError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return dbError(err)
	}
	cp.ID = id
	cp.CreatedAt = createdAt
	return nil
}

func (s *SQLiteStore) GetLatestCheckpoint(ctx context.Context, batchID string) (*queue.Checkpoint, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, batch_id, last_processed_id, stage, checkpoint_data, created_at
		 FROM processing_checkpoints
		 WHERE batch_id = ?
		 ORDER BY id DESC
		 LIMIT 1`,
		batchID,
	)
	var cp queue.Checkpoint
	var stage string
	var data sql.NullString
	if err := row.Scan(&cp.ID, &cp.BatchID, &cp.LastProcessedID, &stage, &data, &cp.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbError(err)
	}
	parsedStage, err := queue.ParseStage(stage)
	if err != nil {
		return nil, err
	}
	cp.Stage = parsedStage
	if data.Valid {
		cp.Data = []byte(data.String)
	}
	return &cp, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, itemID int64) (*queue.Item, error) {
	return getItem(ctx, s.db, itemID)
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*queue.Batch, error) {
	return getBatch(ctx, s.db, batchID)
}

func (s *SQLiteStore) ListBatchItems(ctx context.Context, batchID string) ([]*queue.Item, error) {
	return listItems(ctx, s.db, sq.Select(queueColumns...).
		From(tableQueue).
		Where(sq.Eq{"batch_id": batchID}).
		OrderBy("id ASC"))
}

func (s *SQLiteStore) ListIncomplete(ctx context.Context, batchID string) ([]*queue.Item, error) {
	return listItems(ctx, s.db, sq.Select(queueColumns...).
		From(tableQueue).
		Where(sq.And{
			sq.Eq{"batch_id": batchID},
			sq.NotEq{"status": []string{string(queue.StatusCompleted), string(queue.StatusQuarantined)}},
		}).
		OrderBy("id ASC"))
}

func (s *SQLiteStore) ResetStale(ctx context.Context, batchID string) (int, error) {
	res, err := execBuilder(ctx, s.db, sq.Update(tableQueue).
		Set("status", string(queue.StatusPending)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"batch_id": batchID, "status": string(queue.StatusInProgress)}))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError(err)
	}
	return int(n), nil
}

func (s *SQLiteStore) ListResumableBatches(ctx context.Context) ([]string, error) {
	rows, err := queryBuilder(ctx, s.db, sq.Select("batch_id").
		Distinct().
		From(tableQueue).
		Where(sq.Eq{"status": []string{
			string(queue.StatusPending),
			string(queue.StatusInProgress),
		}}).
		OrderBy("batch_id ASC"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbError(err)
		}
		ret = append(ret, id)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}
	return ret, nil
}

func (s *SQLiteStore) refreshBatch(ctx context.Context, tx *sql.Tx, batchID string) error {
	batch, err := getBatch(ctx, tx, batchID)
	if err != nil || batch == nil {
		return err
	}
	counts, err := batchCounts(ctx, tx, batchID)
	if err != nil {
		return err
	}
	now := s.now()
	p := queue.ComputeProgress(batchID, batch.StartTime, counts, now)
	update := sq.Update(tableBatches).
		Set("completed_items", p.CompletedItems).
		Set("failed_items", p.FailedItems).
		Set("quarantined_items", p.QuarantinedItems).
		Set("status", string(queue.BatchStatusFor(p))).
		Where(sq.Eq{"batch_id": batchID})
	if p.IsComplete {
		update = update.Set("end_time", now)
	} else {
		update = update.Set("end_time", nil)
	}
	_, err = execBuilder(ctx, tx, update)
	return err
}

func markBatchStarted(ctx context.Context, q queryer, batchID string) error {
	_, err := execBuilder(ctx, q, sq.Update(tableBatches).
		Set("status", string(queue.BatchInProgress)).
		Where(sq.Eq{"batch_id": batchID, "status": string(queue.BatchPending)}))
	return err
}

func batchCounts(ctx context.Context, q queryer, batchID string) (queue.Counts, error) {
	var counts queue.Counts
	rows, err := q.QueryContext(
		ctx,
		`SELECT status, COUNT(*) FROM processing_queue WHERE batch_id = ? GROUP BY status`,
		batchID,
	)
	if err != nil {
		return counts, dbError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, dbError(err)
		}
		parsed, err := queue.ParseStatus(status)
		if err != nil {
			return counts, err
		}
		switch parsed {
		case queue.StatusPending:
			counts.Pending = n
		case queue.StatusInProgress:
			counts.InProgress = n
		case queue.StatusCompleted:
			counts.Completed = n
		case queue.StatusFailed:
			counts.Failed = n
		case queue.StatusQuarantined:
			counts.Quarantined = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, dbError(err)
	}
	return counts, nil
}

func getBatch(ctx context.Context, q queryer, batchID string) (*queue.Batch, error) {
	row := q.QueryRowContext(
		ctx,
		`SELECT batch_id, total_items, completed_items, failed_items, quarantined_items, status, start_time, end_time
		 FROM batch_metadata
		 WHERE batch_id = ?`,
		batchID,
	)
	var b queue.Batch
	var status string
	var end sql.NullTime
	if err := row.Scan(&b.ID, &b.TotalItems, &b.CompletedItems, &b.FailedItems, &b.QuarantinedItems, &status, &b.StartTime, &end); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbError(err)
	}
	parsed, err := queue.ParseBatchStatus(status)
	if err != nil {
		return nil, err
	}
	b.Status = parsed
	b.StartTime = b.StartTime.UTC()
	b.EndTime = timePtr(end)
	return &b, nil
}

func getItem(ctx context.Context, q queryer, itemID int64) (*queue.Item, error) {
	items, err := listItems(ctx, q, sq.Select(queueColumns...).
		From(tableQueue).
		Where(sq.Eq{"id": itemID}))
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

func listItems(ctx context.Context, q queryer, b sq.SelectBuilder) ([]*queue.Item, error) {
	rows, err := queryBuilder(ctx, q, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*queue.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}
	return ret, nil
}

func scanItem(rows *sql.Rows) (*queue.Item, error) {
	var item queue.Item
	var status, stage string
	var errMsg sql.NullString
	var started, completed sql.NullTime
	if err := rows.Scan(
		&item.ID,
		&item.VocabularyID,
		&item.BatchID,
		&status,
		&stage,
		&item.RetryCount,
		&item.MaxRetries,
		&errMsg,
		&item.CreatedAt,
		&item.UpdatedAt,
		&started,
		&completed,
	); err != nil {
		return nil, dbError(err)
	}
	// Unknown stored strings are surfaced, never defaulted.
	parsedStatus, err := queue.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	parsedStage, err := queue.ParseStage(stage)
	if err != nil {
		return nil, err
	}
	item.Status = parsedStatus
	item.Stage = parsedStage
	item.ErrorMessage = errMsg.String
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	item.StartedAt = timePtr(started)
	item.CompletedAt = timePtr(completed)
	return &item, nil
}

func saveItem(ctx context.Context, q queryer, item *queue.Item) error {
	var errMsg sql.NullString
	if item.ErrorMessage != "" {
		errMsg = sql.NullString{String: item.ErrorMessage, Valid: true}
	}
	_, err := execBuilder(ctx, q, sq.Update(tableQueue).
		Set("status", string(item.Status)).
		Set("stage", string(item.Stage)).
		Set("retry_count", item.RetryCount).
		Set("error_message", errMsg).
		Set("updated_at", item.UpdatedAt).
		Set("started_at", nullTime(item.StartedAt)).
		Set("completed_at", nullTime(item.CompletedAt)).
		Where(sq.Eq{"id": item.ID}))
	return err
}
