package persistence

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"github.com/MimeLyc/flashcard-pipeline/internal/cache"
	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
)

// CacheStore is the cache.Repository view of a SQLiteStore.
type CacheStore struct {
	s *SQLiteStore
}

func (s *SQLiteStore) Cache() *CacheStore {
	return &CacheStore{s: s}
}

// Get returns the entry and bumps its access statistics in the same transaction.
func (c *CacheStore) Get(ctx context.Context, stage cache.Stage, key string) (*cache.Entry, error) {
	table, err := cacheTable(stage)
	if err != nil {
		return nil, err
	}
	var ret *cache.Entry
	err = c.s.withTx(ctx, func(tx *sql.Tx) error {
		entry, err := getCacheEntry(ctx, tx, stage, key)
		if err != nil || entry == nil {
			return err
		}
		now := c.s.now()
		if _, err := execBuilder(ctx, tx, sq.Update(table).
			Set("access_count", sq.Expr("access_count + 1")).
			Set("accessed_at", now).
			Where(sq.Eq{"cache_key": key})); err != nil {
			return err
		}
		entry.AccessCount++
		entry.AccessedAt = now
		ret = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *CacheStore) Peek(ctx context.Context, stage cache.Stage, key string) (*cache.Entry, error) {
	return getCacheEntry(ctx, c.s.db, stage, key)
}

// Put upserts by cache key. Access statistics of an existing row are kept.
func (c *CacheStore) Put(ctx context.Context, entry *cache.Entry) error {
	if entry == nil || entry.Key == "" {
		return errs.New(errs.ErrValidation, "cache entry key is empty")
	}
	table, err := cacheTable(entry.Stage)
	if err != nil {
		return err
	}
	createdAt := entry.CreatedAt.UTC()
	if entry.CreatedAt.IsZero() {
		createdAt = c.s.now()
	}
	accessedAt := entry.AccessedAt.UTC()
	if entry.AccessedAt.IsZero() {
		accessedAt = createdAt
	}

	insert := sq.Insert(table).Columns(cacheColumns(entry.Stage)...)
	if entry.Stage == cache.Stage2 {
		insert = insert.Values(
			entry.Key, entry.VocabularyID, entry.Stage1Key, entry.RequestHash, string(entry.Payload), entry.FlatRow,
			entry.TokenCount, entry.Model, createdAt, accessedAt, entry.AccessCount,
		).Suffix(`ON CONFLICT(cache_key) DO UPDATE SET
			vocabulary_id=excluded.vocabulary_id,
			stage1_cache_key=excluded.stage1_cache_key,
			request_hash=excluded.request_hash,
			payload_json=excluded.payload_json,
			tsv_output=excluded.tsv_output,
			token_count=excluded.token_count,
			model_used=excluded.model_used,
			created_at=excluded.created_at`)
	} else {
		insert = insert.Values(
			entry.Key, entry.VocabularyID, entry.RequestHash, string(entry.Payload),
			entry.TokenCount, entry.Model, createdAt, accessedAt, entry.AccessCount,
		).Suffix(`ON CONFLICT(cache_key) DO UPDATE SET
			vocabulary_id=excluded.vocabulary_id,
			request_hash=excluded.request_hash,
			payload_json=excluded.payload_json,
			token_count=excluded.token_count,
			model_used=excluded.model_used,
			created_at=excluded.created_at`)
	}
	_, err = execBuilder(ctx, c.s.db, insert)
	return err
}

// RecordLookup accumulates hit/miss counters into the daily metrics row.
func (c *CacheStore) RecordLookup(ctx context.Context, stage cache.Stage, hit bool, tokensSaved int) error {
	hits, misses, saved := 0, 1, 0
	if hit {
		hits, misses, saved = 1, 0, tokensSaved
	}
	_, err := c.s.db.ExecContext(
		ctx,
		`INSERT INTO cache_metrics (metric_date, stage, hits, misses, tokens_saved)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(metric_date, stage) DO UPDATE SET
			hits=hits + excluded.hits,
			misses=misses + excluded.misses,
			tokens_saved=tokens_saved + excluded.tokens_saved`,
		metricDate(c.s.now()),
		string(stage),
		hits,
		misses,
		saved,
	)
	return dbError(err)
}

func (c *CacheStore) Counts(ctx context.Context) (cache.Counts, error) {
	var ret cache.Counts
	if err := c.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage1_cache`).Scan(&ret.Stage1Entries); err != nil {
		return ret, dbError(err)
	}
	if err := c.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage2_cache`).Scan(&ret.Stage2Entries); err != nil {
		return ret, dbError(err)
	}
	if err := c.s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(hits), 0), COALESCE(SUM(misses), 0), COALESCE(SUM(tokens_saved), 0) FROM cache_metrics`,
	).Scan(&ret.Hits, &ret.Misses, &ret.TokensSaved); err != nil {
		return ret, dbError(err)
	}
	return ret, nil
}

// Clear deletes the entries in scope. Lookup counters are history and stay.
func (c *CacheStore) Clear(ctx context.Context, scope cache.Scope) (int64, error) {
	var removed int64
	err := c.s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stage := range []cache.Stage{cache.Stage1, cache.Stage2} {
			if !scope.Includes(stage) {
				continue
			}
			table, err := cacheTable(stage)
			if err != nil {
				return err
			}
			res, err := execBuilder(ctx, tx, sq.Delete(table))
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return dbError(err)
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func getCacheEntry(ctx context.Context, q queryer, stage cache.Stage, key string) (*cache.Entry, error) {
	table, err := cacheTable(stage)
	if err != nil {
		return nil, err
	}
	rows, err := queryBuilder(ctx, q, sq.Select(cacheColumns(stage)...).
		From(table).
		Where(sq.Eq{"cache_key": key}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, dbError(rows.Err())
	}
	entry := cache.Entry{Stage: stage}
	var payload string
	if stage == cache.Stage2 {
		err = rows.Scan(
			&entry.Key, &entry.VocabularyID, &entry.Stage1Key, &entry.RequestHash, &payload, &entry.FlatRow,
			&entry.TokenCount, &entry.Model, &entry.CreatedAt, &entry.AccessedAt, &entry.AccessCount,
		)
	} else {
		err = rows.Scan(
			&entry.Key, &entry.VocabularyID, &entry.RequestHash, &payload,
			&entry.TokenCount, &entry.Model, &entry.CreatedAt, &entry.AccessedAt, &entry.AccessCount,
		)
	}
	if err != nil {
		return nil, dbError(err)
	}
	entry.Payload = []byte(payload)
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.AccessedAt = entry.AccessedAt.UTC()
	return &entry, nil
}
