package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/MimeLyc/flashcard-pipeline/internal/cache"
	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/queue"
	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var (
	_ queue.Store      = (*SQLiteStore)(nil)
	_ cache.Repository = (*CacheStore)(nil)
	_ vocab.Repository = (*VocabularyStore)(nil)
)

// SQLiteStore is the processing queue backed by a single SQLite file. The
// vocabulary and the two stage caches share the file through Vocabulary and
// Cache.
type SQLiteStore struct {
	db         *sql.DB
	maxRetries int
	now        func() time.Time
}

type StoreOption func(*SQLiteStore)

// WithMaxRetries sets the retry budget given to newly enqueued items.
func WithMaxRetries(n int) StoreOption {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func NewSQLiteStore(path string, opts ...StoreOption) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errs.New(errs.ErrConfig, "db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.NewWithCause(errs.ErrIO, "create db directory", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.NewWithCause(errs.ErrDatabase, "open sqlite", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := newSQLiteStoreFromDB(db, opts...)
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// newSQLiteStoreFromDB wraps an already opened handle without running migrations.
func newSQLiteStoreFromDB(db *sql.DB, opts ...StoreOption) *SQLiteStore {
	s := &SQLiteStore{
		db:         db,
		maxRetries: queue.DefaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return errs.NewWithCause(errs.ErrDatabase, "set WAL mode", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return errs.NewWithCause(errs.ErrDatabase, "set busy timeout", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return errs.NewWithCause(errs.ErrDatabase, "enable foreign keys", err)
	}
	// Bootstrap schema_migrations table so we can track applied versions.
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return errs.NewWithCause(errs.ErrDatabase, "create schema_migrations", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return errs.NewWithCause(errs.ErrIO, "read migrations", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return errs.NewWithCause(errs.ErrDatabase, fmt.Sprintf("check migration %s", entry.Name()), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return errs.NewWithCause(errs.ErrIO, fmt.Sprintf("read migration %s", entry.Name()), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return errs.NewWithCause(errs.ErrDatabase, fmt.Sprintf("apply migration %s", entry.Name()), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return errs.NewWithCause(errs.ErrDatabase, fmt.Sprintf("record migration %s", entry.Name()), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// withTx runs fn inside a transaction. The connection pool holds a single
// connection, so fn must only use tx.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewWithCause(errs.ErrDatabase, "begin transaction", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errs.NewWithCause(errs.ErrDatabase, "commit transaction", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execBuilder(ctx context.Context, q queryer, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errs.NewWithCause(errs.ErrDatabase, "build statement", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, dbError(err)
	}
	return res, nil
}

func queryBuilder(ctx context.Context, q queryer, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errs.NewWithCause(errs.ErrDatabase, "build query", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError(err)
	}
	return rows, nil
}

// dbError tags driver errors. Errors already in the taxonomy pass through.
func dbError(err error) error {
	if err == nil {
		return nil
	}
	var typed *errs.Error
	if errors.As(err, &typed) {
		return err
	}
	return errs.NewWithCause(errs.ErrDatabase, "sqlite", err)
}
