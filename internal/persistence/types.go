package persistence

import (
	"database/sql"
	"time"

	"github.com/MimeLyc/flashcard-pipeline/internal/cache"
	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
)

const (
	tableVocabulary  = "vocabulary"
	tableQueue       = "processing_queue"
	tableBatches     = "batch_metadata"
	tableCheckpoints = "processing_checkpoints"
	tableMetrics     = "cache_metrics"
)

var queueColumns = []string{
	"id", "vocabulary_id", "batch_id", "status", "stage", "retry_count", "max_retries",
	"error_message", "created_at", "updated_at", "started_at", "completed_at",
}

var vocabularyColumns = []string{
	"id", "term", "meaning", "category", "hanja", "example", "subcategory",
	"tags_json", "difficulty", "source", "notes", "metadata_json", "created_at", "updated_at",
}

func cacheTable(stage cache.Stage) (string, error) {
	switch stage {
	case cache.Stage1:
		return "stage1_cache", nil
	case cache.Stage2:
		return "stage2_cache", nil
	default:
		return "", errs.Newf(errs.ErrValidation, "unknown cache stage %q", stage)
	}
}

func cacheColumns(stage cache.Stage) []string {
	if stage == cache.Stage2 {
		return []string{
			"cache_key", "vocabulary_id", "stage1_cache_key", "request_hash", "payload_json", "tsv_output",
			"token_count", "model_used", "created_at", "accessed_at", "access_count",
		}
	}
	return []string{
		"cache_key", "vocabulary_id", "request_hash", "payload_json",
		"token_count", "model_used", "created_at", "accessed_at", "access_count",
	}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func metricDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
