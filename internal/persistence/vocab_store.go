package persistence

import (
	"context"
	"database/sql"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
)

// VocabularyStore is the vocab.Repository view of a SQLiteStore.
type VocabularyStore struct {
	s *SQLiteStore
}

func (s *SQLiteStore) Vocabulary() *VocabularyStore {
	return &VocabularyStore{s: s}
}

// CreateItems inserts items in one transaction and assigns database IDs to
// items that arrive without one.
func (v *VocabularyStore) CreateItems(ctx context.Context, items []*vocab.Item) error {
	now := v.s.now()
	return v.s.withTx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			if item == nil {
				return errs.New(errs.ErrValidation, "nil vocabulary item")
			}
			tags, err := json.Marshal(item.Tags)
			if err != nil {
				return errs.NewWithCause(errs.ErrSerialization, "encode tags", err)
			}
			meta, err := json.Marshal(item.Metadata)
			if err != nil {
				return errs.NewWithCause(errs.ErrSerialization, "encode metadata", err)
			}
			if item.CreatedAt.IsZero() {
				item.CreatedAt = now
			}
			item.UpdatedAt = now

			cols := vocabularyColumns[1:]
			vals := []any{
				item.Term, item.Meaning, item.Category, nullString(item.Hanja), nullString(item.Example),
				item.Subcategory, string(tags), item.Difficulty, item.Source, item.Notes, string(meta),
				item.CreatedAt.UTC(), item.UpdatedAt,
			}
			if item.ID != 0 {
				cols = vocabularyColumns
				vals = append([]any{item.ID}, vals...)
			}
			res, err := execBuilder(ctx, tx, sq.Insert(tableVocabulary).Columns(cols...).Values(vals...))
			if err != nil {
				return err
			}
			if item.ID == 0 {
				id, err := res.LastInsertId()
				if err != nil {
					return dbError(err)
				}
				item.ID = id
			}
		}
		return nil
	})
}

func (v *VocabularyStore) GetItem(ctx context.Context, id int64) (*vocab.Item, error) {
	items, err := v.GetItems(ctx, []int64{id})
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

// GetItems returns the items found, in the order of ids.
func (v *VocabularyStore) GetItems(ctx context.Context, ids []int64) ([]*vocab.Item, error) {
	if len(ids) == 0 {
		return []*vocab.Item{}, nil
	}
	rows, err := queryBuilder(ctx, v.s.db, sq.Select(vocabularyColumns...).
		From(tableVocabulary).
		Where(sq.Eq{"id": ids}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*vocab.Item, len(ids))
	for rows.Next() {
		item, err := scanVocabulary(rows)
		if err != nil {
			return nil, err
		}
		byID[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}

	ret := make([]*vocab.Item, 0, len(ids))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			ret = append(ret, item)
		}
	}
	return ret, nil
}

func scanVocabulary(rows *sql.Rows) (*vocab.Item, error) {
	var item vocab.Item
	var hanja, example sql.NullString
	var tags, meta string
	if err := rows.Scan(
		&item.ID,
		&item.Term,
		&item.Meaning,
		&item.Category,
		&hanja,
		&example,
		&item.Subcategory,
		&tags,
		&item.Difficulty,
		&item.Source,
		&item.Notes,
		&meta,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, dbError(err)
	}
	item.Hanja = stringPtr(hanja)
	item.Example = stringPtr(example)
	if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
		return nil, errs.NewWithCause(errs.ErrSerialization, "decode tags", err)
	}
	if err := json.Unmarshal([]byte(meta), &item.Metadata); err != nil {
		return nil, errs.NewWithCause(errs.ErrSerialization, "decode metadata", err)
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}
