package vocab

import (
	"context"
	"strings"
	"time"
)

// Item is a vocabulary entry as ingested. Only Term, Meaning, Category,
// Hanja and Example feed cache key derivation.
type Item struct {
	ID          int64             `json:"id"`
	Term        string            `json:"term"`
	Meaning     string            `json:"meaning"`
	Category    string            `json:"category"`
	Hanja       *string           `json:"hanja,omitempty"`
	Example     *string           `json:"example,omitempty"`
	Subcategory string            `json:"subcategory,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Difficulty  int               `json:"difficulty,omitempty"`
	Source      string            `json:"source,omitempty"`
	Notes       string            `json:"notes,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SemanticAnalysis is the Stage-1 content.
type SemanticAnalysis struct {
	PrimaryMeaning      string   `json:"primary_meaning"`
	AlternativeMeanings []string `json:"alternative_meanings"`
	Connotations        []string `json:"connotations"`
	Register            string   `json:"register"`
	UsageContexts       []string `json:"usage_contexts"`
	CulturalNotes       *string  `json:"cultural_notes,omitempty"`
	Frequency           string   `json:"frequency"`
	Formality           string   `json:"formality"`
}

type CardFace struct {
	Primary       string   `json:"primary_content"`
	Secondary     *string  `json:"secondary_content,omitempty"`
	Example       *string  `json:"example,omitempty"`
	Pronunciation *string  `json:"pronunciation,omitempty"`
	Notes         *string  `json:"notes,omitempty"`
	Media         []string `json:"media_references,omitempty"`
}

// Flashcard is the Stage-2 content.
type Flashcard struct {
	Front    CardFace `json:"front"`
	Back     CardFace `json:"back"`
	Tags     []string `json:"tags"`
	DeckName string   `json:"deck_name"`
	CardType string   `json:"card_type"`
}

// FlatRow renders the card as one tab-delimited row:
// front, back, [back secondary], [back example], space-joined tags.
func (c Flashcard) FlatRow() string {
	cols := []string{c.Front.Primary, c.Back.Primary}
	if c.Back.Secondary != nil {
		cols = append(cols, *c.Back.Secondary)
	}
	if c.Back.Example != nil {
		cols = append(cols, *c.Back.Example)
	}
	cols = append(cols, strings.Join(c.Tags, " "))
	return strings.Join(cols, "\t")
}

type Stage1Result struct {
	VocabularyID int64            `json:"vocabulary_id"`
	RequestID    string           `json:"request_id"`
	CacheKey     string           `json:"cache_key"`
	Analysis     SemanticAnalysis `json:"semantic_analysis"`
	TokenCount   int              `json:"token_count"`
	Model        string           `json:"model"`
	CreatedAt    time.Time        `json:"created_at"`
}

type Stage2Result struct {
	VocabularyID int64     `json:"vocabulary_id"`
	Stage1Key    string    `json:"stage1_cache_key"`
	RequestID    string    `json:"request_id"`
	CacheKey     string    `json:"cache_key"`
	Card         Flashcard `json:"flashcard_content"`
	FlatRow      string    `json:"tsv_output"`
	TokenCount   int       `json:"token_count"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
}

// Repository persists vocabulary items. Items are read-only to the pipeline
// once created.
type Repository interface {
	CreateItems(ctx context.Context, items []*Item) error
	GetItem(ctx context.Context, id int64) (*Item, error)
	GetItems(ctx context.Context, ids []int64) ([]*Item, error)
}

func StringPtr(s string) *string {
	return &s
}
