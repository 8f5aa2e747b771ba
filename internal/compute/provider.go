// Package compute produces Stage-1 semantic analyses and Stage-2 flashcards.
package compute

import (
	"context"

	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
)

// Output is one generated artifact plus the accounting needed to cache it.
type Output[T any] struct {
	Content   T
	Tokens    int
	Model     string
	RequestID string
}

// Provider generates content for the two pipeline stages. Implementations
// must be safe for concurrent use and report failures through the errs
// taxonomy so callers can tell retryable failures from fatal ones.
type Provider interface {
	Stage1(ctx context.Context, item *vocab.Item) (*Output[vocab.SemanticAnalysis], error)
	Stage2(ctx context.Context, item *vocab.Item, stage1 *vocab.Stage1Result) (*Output[vocab.Flashcard], error)
}
