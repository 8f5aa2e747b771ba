package compute

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/llm"
	"github.com/MimeLyc/flashcard-pipeline/internal/metrics"
	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
	"github.com/MimeLyc/flashcard-pipeline/pkg/log"
)

// DefaultDeckName is used when no deck is configured.
const DefaultDeckName = "Korean Vocabulary"

// Completer is the part of llm.Client the provider needs.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts *llm.ChatCompletionOptions) (*llm.Completion, error)
	Model() string
}

var _ Completer = (*llm.Client)(nil)
var _ Provider = (*LLMProvider)(nil)

// LLMProvider generates both stages with a chat completion model.
type LLMProvider struct {
	client   Completer
	explain  language.Tag
	deck     string
	metrics  *metrics.Collector
	newReqID func() string
}

type ProviderOption func(*LLMProvider)

// WithExplanationLanguage sets the language definitions and card backs are written in.
func WithExplanationLanguage(tag language.Tag) ProviderOption {
	return func(p *LLMProvider) {
		p.explain = tag
	}
}

func WithDeckName(deck string) ProviderOption {
	return func(p *LLMProvider) {
		if deck != "" {
			p.deck = deck
		}
	}
}

func WithProviderMetrics(c *metrics.Collector) ProviderOption {
	return func(p *LLMProvider) {
		p.metrics = c
	}
}

func NewLLMProvider(client Completer, opts ...ProviderOption) *LLMProvider {
	p := &LLMProvider{
		client:   client,
		explain:  language.English,
		deck:     DefaultDeckName,
		newReqID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *LLMProvider) Stage1(ctx context.Context, item *vocab.Item) (*Output[vocab.SemanticAnalysis], error) {
	if item == nil || item.Term == "" {
		return nil, errs.New(errs.ErrValidation, "stage1 requires a term")
	}

	prompt := buildStage1Prompt(item, p.explain)
	completion, reqID, err := p.complete(ctx, "stage1", prompt, stage1System)
	if err != nil {
		return nil, err
	}

	analysis, err := parseAnalysis(completion.Content)
	if err != nil {
		log.Warn("Stage1 response for %q could not be parsed: %v", item.Term, err)
		return nil, err
	}

	return &Output[vocab.SemanticAnalysis]{
		Content:   analysis,
		Tokens:    completion.Usage.TotalTokens,
		Model:     completion.Model,
		RequestID: reqID,
	}, nil
}

func (p *LLMProvider) Stage2(ctx context.Context, item *vocab.Item, stage1 *vocab.Stage1Result) (*Output[vocab.Flashcard], error) {
	if item == nil || item.Term == "" {
		return nil, errs.New(errs.ErrValidation, "stage2 requires a term")
	}
	if stage1 == nil {
		return nil, errs.New(errs.ErrValidation, "stage2 requires a stage1 result")
	}

	prompt, err := buildStage2Prompt(item, stage1, p.explain, p.deck)
	if err != nil {
		return nil, errs.WrapError(err, errs.ErrSerialization, "encode stage1 analysis for prompt")
	}
	completion, reqID, err := p.complete(ctx, "stage2", prompt, stage2System)
	if err != nil {
		return nil, err
	}

	card, err := parseFlashcard(completion.Content, p.deck)
	if err != nil {
		log.Warn("Stage2 response for %q could not be parsed: %v", item.Term, err)
		return nil, err
	}

	return &Output[vocab.Flashcard]{
		Content:   card,
		Tokens:    completion.Usage.TotalTokens,
		Model:     completion.Model,
		RequestID: reqID,
	}, nil
}

func (p *LLMProvider) complete(ctx context.Context, stage, prompt, system string) (*llm.Completion, string, error) {
	reqID := p.newReqID()
	opts := llm.NewChatCompletionOptions().
		WithSystemPrompt(system).
		WithJSONMode(true)

	log.Debug("[%s] %s request, prompt %d bytes", reqID, stage, len(prompt))
	start := time.Now()
	completion, err := p.client.Complete(ctx, prompt, opts)
	elapsed := time.Since(start)

	if err != nil {
		p.metrics.RecordProviderCall(stage, p.client.Model(), callStatus(err), elapsed, 0)
		return nil, reqID, err
	}
	p.metrics.RecordProviderCall(stage, completion.Model, "ok", elapsed, completion.Usage.TotalTokens)
	log.Debug("[%s] %s response in %s, %d tokens", reqID, stage, elapsed, completion.Usage.TotalTokens)
	return completion, reqID, nil
}

func callStatus(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Type.String()
	}
	return "error"
}
