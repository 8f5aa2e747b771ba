package compute

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/internal/llm"
	"github.com/MimeLyc/flashcard-pipeline/internal/metrics"
	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
)

type fakeCompleter struct {
	mu      sync.Mutex
	prompts []string
	opts    []*llm.ChatCompletionOptions
	reply   string
	err     error
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string, opts *llm.ChatCompletionOptions) (*llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{
		Content: f.reply,
		Model:   "fake-model",
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func (f *fakeCompleter) Model() string { return "fake-model" }

func sampleItem() *vocab.Item {
	return &vocab.Item{
		ID:       1,
		Term:     "사랑",
		Meaning:  "love",
		Category: "noun",
		Hanja:    vocab.StringPtr("愛"),
		Example:  vocab.StringPtr("사랑은 아름다워요"),
	}
}

func TestLLMProvider_Stage1(t *testing.T) {
	fake := &fakeCompleter{reply: `{"primary_meaning":"love","alternative_meanings":["affection"],"register":"neutral"}`}
	p := NewLLMProvider(fake, WithExplanationLanguage(language.German))
	p.newReqID = func() string { return "req-1" }

	out, err := p.Stage1(context.Background(), sampleItem())
	require.NoError(t, err)
	assert.Equal(t, "love", out.Content.PrimaryMeaning)
	assert.Equal(t, 150, out.Tokens)
	assert.Equal(t, "fake-model", out.Model)
	assert.Equal(t, "req-1", out.RequestID)

	require.Len(t, fake.prompts, 1)
	prompt := fake.prompts[0]
	assert.Contains(t, prompt, "Term: 사랑")
	assert.Contains(t, prompt, "Hanja: 愛")
	assert.Contains(t, prompt, "German")
	assert.Contains(t, prompt, "Korean")
	assert.Contains(t, prompt, "=== OUTPUT FORMAT ===")
	assert.True(t, fake.opts[0].JSONMode)
	assert.Equal(t, stage1System, fake.opts[0].SystemPrompt)
}

func TestLLMProvider_Stage2(t *testing.T) {
	fake := &fakeCompleter{reply: `Sure! {"front":{"primary_content":"사랑"},"back":{"primary_content":"love","example":"사랑해요"},"tags":["noun"]}`}
	p := NewLLMProvider(fake, WithDeckName("TOPIK I"))

	stage1 := &vocab.Stage1Result{CacheKey: "k1", Analysis: vocab.SemanticAnalysis{PrimaryMeaning: "love"}}
	out, err := p.Stage2(context.Background(), sampleItem(), stage1)
	require.NoError(t, err)
	assert.Equal(t, "TOPIK I", out.Content.DeckName)
	assert.Equal(t, "사랑\tlove\t사랑해요\tnoun", out.Content.FlatRow())
	assert.NotEmpty(t, out.RequestID)

	assert.Contains(t, fake.prompts[0], `"primary_meaning":"love"`)
	assert.Contains(t, fake.prompts[0], `"deck_name": "TOPIK I"`)
}

func TestLLMProvider_Validation(t *testing.T) {
	p := NewLLMProvider(&fakeCompleter{})

	_, err := p.Stage1(context.Background(), &vocab.Item{})
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))

	_, err = p.Stage2(context.Background(), sampleItem(), nil)
	assert.True(t, errs.IsErrorType(err, errs.ErrValidation))
}

func TestLLMProvider_ErrorsPropagateWithMetrics(t *testing.T) {
	collector := metrics.NewCollector("test")
	fake := &fakeCompleter{err: errs.NewAPI(http.StatusServiceUnavailable, "down")}
	p := NewLLMProvider(fake, WithProviderMetrics(collector))

	_, err := p.Stage1(context.Background(), sampleItem())
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))

	fake.err = nil
	fake.reply = "not json at all"
	_, err = p.Stage1(context.Background(), sampleItem())
	require.Error(t, err)
	assert.True(t, errs.IsErrorType(err, errs.ErrAPI))

	n, err := testutil.GatherAndCount(collector.Registry(), "test_provider_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLLMProvider_OverHTTP(t *testing.T) {
	var gotBody llm.ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		content := `{"primary_meaning":"to eat"}`
		_ = json.NewEncoder(w).Encode(llm.ChatResponse{
			Model: "served-model",
			Choices: []llm.Choice{{
				Message: llm.Message{Role: "assistant", Content: content},
			}},
			Usage: llm.Usage{TotalTokens: 42},
		})
	}))
	defer server.Close()

	client, err := llm.NewClient(&llm.Config{
		APIKey:    "test-key",
		APIURL:    server.URL,
		Model:     "configured-model",
		MaxTokens: 500,
		Timeout:   5,
	})
	require.NoError(t, err)

	out, err := NewLLMProvider(client).Stage1(context.Background(), &vocab.Item{Term: "먹다", Meaning: "to eat"})
	require.NoError(t, err)
	assert.Equal(t, "to eat", out.Content.PrimaryMeaning)
	assert.Equal(t, 42, out.Tokens)
	assert.Equal(t, "served-model", out.Model)

	require.NotNil(t, gotBody.ResponseFormat)
	assert.Equal(t, "json_object", gotBody.ResponseFormat.Type)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
	assert.True(t, strings.Contains(gotBody.Messages[1].Content, "Term: 먹다"))
}

func TestLanguageName(t *testing.T) {
	assert.Equal(t, "English", languageName(language.English))
	assert.Equal(t, "Japanese", languageName(language.Japanese))
}
