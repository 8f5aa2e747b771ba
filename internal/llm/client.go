package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
)

// maxErrorBody bounds how much of a failed response ends up in error messages.
const maxErrorBody = 512

// Client talks to an OpenAI-compatible chat completions endpoint. It is safe
// for concurrent use; the optional limiter paces requests across goroutines.
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errs.New(errs.ErrConfig, "invalid configuration: nil config")
	}
	if err := config.Validate(); err != nil {
		return nil, errs.WrapError(err, errs.ErrConfig, "invalid configuration")
	}

	client := &Client{
		config:  config,
		baseURL: config.APIURL,
		httpClient: &http.Client{
			Timeout: time.Duration(config.Timeout) * time.Second,
		},
	}
	if config.RequestsPerSecond > 0 {
		burst := int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	return client, nil
}

func (c *Client) Model() string {
	return c.config.Model
}

// ChatCompletion sends messages, prefixed by the system prompt if any.
// 429 maps to RateLimit, timeouts to Timeout, other non-2xx statuses to API
// errors carrying the status code.
func (c *Client) ChatCompletion(ctx context.Context, messages []Message, opts *ChatCompletionOptions) (*ChatResponse, error) {
	if opts == nil {
		opts = NewChatCompletionOptions()
	}

	if opts.SystemPrompt != "" {
		messages = append([]Message{{Role: "system", Content: opts.SystemPrompt}}, messages...)
	}

	request := ChatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   c.getMaxTokens(opts),
		Temperature: c.getTemperature(opts),
	}
	if opts.JSONMode {
		request.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	return c.makeRequest(ctx, http.MethodPost, "/chat/completions", request)
}

// Complete sends one user prompt and returns the first choice with usage.
func (c *Client) Complete(ctx context.Context, prompt string, opts *ChatCompletionOptions) (*Completion, error) {
	response, err := c.ChatCompletion(ctx, []Message{{Role: "user", Content: prompt}}, opts)
	if err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, errs.New(errs.ErrAPI, "no choices in response")
	}
	model := response.Model
	if model == "" {
		model = c.config.Model
	}
	return &Completion{
		Content: response.Choices[0].Message.Content,
		Model:   model,
		Usage:   response.Usage,
	}, nil
}

// SimpleChat returns only the text of a one-prompt completion.
func (c *Client) SimpleChat(ctx context.Context, prompt string, systemPrompt string) (string, error) {
	opts := NewChatCompletionOptions()
	if systemPrompt != "" {
		opts = opts.WithSystemPrompt(systemPrompt)
	}
	completion, err := c.Complete(ctx, prompt, opts)
	if err != nil {
		return "", err
	}
	return completion.Content, nil
}

func (c *Client) makeRequest(ctx context.Context, method, path string, payload any) (*ChatResponse, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, errs.NewWithCause(errs.ErrSerialization, "encode chat request", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errs.NewWithCause(errs.ErrConfig, "build chat request", err)
	}
	for key, value := range c.config.GetHeaders() {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.NewWithCause(errs.ErrTimeout, "request timed out", err)
		}
		return nil, errs.NewWithCause(errs.ErrIO, "send chat request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.NewWithCause(errs.ErrIO, "read chat response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, raw)
	}

	var out ChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.NewWithCause(errs.ErrSerialization, "decode chat response", err)
	}
	if out.Error != nil && out.Error.Message != "" {
		return nil, errs.NewWithCause(errs.ErrAPI, out.Error.Message, out.Error)
	}
	return &out, nil
}

func statusError(status int, body []byte) error {
	message := string(body)
	var parsed ChatResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}
	if len(message) > maxErrorBody {
		message = message[:maxErrorBody]
	}

	if status == http.StatusTooManyRequests {
		e := errs.New(errs.ErrRateLimit, "rate limited: "+message)
		e.StatusCode = status
		return e
	}
	if status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout {
		e := errs.New(errs.ErrTimeout, "provider timed out: "+message)
		e.StatusCode = status
		return e
	}
	return errs.NewAPI(status, "API request failed: "+message)
}

func (c *Client) getMaxTokens(opts *ChatCompletionOptions) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return c.config.MaxTokens
}

func (c *Client) getTemperature(opts *ChatCompletionOptions) float64 {
	if opts.Temperature >= 0 && opts.Temperature <= 2 {
		return opts.Temperature
	}
	return c.config.Temperature
}
