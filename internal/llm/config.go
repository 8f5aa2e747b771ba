package llm

import (
	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
)

// Config holds the configuration for LLM client
// Supports any OpenAI-compatible provider (OpenRouter, OpenAI, etc.)
//
// Environment Variables:
// - LLM_API_KEY: API key for the LLM provider (required)
// - LLM_API_URL: API endpoint URL (default: https://openrouter.ai/api/v1)
// - LLM_MODEL: Model name to use (default: anthropic/claude-3.5-sonnet)
// - LLM_MAX_TOKENS: Maximum tokens for responses (default: 2000)
// - LLM_TEMPERATURE: Temperature for responses (default: 0.3)
// - LLM_TIMEOUT: Request timeout in seconds (default: 60)
// - LLM_REQUESTS_PER_SECOND: Client-side pacing, 0 disables it (default: 0)
// - LLM_SITE_URL: Site URL for HTTP referer header (optional)
// - LLM_APP_NAME: Application name for X-Title header (optional)
type Config struct {
	APIKey            string  `json:"api_key" yaml:"api_key"`
	APIURL            string  `json:"api_url" yaml:"api_url"`
	Model             string  `json:"model" yaml:"model"`
	MaxTokens         int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature       float64 `json:"temperature" yaml:"temperature"`
	Timeout           int     `json:"timeout" yaml:"timeout"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	SiteURL           string  `json:"site_url" yaml:"site_url"`
	AppName           string  `json:"app_name" yaml:"app_name"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errs.New(errs.ErrConfig, "API key is required")
	}
	if c.APIURL == "" {
		return errs.New(errs.ErrConfig, "API URL is required")
	}
	if c.Model == "" {
		return errs.New(errs.ErrConfig, "model is required")
	}
	if c.MaxTokens < 1 {
		return errs.New(errs.ErrConfig, "max tokens must be greater than 0")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return errs.New(errs.ErrConfig, "temperature must be between 0 and 2")
	}
	if c.Timeout < 1 {
		return errs.New(errs.ErrConfig, "timeout must be greater than 0")
	}
	if c.RequestsPerSecond < 0 {
		return errs.New(errs.ErrConfig, "requests per second must not be negative")
	}
	return nil
}

// GetHeaders returns the headers for the LLM API request
func (c *Config) GetHeaders() map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + c.APIKey,
		"Content-Type":  "application/json",
	}

	if c.SiteURL != "" {
		headers["HTTP-Referer"] = c.SiteURL
	}
	if c.AppName != "" {
		headers["X-Title"] = c.AppName
	}

	return headers
}
