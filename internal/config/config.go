package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/pkg/log"
)

// Config holds all application configuration.
// Values are resolved as defaults, then the optional YAML file named by
// CONFIG_FILE, then environment variables (a .env file in the working
// directory is loaded first).
//
// Environment Variables:
// LLM Configuration:
// - LLM_API_KEY: API key for the LLM provider (required)
// - LLM_API_URL: API endpoint URL (default: https://openrouter.ai/api/v1)
// - LLM_MODEL: Model name to use (default: anthropic/claude-3.5-sonnet)
// - LLM_MAX_TOKENS: Maximum tokens for responses (default: 2000)
// - LLM_TEMPERATURE: Temperature for responses (default: 0.3)
// - LLM_TIMEOUT: Request timeout in seconds (default: 60)
// - LLM_REQUESTS_PER_SECOND: Client-side request pacing, 0 disables (default: 0)
// - LLM_SITE_URL / LLM_APP_NAME: Attribution headers (optional)
//
// Storage:
// - DATA_DIR: Directory for the database and settings (default: ./data)
// - DB_PATH: SQLite database path (default: $DATA_DIR/flashcards.db)
// - CACHE_BACKEND: sqlite or redis (default: sqlite)
// - REDIS_ADDR / REDIS_PASSWORD / REDIS_DB / REDIS_KEY_PREFIX
//
// Pipeline:
// - PIPELINE_MAX_CONCURRENT (default: 5)
// - PIPELINE_MAX_RETRIES (default: 3)
// - PIPELINE_CHECKPOINT_INTERVAL (default: 10)
// - PIPELINE_REPORT_INTERVAL (default: 5s)
// - PIPELINE_DEDUPE_IN_FLIGHT (default: true)
// - PIPELINE_RUN_WORKERS: Concurrent batch runs (default: 1)
// - CACHE_COST_PER_1K_TOKENS (default: 0.15)
//
// Sweep, HTTP, logging, generation:
// - SWEEP_ENABLED (default: true), SWEEP_CRON (default: */15 * * * *)
// - HTTP_ADDR (default: :8080)
// - LOG_LEVEL (default: info)
// - EXPLANATION_LANGUAGE (default: en), DECK_NAME (default: Korean Vocabulary)
type Config struct {
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Pipeline   PipelineConfig   `json:"pipeline" yaml:"pipeline"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Sweep      SweepConfig      `json:"sweep" yaml:"sweep"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Log        LogConfig        `json:"log" yaml:"log"`
	Generation GenerationConfig `json:"generation" yaml:"generation"`
}

// LLMConfig holds the configuration for LLM client
// Supports any OpenAI-compatible provider (OpenRouter, OpenAI, etc.)
type LLMConfig struct {
	APIKey            string  `json:"-" yaml:"api_key"`
	APIURL            string  `json:"api_url" yaml:"api_url"`
	Model             string  `json:"model" yaml:"model"`
	MaxTokens         int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature       float64 `json:"temperature" yaml:"temperature"`
	Timeout           int     `json:"timeout" yaml:"timeout"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	SiteURL           string  `json:"site_url" yaml:"site_url"`
	AppName           string  `json:"app_name" yaml:"app_name"`
}

type StoreConfig struct {
	DataDir        string `json:"data_dir" yaml:"data_dir"`
	DBPath         string `json:"db_path" yaml:"db_path"`
	CacheBackend   string `json:"cache_backend" yaml:"cache_backend"`
	RedisAddr      string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword  string `json:"-" yaml:"redis_password"`
	RedisDB        int    `json:"redis_db" yaml:"redis_db"`
	RedisKeyPrefix string `json:"redis_key_prefix" yaml:"redis_key_prefix"`
}

const (
	CacheBackendSQLite = "sqlite"
	CacheBackendRedis  = "redis"
)

type PipelineConfig struct {
	MaxConcurrent      int           `json:"max_concurrent" yaml:"max_concurrent"`
	MaxRetries         int           `json:"max_retries" yaml:"max_retries"`
	CheckpointInterval int           `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	ReportInterval     time.Duration `json:"report_interval" yaml:"report_interval"`
	DedupeInFlight     bool          `json:"dedupe_in_flight" yaml:"dedupe_in_flight"`
	RunWorkers         int           `json:"run_workers" yaml:"run_workers"`
}

type CacheConfig struct {
	CostPerThousandTokens float64 `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
}

type SweepConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CronExpr string `json:"cron_expr" yaml:"cron_expr"`
}

type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	// File, when set, sends logs to that file instead of stderr.
	File string `json:"file" yaml:"file"`
}

type GenerationConfig struct {
	ExplanationLanguage string `json:"explanation_language" yaml:"explanation_language"`
	DeckName            string `json:"deck_name" yaml:"deck_name"`
}

// ExplanationTag returns the parsed explanation language, English when unset.
func (g GenerationConfig) ExplanationTag() language.Tag {
	tag, err := language.Parse(g.ExplanationLanguage)
	if err != nil {
		return language.English
	}
	return tag
}

// SettingsPath is where runtime settings edited over HTTP are kept.
func (s StoreConfig) SettingsPath() string {
	return filepath.Join(s.DataDir, "settings.yaml")
}

// Option is a function type for configuring Config
type Option func(*Config)

func defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			APIURL:      "https://openrouter.ai/api/v1",
			Model:       "anthropic/claude-3.5-sonnet",
			MaxTokens:   2000,
			Temperature: 0.3,
			Timeout:     60,
		},
		Store: StoreConfig{
			DataDir:        "./data",
			CacheBackend:   CacheBackendSQLite,
			RedisAddr:      "localhost:6379",
			RedisKeyPrefix: "flashcards:",
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:      5,
			MaxRetries:         3,
			CheckpointInterval: 10,
			ReportInterval:     5 * time.Second,
			DedupeInFlight:     true,
			RunWorkers:         1,
		},
		Cache: CacheConfig{
			CostPerThousandTokens: 0.15,
		},
		Sweep: SweepConfig{
			Enabled:  true,
			CronExpr: "*/15 * * * *",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level: "info",
		},
		Generation: GenerationConfig{
			ExplanationLanguage: "en",
			DeckName:            "Korean Vocabulary",
		},
	}
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Ignoring unreadable .env file: %v", err)
	}

	config := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, config); err != nil {
			return nil, err
		}
	}
	applyEnv(config)

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if config.Store.DBPath == "" {
		config.Store.DBPath = filepath.Join(config.Store.DataDir, "flashcards.db")
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Info("Config: model=%s db=%s cache=%s concurrency=%d sweep=%v(%s)",
		config.LLM.Model, config.Store.DBPath, config.Store.CacheBackend,
		config.Pipeline.MaxConcurrent, config.Sweep.Enabled, config.Sweep.CronExpr)
	return config, nil
}

func loadYAML(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.NewWithCause(errs.ErrConfig, "read config file", err).WithContext("path", path)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return errs.NewWithCause(errs.ErrConfig, "parse config file", err).WithContext("path", path)
	}
	return nil
}

func applyEnv(c *Config) {
	c.LLM.APIKey = getEnvString("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.APIURL = getEnvString("LLM_API_URL", c.LLM.APIURL)
	c.LLM.Model = getEnvString("LLM_MODEL", c.LLM.Model)
	c.LLM.MaxTokens = getEnvInt("LLM_MAX_TOKENS", c.LLM.MaxTokens)
	c.LLM.Temperature = getEnvFloat("LLM_TEMPERATURE", c.LLM.Temperature)
	c.LLM.Timeout = getEnvInt("LLM_TIMEOUT", c.LLM.Timeout)
	c.LLM.RequestsPerSecond = getEnvFloat("LLM_REQUESTS_PER_SECOND", c.LLM.RequestsPerSecond)
	c.LLM.SiteURL = getEnvString("LLM_SITE_URL", c.LLM.SiteURL)
	c.LLM.AppName = getEnvString("LLM_APP_NAME", c.LLM.AppName)

	c.Store.DataDir = getEnvString("DATA_DIR", c.Store.DataDir)
	c.Store.DBPath = getEnvString("DB_PATH", c.Store.DBPath)
	c.Store.CacheBackend = strings.ToLower(getEnvString("CACHE_BACKEND", c.Store.CacheBackend))
	c.Store.RedisAddr = getEnvString("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = getEnvString("REDIS_PASSWORD", c.Store.RedisPassword)
	c.Store.RedisDB = getEnvInt("REDIS_DB", c.Store.RedisDB)
	c.Store.RedisKeyPrefix = getEnvString("REDIS_KEY_PREFIX", c.Store.RedisKeyPrefix)

	c.Pipeline.MaxConcurrent = getEnvInt("PIPELINE_MAX_CONCURRENT", c.Pipeline.MaxConcurrent)
	c.Pipeline.MaxRetries = getEnvInt("PIPELINE_MAX_RETRIES", c.Pipeline.MaxRetries)
	c.Pipeline.CheckpointInterval = getEnvInt("PIPELINE_CHECKPOINT_INTERVAL", c.Pipeline.CheckpointInterval)
	c.Pipeline.ReportInterval = getEnvDuration("PIPELINE_REPORT_INTERVAL", c.Pipeline.ReportInterval)
	c.Pipeline.DedupeInFlight = getEnvBool("PIPELINE_DEDUPE_IN_FLIGHT", c.Pipeline.DedupeInFlight)
	c.Pipeline.RunWorkers = getEnvInt("PIPELINE_RUN_WORKERS", c.Pipeline.RunWorkers)
	c.Cache.CostPerThousandTokens = getEnvFloat("CACHE_COST_PER_1K_TOKENS", c.Cache.CostPerThousandTokens)

	c.Sweep.Enabled = getEnvBool("SWEEP_ENABLED", c.Sweep.Enabled)
	c.Sweep.CronExpr = getEnvString("SWEEP_CRON", c.Sweep.CronExpr)
	c.HTTP.Addr = getEnvString("HTTP_ADDR", c.HTTP.Addr)
	c.Log.Level = getEnvString("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnvString("LOG_FILE", c.Log.File)
	c.Generation.ExplanationLanguage = getEnvString("EXPLANATION_LANGUAGE", c.Generation.ExplanationLanguage)
	c.Generation.DeckName = getEnvString("DECK_NAME", c.Generation.DeckName)
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.LLM.APIKey == "" {
		return errs.New(errs.ErrConfig, "LLM_API_KEY is required")
	}
	switch c.Store.CacheBackend {
	case CacheBackendSQLite:
	case CacheBackendRedis:
		if c.Store.RedisAddr == "" {
			return errs.New(errs.ErrConfig, "REDIS_ADDR is required for the redis cache backend")
		}
	default:
		return errs.Newf(errs.ErrConfig, "unknown cache backend %q", c.Store.CacheBackend)
	}
	if c.Pipeline.MaxConcurrent < 1 {
		return errs.New(errs.ErrConfig, "PIPELINE_MAX_CONCURRENT must be at least 1")
	}
	if c.Pipeline.MaxRetries < 1 {
		return errs.New(errs.ErrConfig, "PIPELINE_MAX_RETRIES must be at least 1")
	}
	if c.Pipeline.CheckpointInterval < 1 {
		return errs.New(errs.ErrConfig, "PIPELINE_CHECKPOINT_INTERVAL must be at least 1")
	}
	if c.Pipeline.RunWorkers < 1 {
		return errs.New(errs.ErrConfig, "PIPELINE_RUN_WORKERS must be at least 1")
	}
	if c.Sweep.Enabled {
		if _, err := cron.ParseStandard(c.Sweep.CronExpr); err != nil {
			return errs.NewWithCause(errs.ErrConfig, fmt.Sprintf("invalid SWEEP_CRON %q", c.Sweep.CronExpr), err)
		}
	}
	if _, err := language.Parse(c.Generation.ExplanationLanguage); err != nil {
		return errs.NewWithCause(errs.ErrConfig, fmt.Sprintf("invalid EXPLANATION_LANGUAGE %q", c.Generation.ExplanationLanguage), err)
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		log.Warn("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
		log.Warn("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}
