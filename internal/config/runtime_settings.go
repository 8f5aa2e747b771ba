package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// RuntimeSettings are the values that can be edited while the service runs.
// They are kept in a YAML file next to the database.
type RuntimeSettings struct {
	LLMAPIURL           string `json:"llm_api_url" yaml:"llm_api_url"`
	LLMAPIKey           string `json:"llm_api_key" yaml:"llm_api_key"`
	LLMModel            string `json:"llm_model" yaml:"llm_model"`
	SweepCron           string `json:"sweep_cron" yaml:"sweep_cron"`
	ExplanationLanguage string `json:"explanation_language" yaml:"explanation_language"`
	DeckName            string `json:"deck_name" yaml:"deck_name,omitempty"`
}

// RuntimeSettingsFilePath honours SETTINGS_FILE before the data directory.
func RuntimeSettingsFilePath(c *Config) string {
	return getEnvString("SETTINGS_FILE", c.Store.SettingsPath())
}

type settingRule struct {
	field string
	value func(s RuntimeSettings) string
	parse func(v string) error
}

var settingRules = []settingRule{
	{field: "llm_api_url", value: func(s RuntimeSettings) string { return s.LLMAPIURL }},
	{field: "llm_api_key", value: func(s RuntimeSettings) string { return s.LLMAPIKey }},
	{field: "llm_model", value: func(s RuntimeSettings) string { return s.LLMModel }},
	{
		field: "sweep_cron",
		value: func(s RuntimeSettings) string { return s.SweepCron },
		parse: func(v string) error {
			_, err := cron.ParseStandard(v)
			return err
		},
	},
	{
		field: "explanation_language",
		value: func(s RuntimeSettings) string { return s.ExplanationLanguage },
		parse: func(v string) error {
			_, err := language.Parse(v)
			return err
		},
	},
}

// Validate reports every missing or unparseable field at once. DeckName is
// optional.
func (s RuntimeSettings) Validate() error {
	var problems []error
	for _, rule := range settingRules {
		v := strings.TrimSpace(rule.value(s))
		if v == "" {
			problems = append(problems, fmt.Errorf("%s is required", rule.field))
			continue
		}
		if rule.parse != nil {
			if err := rule.parse(v); err != nil {
				problems = append(problems, fmt.Errorf("invalid %s: %w", rule.field, err))
			}
		}
	}
	return errors.Join(problems...)
}

// Masked hides all but the last four characters of the API key.
func (s RuntimeSettings) Masked() RuntimeSettings {
	switch n := len(s.LLMAPIKey); {
	case n > 4:
		s.LLMAPIKey = strings.Repeat("*", n-4) + s.LLMAPIKey[n-4:]
	case n > 0:
		s.LLMAPIKey = "****"
	}
	return s
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		LLMAPIURL:           c.LLM.APIURL,
		LLMAPIKey:           c.LLM.APIKey,
		LLMModel:            c.LLM.Model,
		SweepCron:           c.Sweep.CronExpr,
		ExplanationLanguage: c.Generation.ExplanationLanguage,
		DeckName:            c.Generation.DeckName,
	}
}

func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		c.ApplyRuntimeSettings(settings)
	}
}

// ApplyRuntimeSettings copies the non-empty settings into c. An explanation
// language that does not parse is ignored.
func (c *Config) ApplyRuntimeSettings(settings RuntimeSettings) {
	overrides := []struct {
		dst *string
		src string
	}{
		{&c.LLM.APIURL, settings.LLMAPIURL},
		{&c.LLM.APIKey, settings.LLMAPIKey},
		{&c.LLM.Model, settings.LLMModel},
		{&c.Sweep.CronExpr, settings.SweepCron},
		{&c.Generation.DeckName, settings.DeckName},
	}
	for _, o := range overrides {
		if strings.TrimSpace(o.src) != "" {
			*o.dst = o.src
		}
	}
	if _, err := language.Parse(settings.ExplanationLanguage); err == nil {
		c.Generation.ExplanationLanguage = settings.ExplanationLanguage
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file %s: %w", path, err)
	}
	return settings, nil
}

// WriteRuntimeSettingsFile validates settings and replaces the file
// atomically. The file holds the API key, so it is private to the owner.
func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	content, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// RuntimeSettingsStore serves the current settings and writes every accepted
// update through to its file.
type RuntimeSettingsStore struct {
	path string

	mu      sync.Mutex
	current RuntimeSettings
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{path: path, current: initial}, nil
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

// UpdateRuntimeSettings keeps the previous settings when validation or the
// file write fails.
func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return s.current, err
	}
	s.current = next
	return next, nil
}
