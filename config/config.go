// Package config loads and validates the service configuration. Files are
// YAML, checked against an embedded JSON Schema before use so malformed
// deployments fail at startup with precise errors instead of surfacing as
// runtime misbehavior.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/genkai-ai/gatehouse/admission"
)

type (
	// Config is the root configuration consumed by the composition root.
	Config struct {
		// Admission holds the request-gating knobs.
		Admission Admission `yaml:"admission"`
		// History holds the session-store knobs.
		History History `yaml:"history"`
		// Metrics holds the recorder knobs.
		Metrics Metrics `yaml:"metrics"`
		// Provider selects and configures the generation backend.
		Provider Provider `yaml:"provider"`
	}

	// Admission configures the admission controller.
	Admission struct {
		// MaxConcurrentRequests caps requests running at once.
		MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
		// MaxQueueSize caps requests waiting for a slot.
		MaxQueueSize int `yaml:"max_queue_size"`
		// RateLimitPerMinute caps accepted requests per rolling minute.
		RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
		// RequestTimeoutSeconds bounds the queue wait.
		RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	}

	// History configures the session store.
	History struct {
		// Backend picks the store: memory, redis, mongo or sqlite.
		Backend string `yaml:"backend"`
		// MaxHistorySize bounds messages retained per session.
		MaxHistorySize int `yaml:"max_history_size"`
		// RetentionPeriodDays bounds message age.
		RetentionPeriodDays int `yaml:"retention_period_days"`
		// EvictionIntervalMinutes spaces the retention janitor passes.
		EvictionIntervalMinutes int `yaml:"eviction_interval_minutes"`
		// DSN locates the backend: a redis address, a mongo URI or a sqlite
		// file path. Unused by the memory backend.
		DSN string `yaml:"dsn"`
	}

	// Metrics configures the metrics recorder.
	Metrics struct {
		// WindowHours bounds the age of samples kept for aggregation.
		WindowHours int `yaml:"window_hours"`
		// MaxSamplesPerShard caps each shard's retained samples.
		MaxSamplesPerShard int `yaml:"max_samples_per_shard"`
	}

	// Provider configures the generation backend.
	Provider struct {
		// Name picks the adapter: anthropic, openai or bedrock.
		Name string `yaml:"name"`
		// Model is the provider-specific model identifier.
		Model string `yaml:"model"`
		// APIKey authenticates to the provider. Unused by bedrock, which
		// takes AWS credentials from the environment.
		APIKey string `yaml:"api_key"`
		// SystemPrompt frames every generation request.
		SystemPrompt string `yaml:"system_prompt"`
	}
)

// schema is the JSON Schema every configuration file must satisfy.
const schema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"admission": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"max_concurrent_requests": {"type": "integer", "minimum": 1},
				"max_queue_size": {"type": "integer", "minimum": 0},
				"rate_limit_per_minute": {"type": "integer", "minimum": 0},
				"request_timeout_seconds": {"type": "integer", "minimum": 0}
			}
		},
		"history": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"backend": {"enum": ["memory", "redis", "mongo", "sqlite"]},
				"max_history_size": {"type": "integer", "minimum": 1},
				"retention_period_days": {"type": "integer", "minimum": 1},
				"eviction_interval_minutes": {"type": "integer", "minimum": 1},
				"dsn": {"type": "string"}
			}
		},
		"metrics": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"window_hours": {"type": "integer", "minimum": 1},
				"max_samples_per_shard": {"type": "integer", "minimum": 100}
			}
		},
		"provider": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"name": {"enum": ["anthropic", "openai", "bedrock"]},
				"model": {"type": "string"},
				"api_key": {"type": "string"},
				"system_prompt": {"type": "string"}
			}
		}
	}
}`

// Default returns the baseline configuration that file values override.
func Default() Config {
	return Config{
		Admission: Admission{
			MaxConcurrentRequests: 10,
			MaxQueueSize:          50,
			RateLimitPerMinute:    60,
			RequestTimeoutSeconds: 30,
		},
		History: History{
			Backend:                 "memory",
			MaxHistorySize:          50,
			RetentionPeriodDays:     30,
			EvictionIntervalMinutes: 60,
		},
		Metrics: Metrics{
			WindowHours:        24,
			MaxSamplesPerShard: 10000,
		},
		Provider: Provider{
			Name: "anthropic",
		},
	}
}

// Load reads, validates and decodes the YAML file at path, filling every
// unset field with its default.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse validates and decodes raw YAML configuration bytes.
func Parse(raw []byte) (Config, error) {
	if err := validateSchema(raw); err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validateSchema checks the YAML document against the embedded JSON Schema.
// The document is round-tripped through JSON so the validator sees the value
// shapes the schema speaks about.
func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if doc == nil {
		return nil
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}

	var schemaDoc any
	if err := json.Unmarshal([]byte(schema), &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("config.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := compiled.Validate(instance); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// check enforces the cross-field constraints the schema cannot express.
func (c Config) check() error {
	switch c.History.Backend {
	case "memory":
	case "redis", "mongo", "sqlite":
		if c.History.DSN == "" {
			return fmt.Errorf("history backend %q requires a dsn", c.History.Backend)
		}
	default:
		return fmt.Errorf("unknown history backend %q", c.History.Backend)
	}
	switch c.Provider.Name {
	case "bedrock":
	case "anthropic", "openai":
		if c.Provider.APIKey == "" {
			return fmt.Errorf("provider %q requires an api key", c.Provider.Name)
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	if c.Provider.Model == "" {
		return errors.New("provider model is required")
	}
	return nil
}

// Limits converts the admission section to controller limits.
func (c Config) Limits() admission.Limits {
	return admission.Limits{
		MaxConcurrent:  c.Admission.MaxConcurrentRequests,
		MaxQueueSize:   c.Admission.MaxQueueSize,
		RateLimit:      c.Admission.RateLimitPerMinute,
		RateInterval:   time.Minute,
		RequestTimeout: time.Duration(c.Admission.RequestTimeoutSeconds) * time.Second,
	}
}

// Retention returns the history retention period.
func (c Config) Retention() time.Duration {
	return time.Duration(c.History.RetentionPeriodDays) * 24 * time.Hour
}

// EvictionInterval returns the spacing of retention janitor passes.
func (c Config) EvictionInterval() time.Duration {
	return time.Duration(c.History.EvictionIntervalMinutes) * time.Minute
}

// MetricsWindow returns the aggregation window.
func (c Config) MetricsWindow() time.Duration {
	return time.Duration(c.Metrics.WindowHours) * time.Hour
}
