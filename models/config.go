package models

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/multierr"
)

const (
	DefaultBatchSize          = 100
	DefaultCheckpointInterval = 1000
	DefaultRetryLimit         = 5
	DefaultRetryMinDelay      = 100 * time.Millisecond
	DefaultRetryMaxDelay      = 5 * time.Second
)

// /////////////////////////////////////////////////////////
// CONFIG.JSON
// /////////////////////////////////////////////////////////
type Config struct {
	TapName            string             `json:"tap_name,omitempty"`
	BatchSize          int                `json:"batch_size,omitempty"`
	CheckpointInterval int                `json:"checkpoint_interval,omitempty"`
	CheckpointSeconds  int                `json:"checkpoint_seconds,omitempty"`
	StrictSchema       bool               `json:"strict_schema,omitempty"`
	RetryLimit         int                `json:"retry_limit,omitempty"`
	RetryMinDelayMs    int                `json:"retry_min_delay_ms,omitempty"`
	RetryMaxDelayMs    int                `json:"retry_max_delay_ms,omitempty"`
	MaxConcurrency     int                `json:"max_concurrency,omitempty"`
	RateLimit          *RateLimitConfig   `json:"rate_limit,omitempty"`
	LogLevel           string             `json:"log_level,omitempty"`
	HistoryPath        string             `json:"history_path,omitempty"`
	Source             SourceConfig       `json:"source"`
	Streams            []StreamDefinition `json:"streams,omitempty"`
}

type RateLimitConfig struct {
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst,omitempty"`
}

// SourceConfig selects the source implementation. Settings are decoded by the
// source itself and may be overridden per stream by StreamDefinition.Source.
type SourceConfig struct {
	Type     string                 `json:"type"`
	URL      string                 `json:"url,omitempty"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

var acceptedOptions = []string{
	"tap_name", "batch_size", "checkpoint_interval", "checkpoint_seconds",
	"strict_schema", "retry_limit", "retry_min_delay_ms", "retry_max_delay_ms",
	"max_concurrency", "rate_limit", "log_level", "history_path", "source",
	"streams",
}

var supportedSources = map[string]bool{
	"database": true,
	"rest":     true,
	"file":     true,
	"html":     true,
}

// ReadConfig parses a config file and applies defaults. Unexpected keys are
// returned as warnings, they never fail the parse.
func ReadConfig(filePath string) (Config, []string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, nil, fmt.Errorf("error reading config file %s: %w", filePath, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, []string, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, nil, fmt.Errorf("error unmarshalling config json: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, nil, fmt.Errorf("error unmarshalling config json: %w", err)
	}
	warnings := unexpectedOptions(raw)

	cfg.applyDefaults()
	return cfg, warnings, cfg.Validate()
}

func unexpectedOptions(raw map[string]json.RawMessage) []string {
	accepted := make(map[string]bool, len(acceptedOptions))
	for _, k := range acceptedOptions {
		accepted[k] = true
	}
	var warnings []string
	for k := range raw {
		if !accepted[k] {
			warnings = append(warnings, fmt.Sprintf("unexpected config option found: %s", k))
		}
	}
	sort.Strings(warnings)
	return warnings
}

func (c *Config) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.RetryMinDelayMs == 0 {
		c.RetryMinDelayMs = int(DefaultRetryMinDelay / time.Millisecond)
	}
	if c.RetryMaxDelayMs == 0 {
		c.RetryMaxDelayMs = int(DefaultRetryMaxDelay / time.Millisecond)
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 1
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate returns every problem found, combined into one error.
func (c Config) Validate() error {
	var err error
	if c.Source.Type == "" {
		err = multierr.Append(err, fmt.Errorf("missing required field: source.type"))
	} else if !supportedSources[c.Source.Type] {
		err = multierr.Append(err, fmt.Errorf("unsupported source type: %s", c.Source.Type))
	}
	if c.Source.URL == "" {
		err = multierr.Append(err, fmt.Errorf("missing required field: source.url"))
	}
	if c.BatchSize < 0 {
		err = multierr.Append(err, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.CheckpointInterval < 0 {
		err = multierr.Append(err, fmt.Errorf("checkpoint_interval must be positive, got %d", c.CheckpointInterval))
	}
	if c.CheckpointSeconds < 0 {
		err = multierr.Append(err, fmt.Errorf("checkpoint_seconds must not be negative, got %d", c.CheckpointSeconds))
	}
	if c.RetryLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("retry_limit must be positive, got %d", c.RetryLimit))
	}
	if c.RetryMaxDelayMs < c.RetryMinDelayMs {
		err = multierr.Append(err, fmt.Errorf("retry_max_delay_ms (%d) is lower than retry_min_delay_ms (%d)", c.RetryMaxDelayMs, c.RetryMinDelayMs))
	}
	if c.MaxConcurrency < 0 {
		err = multierr.Append(err, fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency))
	}
	if c.RateLimit != nil && c.RateLimit.PerSecond <= 0 {
		err = multierr.Append(err, fmt.Errorf("rate_limit.per_second must be positive"))
	}
	return err
}

func (c Config) RetryMinDelay() time.Duration {
	return time.Duration(c.RetryMinDelayMs) * time.Millisecond
}

func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

func (c Config) CheckpointEvery() time.Duration {
	return time.Duration(c.CheckpointSeconds) * time.Second
}
