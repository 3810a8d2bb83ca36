package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, warnings, err := ParseConfig([]byte(`{"source": {"type": "file", "url": "users.jsonl"}}`))
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultCheckpointInterval, cfg.CheckpointInterval)
	assert.Equal(t, DefaultRetryLimit, cfg.RetryLimit)
	assert.Equal(t, 1, cfg.MaxConcurrency)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryMinDelay())
	assert.Equal(t, 5*time.Second, cfg.RetryMaxDelay())
	assert.False(t, cfg.StrictSchema)
}

func TestParseConfigWarnsOnUnexpectedOptions(t *testing.T) {
	_, warnings, err := ParseConfig([]byte(`{
		"source": {"type": "rest", "url": "https://example.com"},
		"strict_schema": true,
		"colour": "blue"
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"unexpected config option found: colour"}, warnings)
}

func TestParseConfigValidation(t *testing.T) {
	_, _, err := ParseConfig([]byte(`{"source": {"type": "ftp"}, "checkpoint_seconds": -1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported source type: ftp")
	assert.Contains(t, err.Error(), "missing required field: source.url")
	assert.Contains(t, err.Error(), "checkpoint_seconds must not be negative")
}

func TestParseConfigInvalidJSON(t *testing.T) {
	_, _, err := ParseConfig([]byte(`{`))
	assert.Error(t, err)
}
