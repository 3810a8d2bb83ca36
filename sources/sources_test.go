package sources

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/5amCurfew/xtap/bookmark"
	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() connection.Policy {
	return connection.Policy{MaxAttempts: 2, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

// extractAll runs one full extraction and returns the emitted records and
// the final bookmark.
func extractAll(t *testing.T, cfg models.Config, def models.StreamDefinition, prior bookmark.Value) ([]map[string]interface{}, bookmark.Value) {
	t.Helper()
	ctx := context.Background()

	connector, s, err := NewFactory(cfg, testPolicy())(def)
	require.NoError(t, err)

	session, err := connection.Open(ctx, connector, testPolicy())
	require.NoError(t, err)
	defer connection.Close(session)

	it, err := s.Extract(ctx, session, prior)
	require.NoError(t, err)

	var records []map[string]interface{}
	for {
		item, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			t.Fatal("iterator ended without a final item")
		}
		require.NoError(t, err)
		if item.Final {
			return records, item.Bookmark
		}
		records = append(records, item.Record.Data)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFactoryRejectsUnknownSource(t *testing.T) {
	cfg := models.Config{Source: models.SourceConfig{Type: "ftp", URL: "ftp://x"}}
	_, _, err := NewFactory(cfg, testPolicy())(models.StreamDefinition{TapStreamID: "s"})
	assert.ErrorContains(t, err, "unsupported data source")
}

func TestFactoryRejectsUnknownSettings(t *testing.T) {
	cfg := models.Config{Source: models.SourceConfig{Type: "file", URL: "events.jsonl"}}
	def := models.StreamDefinition{TapStreamID: "s", Source: map[string]interface{}{"colour": "red"}}
	_, _, err := NewFactory(cfg, testPolicy())(def)
	assert.ErrorContains(t, err, "colour")
}

func TestMergeSettingsPrefersStream(t *testing.T) {
	merged := mergeSettings(
		map[string]interface{}{"table": "a", "format": "csv"},
		map[string]interface{}{"table": "b"},
	)
	assert.Equal(t, map[string]interface{}{"table": "b", "format": "csv"}, merged)
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "http://x/api/users", joinURL("http://x/api/", "/users"))
	assert.Equal(t, "http://x/api", joinURL("http://x/api", ""))
}
