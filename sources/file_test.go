package sources

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/5amCurfew/xtap/bookmark"
	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/models"
	"github.com/5amCurfew/xtap/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventsJSONL = `{"id": 1, "seq": 4, "name": "d"}
{"id": 2, "seq": 1, "name": "a"}

{"id": 3, "seq": 3, "name": "c"}
{"id": 4, "seq": 2, "name": "b"}
`

func fileDef() models.StreamDefinition {
	return models.StreamDefinition{
		TapStreamID:       "events",
		ReplicationMethod: models.Incremental,
		ReplicationKey:    "seq",
		Selected:          true,
	}
}

func TestFileJSONLIncrementalSortsAndFilters(t *testing.T) {
	path := writeFile(t, "events.jsonl", eventsJSONL)
	cfg := models.Config{BatchSize: 2, Source: models.SourceConfig{Type: "file", URL: path}}

	records, final := extractAll(t, cfg, fileDef(), bookmark.Value{})
	require.Len(t, records, 4)
	var seqs []json.Number
	for _, r := range records {
		seqs = append(seqs, r["seq"].(json.Number))
	}
	assert.Equal(t, []json.Number{"1", "2", "3", "4"}, seqs)
	assert.Equal(t, bookmark.Int(4), final)

	records, final = extractAll(t, cfg, fileDef(), bookmark.Int(2))
	require.Len(t, records, 2)
	assert.Equal(t, "c", records[0]["name"])
	assert.Equal(t, "d", records[1]["name"])
	assert.Equal(t, bookmark.Int(4), final)
}

func TestFileCSVFullTable(t *testing.T) {
	path := writeFile(t, "people.csv", "id,name\n2,bob\n1,alice\n")
	cfg := models.Config{Source: models.SourceConfig{Type: "file", URL: path}}
	def := models.StreamDefinition{
		TapStreamID:       "people",
		ReplicationMethod: models.FullTable,
		KeyProperties:     []string{"id"},
		Selected:          true,
	}

	records, final := extractAll(t, cfg, def, bookmark.Value{})
	assert.Equal(t, []map[string]interface{}{
		{"id": "1", "name": "alice"},
		{"id": "2", "name": "bob"},
	}, records)
	assert.Equal(t, bookmark.KindTime, final.Kind())
}

func TestFileStreamPathOverridesURL(t *testing.T) {
	path := writeFile(t, "data.ndjson", `{"seq": 1}`+"\n")
	cfg := models.Config{Source: models.SourceConfig{Type: "file", URL: "/does/not/exist.jsonl"}}
	def := fileDef()
	def.Source = map[string]interface{}{"path": path}

	records, _ := extractAll(t, cfg, def, bookmark.Value{})
	assert.Len(t, records, 1)
}

func TestFileUnsupportedFormat(t *testing.T) {
	_, _, err := newFile("data.xml", nil)
	assert.ErrorContains(t, err, "unsupported file format")
}

func TestFileMissingIsNotTransient(t *testing.T) {
	connector, _, err := newFile(filepath.Join(t.TempDir(), "missing.csv"), nil)
	require.NoError(t, err)

	_, err = connection.Open(context.Background(), connector, testPolicy())
	var connErr *connection.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 1, connErr.Attempts)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileMalformedJSONL(t *testing.T) {
	_, err := parseJSONL([]byte("{\"a\": 1}\n{broken\n"))
	assert.ErrorContains(t, err, "line 2")
}

func TestFilterAndSortIncomparableKeys(t *testing.T) {
	records := []map[string]interface{}{{"k": 1}, {"k": "x"}}
	_, err := filterAndSort(records, stream.PageRequest{OrderBy: []string{"k"}})
	assert.ErrorIs(t, err, bookmark.ErrIncomparable)
}
