package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadCatalogJSON(t *testing.T) {
	path := writeFile(t, "catalog.json", `{"streams": [
		{"tap_stream_id": "users", "selected": true, "replication_method": "INCREMENTAL", "replication_key": "updated_at",
		 "schema": {"type": "object", "properties": {"id": {"type": "integer"}}}},
		{"tap_stream_id": "events", "selected": false, "replication_method": "FULL_TABLE",
		 "schema": {"type": ["null", "object"]}}
	]}`)

	catalog, err := ReadCatalog(path)
	require.NoError(t, err)
	require.Len(t, catalog.Streams, 2)

	selected := catalog.Selected()
	require.Len(t, selected, 1)
	assert.Equal(t, "users", selected[0].TapStreamID)
	assert.Equal(t, []string{"updated_at"}, selected[0].BookmarkProperties())
}

func TestReadCatalogYAML(t *testing.T) {
	path := writeFile(t, "catalog.yml", `
streams:
  - tap_stream_id: orders
    selected: true
    replication_method: FULL_TABLE
    key_properties: [id]
    schema:
      type: object
      properties:
        id:
          type: integer
`)
	catalog, err := ReadCatalog(path)
	require.NoError(t, err)
	require.Len(t, catalog.Streams, 1)
	assert.Equal(t, FullTable, catalog.Streams[0].ReplicationMethod)
	assert.Equal(t, []string{"id"}, catalog.Streams[0].KeyProperties)
	assert.Nil(t, catalog.Streams[0].BookmarkProperties())
}

func TestReadCatalogMalformed(t *testing.T) {
	tests := map[string]string{
		"duplicate ids": `{"streams": [
			{"tap_stream_id": "a", "replication_method": "FULL_TABLE"},
			{"tap_stream_id": "a", "replication_method": "FULL_TABLE"}]}`,
		"incremental without key": `{"streams": [
			{"tap_stream_id": "a", "replication_method": "INCREMENTAL"}]}`,
		"unknown method": `{"streams": [
			{"tap_stream_id": "a", "replication_method": "LOG_BASED"}]}`,
		"schema not an object": `{"streams": [
			{"tap_stream_id": "a", "selected": true, "replication_method": "FULL_TABLE", "schema": {"type": "array"}}]}`,
		"not json": `streams: [`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadCatalog(writeFile(t, "catalog.json", content))
			assert.ErrorIs(t, err, ErrMalformedCatalog)
		})
	}
}

func TestCatalogWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	catalog := &Catalog{Streams: []StreamDefinition{{
		TapStreamID:       "users",
		Selected:          true,
		ReplicationMethod: FullTable,
		Schema:            map[string]interface{}{"type": "object"},
	}}}
	require.NoError(t, catalog.Write(path))

	got, err := ReadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, catalog, got)
}

func TestCatalogWriteYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yml")
	catalog := &Catalog{Streams: []StreamDefinition{{
		TapStreamID:       "orders",
		Selected:          true,
		ReplicationMethod: Incremental,
		ReplicationKey:    "updated_at",
		KeyProperties:     []string{"id"},
		Schema:            map[string]interface{}{"type": "object"},
	}}}
	require.NoError(t, catalog.Write(path))
	assert.Contains(t, string(readFile(t, path)), "tap_stream_id: orders")

	got, err := ReadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, catalog, got)
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
