package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfer(t *testing.T) {
	records := []map[string]interface{}{
		{"id": 1.0, "name": "ada", "created": "2024-01-01T00:00:00Z", "tags": []interface{}{"a"}, "address": map[string]interface{}{"city": "London"}},
		{"id": 2.5, "name": nil, "created": "2024-01-02T00:00:00Z", "active": true, "born": "1815-12-10"},
	}

	got := Infer(records)
	props := got["properties"].(map[string]interface{})

	assert.Equal(t, "object", got["type"])
	assert.Equal(t, map[string]interface{}{"type": "number"}, props["id"])
	assert.Equal(t, map[string]interface{}{"type": []interface{}{"null", "string"}}, props["name"])
	assert.Equal(t, map[string]interface{}{"type": "string", "format": "date-time"}, props["created"])
	assert.Equal(t, map[string]interface{}{"type": "array"}, props["tags"])
	assert.Equal(t, map[string]interface{}{"type": "boolean"}, props["active"])
	assert.Equal(t, map[string]interface{}{"type": "string", "format": "date"}, props["born"])

	address := props["address"].(map[string]interface{})
	assert.Equal(t, "object", address["type"])
	assert.Contains(t, address["properties"], "city")
}

func TestInferredSchemaValidatesSource(t *testing.T) {
	records := []map[string]interface{}{
		{"id": int64(1), "score": 1.5},
		{"id": int64(2), "score": int64(3)},
	}
	inferred := Infer(records)

	r := NewRegistry(true)
	require.NoError(t, r.Register("scores", inferred))
	for _, rec := range records {
		assert.NoError(t, r.Validate("scores", rec))
	}
}

func TestMergeFormatConflict(t *testing.T) {
	a := map[string]interface{}{"type": "string", "format": "date"}
	b := map[string]interface{}{"type": "string"}
	assert.Equal(t, map[string]interface{}{"type": "string"}, Merge(a, b))

	n := map[string]interface{}{"type": "null"}
	assert.Equal(t, map[string]interface{}{"type": []interface{}{"null", "string"}, "format": "date"}, Merge(n, a))
}
