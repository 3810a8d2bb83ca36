// Package schema holds the per-stream JSON schemas and validates records
// against them.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError lists every problem found in one record.
type ValidationError struct {
	Stream   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record violates schema for stream %s: %s", e.Stream, strings.Join(e.Problems, "; "))
}

type entry struct {
	compiled   *gojsonschema.Schema
	properties map[string]bool
}

// Registry is safe for concurrent use. In strict mode fields that the schema
// does not declare are rejected; otherwise they are tolerated.
type Registry struct {
	mu      sync.RWMutex
	strict  bool
	schemas map[string]*entry
}

func NewRegistry(strict bool) *Registry {
	return &Registry{strict: strict, schemas: map[string]*entry{}}
}

func (r *Registry) Strict() bool { return r.strict }

// Register compiles schema and replaces whatever was registered for stream.
// Records validated earlier are not revisited.
func (r *Registry) Register(stream string, schema map[string]interface{}) error {
	if schema == nil {
		return fmt.Errorf("stream %s: nil schema", stream)
	}

	// unknown fields are decided by Validate, not by the schema document
	doc := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if k == "additionalProperties" {
			continue
		}
		doc[k] = v
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("stream %s: error compiling schema: %w", stream, err)
	}

	properties := map[string]bool{}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for name := range props {
			properties[name] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[stream] = &entry{compiled: compiled, properties: properties}
	return nil
}

// Validate checks type compatibility and required fields. It returns a
// *ValidationError when the record does not conform.
func (r *Registry) Validate(stream string, record map[string]interface{}) error {
	r.mu.RLock()
	e, ok := r.schemas[stream]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for stream %s", stream)
	}

	var problems []string
	if r.strict {
		for field := range record {
			if !e.properties[field] {
				problems = append(problems, fmt.Sprintf("%s: unknown field", field))
			}
		}
		sort.Strings(problems)
	}

	result, err := e.compiled.Validate(gojsonschema.NewGoLoader(record))
	if err != nil {
		return fmt.Errorf("stream %s: error validating record: %w", stream, err)
	}
	for _, re := range result.Errors() {
		problems = append(problems, re.String())
	}

	if len(problems) > 0 {
		return &ValidationError{Stream: stream, Problems: problems}
	}
	return nil
}
