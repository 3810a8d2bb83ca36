package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	util "github.com/5amCurfew/xtap/util"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

type ReplicationMethod string

const (
	FullTable   ReplicationMethod = "FULL_TABLE"
	Incremental ReplicationMethod = "INCREMENTAL"
)

// ErrMalformedCatalog is process-fatal: no stream can safely run.
var ErrMalformedCatalog = errors.New("malformed catalog")

type Catalog struct {
	Streams []StreamDefinition `json:"streams" yaml:"streams"`
}

type StreamDefinition struct {
	TapStreamID         string                 `json:"tap_stream_id" yaml:"tap_stream_id"`
	Schema              map[string]interface{} `json:"schema,omitempty" yaml:"schema,omitempty"`
	KeyProperties       []string               `json:"key_properties,omitempty" yaml:"key_properties,omitempty"`
	ReplicationMethod   ReplicationMethod      `json:"replication_method" yaml:"replication_method"`
	ReplicationKey      string                 `json:"replication_key,omitempty" yaml:"replication_key,omitempty"`
	Selected            bool                   `json:"selected" yaml:"selected"`
	Source              map[string]interface{} `json:"source,omitempty" yaml:"source,omitempty"`
	DropFieldPaths      [][]string             `json:"drop_field_paths,omitempty" yaml:"drop_field_paths,omitempty"`
	SensitiveFieldPaths [][]string             `json:"sensitive_field_paths,omitempty" yaml:"sensitive_field_paths,omitempty"`
}

func (d StreamDefinition) IsIncremental() bool {
	return d.ReplicationMethod == Incremental
}

// BookmarkProperties is the list advertised in SCHEMA messages
func (d StreamDefinition) BookmarkProperties() []string {
	if d.IsIncremental() {
		return []string{d.ReplicationKey}
	}
	return nil
}

func (d StreamDefinition) validate() error {
	var err error
	if d.TapStreamID == "" {
		return fmt.Errorf("stream with empty tap_stream_id")
	}
	switch d.ReplicationMethod {
	case FullTable:
	case Incremental:
		if d.ReplicationKey == "" {
			err = multierr.Append(err, fmt.Errorf("stream %s: INCREMENTAL replication requires replication_key", d.TapStreamID))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("stream %s: unknown replication_method %q", d.TapStreamID, d.ReplicationMethod))
	}
	if d.Selected && d.Schema == nil {
		err = multierr.Append(err, fmt.Errorf("stream %s: selected stream has no schema", d.TapStreamID))
	}
	if t, ok := d.Schema["type"]; ok && !schemaTypeIncludes(t, "object") {
		err = multierr.Append(err, fmt.Errorf("stream %s: schema type must be object", d.TapStreamID))
	}
	return err
}

func schemaTypeIncludes(t interface{}, want string) bool {
	switch v := t.(type) {
	case string:
		return v == want
	case []interface{}:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	}
	return false
}

// Validate checks every stream definition and the uniqueness of ids. The
// returned error wraps ErrMalformedCatalog.
func (c *Catalog) Validate() error {
	var err error
	seen := make(map[string]bool, len(c.Streams))
	for _, d := range c.Streams {
		if seen[d.TapStreamID] {
			err = multierr.Append(err, fmt.Errorf("duplicate tap_stream_id %q", d.TapStreamID))
		}
		seen[d.TapStreamID] = true
		err = multierr.Append(err, d.validate())
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCatalog, err)
	}
	return nil
}

// Selected returns the selected streams in declaration order
func (c *Catalog) Selected() []StreamDefinition {
	var selected []StreamDefinition
	for _, d := range c.Streams {
		if d.Selected {
			selected = append(selected, d)
		}
	}
	return selected
}

// ReadCatalog reads a JSON catalog, or YAML when the file ends in .yaml/.yml.
func ReadCatalog(filePath string) (*Catalog, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading catalog file: %w", err)
	}

	var catalog Catalog
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &catalog)
	default:
		err = json.Unmarshal(data, &catalog)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: error unmarshalling catalog: %v", ErrMalformedCatalog, err)
	}

	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

// Write saves the catalog atomically, as YAML when filePath ends in
// .yaml/.yml and as JSON otherwise.
func (c *Catalog) Write(filePath string) error {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		data, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("error marshalling catalog yaml: %w", err)
		}
		if err := util.WriteFileAtomic(filePath, data); err != nil {
			return fmt.Errorf("error writing catalog: %w", err)
		}
	default:
		if err := util.WriteJSON(filePath, c); err != nil {
			return fmt.Errorf("error writing catalog: %w", err)
		}
	}
	return nil
}
