// Package sources implements the connectors and pagers for each supported
// source type. Settings come from the config's source.settings, overridden
// by the stream's own source block.
package sources

import (
	"fmt"
	"strings"

	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/models"
	"github.com/5amCurfew/xtap/stream"
	"github.com/mitchellh/mapstructure"
)

// Factory builds the connector and stream for a catalog entry
type Factory func(def models.StreamDefinition) (connection.Connector, stream.Stream, error)

// NewFactory returns a Factory for cfg.Source.Type.
func NewFactory(cfg models.Config, policy connection.Policy) Factory {
	return func(def models.StreamDefinition) (connection.Connector, stream.Stream, error) {
		settings := mergeSettings(cfg.Source.Settings, def.Source)

		var (
			connector connection.Connector
			pager     stream.Pager
			err       error
		)
		switch cfg.Source.Type {
		case "database":
			connector, pager, err = newDatabase(cfg.Source.URL, settings)
		case "rest":
			connector, pager, err = newREST(cfg.Source.URL, settings)
		case "file":
			connector, pager, err = newFile(cfg.Source.URL, settings)
		case "html":
			connector, pager, err = newHTML(cfg.Source.URL, settings)
		default:
			return nil, nil, fmt.Errorf("unsupported data source: %s", cfg.Source.Type)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("stream %s: %w", def.TapStreamID, err)
		}

		s := stream.NewPaginated(def, pager, stream.Options{BatchSize: cfg.BatchSize, Policy: policy})
		return connector, s, nil
	}
}

func mergeSettings(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func decodeSettings(settings map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return fmt.Errorf("error creating settings decoder: %w", err)
	}
	if err := decoder.Decode(settings); err != nil {
		return fmt.Errorf("invalid source settings: %w", err)
	}
	return nil
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
