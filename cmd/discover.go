package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/5amCurfew/xtap/bookmark"
	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/models"
	"github.com/5amCurfew/xtap/schema"
	"github.com/5amCurfew/xtap/sources"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const DefaultCatalogPath = "catalog.json"

// Discover samples the first page of every stream declared in the config,
// infers its schema and writes the resulting catalog to catalogPath.
// Streams that cannot be sampled are left out and reported in the error.
func Discover(ctx context.Context, cfg models.Config, catalogPath string) error {
	if len(cfg.Streams) == 0 {
		return fmt.Errorf("no streams declared in config")
	}
	if catalogPath == "" {
		catalogPath = DefaultCatalogPath
	}

	policy := connection.PolicyFromConfig(cfg, connection.NewLimiter(cfg.RateLimit))
	factory := sources.NewFactory(cfg, policy)

	var (
		catalog models.Catalog
		errs    error
	)
	for _, def := range cfg.Streams {
		if err := ctx.Err(); err != nil {
			return err
		}

		discovered, err := discoverStream(ctx, factory, policy, def, cfg.BatchSize)
		if err != nil {
			log.WithFields(log.Fields{"stream": def.TapStreamID, "error": err}).Error("error discovering stream")
			errs = multierr.Append(errs, fmt.Errorf("stream %s: %w", def.TapStreamID, err))
			continue
		}
		catalog.Streams = append(catalog.Streams, discovered)
	}

	if len(catalog.Streams) > 0 {
		if err := catalog.Validate(); err != nil {
			return err
		}
		if err := catalog.Write(catalogPath); err != nil {
			return fmt.Errorf("error writing catalog: %w", err)
		}
		log.WithFields(log.Fields{"path": catalogPath, "streams": len(catalog.Streams)}).Info("catalog written")
	}
	return errs
}

func discoverStream(ctx context.Context, factory sources.Factory, policy connection.Policy, def models.StreamDefinition, limit int) (models.StreamDefinition, error) {
	if def.ReplicationMethod == "" {
		def.ReplicationMethod = models.FullTable
	}

	// sampling never needs a bookmark, so read it as a full-table scan
	sample := def
	sample.ReplicationMethod = models.FullTable
	sample.ReplicationKey = ""

	connector, s, err := factory(sample)
	if err != nil {
		return def, err
	}
	session, err := connection.Open(ctx, connector, policy)
	if err != nil {
		return def, err
	}
	defer connection.Close(session)

	it, err := s.Extract(ctx, session, bookmark.Value{})
	if err != nil {
		return def, err
	}

	if limit <= 0 {
		limit = models.DefaultBatchSize
	}
	var records []map[string]interface{}
	for len(records) < limit {
		item, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return def, err
		}
		if item.Final {
			break
		}
		records = append(records, item.Record.Data)
	}

	inferred := schema.Infer(records)
	if def.Schema != nil {
		inferred = schema.Merge(def.Schema, inferred)
	}
	def.Schema = inferred
	def.Selected = true

	log.WithFields(log.Fields{"stream": def.TapStreamID, "sampled": len(records)}).Info("stream discovered")
	return def, nil
}
