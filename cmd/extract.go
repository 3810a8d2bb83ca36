package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/models"
	"github.com/5amCurfew/xtap/sources"
	"github.com/5amCurfew/xtap/store"
	"github.com/5amCurfew/xtap/tap"
	log "github.com/sirupsen/logrus"
)

// Extract runs the tap against the catalog at catalogPath, or the streams
// declared in the config when no catalog is given, and returns the process
// exit code.
func Extract(ctx context.Context, cfg models.Config, catalogPath, statePath string, out io.Writer) int {
	catalog, err := loadCatalog(cfg, catalogPath)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("error reading catalog")
		return 1
	}

	policy := connection.PolicyFromConfig(cfg, connection.NewLimiter(cfg.RateLimit))
	t, err := tap.New(tap.Options{
		Config:  cfg,
		Catalog: catalog,
		Factory: tap.StreamFactory(sources.NewFactory(cfg, policy)),
		Policy:  policy,
		Store:   store.NewFileStore(statePath),
		Emitter: models.NewEmitter(out),
	})
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("error creating tap")
		return 1
	}

	summary := t.Run(ctx)
	for _, r := range summary.Streams {
		fields := log.Fields{
			"stream":            r.Stream,
			"status":            r.Status,
			"records_extracted": r.RecordsExtracted,
			"records_emitted":   r.RecordsEmitted,
			"records_dropped":   r.RecordsDropped,
			"checkpoints":       r.Checkpoints,
		}
		if r.Err != nil {
			fields["error"] = r.Err.Error()
		}
		log.WithFields(fields).Info("stream summary")
	}
	if summary.Err != nil {
		log.WithFields(log.Fields{"error": summary.Err}).Error("extraction finished with errors")
	}
	return summary.ExitCode()
}

func loadCatalog(cfg models.Config, catalogPath string) (*models.Catalog, error) {
	if catalogPath != "" {
		return models.ReadCatalog(catalogPath)
	}
	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("%w: no catalog given and no streams in config, run with --discover first", models.ErrMalformedCatalog)
	}
	log.Info("no catalog provided, using streams from config")
	return &models.Catalog{Streams: cfg.Streams}, nil
}
