// Package tap runs the selected streams of a catalog, emitting SCHEMA,
// RECORD and STATE messages and checkpointing bookmarks as it goes.
package tap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/5amCurfew/xtap/bookmark"
	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/models"
	"github.com/5amCurfew/xtap/schema"
	"github.com/5amCurfew/xtap/store"
	"github.com/5amCurfew/xtap/stream"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// StreamFactory builds the connector and stream for one catalog entry.
type StreamFactory func(def models.StreamDefinition) (connection.Connector, stream.Stream, error)

type Options struct {
	Config  models.Config
	Catalog *models.Catalog
	Factory StreamFactory
	Policy  connection.Policy
	Store   *store.FileStore
	Emitter *models.Emitter
}

type Tap struct {
	cfg      models.Config
	catalog  *models.Catalog
	factory  StreamFactory
	policy   connection.Policy
	registry *schema.Registry
	store    *store.FileStore
	emitter  *models.Emitter
	now      func() time.Time

	// mu guards state, the last checkpointed state, and orders STATE
	// messages with the writes behind them
	mu    sync.Mutex
	state models.State
}

// runContext carries per-run identity and counters through the run.
type runContext struct {
	id      string
	started time.Time
	records atomic.Int64
	dropped atomic.Int64
}

func newRunContext(now time.Time) *runContext {
	return &runContext{id: uuid.NewString(), started: now}
}

// New validates the catalog, takes a copy of its stream definitions and
// registers the schema of every selected stream.
func New(opts Options) (*Tap, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("%w: no catalog", models.ErrMalformedCatalog)
	}
	if err := opts.Catalog.Validate(); err != nil {
		return nil, err
	}
	if opts.Factory == nil || opts.Store == nil || opts.Emitter == nil {
		return nil, fmt.Errorf("tap requires a stream factory, state store and emitter")
	}

	// the run works on its own copy so later edits by the caller are not seen
	catalog := &models.Catalog{Streams: append([]models.StreamDefinition(nil), opts.Catalog.Streams...)}

	registry := schema.NewRegistry(opts.Config.StrictSchema)
	for _, def := range catalog.Selected() {
		if err := registry.Register(def.TapStreamID, def.Schema); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrMalformedCatalog, err)
		}
	}

	return &Tap{
		cfg:      opts.Config,
		catalog:  catalog,
		factory:  opts.Factory,
		policy:   opts.Policy,
		registry: registry,
		store:    opts.Store,
		emitter:  opts.Emitter,
		now:      time.Now,
	}, nil
}

// Run extracts every selected stream in catalog order, or on up to
// max_concurrency workers. A failed stream does not stop the others; a
// cancelled ctx stops new streams from starting and leaves the state at its
// last checkpoint.
func (t *Tap) Run(ctx context.Context) Summary {
	rc := newRunContext(t.now())
	logger := log.WithFields(log.Fields{"run_id": rc.id})

	state, err := t.store.Load()
	if err != nil {
		logger.WithFields(log.Fields{"error": err}).Error("error loading state")
		return Summary{RunID: rc.id, Err: err}
	}
	t.state = state

	selected := t.catalog.Selected()
	logger.WithFields(log.Fields{"streams": len(selected), "max_concurrency": t.cfg.MaxConcurrency}).Info("run started")

	results := make([]StreamResult, len(selected))
	if t.cfg.MaxConcurrency > 1 {
		var g errgroup.Group
		g.SetLimit(t.cfg.MaxConcurrency)
		for i, def := range selected {
			if ctx.Err() != nil {
				break
			}
			i, def := i, def
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				results[i] = t.runStream(ctx, rc, def)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, def := range selected {
			if ctx.Err() != nil {
				break
			}
			results[i] = t.runStream(ctx, rc, def)
		}
	}

	summary := Summary{RunID: rc.id, Cancelled: ctx.Err() != nil}
	for _, r := range results {
		if r.Stream == "" {
			continue
		}
		summary.Streams = append(summary.Streams, r)
		if r.Status == StatusFailed {
			summary.Err = multierr.Append(summary.Err, fmt.Errorf("stream %s: %w", r.Stream, r.Err))
		}
		if r.Status == StatusCancelled {
			summary.Cancelled = true
		}
	}

	t.recordHistory(rc, summary)
	logger.WithFields(log.Fields{
		"records":   rc.records.Load(),
		"dropped":   rc.dropped.Load(),
		"cancelled": summary.Cancelled,
		"exit_code": summary.ExitCode(),
		"duration":  t.now().Sub(rc.started).String(),
	}).Info("run finished")
	return summary
}

// checkpoint advances the stream's bookmark, persists the state and emits
// it. With force set, STATE is emitted even if nothing moved.
func (t *Tap) checkpoint(def models.StreamDefinition, v bookmark.Value, force bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.state.Copy()
	changed, err := next.Advance(def.TapStreamID, def.ReplicationKey, v)
	if err != nil {
		return false, err
	}
	if !changed && !force {
		return false, nil
	}

	written, err := t.store.Save(next)
	if err != nil {
		return false, err
	}
	t.state = written
	if err := t.emitter.State(written); err != nil {
		return false, fmt.Errorf("error emitting state: %w", err)
	}
	return true, nil
}

func (t *Tap) priorBookmark(def models.StreamDefinition) bookmark.Value {
	t.mu.Lock()
	defer t.mu.Unlock()

	sb, ok := t.state.Bookmarks[def.TapStreamID]
	if !ok {
		return bookmark.Value{}
	}
	if def.IsIncremental() && sb.ReplicationKey != def.ReplicationKey {
		log.WithFields(log.Fields{
			"stream":       def.TapStreamID,
			"previous_key": sb.ReplicationKey,
			"key":          def.ReplicationKey,
		}).Warn("replication key changed, restarting stream from the beginning")
		return bookmark.Value{}
	}
	return sb.Value
}

// State returns the last checkpointed state.
func (t *Tap) State() models.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Copy()
}

func (t *Tap) recordHistory(rc *runContext, summary Summary) {
	if t.cfg.HistoryPath == "" {
		return
	}
	end := t.now()
	metric := models.ExecutionMetric{
		RunID:             rc.id,
		ExecutionStart:    rc.started,
		ExecutionEnd:      end,
		ExecutionDuration: end.Sub(rc.started),
		Cancelled:         summary.Cancelled,
	}
	for _, r := range summary.Streams {
		m := models.StreamMetric{
			Stream:           r.Stream,
			Status:           string(r.Status),
			RecordsExtracted: r.RecordsExtracted,
			RecordsEmitted:   r.RecordsEmitted,
			RecordsDropped:   r.RecordsDropped,
			Checkpoints:      r.Checkpoints,
		}
		if r.Err != nil {
			m.Error = r.Err.Error()
		}
		metric.Streams = append(metric.Streams, m)
	}
	if err := models.AppendToHistory(t.cfg.HistoryPath, metric); err != nil {
		log.WithFields(log.Fields{"error": err, "path": t.cfg.HistoryPath}).Warn("error writing history")
	}
}
