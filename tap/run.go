package tap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/5amCurfew/xtap/bookmark"
	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/models"
	"github.com/5amCurfew/xtap/schema"
	"github.com/5amCurfew/xtap/stream"
	log "github.com/sirupsen/logrus"
)

type Status string

const (
	StatusPending       Status = "PENDING"
	StatusConnecting    Status = "CONNECTING"
	StatusExtracting    Status = "EXTRACTING"
	StatusCheckpointing Status = "CHECKPOINTING"
	StatusDone          Status = "DONE"
	StatusFailed        Status = "FAILED"
	StatusCancelled     Status = "CANCELLED"
)

type StreamResult struct {
	Stream           string
	Status           Status
	RecordsExtracted int
	RecordsEmitted   int
	RecordsDropped   int
	Checkpoints      int
	Err              error
}

type Summary struct {
	RunID     string
	Streams   []StreamResult
	Cancelled bool
	Err       error
}

// ExitCode is 130 for an interrupted run, 1 if any stream failed or the run
// could not start, and 0 otherwise.
func (s Summary) ExitCode() int {
	if s.Cancelled {
		return 130
	}
	if s.Err != nil {
		return 1
	}
	for _, r := range s.Streams {
		if r.Status != StatusDone {
			return 1
		}
	}
	return 0
}

// streamRun is the state of one stream execution
type streamRun struct {
	tap    *Tap
	rc     *runContext
	def    models.StreamDefinition
	result StreamResult
	logger *log.Entry

	pending          bookmark.Value
	sinceCheckpoint  int
	lastCheckpointAt time.Time
}

func (t *Tap) runStream(ctx context.Context, rc *runContext, def models.StreamDefinition) StreamResult {
	r := &streamRun{
		tap:    t,
		rc:     rc,
		def:    def,
		result: StreamResult{Stream: def.TapStreamID, Status: StatusPending},
		logger: log.WithFields(log.Fields{"run_id": rc.id, "stream": def.TapStreamID}),
	}
	r.run(ctx)

	r.logger.WithFields(log.Fields{
		"status":    r.result.Status,
		"extracted": r.result.RecordsExtracted,
		"emitted":   r.result.RecordsEmitted,
		"dropped":   r.result.RecordsDropped,
	}).Info("stream finished")
	return r.result
}

func (r *streamRun) setStatus(s Status) {
	r.result.Status = s
	r.logger.WithFields(log.Fields{"status": s}).Debug("stream status")
}

func (r *streamRun) fail(err error) {
	r.result.Err = err
	r.setStatus(StatusFailed)
	r.logger.WithFields(log.Fields{"error": err}).Error("stream failed")
}

func (r *streamRun) cancel() {
	r.setStatus(StatusCancelled)
	r.logger.WithFields(log.Fields{"in_flight_bookmark": r.pending.String()}).Warn("stream cancelled, keeping last checkpoint")
}

func (r *streamRun) run(ctx context.Context) {
	r.setStatus(StatusConnecting)
	connector, s, err := r.tap.factory(r.def)
	if err != nil {
		r.fail(err)
		return
	}

	session, err := connection.Open(ctx, connector, r.tap.policy)
	if err != nil {
		if ctx.Err() != nil {
			r.cancel()
			return
		}
		r.fail(err)
		return
	}
	defer connection.Close(session)

	it, err := s.Extract(ctx, session, r.tap.priorBookmark(r.def))
	if err != nil {
		if ctx.Err() != nil {
			r.cancel()
			return
		}
		r.fail(err)
		return
	}

	r.setStatus(StatusExtracting)
	if err := r.tap.emitter.Schema(r.def); err != nil {
		r.fail(fmt.Errorf("error emitting schema: %w", err))
		return
	}
	r.lastCheckpointAt = r.tap.now()

	for {
		item, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.handleError(ctx, err)
			return
		}

		if !item.Bookmark.IsZero() {
			r.pending = item.Bookmark
		}
		if item.Final {
			break
		}
		if err := r.handleRecord(item.Record); err != nil {
			r.checkpointOnFailure()
			r.fail(err)
			return
		}
		if err := r.maybeCheckpoint(); err != nil {
			r.fail(err)
			return
		}
	}

	r.setStatus(StatusCheckpointing)
	if err := r.checkpoint(true); err != nil {
		r.fail(err)
		return
	}
	r.setStatus(StatusDone)
}

func (r *streamRun) handleRecord(rec *stream.Record) error {
	r.result.RecordsExtracted++

	if err := r.tap.registry.Validate(r.def.TapStreamID, rec.Data); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) && !r.tap.registry.Strict() {
			r.result.RecordsDropped++
			r.rc.dropped.Add(1)
			r.logger.WithFields(log.Fields{"problems": verr.Problems}).Warn("record failed validation, dropping")
			return nil
		}
		return err
	}

	if err := r.tap.emitter.Record(r.def.TapStreamID, rec.Data, rec.ExtractedAt); err != nil {
		return fmt.Errorf("error emitting record: %w", err)
	}
	r.result.RecordsEmitted++
	r.rc.records.Add(1)
	return nil
}

func (r *streamRun) maybeCheckpoint() error {
	r.sinceCheckpoint++

	interval := r.tap.cfg.CheckpointInterval
	if interval <= 0 {
		interval = models.DefaultCheckpointInterval
	}
	due := r.sinceCheckpoint >= interval
	if every := r.tap.cfg.CheckpointEvery(); every > 0 && r.tap.now().Sub(r.lastCheckpointAt) >= every {
		due = true
	}
	if !due {
		return nil
	}
	return r.checkpoint(false)
}

func (r *streamRun) checkpoint(force bool) error {
	written, err := r.tap.checkpoint(r.def, r.pending, force)
	if err != nil {
		return fmt.Errorf("error checkpointing: %w", err)
	}
	r.sinceCheckpoint = 0
	r.lastCheckpointAt = r.tap.now()
	if written {
		r.result.Checkpoints++
		r.logger.WithFields(log.Fields{"bookmark": r.pending.String()}).Debug("checkpoint written")
	}
	return nil
}

// checkpointOnFailure saves progress made before a failure. Every record up
// to the pending bookmark has already been emitted.
func (r *streamRun) checkpointOnFailure() {
	if r.pending.IsZero() {
		return
	}
	if err := r.checkpoint(false); err != nil {
		r.logger.WithFields(log.Fields{"error": err}).Error("error checkpointing failed stream")
	}
}

func (r *streamRun) handleError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		r.cancel()
		return
	}

	var extractionErr *stream.ExtractionError
	if errors.As(err, &extractionErr) {
		r.pending = bookmark.Max(r.pending, extractionErr.LastBookmark)
		r.checkpointOnFailure()
	}
	r.fail(err)
}
