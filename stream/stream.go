// Package stream defines how one logical resource is extracted. A Stream
// produces a lazy, pull-based sequence of records and bookmarks; every side
// effect (emission, persistence) is left to the caller.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/5amCurfew/xtap/bookmark"
	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/models"
)

type Record struct {
	Stream      string
	Data        map[string]interface{}
	ExtractedAt time.Time
}

// Item is one step of an extraction. Bookmark, when set, is safe to persist
// once every item before this one has been handled: all records with a
// replication key at or below it have already been yielded. The Final item
// carries no record and marks completion.
type Item struct {
	Record   *Record
	Bookmark bookmark.Value
	Final    bool
}

// Iterator yields items until it returns io.EOF after the Final item. It
// checks ctx between records and at page boundaries and returns ctx.Err()
// when cancelled.
type Iterator interface {
	Next(ctx context.Context) (Item, error)
}

type Stream interface {
	Definition() models.StreamDefinition
	Extract(ctx context.Context, session connection.Session, prior bookmark.Value) (Iterator, error)
}

// ExtractionError is fatal for the stream. LastBookmark is the last bookmark
// handed out before the failure and may be persisted.
type ExtractionError struct {
	Stream       string
	LastBookmark bookmark.Value
	Err          error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction of stream %s failed (last bookmark %s): %v", e.Stream, e.LastBookmark, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
