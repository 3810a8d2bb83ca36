package stream

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/5amCurfew/xtap/bookmark"
	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/models"
	util "github.com/5amCurfew/xtap/util"
	log "github.com/sirupsen/logrus"
)

// PageRequest asks a source for one page. After is zero for full-table
// extraction; otherwise the source should return only records whose
// replication key is strictly greater (records at or below After are
// discarded anyway). Records must come back ordered by OrderBy, which ends
// with the key properties as a tiebreaker.
type PageRequest struct {
	Cursor         string
	After          bookmark.Value
	ReplicationKey string
	OrderBy        []string
	Limit          int
}

// Page is one batch of raw records. Done signals end-of-data; Next is the
// cursor for the following request.
type Page struct {
	Records []map[string]interface{}
	Next    string
	Done    bool
}

// Pager is the source-specific part of a stream.
type Pager interface {
	FetchPage(ctx context.Context, session connection.Session, req PageRequest) (Page, error)
}

type Options struct {
	BatchSize int
	Policy    connection.Policy
}

// Paginated implements Stream for any Pager, for both replication methods.
type Paginated struct {
	def   models.StreamDefinition
	pager Pager
	opts  Options
	now   func() time.Time
}

func NewPaginated(def models.StreamDefinition, pager Pager, opts Options) *Paginated {
	if opts.BatchSize <= 0 {
		opts.BatchSize = models.DefaultBatchSize
	}
	return &Paginated{def: def, pager: pager, opts: opts, now: time.Now}
}

func (s *Paginated) Definition() models.StreamDefinition { return s.def }

// Extract starts a new pass. FULL_TABLE ignores prior and rescans; its only
// bookmark is the extraction start time, attached to the Final item.
func (s *Paginated) Extract(ctx context.Context, session connection.Session, prior bookmark.Value) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	it := &pageIterator{
		stream:  s,
		session: session,
		started: s.now(),
		req:     PageRequest{Limit: s.opts.BatchSize},
	}
	if s.def.IsIncremental() {
		it.prior = prior
		it.handed = prior
		it.keyPath = strings.Split(s.def.ReplicationKey, ".")
		it.req.After = prior
		it.req.ReplicationKey = s.def.ReplicationKey
		it.req.OrderBy = orderBy(s.def.ReplicationKey, s.def.KeyProperties)
	} else {
		it.req.OrderBy = orderBy("", s.def.KeyProperties)
	}

	log.WithFields(log.Fields{
		"stream":             s.def.TapStreamID,
		"replication_method": s.def.ReplicationMethod,
		"bookmark":           it.prior.String(),
	}).Info("starting extraction")
	return it, nil
}

// orderBy puts the key properties after the replication key so rows sharing
// a replication key keep a stable order across pages.
func orderBy(replicationKey string, keyProperties []string) []string {
	var cols []string
	if replicationKey != "" {
		cols = append(cols, replicationKey)
	}
	for _, k := range keyProperties {
		if k != replicationKey {
			cols = append(cols, k)
		}
	}
	return cols
}

type pageIterator struct {
	stream  *Paginated
	session connection.Session
	started time.Time
	keyPath []string

	req      PageRequest
	buf      []map[string]interface{}
	pos      int
	pages    int
	done     bool
	finished bool

	prior   bookmark.Value
	lastKey bookmark.Value
	handed  bookmark.Value
}

func (it *pageIterator) Next(ctx context.Context) (Item, error) {
	if it.finished {
		return Item{}, io.EOF
	}

	for {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}

		if it.pos < len(it.buf) {
			raw := it.buf[it.pos]
			it.pos++

			item, keep, err := it.next(raw)
			if err != nil {
				return Item{}, it.fail(err)
			}
			if keep {
				return item, nil
			}
			continue
		}

		if it.done {
			it.finished = true
			item := Item{Final: true}
			if it.stream.def.IsIncremental() {
				item.Bookmark = bookmark.Max(it.lastKey, it.prior)
			} else {
				item.Bookmark = bookmark.Time(it.started)
			}
			it.handed = item.Bookmark
			return item, nil
		}

		if err := it.fetch(ctx); err != nil {
			return Item{}, err
		}
	}
}

// next turns a raw record into an item, reporting false for records at or
// below the prior bookmark.
func (it *pageIterator) next(raw map[string]interface{}) (Item, bool, error) {
	def := it.stream.def
	var item Item

	if def.IsIncremental() {
		key, err := bookmark.FromInterface(util.GetValueAtPath(it.keyPath, raw))
		if err != nil {
			return item, false, fmt.Errorf("replication key %s: %w", def.ReplicationKey, err)
		}
		if !it.prior.IsZero() {
			c, err := bookmark.Compare(key, it.prior)
			if err != nil {
				return item, false, err
			}
			if c <= 0 {
				return item, false, nil
			}
		}
		if !it.lastKey.IsZero() {
			c, err := bookmark.Compare(key, it.lastKey)
			if err != nil {
				return item, false, err
			}
			if c < 0 {
				return item, false, fmt.Errorf("record out of order: %s %s follows %s", def.ReplicationKey, key, it.lastKey)
			}
			// siblings sharing lastKey may still follow, so it is only safe
			// once a strictly greater key shows up
			if c > 0 {
				item.Bookmark = it.lastKey
				it.handed = it.lastKey
			}
		}
		it.lastKey = key
	}

	transformRecord(def, raw)
	item.Record = &Record{
		Stream:      def.TapStreamID,
		Data:        raw,
		ExtractedAt: it.stream.now(),
	}
	return item, true, nil
}

func (it *pageIterator) fetch(ctx context.Context) error {
	var page Page
	err := connection.Retry(ctx, it.stream.opts.Policy, func(ctx context.Context) error {
		p, err := it.stream.pager.FetchPage(ctx, it.session, it.req)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return it.fail(fmt.Errorf("error fetching page %d: %w", it.pages+1, err))
	}
	it.pages++

	log.WithFields(log.Fields{
		"stream":  it.stream.def.TapStreamID,
		"page":    it.pages,
		"records": len(page.Records),
	}).Debug("page fetched")

	stalled := len(page.Records) == 0 && page.Next == it.req.Cursor
	it.buf = page.Records
	it.pos = 0
	it.req.Cursor = page.Next
	it.done = page.Done || stalled
	return nil
}

func (it *pageIterator) fail(err error) error {
	it.finished = true
	return &ExtractionError{
		Stream:       it.stream.def.TapStreamID,
		LastBookmark: it.handed,
		Err:          err,
	}
}
