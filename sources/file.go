package sources

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/5amCurfew/xtap/bookmark"
	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/stream"
	util "github.com/5amCurfew/xtap/util"
	log "github.com/sirupsen/logrus"
)

type fileSettings struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
}

type fileConnector struct {
	location string
	remote   bool
}

// fileSession holds the parsed file; the first page request loads it
type fileSession struct {
	location string
	remote   bool
	client   *http.Client
	records  []map[string]interface{}
	loaded   bool
}

func (s *fileSession) Close() error {
	s.records = nil
	return nil
}

type filePager struct {
	format string
}

func newFile(url string, settings map[string]interface{}) (connection.Connector, stream.Pager, error) {
	var s fileSettings
	if err := decodeSettings(settings, &s); err != nil {
		return nil, nil, err
	}

	location := url
	if s.Path != "" {
		location = s.Path
	}
	if location == "" {
		return nil, nil, fmt.Errorf("missing required field: source.path")
	}

	format := strings.ToLower(s.Format)
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(location)), ".")
	}
	switch format {
	case "csv", "jsonl":
	case "ndjson":
		format = "jsonl"
	default:
		return nil, nil, fmt.Errorf("unsupported file format: %q", format)
	}

	remote := strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
	return &fileConnector{location: location, remote: remote}, &filePager{format: format}, nil
}

func (c *fileConnector) Connect(ctx context.Context) (connection.Session, error) {
	if c.remote {
		return &fileSession{location: c.location, remote: true, client: &http.Client{}}, nil
	}

	f, err := os.Open(c.location)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, &connection.AuthError{Err: err}
		}
		return nil, fmt.Errorf("error opening file: %w", err)
	}
	f.Close()
	return &fileSession{location: c.location}, nil
}

func (p *filePager) FetchPage(ctx context.Context, session connection.Session, req stream.PageRequest) (stream.Page, error) {
	s, ok := connection.As[*fileSession](session)
	if !ok {
		return stream.Page{}, fmt.Errorf("file pager used with %T session", session)
	}

	if !s.loaded {
		records, err := p.load(ctx, s)
		if err != nil {
			return stream.Page{}, err
		}
		records, err = filterAndSort(records, req)
		if err != nil {
			return stream.Page{}, err
		}
		s.records = records
		s.loaded = true
		log.WithFields(log.Fields{"file": s.location, "records": len(records)}).Info("file parsed")
	}

	offset := 0
	if req.Cursor != "" {
		o, err := strconv.Atoi(req.Cursor)
		if err != nil {
			return stream.Page{}, fmt.Errorf("invalid page cursor %q: %w", req.Cursor, err)
		}
		offset = o
	}
	if offset >= len(s.records) {
		return stream.Page{Done: true}, nil
	}

	end := offset + req.Limit
	if req.Limit <= 0 || end > len(s.records) {
		end = len(s.records)
	}
	page := stream.Page{Records: s.records[offset:end], Next: strconv.Itoa(end)}
	page.Done = end == len(s.records)
	return page, nil
}

func (p *filePager) load(ctx context.Context, s *fileSession) ([]map[string]interface{}, error) {
	var data []byte
	if s.remote {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.location, nil)
		if err != nil {
			return nil, fmt.Errorf("error creating get request: %w", err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: error fetching file: %v", connection.ErrTransient, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("error response: %d", resp.StatusCode)
		}
		if data, err = io.ReadAll(resp.Body); err != nil {
			return nil, fmt.Errorf("%w: error reading file: %v", connection.ErrTransient, err)
		}
	} else {
		var err error
		if data, err = os.ReadFile(s.location); err != nil {
			return nil, fmt.Errorf("error reading file: %w", err)
		}
	}

	if p.format == "csv" {
		return parseCSV(data)
	}
	return parseJSONL(data)
}

func parseCSV(data []byte) ([]map[string]interface{}, error) {
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("error parsing csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	records := make([]map[string]interface{}, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make(map[string]interface{}, len(header))
		for i, value := range row {
			if i < len(header) {
				record[header[i]] = value
			}
		}
		records = append(records, record)
	}
	return records, nil
}

func parseJSONL(data []byte) ([]map[string]interface{}, error) {
	var records []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		decoder := json.NewDecoder(bytes.NewReader(text))
		decoder.UseNumber()
		var record map[string]interface{}
		if err := decoder.Decode(&record); err != nil {
			return nil, fmt.Errorf("error parsing jsonl line %d: %w", line, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning jsonl: %w", err)
	}
	return records, nil
}

// filterAndSort applies the request's bookmark filter and ordering in memory,
// the way a database would for a WHERE/ORDER BY query.
func filterAndSort(records []map[string]interface{}, req stream.PageRequest) ([]map[string]interface{}, error) {
	if len(req.OrderBy) == 0 {
		return records, nil
	}

	type keyed struct {
		record map[string]interface{}
		keys   []bookmark.Value
	}
	rows := make([]keyed, 0, len(records))
	for _, record := range records {
		row := keyed{record: record, keys: make([]bookmark.Value, len(req.OrderBy))}
		for i, col := range req.OrderBy {
			// missing values sort first
			if v, err := bookmark.FromInterface(util.GetValueAtPath(strings.Split(col, "."), record)); err == nil {
				row.keys[i] = v
			}
		}
		if !req.After.IsZero() && !row.keys[0].IsZero() {
			c, err := bookmark.Compare(row.keys[0], req.After)
			if err != nil {
				return nil, fmt.Errorf("comparing %s: %w", req.OrderBy[0], err)
			}
			if c <= 0 {
				continue
			}
		}
		rows = append(rows, row)
	}

	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		for k := range req.OrderBy {
			c, err := bookmark.Compare(rows[i].keys[k], rows[j].keys[k])
			if err != nil {
				sortErr = err
				return false
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	if sortErr != nil {
		return nil, fmt.Errorf("sorting by %v: %w", req.OrderBy, sortErr)
	}

	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		out[i] = row.record
	}
	return out, nil
}
