package sources

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/5amCurfew/xtap/bookmark"
	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/stream"
	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

type databaseSettings struct {
	Table string `mapstructure:"table"`
}

type databaseConnector struct {
	driver  string
	address string
}

type databaseSession struct {
	db     *sql.DB
	driver string
}

func (s *databaseSession) Close() error { return s.db.Close() }

type databasePager struct {
	table string
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func newDatabase(url string, settings map[string]interface{}) (connection.Connector, stream.Pager, error) {
	var s databaseSettings
	if err := decodeSettings(settings, &s); err != nil {
		return nil, nil, err
	}
	if s.Table == "" {
		return nil, nil, fmt.Errorf("missing required field: source.table")
	}
	for _, part := range strings.Split(s.Table, ".") {
		if !identifierPattern.MatchString(part) {
			return nil, nil, fmt.Errorf("invalid table name: %s", s.Table)
		}
	}

	driverName, address, err := parseDatabaseURL(url)
	if err != nil {
		return nil, nil, err
	}
	return &databaseConnector{driver: driverName, address: address}, &databasePager{table: s.Table}, nil
}

// parseDatabaseURL maps the URL scheme to a registered database/sql driver
func parseDatabaseURL(url string) (string, string, error) {
	splitURL := strings.SplitN(url, "://", 2)
	if len(splitURL) != 2 {
		return "", "", fmt.Errorf("invalid db URL: %s", redactURL(url))
	}
	switch splitURL[0] {
	case "postgres", "postgresql":
		return "postgres", url, nil
	case "mysql":
		return "mysql", splitURL[1], nil
	case "sqlite", "file":
		return "sqlite3", splitURL[1], nil
	case "sqlserver":
		return "sqlserver", url, nil
	default:
		return "", "", fmt.Errorf("unsupported database type: %s", splitURL[0])
	}
}

func redactURL(url string) string {
	if at := strings.LastIndex(url, "@"); at >= 0 {
		if scheme := strings.Index(url, "://"); scheme >= 0 && scheme < at {
			return url[:scheme+3] + "***" + url[at:]
		}
	}
	return url
}

func (c *databaseConnector) Connect(ctx context.Context) (connection.Session, error) {
	db, err := sql.Open(c.driver, c.address)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classifyDatabaseError(err)
	}
	log.WithFields(log.Fields{"driver": c.driver}).Info("database connection established")
	return &databaseSession{db: db, driver: c.driver}, nil
}

// classifyDatabaseError separates credential failures and transient server
// conditions from everything else.
func classifyDatabaseError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "28":
			return &connection.AuthError{Err: err}
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53", pqErr.Code == "57P03":
			return fmt.Errorf("%w: %v", connection.ErrTransient, err)
		}
		return err
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1044, 1045, 1698:
			return &connection.AuthError{Err: err}
		case 1040, 1205, 1213:
			return fmt.Errorf("%w: %v", connection.ErrTransient, err)
		}
		return err
	}

	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		switch mssqlErr.Number {
		case 18456, 18452:
			return &connection.AuthError{Err: err}
		case 1205, 40501, 40613:
			return fmt.Errorf("%w: %v", connection.ErrTransient, err)
		}
		return err
	}

	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", connection.ErrTransient, err)
	}
	return err
}

func (p *databasePager) FetchPage(ctx context.Context, session connection.Session, req stream.PageRequest) (stream.Page, error) {
	s, ok := connection.As[*databaseSession](session)
	if !ok {
		return stream.Page{}, fmt.Errorf("database pager used with %T session", session)
	}

	offset := 0
	if req.Cursor != "" {
		o, err := strconv.Atoi(req.Cursor)
		if err != nil {
			return stream.Page{}, fmt.Errorf("invalid page cursor %q: %w", req.Cursor, err)
		}
		offset = o
	}

	query, args, err := p.buildQuery(s.driver, req, offset)
	if err != nil {
		return stream.Page{}, err
	}

	log.WithFields(log.Fields{"query": query, "offset": offset}).Debug("executing query")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return stream.Page{}, classifyDatabaseError(err)
	}
	defer rows.Close()

	records, err := scanRows(rows)
	if err != nil {
		return stream.Page{}, classifyDatabaseError(err)
	}

	if len(records) < req.Limit {
		return stream.Page{Records: records, Done: true}, nil
	}
	return stream.Page{Records: records, Next: strconv.Itoa(offset + len(records))}, nil
}

func (p *databasePager) buildQuery(driverName string, req stream.PageRequest, offset int) (string, []interface{}, error) {
	var query strings.Builder
	var args []interface{}

	query.WriteString("SELECT * FROM ")
	query.WriteString(quoteIdentifier(driverName, p.table))

	if !req.After.IsZero() {
		if !identifierPattern.MatchString(req.ReplicationKey) {
			return "", nil, fmt.Errorf("invalid replication key column: %s", req.ReplicationKey)
		}
		query.WriteString(" WHERE ")
		query.WriteString(quoteIdentifier(driverName, req.ReplicationKey))
		query.WriteString(" > ")
		query.WriteString(placeholder(driverName, 1))
		args = append(args, queryArg(driverName, req.After))
	}

	var order []string
	for _, col := range req.OrderBy {
		if !identifierPattern.MatchString(col) {
			return "", nil, fmt.Errorf("invalid order column: %s", col)
		}
		order = append(order, quoteIdentifier(driverName, col))
	}

	if len(order) == 0 && offset == 0 {
		log.WithFields(log.Fields{"table": p.table}).Warn("paging without key_properties, row order between pages is not guaranteed")
	}

	if driverName == "sqlserver" {
		if len(order) == 0 {
			order = []string{"(SELECT NULL)"}
		}
		fmt.Fprintf(&query, " ORDER BY %s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", strings.Join(order, ", "), offset, req.Limit)
		return query.String(), args, nil
	}

	if len(order) > 0 {
		fmt.Fprintf(&query, " ORDER BY %s", strings.Join(order, ", "))
	}
	fmt.Fprintf(&query, " LIMIT %d OFFSET %d", req.Limit, offset)
	return query.String(), args, nil
}

// sqliteTimestampLayout is the layout go-sqlite3 writes time.Time values in.
const sqliteTimestampLayout = "2006-01-02 15:04:05.999999999-07:00"

// queryArg binds timestamps as the driver stores them. go-sqlite3 keeps
// DATETIME values as text in its own layout, so comparing against RFC3339
// text there would order "T" after the stored space.
func queryArg(driverName string, v bookmark.Value) interface{} {
	t, ok := v.Time()
	if !ok {
		return v.Interface()
	}
	if driverName == "sqlite3" {
		return t.Format(sqliteTimestampLayout)
	}
	return t
}

func quoteIdentifier(driverName, name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		switch driverName {
		case "mysql":
			parts[i] = "`" + part + "`"
		case "sqlserver":
			parts[i] = "[" + part + "]"
		default:
			parts[i] = `"` + part + `"`
		}
	}
	return strings.Join(parts, ".")
}

func placeholder(driverName string, n int) string {
	switch driverName {
	case "postgres":
		return "$" + strconv.Itoa(n)
	case "sqlserver":
		return "@p" + strconv.Itoa(n)
	}
	return "?"
}

func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("error parsing columns: %w", err)
	}

	var records []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		for i := range columns {
			values[i] = new(interface{})
		}
		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("error scanning rows: %w", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			val := *(values[i].(*interface{}))
			switch v := val.(type) {
			case []byte:
				if r, ok := decodeColumn(v); ok {
					row[col] = r
				} else {
					row[col] = string(v)
				}
			default:
				row[col] = v
			}
		}
		records = append(records, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// decodeColumn parses JSON (or numeric text, as the mysql driver returns it)
// keeping numbers as json.Number so large integer keys stay exact.
func decodeColumn(b []byte) (interface{}, bool) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return v, true
}
