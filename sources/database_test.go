package sources

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/5amCurfew/xtap/bookmark"
	"github.com/5amCurfew/xtap/connection"
	"github.com/5amCurfew/xtap/models"
	"github.com/5amCurfew/xtap/stream"
	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSQLite(t *testing.T, seqs ...int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE events (id INTEGER PRIMARY KEY, seq INTEGER NOT NULL, name TEXT)`)
	require.NoError(t, err)
	for i, seq := range seqs {
		_, err = db.Exec(`INSERT INTO events (id, seq, name) VALUES (?, ?, ?)`, i+1, seq, fmt.Sprintf("event-%d", i+1))
		require.NoError(t, err)
	}
	return path
}

func TestDatabaseSQLiteIncremental(t *testing.T) {
	path := seedSQLite(t, 30, 10, 20, 20, 40)
	cfg := models.Config{
		BatchSize: 2,
		Source: models.SourceConfig{
			Type:     "database",
			URL:      "sqlite://" + path,
			Settings: map[string]interface{}{"table": "events"},
		},
	}
	def := models.StreamDefinition{
		TapStreamID:       "events",
		ReplicationMethod: models.Incremental,
		ReplicationKey:    "seq",
		Selected:          true,
	}

	records, final := extractAll(t, cfg, def, bookmark.Value{})
	var seqs []int64
	for _, r := range records {
		seqs = append(seqs, r["seq"].(int64))
	}
	assert.Equal(t, []int64{10, 20, 20, 30, 40}, seqs)
	assert.Equal(t, bookmark.Int(40), final)

	records, final = extractAll(t, cfg, def, bookmark.Int(20))
	require.Len(t, records, 2)
	assert.Equal(t, "event-1", records[0]["name"])
	assert.Equal(t, bookmark.Int(40), final)
}

func TestDatabaseSQLiteDatetimeResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE events (id INTEGER PRIMARY KEY, updated_at DATETIME NOT NULL)`)
	require.NoError(t, err)
	for i, hour := range []int{9, 10, 11} {
		_, err = db.Exec(`INSERT INTO events (id, updated_at) VALUES (?, ?)`, i+1, time.Date(2024, 1, 1, hour, 0, 0, 0, time.UTC))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	cfg := models.Config{
		Source: models.SourceConfig{
			Type:     "database",
			URL:      "sqlite://" + path,
			Settings: map[string]interface{}{"table": "events"},
		},
	}
	def := models.StreamDefinition{
		TapStreamID:       "events",
		KeyProperties:     []string{"id"},
		ReplicationMethod: models.Incremental,
		ReplicationKey:    "updated_at",
		Selected:          true,
	}

	records, final := extractAll(t, cfg, def, bookmark.Value{})
	assert.Len(t, records, 3)
	assert.Equal(t, "2024-01-01T11:00:00Z", final.String())

	records, final = extractAll(t, cfg, def, bookmark.Time(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)))
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0]["id"])
	assert.Equal(t, int64(3), records[1]["id"])
	assert.Equal(t, "2024-01-01T11:00:00Z", final.String())
}

func TestDatabaseSQLiteTiesAcrossPages(t *testing.T) {
	path := seedSQLite(t, 5, 5, 5, 7)
	cfg := models.Config{
		BatchSize: 2,
		Source: models.SourceConfig{
			Type:     "database",
			URL:      "sqlite://" + path,
			Settings: map[string]interface{}{"table": "events"},
		},
	}
	def := models.StreamDefinition{
		TapStreamID:       "events",
		KeyProperties:     []string{"id"},
		ReplicationMethod: models.Incremental,
		ReplicationKey:    "seq",
		Selected:          true,
	}

	records, final := extractAll(t, cfg, def, bookmark.Value{})
	var names []string
	for _, r := range records {
		names = append(names, r["name"].(string))
	}
	assert.Equal(t, []string{"event-1", "event-2", "event-3", "event-4"}, names)
	assert.Equal(t, bookmark.Int(7), final)
}

func TestDatabaseSQLiteFullTable(t *testing.T) {
	path := seedSQLite(t, 3, 1, 2)
	cfg := models.Config{
		Source: models.SourceConfig{Type: "database", URL: "sqlite://" + path},
	}
	def := models.StreamDefinition{
		TapStreamID:       "events",
		ReplicationMethod: models.FullTable,
		KeyProperties:     []string{"id"},
		Selected:          true,
		Source:            map[string]interface{}{"table": "events"},
	}

	records, final := extractAll(t, cfg, def, bookmark.Int(99))
	assert.Len(t, records, 3)
	assert.Equal(t, bookmark.KindTime, final.Kind())
}

func TestDatabaseSettingsValidation(t *testing.T) {
	_, _, err := newDatabase("sqlite://x.db", nil)
	assert.ErrorContains(t, err, "source.table")

	_, _, err = newDatabase("sqlite://x.db", map[string]interface{}{"table": "events; DROP TABLE x"})
	assert.ErrorContains(t, err, "invalid table name")

	_, _, err = newDatabase("oracle://x", map[string]interface{}{"table": "events"})
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestParseDatabaseURL(t *testing.T) {
	cases := []struct {
		url, driver, address string
	}{
		{"postgres://u:p@localhost/db", "postgres", "postgres://u:p@localhost/db"},
		{"mysql://u:p@tcp(localhost:3306)/db", "mysql", "u:p@tcp(localhost:3306)/db"},
		{"sqlite:///tmp/x.db", "sqlite3", "/tmp/x.db"},
		{"sqlserver://u:p@localhost?database=db", "sqlserver", "sqlserver://u:p@localhost?database=db"},
	}
	for _, tc := range cases {
		driverName, address, err := parseDatabaseURL(tc.url)
		require.NoError(t, err, tc.url)
		assert.Equal(t, tc.driver, driverName)
		assert.Equal(t, tc.address, address)
	}

	_, _, err := parseDatabaseURL("u:secret@localhost")
	require.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "postgres://***@localhost/db", redactURL("postgres://u:p@localhost/db"))
	assert.Equal(t, "sqlite:///x.db", redactURL("sqlite:///x.db"))
}

func TestBuildQuery(t *testing.T) {
	p := &databasePager{table: "public.events"}
	req := stream.PageRequest{
		After:          bookmark.Int(5),
		ReplicationKey: "seq",
		OrderBy:        []string{"seq"},
		Limit:          100,
	}

	query, args, err := p.buildQuery("postgres", req, 200)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "public"."events" WHERE "seq" > $1 ORDER BY "seq" LIMIT 100 OFFSET 200`, query)
	assert.Equal(t, []interface{}{int64(5)}, args)

	query, _, err = p.buildQuery("mysql", req, 0)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM `public`.`events` WHERE `seq` > ? ORDER BY `seq` LIMIT 100 OFFSET 0", query)

	query, _, err = p.buildQuery("sqlserver", req, 0)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM [public].[events] WHERE [seq] > @p1 ORDER BY [seq] OFFSET 0 ROWS FETCH NEXT 100 ROWS ONLY`, query)

	query, args, err = p.buildQuery("sqlserver", stream.PageRequest{Limit: 10}, 10)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM [public].[events] ORDER BY (SELECT NULL) OFFSET 10 ROWS FETCH NEXT 10 ROWS ONLY`, query)
	assert.Empty(t, args)

	_, _, err = p.buildQuery("postgres", stream.PageRequest{OrderBy: []string{"a b"}, Limit: 1}, 0)
	assert.ErrorContains(t, err, "invalid order column")

	tied := stream.PageRequest{
		After:          bookmark.Int(5),
		ReplicationKey: "seq",
		OrderBy:        []string{"seq", "id"},
		Limit:          2,
	}
	query, _, err = p.buildQuery("postgres", tied, 2)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "public"."events" WHERE "seq" > $1 ORDER BY "seq", "id" LIMIT 2 OFFSET 2`, query)

	query, _, err = p.buildQuery("sqlserver", tied, 2)
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM [public].[events] WHERE [seq] > @p1 ORDER BY [seq], [id] OFFSET 2 ROWS FETCH NEXT 2 ROWS ONLY`, query)
}

func TestBuildQueryBindsTimestamps(t *testing.T) {
	p := &databasePager{table: "events"}
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	req := stream.PageRequest{
		After:          bookmark.String("2024-01-01T09:00:00Z"),
		ReplicationKey: "updated_at",
		OrderBy:        []string{"updated_at"},
		Limit:          10,
	}

	_, args, err := p.buildQuery("sqlite3", req, 0)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"2024-01-01 09:00:00+00:00"}, args)

	for _, driverName := range []string{"postgres", "mysql", "sqlserver"} {
		_, args, err = p.buildQuery(driverName, req, 0)
		require.NoError(t, err)
		require.Len(t, args, 1)
		bound, ok := args[0].(time.Time)
		require.True(t, ok, driverName)
		assert.True(t, at.Equal(bound), driverName)
	}
}

func TestDecodeColumn(t *testing.T) {
	v, ok := decodeColumn([]byte("9007199254740993"))
	require.True(t, ok)
	assert.Equal(t, json.Number("9007199254740993"), v)
	key, err := bookmark.FromInterface(v)
	require.NoError(t, err)
	assert.Equal(t, bookmark.Int(9007199254740993), key)

	v, ok = decodeColumn([]byte(`{"tags":["a"]}`))
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"tags": []interface{}{"a"}}, v)

	for _, text := range []string{"event-1", "2024-01-01", "12abc", ""} {
		_, ok = decodeColumn([]byte(text))
		assert.False(t, ok, text)
	}
}

func TestClassifyDatabaseError(t *testing.T) {
	assert.True(t, connection.IsAuth(classifyDatabaseError(&pq.Error{Code: "28P01"})))
	assert.True(t, connection.IsTransient(classifyDatabaseError(&pq.Error{Code: "57P03"})))
	assert.True(t, connection.IsAuth(classifyDatabaseError(&mysql.MySQLError{Number: 1045})))
	assert.True(t, connection.IsTransient(classifyDatabaseError(&mysql.MySQLError{Number: 1213})))
	assert.True(t, connection.IsAuth(classifyDatabaseError(mssql.Error{Number: 18456})))
	assert.True(t, connection.IsTransient(classifyDatabaseError(driver.ErrBadConn)))

	syntax := classifyDatabaseError(&pq.Error{Code: "42601"})
	assert.False(t, connection.IsAuth(syntax))
	assert.False(t, connection.IsTransient(syntax))
}
