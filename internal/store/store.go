// Package store persists agents, tools, agent-tool bindings and their trust
// and invocation policies. SQLite is the default backend; PostgreSQL is used
// through the pgx stdlib driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	archotel "github.com/robertof1lho/archestra-sub000/internal/otel"
)

var tracer = archotel.Tracer("github.com/robertof1lho/archestra-sub000/internal/store")

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	is_default BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tools (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	parameters TEXT NOT NULL DEFAULT '',
	mcp_server TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_tools (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id),
	tool_id TEXT NOT NULL REFERENCES tools(id),
	assigned BOOLEAN NOT NULL DEFAULT FALSE,
	allow_usage_when_untrusted_data_is_present BOOLEAN NOT NULL DEFAULT FALSE,
	tool_result_treatment TEXT NOT NULL DEFAULT 'untrusted',
	UNIQUE (agent_id, tool_id)
);

CREATE TABLE IF NOT EXISTS trusted_data_policies (
	id TEXT PRIMARY KEY,
	agent_tool_id TEXT NOT NULL REFERENCES agent_tools(id),
	position INTEGER NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	attribute_path TEXT NOT NULL,
	operator TEXT NOT NULL,
	value TEXT NOT NULL,
	action TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_invocation_policies (
	id TEXT PRIMARY KEY,
	agent_tool_id TEXT NOT NULL REFERENCES agent_tools(id),
	position INTEGER NOT NULL,
	argument_name TEXT NOT NULL,
	operator TEXT NOT NULL,
	value TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS quarantine_results (
	agent_id TEXT NOT NULL,
	tool_call_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	summary TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (agent_id, tool_call_id, content_hash)
);

CREATE INDEX IF NOT EXISTS idx_agent_tools_agent ON agent_tools(agent_id);
CREATE INDEX IF NOT EXISTS idx_trusted_data_policies_binding ON trusted_data_policies(agent_tool_id);
CREATE INDEX IF NOT EXISTS idx_tool_invocation_policies_binding ON tool_invocation_policies(agent_tool_id);
`

// Store is the SQL-backed agent and policy store. It reads policies on every
// call and keeps no cache.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q (want %s or %s)", driver, DriverSQLite, DriverPostgres)
	}
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer keeps concurrent registrations from failing with SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating store schema: %w", err)
	}
	return &Store{db: db, driver: driver}, nil
}

// New wraps an existing connection without touching the schema.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") || path == ":memory:" {
		return path
	}
	return path + "?_foreign_keys=on&_busy_timeout=5000"
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}
