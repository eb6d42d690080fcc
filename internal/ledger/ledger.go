// Package ledger keeps an append-only audit trail of migration runs and
// per-item outcomes in SQLite or Postgres.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// FileName is the default SQLite ledger inside the state directory.
const FileName = "ledger.db"

// Dialect selects placeholder style and schema.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// DB wraps the ledger connection.
type DB struct {
	conn    *sql.DB
	dialect Dialect
}

// DefaultPath returns <stateDir>/ledger.db.
func DefaultPath(stateDir string) string {
	return filepath.Join(stateDir, FileName)
}

// IsPostgres reports whether dsn names a Postgres server.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open connects to a Postgres URL or opens (creating) a SQLite file.
func Open(dsn string) (*DB, error) {
	if IsPostgres(dsn) {
		conn, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		if err := conn.Ping(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ping ledger: %w", err)
		}
		return &DB{conn: conn, dialect: Postgres}, nil
	}

	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", dsn, err)
		}
	}
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	return &DB{conn: conn, dialect: SQLite}, nil
}

// New wraps an existing connection.
func New(conn *sql.DB, d Dialect) *DB {
	return &DB{conn: conn, dialect: d}
}

func (d *DB) Close() error {
	return d.conn.Close()
}

// Postgres returns the underlying pool when the ledger is on Postgres, for
// callers that need server features such as advisory locks. It returns nil
// for SQLite.
func (d *DB) Postgres() *sql.DB {
	if d == nil || d.dialect != Postgres {
		return nil
	}
	return d.conn
}

// rebind rewrites ? placeholders as $n for Postgres.
func (d *DB) rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    input_file   TEXT NOT NULL,
    destination  TEXT NOT NULL,
    dry_run      BOOLEAN NOT NULL DEFAULT FALSE,
    started_at   TEXT NOT NULL,
    finished_at  TEXT,
    processed    INTEGER NOT NULL DEFAULT 0,
    succeeded    INTEGER NOT NULL DEFAULT 0,
    failed       INTEGER NOT NULL DEFAULT 0,
    skipped      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS outcomes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id),
    row_num     INTEGER NOT NULL,
    ref         TEXT NOT NULL,
    image_id    TEXT,
    new_url     TEXT,
    status      TEXT NOT NULL CHECK(status IN ('success','failed','skipped','duplicate')),
    class       TEXT,
    error       TEXT,
    duration_ms INTEGER,
    recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id, status);
CREATE INDEX IF NOT EXISTS idx_outcomes_ref ON outcomes(ref);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    input_file   TEXT NOT NULL,
    destination  TEXT NOT NULL,
    dry_run      BOOLEAN NOT NULL DEFAULT FALSE,
    started_at   TEXT NOT NULL,
    finished_at  TEXT,
    processed    INTEGER NOT NULL DEFAULT 0,
    succeeded    INTEGER NOT NULL DEFAULT 0,
    failed       INTEGER NOT NULL DEFAULT 0,
    skipped      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS outcomes (
    id          BIGSERIAL PRIMARY KEY,
    run_id      TEXT NOT NULL REFERENCES runs(id),
    row_num     INTEGER NOT NULL,
    ref         TEXT NOT NULL,
    image_id    TEXT,
    new_url     TEXT,
    status      TEXT NOT NULL CHECK(status IN ('success','failed','skipped','duplicate')),
    class       TEXT,
    error       TEXT,
    duration_ms BIGINT,
    recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id, status);
CREATE INDEX IF NOT EXISTS idx_outcomes_ref ON outcomes(ref);
`

// Migrate applies the schema once.
func (d *DB) Migrate(ctx context.Context) error {
	var count int
	err := d.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	schema := schemaSQLite
	if d.dialect == Postgres {
		schema = schemaPostgres
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}
