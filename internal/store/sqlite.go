// ABOUTME: SQLite implementation of the appserver store using modernc.org/sqlite
// ABOUTME: Schema creation, migrations, and request-scoped sessions over a shared query set

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// rows written by hand or by older builds
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// dbtx is satisfied by both *sql.DB and *sql.Conn.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every read and write; SQLiteStore runs them on the pool and
// Session runs them on a single dedicated connection.
type queries struct {
	db     dbtx
	logger *slog.Logger
}

// SQLiteStore is the pool-backed store.
type SQLiteStore struct {
	queries
	sqlDB *sql.DB
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	memory := path == ":memory:" || strings.HasPrefix(path, "file::memory:")
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// foreign_keys and busy_timeout are per-connection pragmas
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if strings.Contains(path, "?") {
		dsn = path + "&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if memory {
		// every connection to :memory: opens a separate database
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode for better concurrent performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{
		queries: queries{db: db, logger: logger},
		sqlDB:   db,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                     TEXT PRIMARY KEY,
			created_by_user_id     TEXT,
			sandbox_id             TEXT,
			sandbox_status         TEXT,
			title                  TEXT,
			parent_conversation_id TEXT,
			llm_model              TEXT,
			agent_type             TEXT,
			selected_repository    TEXT,
			selected_branch        TEXT,
			git_provider           TEXT,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_parent ON conversations(parent_conversation_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(created_by_user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS start_tasks (
			id                  TEXT PRIMARY KEY,
			created_by_user_id  TEXT,
			status              TEXT NOT NULL,
			detail              TEXT,
			app_conversation_id TEXT,
			sandbox_id          TEXT,
			request_json        TEXT NOT NULL,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,

			CHECK (status IN ('WORKING', 'WAITING_FOR_SANDBOX', 'STARTING_CONVERSATION', 'READY', 'ERROR'))
		);

		CREATE TABLE IF NOT EXISTS events (
			event_id        TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			kind            TEXT NOT NULL,
			timestamp       TEXT NOT NULL,
			payload_json    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_conversation ON events(conversation_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_events_conversation_kind ON events(conversation_id, kind, timestamp);

		CREATE TABLE IF NOT EXISTS event_callbacks (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT,
			processor_type   TEXT NOT NULL,
			processor_config TEXT,
			event_kind       TEXT,
			status           TEXT NOT NULL,
			created_at       TEXT NOT NULL,

			CHECK (status IN ('ACTIVE', 'DISABLED'))
		);

		CREATE INDEX IF NOT EXISTS idx_event_callbacks_conversation ON event_callbacks(conversation_id);

		CREATE TABLE IF NOT EXISTS event_callback_results (
			id                TEXT PRIMARY KEY,
			event_callback_id TEXT NOT NULL,
			event_id          TEXT NOT NULL,
			conversation_id   TEXT NOT NULL,
			status            TEXT NOT NULL,
			detail            TEXT,
			created_at        TEXT NOT NULL,

			CHECK (status IN ('SUCCESS', 'ERROR')),
			FOREIGN KEY (event_callback_id) REFERENCES event_callbacks(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_callback_results_callback ON event_callback_results(event_callback_id, created_at);

		CREATE TABLE IF NOT EXISTS slack_teams (
			team_id      TEXT PRIMARY KEY,
			team_name    TEXT,
			bot_token    TEXT NOT NULL,
			installed_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sandbox_specs (
			id               TEXT PRIMARY KEY,
			command_json     TEXT,
			working_dir      TEXT,
			initial_env_json TEXT,
			created_at       TEXT NOT NULL
		);
	`

	_, err := s.sqlDB.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "start_tasks",
			column: "agent_server_url",
			apply:  `ALTER TABLE start_tasks ADD COLUMN agent_server_url TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.sqlDB.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.sqlDB.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.sqlDB.Close()
}

// Session is a request-scoped handle pinned to one pooled connection.
// It must be closed exactly once; extra Close calls are no-ops.
type Session struct {
	queries
	conn      *sql.Conn
	closeOnce sync.Once
	closeErr  error
}

// Session checks out a dedicated connection for the lifetime of one request.
func (s *SQLiteStore) Session(ctx context.Context) (*Session, error) {
	conn, err := s.sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return &Session{
		queries: queries{db: conn, logger: s.logger},
		conn:    conn,
	}, nil
}

// Close returns the connection to the pool.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
