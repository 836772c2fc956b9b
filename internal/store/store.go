package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/quill/internal/changelog"
	"github.com/roach88/quill/internal/record"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on changes(branch_id, client_id)
const currentSchemaVersion = 1

// Store provides durable storage for branch change logs.
// Uses SQLite with WAL mode for concurrent read access.
//
// Thread-safety: safe for concurrent use. Writes are serialised by writeMu
// so that commit order and publish order agree.
type Store struct {
	db  *sql.DB
	now func() time.Time

	writeMu sync.Mutex

	mu       sync.Mutex
	branches map[string]*Branch
	closed   bool
}

// Option configures a Store.
type Option func(*Store)

// WithNow sets the commit timestamp source. Default: time.Now.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

var _ changelog.Backend = (*Store)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// This also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:       db,
		now:      time.Now,
		branches: make(map[string]*Branch),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Branch returns the handle for branch id, creating it on first use.
// Handles are shared so every subscriber of a branch sees every commit.
func (s *Store) Branch(id string) (changelog.Branch, error) {
	return s.OpenBranch(id)
}

// OpenBranch is Branch with the concrete type.
func (s *Store) OpenBranch(id string) (*Branch, error) {
	if id == "" {
		return nil, fmt.Errorf("empty branch id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, changelog.ErrClosed
	}
	b, ok := s.branches[id]
	if !ok {
		b = &Branch{
			store:   s,
			id:      id,
			changes: changelog.NewHub[changelog.KeyedRecord](),
			events:  changelog.NewHub[record.DiscussionEvent](),
		}
		s.branches[id] = b
	}
	return b, nil
}

// Close ends every live subscription and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, b := range s.branches {
		b.changes.Close()
		b.events.Close()
	}
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the per-client index used by ReadByClient.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_changes_client
		ON changes(branch_id, client_id, key)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
