package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/roach88/bizsync/internal/entity"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added partial indexes over live rows of each entity table
const currentSchemaVersion = 1

// Driver names accepted by Open.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Querier is satisfied by *Store, *sql.DB, *sql.Conn and *txn.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides durable storage for one node.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db     *sql.DB
	path   string
	driver string
	logger *zap.Logger
}

type options struct {
	driver      string
	busyTimeout time.Duration
	logger      *zap.Logger
}

// Option configures Open.
type Option func(*options)

// WithDriver selects the database/sql driver (DriverCGO or DriverPureGo).
func WithDriver(name string) Option {
	return func(o *options) { o.driver = name }
}

// WithBusyTimeout sets how long a statement waits on a locked database.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Open creates or opens a SQLite database at the given path.
// Sets required pragmas on every connection and applies migrations.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{driver: DriverCGO, busyTimeout: 5 * time.Second, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.driver != DriverCGO && o.driver != DriverPureGo {
		return nil, fmt.Errorf("unknown sqlite driver %q (want %s or %s)", o.driver, DriverCGO, DriverPureGo)
	}

	db, err := sql.Open(o.driver, dsn(o.driver, path, o.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, and the transaction
	// manager relies on a single connection for connection-scoped pragmas.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	o.logger.Debug("store opened",
		zap.String("path", path),
		zap.String("driver", o.driver))
	return &Store{db: db, path: path, driver: o.driver, logger: o.logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB. The transaction manager is built on it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string { return s.driver }

// QueryContext implements Querier.
func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRowContext implements Querier.
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// dsn carries the connection-scoped pragmas in the data source name, so
// every connection the pool opens gets them, including replacements for
// connections discarded after a failed rollback.
func dsn(driver, path string, busyTimeout time.Duration) string {
	q := url.Values{}
	switch driver {
	case DriverPureGo:
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
		q.Add("_pragma", "foreign_keys(1)")
	default:
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
		q.Set("_busy_timeout", strconv.FormatInt(busyTimeout.Milliseconds(), 10))
		q.Set("_foreign_keys", "1")
	}
	return path + "?" + q.Encode()
}

// applySchema creates tables if they don't exist and runs migrations.
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

// migrateToV1 indexes live rows by updated_at for change-set export.
func migrateToV1(db *sql.DB) error {
	for _, k := range entity.Kinds() {
		stmt := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_live ON %s(updated_at) WHERE is_deleted = 0", k, k)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
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
