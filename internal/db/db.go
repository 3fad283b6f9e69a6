package db

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/jmoiron/sqlx"
	"github.com/sneakersync/sneakersync/internal/utils"
)

const memoryPath = ":memory:"

// Stores must be self-contained files once closed, so no WAL.
const defaultPragma = `
PRAGMA journal_mode=DELETE;
PRAGMA synchronous=FULL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA temp_store=MEMORY;
`

const readOnlyPragma = `
PRAGMA busy_timeout=5000;
PRAGMA query_only=ON;
`

type config struct {
	path         string
	pragmas      string
	readOnly     bool
	maxOpenConns int
}

// SqliteOption configures NewSqliteDb.
type SqliteOption func(*config)

// WithPath sets the database file. Defaults to an in-memory database.
func WithPath(path string) SqliteOption {
	return func(c *config) {
		c.path = path
	}
}

// WithReadOnly opens an existing database without write access and without
// creating the file or its parent directory.
func WithReadOnly() SqliteOption {
	return func(c *config) {
		c.readOnly = true
		c.pragmas = readOnlyPragma
	}
}

// WithMaxOpenConns caps the connection pool. Zero means unlimited.
func WithMaxOpenConns(n int) SqliteOption {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// NewSqliteDb opens a sqlite database with the compiled-in driver and applies
// the connection pragmas.
func NewSqliteDb(opts ...SqliteOption) (*sqlx.DB, error) {
	cfg := &config{path: memoryPath, pragmas: defaultPragma}
	for _, opt := range opts {
		opt(cfg)
	}

	dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}

	slog.Debug("db open", "driver", driverID, "path", cfg.path, "readOnly", cfg.readOnly)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}

	if _, err := db.Exec(cfg.pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	return db, nil
}

func (c *config) dsn() (string, error) {
	if c.path == memoryPath {
		return memoryPath, nil
	}

	mode := "rwc"
	if c.readOnly {
		mode = "ro"
	} else if err := utils.EnsureParent(c.path); err != nil {
		return "", fmt.Errorf("ensure parent directory: %w", err)
	}

	u := url.URL{Scheme: "file", Opaque: c.path}
	q := url.Values{}
	q.Set("mode", mode)
	q.Set("_txlock", "immediate")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
