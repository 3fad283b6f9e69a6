package metastore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/sneakersync/sneakersync/internal/db"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var (
	// ErrStoreNotFound is returned when a read-only store is opened on a missing file.
	ErrStoreNotFound = errors.New("metadata store not found")
	// ErrNotFound is returned when an update targets a row that does not exist.
	ErrNotFound = errors.New("row not found")
	// ErrReadOnly is returned for writes against a store opened read-only.
	ErrReadOnly = errors.New("metadata store is read-only")
)

// Store is one metadata store instance (local, removable or staging).
type Store struct {
	db       *sqlx.DB
	path     string
	readOnly bool
}

type openConfig struct {
	readOnly bool
}

// Option configures Open.
type Option func(*openConfig)

// ReadOnly opens an existing store for reading only. No file is created and
// no migration runs; a missing file yields ErrStoreNotFound.
func ReadOnly() Option {
	return func(c *openConfig) {
		c.readOnly = true
	}
}

// Open opens (and by default creates and migrates) the store at path.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	cfg := &openConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	dbOpts := []db.SqliteOption{db.WithPath(path), db.WithMaxOpenConns(1)}
	if cfg.readOnly {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, path)
			}
			return nil, fmt.Errorf("stat store %s: %w", path, err)
		}
		dbOpts = append(dbOpts, db.WithReadOnly())
	}

	conn, err := db.NewSqliteDb(dbOpts...)
	if err != nil {
		return nil, fmt.Errorf("open metadata store %s: %w", path, err)
	}

	s := &Store{db: conn, path: path, readOnly: cfg.readOnly}
	if !cfg.readOnly {
		if err := s.migrate(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate metadata store %s: %w", path, err)
		}
	}

	slog.Debug("metastore open", "path", path, "readOnly", cfg.readOnly)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db.DB, "migrations")
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close metadata store %s: %w", s.path, err)
	}
	return nil
}

// Update runs fn inside a single write transaction. The transaction is
// committed only if fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if s.readOnly {
		return ErrReadOnly
	}

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction on %s: %w", s.path, err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			slog.Error("metastore rollback", "path", s.path, "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction on %s: %w", s.path, err)
	}
	return nil
}

// gooseLogger routes migration output to slog at debug level.
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	slog.Error("goose: " + fmt.Sprintf(format, v...))
}

func (gooseLogger) Printf(format string, v ...interface{}) {
	slog.Debug("goose: " + fmt.Sprintf(format, v...))
}
