// Package sqlite provides a single-file graph, sync, and audit store for
// local development and tests. It mirrors the Postgres store's semantics on
// one serialized connection.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// currentSchemaVersion is stored in PRAGMA user_version.
const currentSchemaVersion = 1

// Store implements domain.GraphStore, domain.SyncStore and domain.AuditStore.
type Store struct {
	db  *sql.DB
	log *logrus.Logger
	pub domain.ChangePublisher
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher forwards applied graph changes to pub after each commit.
func WithPublisher(pub domain.ChangePublisher) Option {
	return func(s *Store) { s.pub = pub }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens a SQLite database at path, applying pragmas and the
// schema. The pool is capped at one connection: SQLite allows a single
// writer, and every transaction here is read-modify-write.
func Open(path string, log *logrus.Logger, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(fmt.Errorf("pinging sqlite: %w", err))
	}

	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("setting user_version: %w", err)
	}

	return nil
}

// SchemaVersion reports the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading user_version: %w", err)
	}

	return v, nil
}

// publish hands committed changes to the publisher, if any.
func (s *Store) publish(changes ...models.GraphChange) {
	if s.pub == nil {
		return
	}

	for _, c := range changes {
		s.pub.Publish(c)
	}
}

func (s *Store) stamp() int64 {
	return s.now().UnixNano()
}

// classify marks lock contention as retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && (sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}

	return err
}
