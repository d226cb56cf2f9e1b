// Package pg implements auth.Store on PostgreSQL through database/sql and
// the pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"

	"realmkey.org/internal/auth"
	"realmkey.org/internal/identity"
	"realmkey.org/internal/obs"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrSerializationFail   = "40001"
	pgErrDeadlockDetected    = "40P01"
)

const defaultTxRetries = 3

var _ auth.Store = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the PostgreSQL store. Calls made on the Store itself run in
// autocommit mode; WithTx hands fn a transactional view.
type Store struct {
	db      *sql.DB
	retries int
	log     *log.Entry
	queries
}

// Option configures a Store.
type Option func(*Store)

// WithTxRetries bounds how often a transaction aborted by a serialization
// failure or deadlock is replayed.
func WithTxRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l.WithField("component", "pg")
		}
	}
}

// Open connects to dsn with the pgx driver.
func Open(dsn string, maxOpen int, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen <= 0 {
		maxOpen = 50
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		retries: defaultTxRetries,
		log:     obs.Logger().WithField("component", "pg"),
		queries: queries{q: db},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithTx runs fn in a serializable transaction. Serialization failures and
// deadlocks are replayed up to the retry bound; any other error, including
// every typed business failure, is returned as is.
func (s *Store) WithTx(ctx context.Context, fn func(auth.Queries) error) error {
	for attempt := 0; ; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil || !retryable(err) || attempt >= s.retries {
			return err
		}
		s.log.WithError(err).WithField("attempt", attempt+1).Debug("replaying transaction")
	}
}

func (s *Store) runTx(ctx context.Context, fn func(auth.Queries) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	pgErr, ok := maybePgError(err)
	if !ok {
		return false
	}
	return pgErr.Code == pgErrSerializationFail || pgErr.Code == pgErrDeadlockDetected
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// writeErr maps constraint violations onto typed failures.
func writeErr(what string, err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", identity.ErrAlreadyExists, what)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s references a missing row (%s)", identity.ErrInvalidInput, what, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("write %s: %w", what, err)
}

// queries implements auth.Queries over a querier.
type queries struct {
	q querier
}

type scanner interface {
	Scan(dest ...any) error
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func seconds(n int64) time.Duration { return time.Duration(n) * time.Second }
