// Package store persists the label log and the outbound label queue.
//
// The log is an append-only table whose sequence numbers come from the
// datastore's auto-increment column. The queue is drained by pollers that
// claim rows with FOR UPDATE SKIP LOCKED where the datastore supports it and
// with claim columns on sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"

	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
)

var ErrNotFound = errors.New("store: not found")

func init() {
	// Placeholders keep signature bytes out of the SQL text.
	goqu.SetDefaultPrepared(true)
}

// Config describes how to reach the datastore and how the queue behaves.
type Config struct {
	Driver        string
	DSN           string
	MaxOpenConns  int
	MaxIdleConns  int
	BusyTimeoutMS int

	// Owner identifies this process in sqlite claim columns.
	Owner string
	// ClaimTimeout is how long a sqlite claim stays valid before another
	// poller may take the row over.
	ClaimTimeout time.Duration
	// MaxAttempts is the number of recorded failures after which a queue row
	// is moved to the dead-letter table. Zero disables dead-lettering.
	MaxAttempts int

	// Now is the clock used for queue bookkeeping. Defaults to time.Now.
	Now func() time.Time
}

// Store is the label log and outbound queue.
type Store struct {
	db      *sql.DB
	gq      *goqu.Database
	dialect string

	// rowLocks is true on datastores with FOR UPDATE SKIP LOCKED.
	rowLocks bool

	owner        string
	claimTimeout time.Duration
	maxAttempts  int
	now          func() time.Time
}

// Open connects to the datastore and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.BusyTimeoutMS <= 0 {
		cfg.BusyTimeoutMS = 5000
	}
	driverName, dialect, dsn, err := driverFor(cfg.Driver, cfg.DSN, cfg.BusyTimeoutMS)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach datastore: %w", err)
	}

	s := &Store{
		db:           db,
		gq:           goqu.New(dialect, db),
		dialect:      dialect,
		rowLocks:     dialect != "sqlite3",
		owner:        cfg.Owner,
		claimTimeout: cfg.ClaimTimeout,
		maxAttempts:  cfg.MaxAttempts,
		now:          cfg.Now,
	}
	if s.owner == "" {
		s.owner = "labeler"
	}
	if s.claimTimeout <= 0 {
		s.claimTimeout = 30 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("driver", driverName).
		Str("dialect", dialect).
		Bool("skip_locked", s.rowLocks).
		Msg("Label store opened")
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() string {
	return s.dialect
}

// Owner returns the claim owner of this store instance.
func (s *Store) Owner() string {
	return s.owner
}

// Ping checks datastore reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// rollback is used on error paths where the original error wins.
func rollback(tx *goqu.TxDatabase) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Warn().Err(err).Msg("Rollback failed")
	}
}
