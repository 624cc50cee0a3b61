// Package database owns the single embedded SQLite file backing one
// account's mail store and serializes all access through read-only and
// read-write transactions.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hkdb/mailstore/internal/logging"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Connection pool and maintenance constants.
const (
	// MaxOpenConns limits concurrent database connections. SQLite in WAL
	// mode only supports one writer at a time, so a large pool just adds
	// lock contention.
	MaxOpenConns = 8

	// BaseIdleConns is the minimum number of idle connections kept warm.
	BaseIdleConns = 2

	// MaxIdleConns caps idle connections to bound memory use.
	MaxIdleConns = 4

	// CheckpointInterval is how often the background checkpoint routine
	// merges the write-ahead log back into the main database file.
	CheckpointInterval = 5 * time.Minute
)

// Outcome is the result a transaction callback reports back to the gateway.
type Outcome int

const (
	// Rollback discards every write the callback made.
	Rollback Outcome = iota
	// Commit persists every write the callback made.
	Commit
	// Done signals a successful read-only transaction with no writes to
	// reconcile; equivalent to Commit for a read-only callback.
	Done
	// Success is an alias for Commit used by callers that prefer a
	// positive-sounding outcome name for read-write operations.
	Success
)

func (o Outcome) commits() bool {
	return o == Commit || o == Done || o == Success
}

// ErrCancelled is returned when a transaction aborts because its context was
// cancelled before or during the callback.
var ErrCancelled = errors.New("database: operation cancelled")

// TxFunc is a unit of work run inside a transaction. It must not retain the
// *sql.Tx beyond its own return.
type TxFunc func(tx *sql.Tx) (Outcome, error)

// Gateway is the Database Gateway: it owns the *sql.DB handle and exposes
// the only two ways callers may touch storage, RO and RW.
type Gateway struct {
	db   *sql.DB
	path string
	log  zerolog.Logger

	// writeMu serializes RW transactions above and beyond what the SQLite
	// driver itself enforces, so two in-process writers wait on each other
	// in order instead of racing into SQLITE_BUSY retries.
	writeMu sync.Mutex
}

// ProgressFunc reports migration progress as (applied, total) versions.
type ProgressFunc func(applied, total int)

// Open opens or creates the SQLite database file at path, creating its
// parent directory if necessary, and applies any pending migrations.
// schemaDir is accepted for interface symmetry with callers that keep
// migration SQL external to the binary; this gateway embeds its schema and
// only uses schemaDir, when non-empty, as an informational tag in logs.
func Open(ctx context.Context, dataDir, schemaDir string, progress ProgressFunc) (*Gateway, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("database: create data directory: %w", err)
	}
	path := filepath.Join(dataDir, "mailstore.db")

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)",
		path,
	)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(MaxOpenConns)
	sqlDB.SetMaxIdleConns(BaseIdleConns)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("database: set permissions: %w", err)
	}

	g := &Gateway{
		db:   sqlDB,
		path: path,
		log:  logging.WithComponent("database"),
	}

	if schemaDir != "" {
		g.log.Debug().Str("schemaDir", schemaDir).Msg("schema directory noted (schema is embedded)")
	}

	if err := g.migrate(ctx, progress); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("database: migrate: %w", err)
	}
	if err := g.corruptionCheck(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("database: corruption check: %w", err)
	}

	return g, nil
}

// Path returns the on-disk database file path.
func (g *Gateway) Path() string {
	return g.path
}

// Close closes the underlying connection pool. Always drops the handle even
// if the close itself errors, so a caller's own Close is idempotent-safe.
func (g *Gateway) Close() error {
	err := g.db.Close()
	if err != nil {
		g.log.Warn().Err(err).Msg("error while closing database")
	}
	return err
}

func (g *Gateway) corruptionCheck(ctx context.Context) error {
	var result string
	if err := g.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("database: quick_check reported %q", result)
	}
	return nil
}

// RO runs fn inside a transaction intended for reads. fn must return Done or
// Commit on success; any other outcome, or a non-nil error, rolls back and
// the error (if any) propagates to the caller.
//
// This is not opened with database/sql's ReadOnly transaction option: one
// documented search-execution path (resolving blacklisted folder paths,
// §4.6) is allowed to create folder rows as a side effect of an otherwise
// read-only search, a deliberately preserved quirk (see SPEC_FULL.md §9),
// so the gateway cannot actually forbid writes here. RO vs RW is therefore
// an API-level contract backed by caller discipline, not a driver-enforced
// mode; RO transactions are simply not serialized against each other or
// against RW through writeMu, which is what lets readers overlap writers.
func (g *Gateway) RO(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin ro: %w", err)
	}
	return g.finish(ctx, tx, fn)
}

// RW runs fn inside a read-write transaction. Only one RW transaction runs
// at a time per gateway; RO transactions may proceed concurrently thanks to
// WAL mode. fn must return Commit or Success to persist its writes; ROLLBACK
// or an error discards them.
func (g *Gateway) RW(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin rw: %w", err)
	}
	return g.finish(ctx, tx, fn)
}

func (g *Gateway) finish(ctx context.Context, tx *sql.Tx, fn TxFunc) (err error) {
	defer func() {
		// Safety net: if fn panicked or returned without an explicit path
		// having committed, this Rollback is a harmless no-op post-commit.
		_ = tx.Rollback()
	}()

	outcome, fnErr := fn(tx)
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	if fnErr != nil {
		return fnErr
	}
	if !outcome.commits() {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("database: commit: %w", err)
	}
	return nil
}

// UpdateIdleConns adjusts idle connection count for the given account
// count, matching the pattern of a multi-account host process even though
// this gateway serves exactly one account.
func (g *Gateway) UpdateIdleConns(numAccounts int) {
	idle := BaseIdleConns + numAccounts
	if idle < BaseIdleConns {
		idle = BaseIdleConns
	}
	if idle > MaxIdleConns {
		idle = MaxIdleConns
	}
	g.db.SetMaxIdleConns(idle)
}

// Checkpoint merges the write-ahead log back into the main database file
// using PASSIVE mode, which checkpoints as much as possible without
// blocking concurrent readers or writers.
func (g *Gateway) Checkpoint(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	if err != nil {
		return fmt.Errorf("database: checkpoint: %w", err)
	}
	return nil
}

// StartCheckpointRoutine runs periodic WAL checkpoints until ctx is
// cancelled. Intended to be started once, in its own goroutine, at open.
func (g *Gateway) StartCheckpointRoutine(ctx context.Context) {
	ticker := time.NewTicker(CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := g.Checkpoint(ctx); err != nil {
				g.log.Error().Err(err).Msg("periodic WAL checkpoint failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) migrate(ctx context.Context, progress ProgressFunc) error {
	if _, err := g.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := g.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&current); err != nil {
		return fmt.Errorf("read current version: %w", err)
	}

	pending := 0
	for _, m := range migrations {
		if m.Version > current {
			pending++
		}
	}
	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := g.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		applied++
		if progress != nil {
			progress(applied, pending)
		}
	}
	return nil
}

func (g *Gateway) applyMigration(ctx context.Context, m Migration) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO migrations (version) VALUES (?)", m.Version); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}
