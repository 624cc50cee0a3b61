// Package indexer implements the Background Indexer (§4.9): a timer-started
// loop that backfills messages_fts in bounded batches, cooperatively
// yielding between batches and reporting progress via the singleton
// fts_index_status row.
package indexer

import (
	"context"
	"database/sql"
	"time"

	"github.com/hkdb/mailstore/internal/database"
	"github.com/hkdb/mailstore/internal/logging"
	"github.com/hkdb/mailstore/internal/message"
	"github.com/rs/zerolog"
)

const (
	// StartDelay is how long Run waits after being started before the
	// first batch, giving interactive startup work priority.
	StartDelay = 30 * time.Second

	// BatchSize is the maximum number of messages indexed per transaction.
	BatchSize = 100

	// BetweenBatchSleep is the cooperative yield between batches.
	BetweenBatchSleep = 50 * time.Millisecond
)

// Status mirrors the fts_index_status row.
type Status struct {
	IndexedCount  int
	TotalCount    int
	IsComplete    bool
	LastIndexedAt time.Time
}

// Indexer drives populate_batch against a message.Store until the FTS table
// catches up with MessageTable.
type Indexer struct {
	store *message.Store
	log   zerolog.Logger
}

// New constructs a Background Indexer over store.
func New(store *message.Store) *Indexer {
	return &Indexer{store: store, log: logging.WithComponent("indexer")}
}

// Run waits StartDelay (or ctx cancellation, whichever comes first), then
// repeatedly calls PopulateBatch until a batch processes fewer than
// BatchSize rows or ctx is cancelled. Intended to run in its own goroutine
// for the lifetime of an open account.
func (ix *Indexer) Run(ctx context.Context) {
	select {
	case <-time.After(StartDelay):
	case <-ctx.Done():
		return
	}

	if err := ix.resetStatus(ctx); err != nil {
		ix.log.Error().Err(err).Msg("failed to initialize index status")
	}
	ix.log.Info().Msg("background indexer starting")

	for {
		processed, err := ix.PopulateBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			ix.log.Error().Err(err).Msg("populate_batch failed")
			break
		}
		if processed < BatchSize {
			break
		}
		select {
		case <-time.After(BetweenBatchSleep):
		case <-ctx.Done():
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	if err := ix.finishStatus(context.Background()); err != nil {
		ix.log.Error().Err(err).Msg("failed to finalize index status")
	}
	ix.log.Info().Msg("background indexer finished")
}

// PopulateBatch runs one populate_batch(limit=BatchSize) iteration (§4.9):
// selects unindexed ids, indexes each within the same RW transaction, and
// advances the progress monitor. Per-row failures are logged and skipped;
// they do not abort the batch.
func (ix *Indexer) PopulateBatch(ctx context.Context) (int, error) {
	processed := 0
	err := ix.store.Gateway().RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		ids, err := ix.store.UnindexedIDs(tx, BatchSize)
		if err != nil {
			return database.Rollback, err
		}
		for _, id := range ids {
			if err := ix.store.IndexMessage(tx, id); err != nil {
				ix.log.Debug().Err(err).Int64("id", id).Msg("skipping message that failed to index")
				continue
			}
			processed++
		}
		if processed == 0 {
			return database.Done, nil
		}
		if _, err := tx.Exec(`UPDATE fts_index_status SET indexed_count = indexed_count + ?, last_indexed_at = CURRENT_TIMESTAMP WHERE id = 1`, processed); err != nil {
			return database.Rollback, err
		}
		return database.Commit, nil
	})
	return processed, err
}

// Status reads the current fts_index_status row.
func (ix *Indexer) Status(ctx context.Context) (Status, error) {
	var s Status
	err := ix.store.Gateway().RO(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		var complete int
		var lastIndexed sql.NullTime
		err := tx.QueryRow(`SELECT indexed_count, total_count, is_complete, last_indexed_at FROM fts_index_status WHERE id = 1`).
			Scan(&s.IndexedCount, &s.TotalCount, &complete, &lastIndexed)
		if err != nil {
			return database.Done, err
		}
		s.IsComplete = complete != 0
		if lastIndexed.Valid {
			s.LastIndexedAt = lastIndexed.Time
		}
		return database.Done, nil
	})
	return s, err
}

func (ix *Indexer) resetStatus(ctx context.Context) error {
	return ix.store.Gateway().RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		total, err := ix.store.TotalCount(tx)
		if err != nil {
			return database.Rollback, err
		}
		if _, err := tx.Exec(`UPDATE fts_index_status SET indexed_count = 0, total_count = ?, is_complete = 0 WHERE id = 1`, total); err != nil {
			return database.Rollback, err
		}
		return database.Commit, nil
	})
}

func (ix *Indexer) finishStatus(ctx context.Context) error {
	return ix.store.Gateway().RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		if _, err := tx.Exec(`UPDATE fts_index_status SET is_complete = 1, last_indexed_at = CURRENT_TIMESTAMP WHERE id = 1`); err != nil {
			return database.Rollback, err
		}
		return database.Commit, nil
	})
}
