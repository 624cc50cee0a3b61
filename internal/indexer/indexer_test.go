package indexer

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/hkdb/mailstore/internal/database"
	"github.com/hkdb/mailstore/internal/folder"
	"github.com/hkdb/mailstore/internal/message"
)

func openTestIndexer(t *testing.T) (*Indexer, *message.Store, *folder.Store) {
	t.Helper()
	gw, err := database.Open(context.Background(), t.TempDir(), "", nil)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { gw.Close() })

	fs := folder.NewStore(gw)
	ms := message.NewStore(gw, fs.Resolver())
	return New(ms), ms, fs
}

func seedMessages(t *testing.T, ctx context.Context, ms *message.Store, fs *folder.Store, n int) {
	t.Helper()
	inbox, err := fs.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("INBOX")})
	if err != nil {
		t.Fatalf("CloneFolder: %v", err)
	}
	for i := 0; i < n; i++ {
		m := message.Message{
			MessageID:     "<seed@x>",
			InternalDate:  time.Now(),
			Subject:       "seed",
			FieldsBitmask: message.IndexingFields,
		}
		if _, err := ms.Create(ctx, m, []int64{inbox.ID}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
}

func TestPopulateBatchProcessesUpToBatchSize(t *testing.T) {
	ix, ms, fs := openTestIndexer(t)
	ctx := context.Background()
	seedMessages(t, ctx, ms, fs, 250)

	if err := ix.resetStatus(ctx); err != nil {
		t.Fatalf("resetStatus: %v", err)
	}

	counts := []int{}
	for {
		n, err := ix.PopulateBatch(ctx)
		if err != nil {
			t.Fatalf("PopulateBatch: %v", err)
		}
		counts = append(counts, n)
		if n < BatchSize {
			break
		}
	}

	if len(counts) != 3 || counts[0] != 100 || counts[1] != 100 || counts[2] != 50 {
		t.Fatalf("batch sizes = %v, want [100 100 50]", counts)
	}

	err := ms.Gateway().RO(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		ids, err := ms.UnindexedIDs(tx, 1000)
		if err != nil {
			return database.Done, err
		}
		if len(ids) != 0 {
			t.Fatalf("unindexed ids remain after full backfill: %v", ids)
		}
		return database.Done, nil
	})
	if err != nil {
		t.Fatalf("RO: %v", err)
	}
}

func TestStatusReflectsProgress(t *testing.T) {
	ix, ms, fs := openTestIndexer(t)
	ctx := context.Background()
	seedMessages(t, ctx, ms, fs, 10)

	if err := ix.resetStatus(ctx); err != nil {
		t.Fatalf("resetStatus: %v", err)
	}
	if _, err := ix.PopulateBatch(ctx); err != nil {
		t.Fatalf("PopulateBatch: %v", err)
	}
	if err := ix.finishStatus(ctx); err != nil {
		t.Fatalf("finishStatus: %v", err)
	}

	status, err := ix.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.IndexedCount != 10 || status.TotalCount != 10 || !status.IsComplete {
		t.Fatalf("status = %+v, want 10/10 complete", status)
	}
}
