package message

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/hkdb/mailstore/internal/database"
	"github.com/hkdb/mailstore/internal/folder"
	"github.com/hkdb/mailstore/internal/search"
)

func openTestStore(t *testing.T) (*Store, *folder.Store) {
	t.Helper()
	gw, err := database.Open(context.Background(), t.TempDir(), "", nil)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { gw.Close() })

	fs := folder.NewStore(gw)
	return NewStore(gw, fs.Resolver()), fs
}

func sampleMessage(messageID, subject string) Message {
	return Message{
		MessageID:     messageID,
		InternalDate:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Subject:       subject,
		From:          []Address{{Name: "Alice", Email: "alice@example.com"}},
		To:            []Address{{Name: "Bob", Email: "bob@x.org"}},
		Body:          "body text " + subject,
		Flags:         []string{"\\Seen"},
		FieldsBitmask: IndexingFields,
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	store, fs := openTestStore(t)
	ctx := context.Background()

	inbox, err := fs.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("INBOX")})
	if err != nil {
		t.Fatalf("CloneFolder: %v", err)
	}

	id, err := store.Create(ctx, sampleMessage("<m1@x>", "taxes"), []int64{inbox.ID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, id, IndexingFields)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Subject != "taxes" || got.From[0].Email != "alice@example.com" {
		t.Fatalf("round-tripped message mismatch: %+v", got)
	}

	if _, err := store.Get(ctx, id, FieldInReplyTo); err != ErrIncomplete {
		t.Fatalf("Get with unsatisfied field: err = %v, want ErrIncomplete", err)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.Get(context.Background(), 999, 0); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetByMessageIDReturnsExactFolderSet(t *testing.T) {
	store, fs := openTestStore(t)
	ctx := context.Background()

	inbox, _ := fs.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("INBOX")})
	archive, _ := fs.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("Archive")})

	id, err := store.Create(ctx, sampleMessage("<m2@x>", "hello"), []int64{inbox.ID, archive.ID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	results, err := store.GetByMessageID(ctx, "<m2@x>", IndexingFields, false, Blacklist{}, nil)
	if err != nil {
		t.Fatalf("GetByMessageID: %v", err)
	}
	res, ok := results[id]
	if !ok {
		t.Fatalf("result missing message id %d: %#v", id, results)
	}
	if len(res.Paths) != 2 {
		t.Fatalf("paths = %v, want 2 (Inbox and Archive)", res.Paths)
	}
}

func TestGetByMessageIDFolderlessSentinelExcludesOrphans(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, sampleMessage("<orphan@x>", "no folder"), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	withoutBlacklist, err := store.GetByMessageID(ctx, "<orphan@x>", IndexingFields, false, Blacklist{}, nil)
	if err != nil {
		t.Fatalf("GetByMessageID: %v", err)
	}
	if res, ok := withoutBlacklist[id]; !ok || !res.Folderless {
		t.Fatalf("expected folderless result for orphan message, got %#v", withoutBlacklist)
	}

	withBlacklist, err := store.GetByMessageID(ctx, "<orphan@x>", IndexingFields, false, Blacklist{Folderless: true}, nil)
	if err != nil {
		t.Fatalf("GetByMessageID: %v", err)
	}
	if withBlacklist != nil {
		t.Fatalf("expected nil result with folderless blacklisted, got %#v", withBlacklist)
	}
}

func TestGetByMessageIDFolderBlacklistSuppressesWholeMessage(t *testing.T) {
	store, fs := openTestStore(t)
	ctx := context.Background()

	inbox, _ := fs.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("INBOX")})
	spam, _ := fs.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("Spam")})

	id, err := store.Create(ctx, sampleMessage("<m3@x>", "hi"), []int64{inbox.ID, spam.ID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	results, err := store.GetByMessageID(ctx, "<m3@x>", IndexingFields, false, Blacklist{Paths: []folder.Path{folder.ParsePath("Spam")}}, nil)
	if err != nil {
		t.Fatalf("GetByMessageID: %v", err)
	}
	if _, ok := results[id]; ok {
		t.Fatalf("message present in a blacklisted folder should be suppressed entirely, got %#v", results)
	}
}

func TestGetByMessageIDFlagBlacklistSuppressesWholeMessage(t *testing.T) {
	store, fs := openTestStore(t)
	ctx := context.Background()
	inbox, _ := fs.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("INBOX")})

	m := sampleMessage("<m4@x>", "junk")
	m.Flags = []string{"\\Junk"}
	id, err := store.Create(ctx, m, []int64{inbox.ID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	results, err := store.GetByMessageID(ctx, "<m4@x>", IndexingFields, false, Blacklist{}, []string{"\\Junk"})
	if err != nil {
		t.Fatalf("GetByMessageID: %v", err)
	}
	if _, ok := results[id]; ok {
		t.Fatalf("message with a blacklisted flag should be suppressed entirely, got %#v", results)
	}
}

func TestSearchReturnsNilForEmptyCompiledQuery(t *testing.T) {
	store, _ := openTestStore(t)
	results, err := store.Search(context.Background(), search.Compiled{}, 0, 0, Blacklist{}, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Fatalf("results = %v, want nil", results)
	}
}

func TestSearchFindsIndexedMessageAndRespectsBlacklist(t *testing.T) {
	store, fs := openTestStore(t)
	ctx := context.Background()

	inbox, _ := fs.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("INBOX")})
	spam, _ := fs.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("Spam")})

	id, err := store.Create(ctx, sampleMessage("<m5@x>", "quarterly taxes"), []int64{inbox.ID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	spamID, err := store.Create(ctx, sampleMessage("<m6@x>", "quarterly taxes spam copy"), []int64{spam.ID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Gateway().RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		if err := store.IndexMessage(tx, id); err != nil {
			return database.Rollback, err
		}
		if err := store.IndexMessage(tx, spamID); err != nil {
			return database.Rollback, err
		}
		return database.Commit, nil
	}); err != nil {
		t.Fatalf("index: %v", err)
	}

	compiled := search.Compile("taxes", "")
	results, err := store.Search(ctx, compiled, 0, 0, Blacklist{Paths: []folder.Path{folder.ParsePath("Spam")}}, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != id {
		t.Fatalf("results = %+v, want only id %d", results, id)
	}
}

func TestGetSearchMatchesIsSubsetOfSearch(t *testing.T) {
	store, fs := openTestStore(t)
	ctx := context.Background()

	inbox, _ := fs.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("INBOX")})
	id, err := store.Create(ctx, sampleMessage("<m7@x>", "quarterly taxes reminder"), []int64{inbox.ID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Gateway().RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		if err := store.IndexMessage(tx, id); err != nil {
			return database.Rollback, err
		}
		return database.Commit, nil
	}); err != nil {
		t.Fatalf("index: %v", err)
	}

	compiled := search.Compile("taxes", "")
	all, err := store.Search(ctx, compiled, 0, 0, Blacklist{}, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	allIDs := map[int64]bool{}
	for _, r := range all {
		allIDs[r.ID] = true
	}

	matches, err := store.GetSearchMatches(ctx, "taxes", compiled, []int64{id})
	if err != nil {
		t.Fatalf("GetSearchMatches: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected at least the fudge-factor literal word")
	}
	if !allIDs[id] {
		t.Fatalf("the message GetSearchMatches matched on must itself be a Search result, got search results %v", all)
	}
}

func TestUnindexedIDsAndTotalCount(t *testing.T) {
	store, fs := openTestStore(t)
	ctx := context.Background()
	inbox, _ := fs.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("INBOX")})

	for i := 0; i < 3; i++ {
		if _, err := store.Create(ctx, sampleMessage("<u@x>", "unindexed"), []int64{inbox.ID}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	err := store.Gateway().RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		total, err := store.TotalCount(tx)
		if err != nil {
			return database.Rollback, err
		}
		if total != 3 {
			t.Fatalf("TotalCount = %d, want 3", total)
		}
		ids, err := store.UnindexedIDs(tx, 100)
		if err != nil {
			return database.Rollback, err
		}
		if len(ids) != 3 {
			t.Fatalf("UnindexedIDs = %v, want 3 entries", ids)
		}
		return database.Done, nil
	})
	if err != nil {
		t.Fatalf("RW: %v", err)
	}
}
