package account

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/hkdb/mailstore/internal/database"
	"github.com/hkdb/mailstore/internal/folder"
	"github.com/hkdb/mailstore/internal/message"
)

func openTestAccount(t *testing.T) *Account {
	t.Helper()
	a := New(Config{SelfEmail: "me@example.com"})
	if err := a.Open(context.Background(), t.TempDir(), ""); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpenTwiceReturnsAlreadyOpen(t *testing.T) {
	a := openTestAccount(t)
	if err := a.Open(context.Background(), t.TempDir(), ""); err != ErrAlreadyOpen {
		t.Fatalf("second Open error = %v, want ErrAlreadyOpen", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a := New(Config{})
	if err := a.Close(); err != nil {
		t.Fatalf("Close on never-opened account: %v", err)
	}
	if err := a.Open(context.Background(), t.TempDir(), ""); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOperationsBeforeOpenReturnNotOpen(t *testing.T) {
	a := New(Config{})
	ctx := context.Background()

	if _, err := a.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("INBOX")}); err != ErrNotOpen {
		t.Fatalf("CloneFolder error = %v, want ErrNotOpen", err)
	}
	if _, err := a.Search(ctx, "hello", 0, 0, message.Blacklist{}, nil); err != ErrNotOpen {
		t.Fatalf("Search error = %v, want ErrNotOpen", err)
	}
	if _, err := a.IndexStatus(ctx); err != ErrNotOpen {
		t.Fatalf("IndexStatus error = %v, want ErrNotOpen", err)
	}
	if err := a.NotifyUnreadChanged(ctx, folder.ParsePath("INBOX"), nil); err != ErrNotOpen {
		t.Fatalf("NotifyUnreadChanged error = %v, want ErrNotOpen", err)
	}
}

// seedDuplicateInboxRoots directly inserts root folder rows with the three
// case variants named in the duplicate-Inbox-cleanup scenario.
func seedDuplicateInboxRoots(t *testing.T, gw *database.Gateway) {
	t.Helper()
	ctx := context.Background()
	err := gw.RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		for _, name := range []string{"INBOX", "Inbox", "inbox"} {
			if _, err := tx.Exec(`INSERT INTO folders (parent_id, name) VALUES (NULL, ?)`, name); err != nil {
				return database.Rollback, err
			}
		}
		return database.Commit, nil
	})
	if err != nil {
		t.Fatalf("seed duplicate inbox roots: %v", err)
	}
}

func TestOpenCleansUpDuplicateInboxRoots(t *testing.T) {
	dataDir := t.TempDir()

	gw, err := database.Open(context.Background(), dataDir, "", nil)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	seedDuplicateInboxRoots(t, gw)
	if err := gw.Close(); err != nil {
		t.Fatalf("close seeding gateway: %v", err)
	}

	a := New(Config{})
	if err := a.Open(context.Background(), dataDir, ""); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	var names []string
	err = a.gw.RO(context.Background(), func(tx *sql.Tx) (database.Outcome, error) {
		rows, err := tx.Query(`SELECT name FROM folders WHERE parent_id IS NULL`)
		if err != nil {
			return database.Done, err
		}
		defer rows.Close()
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				return database.Done, err
			}
			names = append(names, n)
		}
		return database.Done, rows.Err()
	})
	if err != nil {
		t.Fatalf("RO: %v", err)
	}
	if len(names) != 1 || names[0] != folder.CanonicalInbox {
		t.Fatalf("root folders after open = %v, want exactly [%q]", names, folder.CanonicalInbox)
	}
}

func TestNotifyUnreadChangedPropagatesToOtherFoldersOnly(t *testing.T) {
	a := openTestAccount(t)
	ctx := context.Background()

	inbox, err := a.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("INBOX")})
	if err != nil {
		t.Fatalf("CloneFolder INBOX: %v", err)
	}
	allMail, err := a.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("All Mail")})
	if err != nil {
		t.Fatalf("CloneFolder All Mail: %v", err)
	}

	inboxRef, err := a.EnsureLocalFolder(folder.ParsePath("INBOX"), inbox.ID, inbox)
	if err != nil {
		t.Fatalf("EnsureLocalFolder INBOX: %v", err)
	}
	defer inboxRef.Release()
	allMailRef, err := a.EnsureLocalFolder(folder.ParsePath("All Mail"), allMail.ID, allMail)
	if err != nil {
		t.Fatalf("EnsureLocalFolder All Mail: %v", err)
	}
	defer allMailRef.Release()

	m := message.Message{
		MessageID:     "<shared@x>",
		InternalDate:  time.Now(),
		Subject:       "shared",
		FieldsBitmask: message.IndexingFields,
	}
	id, err := a.messages.Create(ctx, m, []int64{inbox.ID, allMail.ID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := a.NotifyUnreadChanged(ctx, folder.ParsePath("INBOX"), map[int64]bool{id: true}); err != nil {
		t.Fatalf("NotifyUnreadChanged: %v", err)
	}

	if got := allMailRef.Handle().Properties().UnreadCount; got != 1 {
		t.Fatalf("All Mail unread count = %d, want 1", got)
	}
	if got := inboxRef.Handle().Properties().UnreadCount; got != inbox.UnreadCount {
		t.Fatalf("INBOX unread count = %d, want unchanged %d", got, inbox.UnreadCount)
	}
}

func TestCloneFolderReconcilesLiveHandle(t *testing.T) {
	a := openTestAccount(t)
	ctx := context.Background()

	f, err := a.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("INBOX"), EmailUnread: 3})
	if err != nil {
		t.Fatalf("CloneFolder: %v", err)
	}
	ref, err := a.EnsureLocalFolder(folder.ParsePath("INBOX"), f.ID, f)
	if err != nil {
		t.Fatalf("EnsureLocalFolder: %v", err)
	}
	defer ref.Release()

	if _, err := a.CloneFolder(ctx, folder.ImapDescriptor{Path: folder.ParsePath("INBOX"), EmailUnread: 7}); err != nil {
		t.Fatalf("second CloneFolder: %v", err)
	}

	if got := ref.Handle().Properties().UnreadCount; got != 7 {
		t.Fatalf("live handle unread count = %d, want 7 after reconciliation", got)
	}
}
