package registry

import (
	"runtime"
	"testing"
	"time"

	"github.com/hkdb/mailstore/internal/folder"
)

func TestGetLocalFolderMissingReturnsNil(t *testing.T) {
	r := New()
	if ref := r.GetLocalFolder(folder.ParsePath("INBOX")); ref != nil {
		t.Fatal("expected nil for a path with no live handle")
	}
}

func TestCreateLocalFolderReusesExistingHandle(t *testing.T) {
	r := New()
	path := folder.ParsePath("INBOX")

	ref1 := r.CreateLocalFolder(path, 1, folder.Folder{ID: 1, Name: "INBOX"})
	ref2 := r.CreateLocalFolder(path, 1, folder.Folder{ID: 1, Name: "INBOX", UnreadCount: 3})

	if ref1.Handle() != ref2.Handle() {
		t.Fatal("two concurrent requests for the same path must observe the same handle")
	}
	if got := ref1.Handle().Properties().UnreadCount; got != 3 {
		t.Fatalf("UnreadCount = %d, want 3 (properties should update in place)", got)
	}
	if r.Len() != 1 {
		t.Fatalf("registry has %d entries, want 1", r.Len())
	}
}

func TestReleaseAllRefsEvictsEntry(t *testing.T) {
	r := New()
	path := folder.ParsePath("INBOX")

	ref1 := r.CreateLocalFolder(path, 1, folder.Folder{ID: 1, Name: "INBOX"})
	ref2 := r.GetLocalFolder(path)
	if ref2 == nil {
		t.Fatal("GetLocalFolder should find the just-created handle")
	}

	ref1.Release()
	if r.Len() != 1 {
		t.Fatal("entry should survive while ref2 is still held")
	}
	ref2.Release()
	if r.Len() != 0 {
		t.Fatal("entry should be evicted once every strong ref is released")
	}

	if r.GetLocalFolder(path) != nil {
		t.Fatal("GetLocalFolder should return nil after full release")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := New()
	path := folder.ParsePath("INBOX")
	ref := r.CreateLocalFolder(path, 1, folder.Folder{ID: 1})

	ref.Release()
	ref.Release()
	if r.Len() != 0 {
		t.Fatal("double release must not double-decrement")
	}
}

func TestForgottenRefIsEventuallyReclaimedByCleanup(t *testing.T) {
	r := New()
	path := folder.ParsePath("INBOX")

	func() {
		r.CreateLocalFolder(path, 1, folder.Folder{ID: 1})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runtime.GC()
		if r.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Skip("cleanup-based reclamation is a best-effort backstop, not timing-guaranteed")
}
