// Package folder models a cached folder row, its path, and the external
// IMAP descriptor used to reconcile it, plus the minimal Folder Handle
// surface the account store creates, caches, and tears down.
package folder

import (
	"strings"

	"github.com/emersion/go-imap/v2"
)

// InvalidID marks the absence of a row id, e.g. the parent of a root folder.
const InvalidID int64 = 0

// Folder is one row of FolderTable.
type Folder struct {
	ID                  int64
	ParentID            int64 // InvalidID for a root folder
	Name                string
	Attributes          []imap.MailboxAttr
	LastSeenTotal        uint32
	LastSeenStatusTotal  uint32
	UIDValidity          uint32
	UIDNext              uint32
	UnreadCount          uint32
}

// BestKnownTotal returns the best available "how many messages does this
// folder have" estimate: last_seen_total, falling back to
// last_seen_status_total when the folder has never been SELECTed.
func (f Folder) BestKnownTotal() uint32 {
	if f.LastSeenTotal != 0 {
		return f.LastSeenTotal
	}
	return f.LastSeenStatusTotal
}

// Path is a slash-separated folder path, root first, e.g. {"A", "B", "C"}.
type Path []string

// ParsePath splits a string path like "A/B/C" into its segments. An empty
// string yields an empty (root-level, invalid-as-leaf) path.
func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	return Path(strings.Split(s, "/"))
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

// Parent returns the path one level up, and whether p had a parent at all
// (false for a root-level path).
func (p Path) Parent() (Path, bool) {
	if len(p) <= 1 {
		return nil, false
	}
	return p[:len(p)-1], true
}

// Leaf returns the last path segment, i.e. this folder's own name.
func (p Path) Leaf() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// IsRoot reports whether p names a root-level folder.
func (p Path) IsRoot() bool {
	return len(p) == 1
}

// ImapDescriptor is the external IMAP folder property descriptor consumed
// (never produced) by reconciliation: the subset of a STATUS or
// SELECT/EXAMINE response this store cares about.
type ImapDescriptor struct {
	Path                  Path
	SelectExamineMessages uint32
	StatusMessages        uint32
	UIDValidity           *uint32 // nil when the response omitted it
	UIDNext               *uint32
	Attrs                 []imap.MailboxAttr
	EmailUnread           uint32
	Unseen                uint32
	Recent                uint32
}

// IsInboxLike reports whether name matches the IMAP INBOX mailbox name
// case-insensitively, per RFC 3501 §5.1 ("the special name INBOX... is
// reserved... interpreted case-insensitively").
func IsInboxLike(name string) bool {
	return strings.EqualFold(name, CanonicalInbox)
}

// CanonicalInbox is the one case form of INBOX this store persists at the
// root; all other case variants are duplicates cleaned up at open.
const CanonicalInbox = "INBOX"
