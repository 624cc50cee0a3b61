// Package contact implements Contact row load/store (§4.11): en-masse load
// at account open, upsert with monotonically increasing importance, and
// vCard interop for callers that need to hand a contact to the OS layer.
package contact

// Contact is one row of ContactTable.
type Contact struct {
	Email             string
	RealName          string
	HighestImportance int
	NormalizedEmail   string
	Flags             uint32
}

// Importance orders how prominently an address appeared in a message. A
// later sighting only ever raises a contact's HighestImportance, never
// lowers it — a Cc sighting must not overwrite a prior To/From sighting.
type Importance int

const (
	ImportanceNone Importance = iota
	ImportanceBcc
	ImportanceCc
	ImportanceToOrFrom
)
