// Package message implements the Message row, MessageLocation row, search
// execution, and search-match extraction (§3, §4.4, §4.6, §4.7).
package message

import "time"

// Field is one bit of Fields, the set of logical fields a Message row has
// been populated with. Callers request a subset of Fields and receive
// ErrIncomplete if a loaded row does not satisfy them.
type Field uint32

const (
	FieldSubject Field = 1 << iota
	FieldFrom
	FieldTo
	FieldCc
	FieldBcc
	FieldBody
	FieldAttachment
	FieldInternalDate
	FieldMessageID
	FieldInReplyTo
	FieldFlags
)

// IndexingFields is the fixed bitmask the Background Indexer loads: enough
// to populate every FTS column plus everything required for a valid row.
const IndexingFields = FieldSubject | FieldFrom | FieldTo | FieldCc | FieldBcc | FieldBody | FieldAttachment | FieldMessageID | FieldInternalDate

// Satisfies reports whether have contains every bit set in want.
func (have Field) Satisfies(want Field) bool {
	return have&want == want
}

// Address is a single display-name/email pair.
type Address struct {
	Name  string
	Email string
}

// Attachment is the minimal attachment metadata this store records; the
// on-disk body/attachment layout itself is out of scope.
type Attachment struct {
	Filename string
	MimeType string
	Size     int64
}

// Message is one row of MessageTable.
type Message struct {
	ID             int64
	MessageID      string
	InReplyTo      string
	InternalDate   time.Time
	Subject        string
	From           []Address
	To             []Address
	Cc             []Address
	Bcc            []Address
	Body           string
	Attachments    []Attachment
	Flags          []string
	FieldsBitmask  Field
}

// Location is one row of MessageLocationTable: a (message, folder)
// containment edge, possibly tombstoned.
type Location struct {
	MessageID    int64
	FolderID     int64
	RemoveMarker bool
}

// ResultID is a pagination-stable search result identifier: the pair of
// internal row id and internal date (§4.6).
type ResultID struct {
	ID           int64
	InternalDate time.Time
}
