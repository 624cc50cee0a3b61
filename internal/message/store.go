package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hkdb/mailstore/internal/database"
	"github.com/hkdb/mailstore/internal/folder"
	"github.com/hkdb/mailstore/internal/logging"
	"github.com/hkdb/mailstore/internal/search"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a message id does not resolve to a row.
var ErrNotFound = errors.New("message: not found")

// ErrIncomplete is returned by Get when a loaded row's fields_bitmask does
// not satisfy the fields the caller required.
var ErrIncomplete = errors.New("message: required fields not populated")

// ftsColumns is the indexed column order, matching the messages_fts
// definition exactly; highlight() column indices (§4.7) are positions into
// this slice.
var ftsColumns = []string{search.ColSubject, search.ColFrom, search.ColTo, search.ColCc, search.ColBcc, search.ColBody, search.ColAttachment}

// highlightStart and highlightEnd delimit a matched term in FTS5's
// highlight() auxiliary function output (§4.7). Control characters, chosen
// so they can never collide with real message text; produced on the SQL
// side via char(1)/char(2) rather than embedded as raw bytes in Go source.
const (
	highlightStart = "\x01"
	highlightEnd   = "\x02"
)

// Store implements Message/Location CRUD, search execution, and
// search-match extraction (§4.4, §4.6, §4.7) against the Database Gateway.
type Store struct {
	gw       *database.Gateway
	resolver *folder.Resolver
	log      zerolog.Logger
}

// NewStore constructs a message Store. resolver is used only to resolve the
// blacklist folder paths search callers pass in.
func NewStore(gw *database.Gateway, resolver *folder.Resolver) *Store {
	return &Store{gw: gw, resolver: resolver, log: logging.WithComponent("message")}
}

func attachmentsToJSON(a []Attachment) string {
	if len(a) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(a)
	return string(b)
}

func attachmentsFromJSON(s string) []Attachment {
	if s == "" {
		return nil
	}
	var out []Attachment
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func flagsToJSON(f []string) string {
	if len(f) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(f)
	return string(b)
}

func flagsFromJSON(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

const messageColumns = `id, message_id, in_reply_to, internaldate_time_t, subject, from_field, receivers, cc, bcc, body, attachment, flags, fields_bitmask`

func scanMessage(row interface{ Scan(dest ...any) error }) (Message, error) {
	var m Message
	var messageID, inReplyTo, subject, from, to, cc, bcc, body, attachment sql.NullString
	var internalDate int64
	var flags string
	var bitmask uint32

	err := row.Scan(&m.ID, &messageID, &inReplyTo, &internalDate, &subject, &from, &to, &cc, &bcc, &body, &attachment, &flags, &bitmask)
	if err != nil {
		return Message{}, err
	}

	m.MessageID = messageID.String
	m.InReplyTo = inReplyTo.String
	m.InternalDate = time.Unix(internalDate, 0).UTC()
	m.Subject = subject.String
	m.From = parseAddresses(from.String)
	m.To = parseAddresses(to.String)
	m.Cc = parseAddresses(cc.String)
	m.Bcc = parseAddresses(bcc.String)
	m.Body = body.String
	m.Attachments = attachmentsFromJSON(attachment.String)
	m.Flags = flagsFromJSON(flags)
	m.FieldsBitmask = Field(bitmask)
	return m, nil
}

// Create inserts a new message row and its initial folder locations. It
// does not touch messages_fts: there is no AFTER INSERT trigger, so a row is
// searchable only once the background indexer (or an explicit IndexMessage
// call) has populated it.
func (s *Store) Create(ctx context.Context, m Message, folderIDs []int64) (int64, error) {
	var id int64
	err := s.gw.RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		res, err := tx.Exec(`
			INSERT INTO messages (message_id, in_reply_to, internaldate_time_t, subject, from_field, receivers, cc, bcc, body, attachment, flags, fields_bitmask)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.MessageID, m.InReplyTo, m.InternalDate.Unix(), m.Subject,
			formatAddresses(m.From), formatAddresses(m.To), formatAddresses(m.Cc), formatAddresses(m.Bcc),
			m.Body, attachmentsToJSON(m.Attachments), flagsToJSON(m.Flags), uint32(m.FieldsBitmask))
		if err != nil {
			return database.Rollback, fmt.Errorf("message: create: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return database.Rollback, err
		}
		for _, fid := range folderIDs {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO message_locations (message_id, folder_id, remove_marker) VALUES (?, ?, 0)`, id, fid); err != nil {
				return database.Rollback, fmt.Errorf("message: create location: %w", err)
			}
		}
		return database.Commit, nil
	})
	return id, err
}

// Get loads a message row, returning ErrIncomplete if it does not satisfy
// required.
func (s *Store) Get(ctx context.Context, id int64, required Field) (Message, error) {
	var m Message
	err := s.gw.RO(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		row := tx.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
		var err error
		m, err = scanMessage(row)
		if err == sql.ErrNoRows {
			return database.Done, ErrNotFound
		}
		if err != nil {
			return database.Done, fmt.Errorf("message: get: %w", err)
		}
		if !m.FieldsBitmask.Satisfies(required) {
			return database.Done, ErrIncomplete
		}
		return database.Done, nil
	})
	return m, err
}

// Blacklist is a set of folder paths (and optionally the "folderless"
// sentinel) that suppress whole messages from a lookup or search result.
type Blacklist struct {
	Paths      []folder.Path
	Folderless bool
}

func (b Blacklist) hasPath(p folder.Path) bool {
	target := p.String()
	for _, bp := range b.Paths {
		if bp.String() == target {
			return true
		}
	}
	return false
}

// LookupResult is one message's entry in a search_message_id result.
type LookupResult struct {
	Message    Message
	Paths      []folder.Path
	Folderless bool
}

// GetByMessageID implements search_message_id (§4.4): looks up every row
// whose message_id or in_reply_to equals target, applies field/blacklist
// filtering, and returns a result keyed by message id, or nil if empty.
func (s *Store) GetByMessageID(ctx context.Context, target string, required Field, partialOK bool, folderBlacklist Blacklist, flagBlacklist []string) (map[int64]LookupResult, error) {
	out := map[int64]LookupResult{}
	err := s.gw.RO(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		rows, err := tx.Query(`SELECT `+messageColumns+` FROM messages WHERE message_id = ? OR in_reply_to = ?`, target, target)
		if err != nil {
			return database.Done, fmt.Errorf("message: lookup by message id: %w", err)
		}
		defer rows.Close()

		var loaded []Message
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return database.Done, fmt.Errorf("message: scan: %w", err)
			}
			if !partialOK && !m.FieldsBitmask.Satisfies(required) {
				continue
			}
			loaded = append(loaded, m)
		}
		if err := rows.Err(); err != nil {
			return database.Done, err
		}

		for _, m := range loaded {
			folderIDs, err := containingFolderIDs(tx, m.ID)
			if err != nil {
				return database.Done, err
			}

			if len(folderIDs) == 0 {
				if folderBlacklist.Folderless {
					continue
				}
				if flagsIntersect(m.Flags, flagBlacklist) {
					continue
				}
				out[m.ID] = LookupResult{Message: m, Folderless: true}
				continue
			}

			paths := make([]folder.Path, 0, len(folderIDs))
			blacklisted := false
			for _, fid := range folderIDs {
				p, err := s.resolver.FindFolderPath(tx, fid)
				if err != nil {
					return database.Done, fmt.Errorf("message: resolve location path: %w", err)
				}
				if folderBlacklist.hasPath(p) {
					blacklisted = true
					break
				}
				paths = append(paths, p)
			}
			if blacklisted {
				continue
			}
			if flagsIntersect(m.Flags, flagBlacklist) {
				continue
			}
			out[m.ID] = LookupResult{Message: m, Paths: paths}
		}
		return database.Done, nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func flagsIntersect(have, blacklist []string) bool {
	if len(blacklist) == 0 {
		return false
	}
	set := make(map[string]bool, len(blacklist))
	for _, f := range blacklist {
		set[strings.ToLower(f)] = true
	}
	for _, f := range have {
		if set[strings.ToLower(f)] {
			return true
		}
	}
	return false
}

func containingFolderIDs(tx *sql.Tx, messageID int64) ([]int64, error) {
	rows, err := tx.Query(`SELECT folder_id FROM message_locations WHERE message_id = ? AND remove_marker = 0`, messageID)
	if err != nil {
		return nil, fmt.Errorf("message: containing folders: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddLocation records that message lives in folder, or clears a prior
// tombstone if the row already exists.
func (s *Store) AddLocation(ctx context.Context, messageID, folderID int64) error {
	return s.gw.RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		_, err := tx.Exec(`
			INSERT INTO message_locations (message_id, folder_id, remove_marker) VALUES (?, ?, 0)
			ON CONFLICT (message_id, folder_id) DO UPDATE SET remove_marker = 0`,
			messageID, folderID)
		if err != nil {
			return database.Rollback, fmt.Errorf("message: add location: %w", err)
		}
		return database.Commit, nil
	})
}

// RemoveLocation tombstones a (message, folder) location rather than
// deleting it outright, so unread arithmetic can still see it until expunge.
func (s *Store) RemoveLocation(ctx context.Context, messageID, folderID int64) error {
	return s.gw.RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		_, err := tx.Exec(`UPDATE message_locations SET remove_marker = 1 WHERE message_id = ? AND folder_id = ?`, messageID, folderID)
		if err != nil {
			return database.Rollback, fmt.Errorf("message: remove location: %w", err)
		}
		return database.Commit, nil
	})
}

// ListLocations returns every location row for messageID, tombstoned or
// not — used by unread propagation (§4.8), which must see tombstones.
func (s *Store) ListLocations(tx *sql.Tx, messageID int64) ([]Location, error) {
	rows, err := tx.Query(`SELECT message_id, folder_id, remove_marker FROM message_locations WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("message: list locations: %w", err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		var l Location
		var marker int
		if err := rows.Scan(&l.MessageID, &l.FolderID, &marker); err != nil {
			return nil, err
		}
		l.RemoveMarker = marker != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// ResultID pagination ordering matches internaldate_time_t DESC.

// buildMatchQuery joins compiled per-field phrases into a single FTS5 MATCH
// expression, scoping each field's phrase to its column.
func buildMatchQuery(compiled search.Compiled) string {
	var parts []string
	if any, ok := compiled[search.AnyField]; ok && any != "" {
		parts = append(parts, any)
	}
	for field, phrase := range compiled {
		if field == search.AnyField || phrase == "" {
			continue
		}
		parts = append(parts, field+":("+phrase+")")
	}
	return strings.Join(parts, " AND ")
}

func (b Blacklist) build(tx *sql.Tx, resolver *folder.Resolver) (string, []any, error) {
	var ids []int64
	for _, p := range b.Paths {
		// search_ids creating folder rows on demand (§4.6, §9) is preserved
		// faithfully: create=true even though this runs inside a nominally
		// read-only transaction.
		id, err := resolver.FetchFolderID(tx, p, true)
		if err != nil {
			return "", nil, fmt.Errorf("message: resolve blacklist path: %w", err)
		}
		ids = append(ids, id)
	}

	switch {
	case len(ids) == 0 && !b.Folderless:
		return "", nil, nil
	case len(ids) > 0 && !b.Folderless:
		placeholders := make([]string, len(ids))
		args := make([]any, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args[i] = id
		}
		return fmt.Sprintf(`SELECT message_id FROM message_locations WHERE remove_marker = 0 AND folder_id IN (%s)`, strings.Join(placeholders, ",")), args, nil
	case len(ids) == 0 && b.Folderless:
		return `SELECT id FROM messages WHERE id NOT IN (SELECT message_id FROM message_locations WHERE remove_marker = 0)`, nil, nil
	default:
		placeholders := make([]string, len(ids))
		args := make([]any, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args[i] = id
		}
		sql := fmt.Sprintf(`
			SELECT message_id FROM message_locations WHERE remove_marker = 0 AND folder_id IN (%s)
			UNION
			SELECT id FROM messages WHERE id NOT IN (SELECT message_id FROM message_locations WHERE remove_marker = 0)`,
			strings.Join(placeholders, ","))
		return sql, args, nil
	}
}

// Search implements search execution (§4.6): compiled phrases, a blacklist
// sub-select, an optional search_ids restriction, ordered by internal date
// descending with LIMIT/OFFSET (limit=0 means unlimited).
func (s *Store) Search(ctx context.Context, compiled search.Compiled, limit, offset int, blacklist Blacklist, searchIDs []int64) ([]ResultID, error) {
	matchQuery := buildMatchQuery(compiled)
	if matchQuery == "" {
		return nil, nil
	}

	var out []ResultID
	err := s.gw.RO(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		blacklistSQL, blacklistArgs, err := blacklist.build(tx, s.resolver)
		if err != nil {
			return database.Done, err
		}

		var b strings.Builder
		args := []any{matchQuery}
		b.WriteString(`SELECT m.id, m.internaldate_time_t FROM messages m INDEXED BY idx_messages_internaldate
			WHERE m.id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)`)
		if blacklistSQL != "" {
			b.WriteString(` AND m.id NOT IN (`)
			b.WriteString(blacklistSQL)
			b.WriteString(`)`)
			args = append(args, blacklistArgs...)
		}
		if len(searchIDs) > 0 {
			placeholders := make([]string, len(searchIDs))
			for i, id := range searchIDs {
				placeholders[i] = "?"
				args = append(args, id)
			}
			b.WriteString(` AND m.id IN (`)
			b.WriteString(strings.Join(placeholders, ","))
			b.WriteString(`)`)
		}
		b.WriteString(` ORDER BY m.internaldate_time_t DESC`)
		if limit > 0 {
			b.WriteString(` LIMIT ? OFFSET ?`)
			args = append(args, limit, offset)
		}

		rows, err := tx.Query(b.String(), args...)
		if err != nil {
			return database.Done, fmt.Errorf("message: search: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r ResultID
			var t int64
			if err := rows.Scan(&r.ID, &t); err != nil {
				return database.Done, err
			}
			r.InternalDate = time.Unix(t, 0).UTC()
			out = append(out, r)
		}
		return database.Done, rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// GetSearchMatches implements search-match extraction (§4.7): the literal
// substrings that caused ids to match compiled, for UI highlighting, plus a
// "fudge factor" of literal words straight from the raw query.
func (s *Store) GetSearchMatches(ctx context.Context, rawQuery string, compiled search.Compiled, ids []int64) (map[string]struct{}, error) {
	matches := map[string]struct{}{}
	matchQuery := buildMatchQuery(compiled)

	if matchQuery != "" && len(ids) > 0 {
		err := s.gw.RO(ctx, func(tx *sql.Tx) (database.Outcome, error) {
			placeholders := make([]string, len(ids))
			args := []any{matchQuery}
			for i, id := range ids {
				placeholders[i] = "?"
				args = append(args, id)
			}

			highlightExprs := make([]string, len(ftsColumns))
			for i := range ftsColumns {
				highlightExprs[i] = fmt.Sprintf("highlight(messages_fts, %d, char(1), char(2))", i)
			}
			q := fmt.Sprintf(`
				SELECT m.id, %s
				FROM messages_fts JOIN messages m ON m.id = messages_fts.rowid
				WHERE messages_fts MATCH ? AND m.id IN (%s)`,
				strings.Join(highlightExprs, ", "), strings.Join(placeholders, ","))

			rows, err := tx.Query(q, args...)
			if err != nil {
				return database.Done, fmt.Errorf("message: search matches: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				var id int64
				cols := make([]sql.NullString, len(ftsColumns))
				dest := make([]any, 0, len(cols)+1)
				dest = append(dest, &id)
				for i := range cols {
					dest = append(dest, &cols[i])
				}
				if err := rows.Scan(dest...); err != nil {
					return database.Done, err
				}
				for _, col := range cols {
					extractHighlightMatches(col.String, matches)
				}
			}
			return database.Done, rows.Err()
		})
		if err != nil {
			return nil, err
		}
	}

	for _, word := range strings.Fields(rawQuery) {
		word = strings.Trim(word, `"`)
		if word == "" {
			continue
		}
		matches[strings.ToLower(word)] = struct{}{}
	}
	return matches, nil
}

// extractHighlightMatches scans one column's highlight()-marked text for
// highlightStart/highlightEnd-delimited spans and records each matched
// substring, lowercased. An unterminated trailing mark (malformed output)
// simply stops extraction for that column rather than erroring.
func extractHighlightMatches(highlighted string, matches map[string]struct{}) {
	rest := highlighted
	for {
		start := strings.Index(rest, highlightStart)
		if start == -1 {
			return
		}
		rest = rest[start+len(highlightStart):]
		end := strings.Index(rest, highlightEnd)
		if end == -1 {
			return
		}
		if term := rest[:end]; term != "" {
			matches[strings.ToLower(term)] = struct{}{}
		}
		rest = rest[end+len(highlightEnd):]
	}
}

// IndexMessage inserts the FTS row for id, reading its current indexable
// column values. Called by the background indexer (and available to
// callers that want to index a single message eagerly at create time).
func (s *Store) IndexMessage(tx *sql.Tx, id int64) error {
	row := tx.QueryRow(`SELECT subject, from_field, receivers, cc, bcc, body, attachment FROM messages WHERE id = ?`, id)
	var subject, from, to, cc, bcc, body, attachment sql.NullString
	if err := row.Scan(&subject, &from, &to, &cc, &bcc, &body, &attachment); err != nil {
		return fmt.Errorf("message: load for indexing: %w", err)
	}
	_, err := tx.Exec(`
		INSERT INTO messages_fts (rowid, subject, from_field, receivers, cc, bcc, body, attachment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, subject.String, from.String, to.String, cc.String, bcc.String, body.String, attachment.String)
	if err != nil {
		return fmt.Errorf("message: index message: %w", err)
	}
	return nil
}

// UnindexedIDs returns up to limit message ids with no corresponding
// messages_fts row, for the background indexer's populate_batch. A rowid
// lookup on the external-content messages_fts table reads the messages table
// itself, so indexed rows are found through the FTS5 docsize shadow table,
// which gets one row per indexed document.
func (s *Store) UnindexedIDs(tx *sql.Tx, limit int) ([]int64, error) {
	rows, err := tx.Query(`
		SELECT m.id FROM messages m
		WHERE NOT EXISTS (SELECT 1 FROM messages_fts_docsize d WHERE d.id = m.id)
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("message: unindexed ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TotalCount returns the total number of message rows, for the indexer's
// progress monitor.
func (s *Store) TotalCount(tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// Gateway exposes the underlying Database Gateway for collaborators (the
// indexer) that need to run their own transactions against this store's
// methods that take a *sql.Tx directly.
func (s *Store) Gateway() *database.Gateway {
	return s.gw
}
