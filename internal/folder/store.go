package folder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/hkdb/mailstore/internal/database"
	"github.com/hkdb/mailstore/internal/logging"
	"github.com/rs/zerolog"
)

// Store implements folder CRUD and property reconciliation (§4.2) against
// the Database Gateway.
type Store struct {
	gw       *database.Gateway
	resolver *Resolver
	log      zerolog.Logger
}

// NewStore constructs a folder Store over gw.
func NewStore(gw *database.Gateway) *Store {
	return &Store{gw: gw, resolver: NewResolver(), log: logging.WithComponent("folder")}
}

func attrsToJSON(attrs []imap.MailboxAttr) string {
	strs := make([]string, len(attrs))
	for i, a := range attrs {
		strs[i] = string(a)
	}
	b, _ := json.Marshal(strs)
	return string(b)
}

func attrsFromJSON(s string) []imap.MailboxAttr {
	var strs []string
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &strs); err != nil {
		return nil
	}
	attrs := make([]imap.MailboxAttr, len(strs))
	for i, s := range strs {
		attrs[i] = imap.MailboxAttr(s)
	}
	return attrs
}

func scanFolder(row interface {
	Scan(dest ...any) error
}) (Folder, error) {
	var f Folder
	var parentID sql.NullInt64
	var attrs string
	if err := row.Scan(&f.ID, &parentID, &f.Name, &attrs, &f.LastSeenTotal, &f.LastSeenStatusTotal,
		&f.UIDValidity, &f.UIDNext, &f.UnreadCount); err != nil {
		return Folder{}, err
	}
	if parentID.Valid {
		f.ParentID = parentID.Int64
	} else {
		f.ParentID = InvalidID
	}
	f.Attributes = attrsFromJSON(attrs)
	return f, nil
}

const folderColumns = `id, parent_id, name, attributes, last_seen_total, last_seen_status_total, uid_validity, uid_next, unread_count`

// GetByID loads a folder row by id.
func (s *Store) GetByID(tx *sql.Tx, id int64) (Folder, error) {
	row := tx.QueryRow(`SELECT `+folderColumns+` FROM folders WHERE id = ?`, id)
	f, err := scanFolder(row)
	if err == sql.ErrNoRows {
		return Folder{}, ErrNotFound
	}
	if err != nil {
		return Folder{}, fmt.Errorf("folder: get by id: %w", err)
	}
	return f, nil
}

// GetByPath resolves path and loads the folder row, or ErrNotFound.
func (s *Store) GetByPath(tx *sql.Tx, path Path) (Folder, error) {
	id, err := s.resolver.FetchFolderID(tx, path, false)
	if err != nil {
		return Folder{}, err
	}
	return s.GetByID(tx, id)
}

// CloneFolder ensures all ancestor rows of desc.Path exist (creating them
// with null/zero counts; idempotent), then inserts or updates the leaf row
// with the properties from desc.
func (s *Store) CloneFolder(ctx context.Context, desc ImapDescriptor) (Folder, error) {
	var result Folder
	err := s.gw.RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		parentID, err := s.resolver.FetchParentID(tx, desc.Path, true)
		if err != nil {
			return database.Rollback, err
		}

		leaf := desc.Path.Leaf()
		existingID, found, err := lookupChild(tx, parentID, leaf)
		if err != nil {
			return database.Rollback, err
		}

		uidValidity := uint32(0)
		if desc.UIDValidity != nil {
			uidValidity = *desc.UIDValidity
		}
		uidNext := uint32(0)
		if desc.UIDNext != nil {
			uidNext = *desc.UIDNext
		}
		unread := desc.EmailUnread
		if unread == 0 {
			unread = desc.Unseen
		}

		if found {
			_, err := tx.Exec(`
				UPDATE folders SET attributes=?, last_seen_total=?, last_seen_status_total=?,
					uid_validity=?, uid_next=?, unread_count=? WHERE id=?`,
				attrsToJSON(desc.Attrs), desc.SelectExamineMessages, desc.StatusMessages,
				uidValidity, uidNext, unread, existingID)
			if err != nil {
				return database.Rollback, fmt.Errorf("folder: clone update: %w", err)
			}
			result, err = s.GetByID(tx, existingID)
			return database.Commit, err
		}

		var res sql.Result
		if parentID == InvalidID {
			res, err = tx.Exec(`
				INSERT INTO folders (parent_id, name, attributes, last_seen_total, last_seen_status_total, uid_validity, uid_next, unread_count)
				VALUES (NULL, ?, ?, ?, ?, ?, ?, ?)`,
				leaf, attrsToJSON(desc.Attrs), desc.SelectExamineMessages, desc.StatusMessages, uidValidity, uidNext, unread)
		} else {
			res, err = tx.Exec(`
				INSERT INTO folders (parent_id, name, attributes, last_seen_total, last_seen_status_total, uid_validity, uid_next, unread_count)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				parentID, leaf, attrsToJSON(desc.Attrs), desc.SelectExamineMessages, desc.StatusMessages, uidValidity, uidNext, unread)
		}
		if err != nil {
			return database.Rollback, fmt.Errorf("folder: clone insert: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return database.Rollback, err
		}
		result, err = s.GetByID(tx, id)
		return database.Commit, err
	})
	return result, err
}

// DeleteFolder resolves path and deletes the folder along with its
// MessageLocation rows, provided it has no children. It returns
// (deleted=false, err=nil) when the folder has children — a logical
// precondition failure reported via the return value, not an error — and
// (deleted=false, err=ErrNotFound) when the path does not resolve.
func (s *Store) DeleteFolder(ctx context.Context, path Path) (bool, error) {
	deleted := false
	err := s.gw.RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		id, err := s.resolver.FetchFolderID(tx, path, false)
		if err != nil {
			return database.Rollback, err
		}

		var childCount int
		if err := tx.QueryRow("SELECT COUNT(*) FROM folders WHERE parent_id = ?", id).Scan(&childCount); err != nil {
			return database.Rollback, fmt.Errorf("folder: count children: %w", err)
		}
		if childCount > 0 {
			s.log.Warn().Str("path", path.String()).Int("children", childCount).Msg("refusing to delete folder with children")
			return database.Rollback, nil
		}

		if _, err := tx.Exec("DELETE FROM message_locations WHERE folder_id = ?", id); err != nil {
			return database.Rollback, fmt.Errorf("folder: delete locations: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM folders WHERE id = ?", id); err != nil {
			return database.Rollback, fmt.Errorf("folder: delete folder: %w", err)
		}
		deleted = true
		return database.Commit, nil
	})
	return deleted, err
}

// UpdateFolderStatus reconciles attributes, unread_count, and
// last_seen_status_total from an IMAP STATUS response. When updateUIDInfo
// is set it also updates uid_validity and uid_next. It never touches
// last_seen_total.
func (s *Store) UpdateFolderStatus(ctx context.Context, desc ImapDescriptor, updateUIDInfo bool) (Folder, error) {
	var result Folder
	err := s.gw.RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		id, err := s.resolver.FetchFolderID(tx, desc.Path, false)
		if err != nil {
			return database.Rollback, err
		}
		if updateUIDInfo {
			uidValidity := uint32(0)
			if desc.UIDValidity != nil {
				uidValidity = *desc.UIDValidity
			}
			uidNext := uint32(0)
			if desc.UIDNext != nil {
				uidNext = *desc.UIDNext
			}
			_, err = tx.Exec(`UPDATE folders SET attributes=?, unread_count=?, last_seen_status_total=?, uid_validity=?, uid_next=? WHERE id=?`,
				attrsToJSON(desc.Attrs), desc.EmailUnread, desc.StatusMessages, uidValidity, uidNext, id)
		} else {
			_, err = tx.Exec(`UPDATE folders SET attributes=?, unread_count=?, last_seen_status_total=? WHERE id=?`,
				attrsToJSON(desc.Attrs), desc.EmailUnread, desc.StatusMessages, id)
		}
		if err != nil {
			return database.Rollback, fmt.Errorf("folder: update status: %w", err)
		}
		result, err = s.GetByID(tx, id)
		return database.Commit, err
	})
	return result, err
}

// UpdateFolderSelectExamine reconciles uid_validity, uid_next, and
// last_seen_total from a SELECT/EXAMINE response. It never touches
// last_seen_status_total.
func (s *Store) UpdateFolderSelectExamine(ctx context.Context, desc ImapDescriptor) (Folder, error) {
	var result Folder
	err := s.gw.RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		id, err := s.resolver.FetchFolderID(tx, desc.Path, false)
		if err != nil {
			return database.Rollback, err
		}
		uidValidity := uint32(0)
		if desc.UIDValidity != nil {
			uidValidity = *desc.UIDValidity
		}
		uidNext := uint32(0)
		if desc.UIDNext != nil {
			uidNext = *desc.UIDNext
		}
		_, err = tx.Exec(`UPDATE folders SET uid_validity=?, uid_next=?, last_seen_total=? WHERE id=?`,
			uidValidity, uidNext, desc.SelectExamineMessages, id)
		if err != nil {
			return database.Rollback, fmt.Errorf("folder: update select/examine: %w", err)
		}
		result, err = s.GetByID(tx, id)
		return database.Commit, err
	})
	return result, err
}

// RootFolder is a minimal root-level row, used by duplicate-Inbox cleanup.
type RootFolder struct {
	ID   int64
	Name string
}

// ListRoots returns every root-level (parent_id IS NULL) folder row.
func (s *Store) ListRoots(tx *sql.Tx) ([]RootFolder, error) {
	rows, err := tx.Query("SELECT id, name FROM folders WHERE parent_id IS NULL")
	if err != nil {
		return nil, fmt.Errorf("folder: list roots: %w", err)
	}
	defer rows.Close()

	var out []RootFolder
	for rows.Next() {
		var r RootFolder
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRootByID deletes a root folder and its location rows unconditionally
// (used for duplicate-Inbox cleanup, which bypasses the "no children" rule
// since duplicate Inbox roots are expected to be childless case variants).
func (s *Store) DeleteRootByID(tx *sql.Tx, id int64) error {
	if _, err := tx.Exec("DELETE FROM message_locations WHERE folder_id = ?", id); err != nil {
		return fmt.Errorf("folder: delete duplicate locations: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM folders WHERE id = ?", id); err != nil {
		return fmt.Errorf("folder: delete duplicate folder: %w", err)
	}
	return nil
}

// Resolver exposes the path Resolver for callers (search execution, account
// lifecycle) that need to resolve paths inside their own transactions.
func (s *Store) Resolver() *Resolver {
	return s.resolver
}
