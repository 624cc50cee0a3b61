package folder

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/hkdb/mailstore/internal/logging"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a path or id does not resolve to a folder
// row, including when resolution was aborted by a detected tree loop.
var ErrNotFound = errors.New("folder: not found")

var pathLog = logging.WithComponent("folder")

// Resolver walks and repairs the folder tree within a single transaction.
// It has no state of its own; every method takes the *sql.Tx it should run
// against so it composes inside both RO and RW callbacks.
type Resolver struct {
	log zerolog.Logger
}

// NewResolver returns a path Resolver.
func NewResolver() *Resolver {
	return &Resolver{log: pathLog}
}

// FetchFolderID walks path from the root, looking up each segment by
// (parent_id, name). If a segment is missing and create is false, it
// returns ErrNotFound. If missing and create is true, it inserts a minimal
// folder row and continues. A newly inserted row whose id equals its
// parent's id indicates database corruption (a self-parent loop); this is
// logged and surfaced as ErrNotFound rather than propagated as a fatal
// error, per the store's "one corrupted row is not fatal" policy.
func (r *Resolver) FetchFolderID(tx *sql.Tx, path Path, create bool) (int64, error) {
	var parentID int64 = InvalidID
	for _, segment := range path {
		id, found, err := lookupChild(tx, parentID, segment)
		if err != nil {
			return 0, err
		}
		if !found {
			if !create {
				return 0, ErrNotFound
			}
			id, err = insertMinimal(tx, parentID, segment)
			if err != nil {
				return 0, err
			}
		}
		if id == parentID && parentID != InvalidID {
			r.log.Warn().Int64("id", id).Str("segment", segment).Msg("loop in database: folder id equals parent id")
			return 0, ErrNotFound
		}
		parentID = id
	}
	if parentID == InvalidID {
		// path was empty: there is no folder to resolve.
		return 0, ErrNotFound
	}
	return parentID, nil
}

// FetchParentID returns InvalidID when path is root-level; otherwise it
// delegates to FetchFolderID(path.Parent(), create).
func (r *Resolver) FetchParentID(tx *sql.Tx, path Path, create bool) (int64, error) {
	parent, ok := path.Parent()
	if !ok {
		return InvalidID, nil
	}
	return r.FetchFolderID(tx, parent, create)
}

// FindFolderPath reconstructs a path by walking parent pointers upward from
// folderID. Detects self-parent loops the same way FetchFolderID does.
func (r *Resolver) FindFolderPath(tx *sql.Tx, folderID int64) (Path, error) {
	var segments []string
	seen := map[int64]bool{}
	id := folderID
	for id != InvalidID {
		if seen[id] {
			r.log.Warn().Int64("id", id).Msg("loop in database: folder ancestry cycles")
			return nil, ErrNotFound
		}
		seen[id] = true

		var name string
		var parentID sql.NullInt64
		err := tx.QueryRow("SELECT name, parent_id FROM folders WHERE id = ?", id).Scan(&name, &parentID)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("folder: find path: %w", err)
		}
		segments = append([]string{name}, segments...)

		next := InvalidID
		if parentID.Valid {
			next = parentID.Int64
		}
		if next == id {
			r.log.Warn().Int64("id", id).Msg("loop in database: folder id equals parent id")
			return nil, ErrNotFound
		}
		id = next
	}
	return Path(segments), nil
}

func lookupChild(tx *sql.Tx, parentID int64, name string) (int64, bool, error) {
	var row *sql.Row
	if parentID == InvalidID {
		row = tx.QueryRow("SELECT id FROM folders WHERE parent_id IS NULL AND name = ?", name)
	} else {
		row = tx.QueryRow("SELECT id FROM folders WHERE parent_id = ? AND name = ?", parentID, name)
	}
	var id int64
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("folder: lookup child: %w", err)
	}
	return id, true, nil
}

func insertMinimal(tx *sql.Tx, parentID int64, name string) (int64, error) {
	var res sql.Result
	var err error
	if parentID == InvalidID {
		res, err = tx.Exec("INSERT INTO folders (parent_id, name) VALUES (NULL, ?)", name)
	} else {
		res, err = tx.Exec("INSERT INTO folders (parent_id, name) VALUES (?, ?)", parentID, name)
	}
	if err != nil {
		return 0, fmt.Errorf("folder: insert minimal: %w", err)
	}
	return res.LastInsertId()
}
