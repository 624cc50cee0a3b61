package account

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hkdb/mailstore/internal/database"
	"github.com/hkdb/mailstore/internal/folder"
)

// NotifyUnreadChanged implements unread propagation (§4.8): given a batch of
// per-message unread-status changes reported by one folder's handle, it
// accumulates the resulting per-folder delta across every other folder that
// also contains each message (tombstoned locations included, since a
// just-removed location still affects unread arithmetic until the removal
// commits), then applies those deltas to whichever of those folders
// currently has a live registry handle. Best-effort: folders with no live
// handle are simply skipped, not queued.
func (a *Account) NotifyUnreadChanged(ctx context.Context, sourceFolderPath folder.Path, changes map[int64]bool) error {
	if !a.isOpen() {
		return ErrNotOpen
	}

	deltas := map[string]int64{}
	err := a.gw.RO(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		sourceID, err := a.folders.Resolver().FetchFolderID(tx, sourceFolderPath, false)
		if err != nil {
			return database.Done, fmt.Errorf("account: resolve source folder: %w", err)
		}

		for messageID, unread := range changes {
			locations, err := a.messages.ListLocations(tx, messageID)
			if err != nil {
				return database.Done, err
			}
			delta := int64(1)
			if !unread {
				delta = -1
			}
			for _, loc := range locations {
				if loc.FolderID == sourceID {
					continue
				}
				path, err := a.folders.Resolver().FindFolderPath(tx, loc.FolderID)
				if err != nil {
					continue
				}
				deltas[path.String()] += delta
			}
		}
		return database.Done, nil
	})
	if err != nil {
		return err
	}

	for key, delta := range deltas {
		if delta == 0 {
			continue
		}
		path := folder.ParsePath(key)
		ref := a.registry.GetLocalFolder(path)
		if ref == nil {
			continue
		}
		ref.Handle().AddToUnreadCount(delta)
		ref.Release()
	}
	return nil
}
