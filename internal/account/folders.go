package account

import (
	"context"

	"github.com/hkdb/mailstore/internal/folder"
	"github.com/hkdb/mailstore/internal/registry"
)

// GetLocalFolder returns a strong Ref to the live handle for path, or nil if
// none is currently cached.
func (a *Account) GetLocalFolder(path folder.Path) (*registry.Ref, error) {
	if !a.isOpen() {
		return nil, ErrNotOpen
	}
	return a.registry.GetLocalFolder(path), nil
}

// CloneFolder reconciles a folder row from an IMAP folder descriptor (§4.2),
// then pushes the resulting properties into any live registry handle for
// that path.
func (a *Account) CloneFolder(ctx context.Context, desc folder.ImapDescriptor) (folder.Folder, error) {
	if !a.isOpen() {
		return folder.Folder{}, ErrNotOpen
	}
	f, err := a.folders.CloneFolder(ctx, desc)
	if err != nil {
		return folder.Folder{}, err
	}
	a.reconcileHandle(desc.Path, f)
	return f, nil
}

// UpdateFolderStatus reconciles from an IMAP STATUS response (§4.2) and
// pushes the result into any live registry handle.
func (a *Account) UpdateFolderStatus(ctx context.Context, desc folder.ImapDescriptor, updateUIDInfo bool) (folder.Folder, error) {
	if !a.isOpen() {
		return folder.Folder{}, ErrNotOpen
	}
	f, err := a.folders.UpdateFolderStatus(ctx, desc, updateUIDInfo)
	if err != nil {
		return folder.Folder{}, err
	}
	a.reconcileHandle(desc.Path, f)
	return f, nil
}

// UpdateFolderSelectExamine reconciles from an IMAP SELECT/EXAMINE response
// (§4.2) and pushes the result into any live registry handle.
func (a *Account) UpdateFolderSelectExamine(ctx context.Context, desc folder.ImapDescriptor) (folder.Folder, error) {
	if !a.isOpen() {
		return folder.Folder{}, ErrNotOpen
	}
	f, err := a.folders.UpdateFolderSelectExamine(ctx, desc)
	if err != nil {
		return folder.Folder{}, err
	}
	a.reconcileHandle(desc.Path, f)
	return f, nil
}

// DeleteFolder deletes a childless folder (§4.2).
func (a *Account) DeleteFolder(ctx context.Context, path folder.Path) (bool, error) {
	if !a.isOpen() {
		return false, ErrNotOpen
	}
	return a.folders.DeleteFolder(ctx, path)
}

// reconcileHandle updates a live registry handle's properties in place, per
// §4.2's "after either reconciliation, if a live handle exists... the
// in-memory properties on the handle are updated in place."
func (a *Account) reconcileHandle(path folder.Path, f folder.Folder) {
	ref := a.registry.GetLocalFolder(path)
	if ref == nil {
		return
	}
	defer ref.Release()
	ref.Handle().SetProperties(f)
}

// EnsureLocalFolder returns the live handle for path, creating and caching
// one from properties if none is currently live (§4.3).
func (a *Account) EnsureLocalFolder(path folder.Path, id int64, properties folder.Folder) (*registry.Ref, error) {
	if !a.isOpen() {
		return nil, ErrNotOpen
	}
	return a.registry.CreateLocalFolder(path, id, properties), nil
}
