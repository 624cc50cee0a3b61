// Package account implements the Account Store (§4.1): the coordinator that
// opens one account's database, wires together the folder, message, contact,
// registry, and indexer collaborators, and exposes the public surface the
// rest of a mail client drives.
package account

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/hkdb/mailstore/internal/contact"
	"github.com/hkdb/mailstore/internal/database"
	"github.com/hkdb/mailstore/internal/folder"
	"github.com/hkdb/mailstore/internal/indexer"
	"github.com/hkdb/mailstore/internal/logging"
	"github.com/hkdb/mailstore/internal/message"
	"github.com/hkdb/mailstore/internal/registry"
	"github.com/hkdb/mailstore/internal/search"
	"github.com/rs/zerolog"
)

// Config is the caller-supplied, per-account configuration. There is no
// config file format here; a host process owns that and constructs Config
// directly.
type Config struct {
	// SelfEmail is used for "me" expansion in search queries (§4.5).
	SelfEmail string
}

// SentCallback is invoked when a message is locally recorded as sent, for
// collaborators (e.g. an outbox UI) that want to react to the event.
type SentCallback func(message.Message)

// Account coordinates one account's mail store for its whole open/close
// lifecycle.
type Account struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	open   bool
	cancel context.CancelFunc

	gw       *database.Gateway
	folders  *folder.Store
	messages *message.Store
	contacts *contact.Store
	registry *registry.Registry
	indexer  *indexer.Indexer

	contactsMu sync.Mutex
	contactIdx map[string]contact.Contact

	sentMu sync.Mutex
	onSent SentCallback
}

// New constructs an unopened Account.
func New(cfg Config) *Account {
	return &Account{cfg: cfg, log: logging.WithComponent("account")}
}

func (a *Account) isOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// Open opens (creating if necessary) the account's database at dataDir,
// cleans up duplicate Inbox roots, loads contacts, and starts the background
// checkpoint routine and indexer. Returns ErrAlreadyOpen if already open.
func (a *Account) Open(ctx context.Context, dataDir, schemaDir string) error {
	a.mu.Lock()
	if a.open {
		a.mu.Unlock()
		return ErrAlreadyOpen
	}
	a.mu.Unlock()

	gw, err := database.Open(ctx, dataDir, schemaDir, nil)
	if err != nil {
		return fmt.Errorf("account: open: %w", err)
	}

	fs := folder.NewStore(gw)
	ms := message.NewStore(gw, fs.Resolver())
	cs := contact.NewStore(gw)
	reg := registry.New()
	ix := indexer.New(ms)

	if err := cleanupDuplicateInboxes(ctx, gw, fs); err != nil {
		gw.Close()
		return fmt.Errorf("account: duplicate inbox cleanup: %w", err)
	}

	contacts, err := cs.LoadAll(ctx)
	if err != nil {
		gw.Close()
		return fmt.Errorf("account: load contacts: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.gw = gw
	a.folders = fs
	a.messages = ms
	a.contacts = cs
	a.registry = reg
	a.indexer = ix
	a.cancel = cancel
	a.open = true
	a.mu.Unlock()

	a.contactsMu.Lock()
	a.contactIdx = contacts
	a.contactsMu.Unlock()

	reg.SetUnreadUpdatedCallback(func(path folder.Path, unread uint32) {
		a.log.Debug().Str("path", path.String()).Uint32("unread", unread).Msg("folder unread count updated")
	})

	go gw.StartCheckpointRoutine(runCtx)
	go ix.Run(runCtx)

	a.log.Info().Str("path", gw.Path()).Msg("account opened")
	return nil
}

// cleanupDuplicateInboxes implements §4.1's "scans all root folders and
// deletes any whose name matches the IMAP Inbox predicate but is not the
// canonical form" step, in one RW transaction. Exactly one Inbox-like root
// survives: the canonical-case one if present, otherwise the first
// encountered.
func cleanupDuplicateInboxes(ctx context.Context, gw *database.Gateway, fs *folder.Store) error {
	return gw.RW(ctx, func(tx *sql.Tx) (database.Outcome, error) {
		roots, err := fs.ListRoots(tx)
		if err != nil {
			return database.Rollback, err
		}

		keptID := int64(-1)
		for _, r := range roots {
			if r.Name == folder.CanonicalInbox {
				keptID = r.ID
				break
			}
		}
		if keptID == -1 {
			for _, r := range roots {
				if folder.IsInboxLike(r.Name) {
					keptID = r.ID
					break
				}
			}
		}
		if keptID == -1 {
			return database.Done, nil
		}

		for _, r := range roots {
			if r.ID == keptID || !folder.IsInboxLike(r.Name) {
				continue
			}
			if err := fs.DeleteRootByID(tx, r.ID); err != nil {
				return database.Rollback, err
			}
		}
		return database.Commit, nil
	})
}

// Close idempotently tears down the account: cancels background work and
// closes the database. Safe to call more than once or on a never-opened
// Account.
func (a *Account) Close() error {
	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return nil
	}
	gw := a.gw
	cancel := a.cancel
	a.open = false
	a.mu.Unlock()

	cancel()
	err := gw.Close()
	a.log.Info().Msg("account closed")
	return err
}

// IndexStatus returns the background indexer's current progress.
func (a *Account) IndexStatus(ctx context.Context) (indexer.Status, error) {
	if !a.isOpen() {
		return indexer.Status{}, ErrNotOpen
	}
	return a.indexer.Status(ctx)
}

// SetSentCallback installs the callback fired by NotifySent.
func (a *Account) SetSentCallback(fn SentCallback) {
	a.sentMu.Lock()
	a.onSent = fn
	a.sentMu.Unlock()
}

// NotifySent fires the installed sent-message callback, if any.
func (a *Account) NotifySent(m message.Message) {
	a.sentMu.Lock()
	fn := a.onSent
	a.sentMu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// SearchMessageID wraps message.Store.GetByMessageID (§4.4).
func (a *Account) SearchMessageID(ctx context.Context, targetMessageID string, required message.Field, partialOK bool, folderBlacklist message.Blacklist, flagBlacklist []string) (map[int64]message.LookupResult, error) {
	if !a.isOpen() {
		return nil, ErrNotOpen
	}
	return a.messages.GetByMessageID(ctx, targetMessageID, required, partialOK, folderBlacklist, flagBlacklist)
}

// Search compiles rawQuery and runs search execution (§4.5, §4.6).
func (a *Account) Search(ctx context.Context, rawQuery string, limit, offset int, folderBlacklist message.Blacklist, searchIDs []int64) ([]message.ResultID, error) {
	if !a.isOpen() {
		return nil, ErrNotOpen
	}
	compiled := search.Compile(rawQuery, a.cfg.SelfEmail)
	return a.messages.Search(ctx, compiled, limit, offset, folderBlacklist, searchIDs)
}

// GetSearchMatches wraps message.Store.GetSearchMatches (§4.7).
func (a *Account) GetSearchMatches(ctx context.Context, rawQuery string, ids []int64) (map[string]struct{}, error) {
	if !a.isOpen() {
		return nil, ErrNotOpen
	}
	compiled := search.Compile(rawQuery, a.cfg.SelfEmail)
	return a.messages.GetSearchMatches(ctx, rawQuery, compiled, ids)
}

// GetContact returns a loaded contact by normalized email, if present.
func (a *Account) GetContact(normalizedEmail string) (contact.Contact, bool) {
	a.contactsMu.Lock()
	defer a.contactsMu.Unlock()
	c, ok := a.contactIdx[normalizedEmail]
	return c, ok
}

// UpsertContact stores a contact sighting and refreshes the in-memory index.
func (a *Account) UpsertContact(ctx context.Context, email, realName string, importance contact.Importance, flags uint32) (contact.Contact, error) {
	if !a.isOpen() {
		return contact.Contact{}, ErrNotOpen
	}
	c, err := a.contacts.Upsert(ctx, email, realName, importance, flags)
	if err != nil {
		return contact.Contact{}, err
	}
	a.contactsMu.Lock()
	a.contactIdx[c.NormalizedEmail] = c
	a.contactsMu.Unlock()
	return c, nil
}
