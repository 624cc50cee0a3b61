// Package registry implements the Folder Registry: a weak-reference index
// from folder path to live Folder handles (§4.3). Go has no language-level
// weak references, so "weak" is realized here as an explicit refcounted
// wrapper the registry owns strongly; when the last strong reference a
// caller holds is released, the registry is notified synchronously and
// drops its entry. A runtime.AddCleanup finalizer is attached to each Ref as
// a backstop for callers that forget to Release, but correctness never
// depends on its timing.
package registry

import (
	"runtime"
	"sync"

	"github.com/hkdb/mailstore/internal/folder"
	"github.com/hkdb/mailstore/internal/logging"
	"github.com/rs/zerolog"
)

// Ref is a strong, caller-held reference to a live Folder handle. There is
// no explicit "acquire" beyond what Registry hands out; callers release
// their hold with Release, which is safe to call more than once.
type Ref struct {
	mu      sync.Mutex
	handle  *folder.Handle
	entry   *entry
	relOnce *sync.Once
}

// Handle returns the underlying Folder handle. Valid until Release.
func (r *Ref) Handle() *folder.Handle {
	return r.handle
}

// Release drops this caller's strong reference. When the owning entry's
// refcount reaches zero, the handle's "reference broken" signal fires and
// the registry evicts its map entry.
func (r *Ref) Release() {
	r.relOnce.Do(r.entry.release)
}

type entry struct {
	mu       sync.Mutex
	path     folder.Path
	handle   *folder.Handle
	refCount int
}

func (e *entry) retain() *Ref {
	e.mu.Lock()
	e.refCount++
	e.mu.Unlock()

	// The cleanup shares the Ref's Once, so a Ref that was already released
	// explicitly is not released a second time when it is collected.
	once := new(sync.Once)
	ref := &Ref{handle: e.handle, entry: e, relOnce: once}
	runtime.AddCleanup(ref, func(once *sync.Once) { once.Do(e.release) }, once)
	return ref
}

// release decrements the refcount and, at zero, fires the handle's
// reference-broken signal. The registry itself is never touched directly
// here — it is listening for that signal (see CreateLocalFolder) and reacts
// by deleting its map entry, matching the spec's own "subscribes to the
// handle's reference broken signal to remove the map entry" wording.
func (e *entry) release() {
	e.mu.Lock()
	e.refCount--
	empty := e.refCount <= 0
	e.mu.Unlock()

	if empty {
		e.handle.BreakReference()
	}
}

// Registry maps folder path to at most one live Folder handle, per §4.3's
// uniqueness guarantee.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     zerolog.Logger

	// onUnreadUpdated, when set, is attached to every handle this registry
	// creates so unread-count propagation (§4.8) reaches a single place.
	onUnreadUpdated folder.UnreadUpdatedFunc
}

// New constructs an empty Folder Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		log:     logging.WithComponent("registry"),
	}
}

// SetUnreadUpdatedCallback installs the callback attached to every handle
// this registry creates going forward. Existing handles are unaffected.
func (r *Registry) SetUnreadUpdatedCallback(fn folder.UnreadUpdatedFunc) {
	r.mu.Lock()
	r.onUnreadUpdated = fn
	r.mu.Unlock()
}

// GetLocalFolder returns a new strong Ref to the live handle for path, or
// nil if none is currently live.
func (r *Registry) GetLocalFolder(path folder.Path) *Ref {
	key := path.String()
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return e.retain()
}

// CreateLocalFolder returns the existing live handle for path, updating its
// properties, or constructs and installs a new one. The registry update for
// a newly created handle happens synchronously here, so a follow-up lookup
// by the same caller observes the same handle (§5 ordering guarantee).
func (r *Registry) CreateLocalFolder(path folder.Path, id int64, properties folder.Folder) *Ref {
	key := path.String()

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		e.handle.SetProperties(properties)
		return e.retain()
	}

	handle := folder.NewHandle(path, properties)
	e := &entry{path: path, handle: handle}
	r.entries[key] = e
	r.mu.Unlock()

	handle.OnReferenceBroken(func(folder.Path) {
		r.evict(key, e)
	})
	if r.onUnreadUpdated != nil {
		handle.OnUnreadUpdated(r.onUnreadUpdated)
	}

	return e.retain()
}

func (r *Registry) evict(key string, e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[key]; ok && cur == e {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}

// Len reports the number of live handles currently cached (test/diagnostic
// use only).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
