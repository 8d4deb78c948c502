package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roseybot/roseycore/internal/perm"
)

// Entry binds a parsed manifest to its live supervisor and the permissions
// derived from the manifest.
type Entry struct {
	Manifest    *Manifest
	Supervisor  *Supervisor
	Permissions *perm.PluginPermissions
	LoadedAt    time.Time
}

// Registry is the sole authority on known plugins. It maps plugin ids to
// their entries and maintains the command index used by the router. Command
// prefix collisions are detected before any mutation commits, so a rejected
// registration leaves no trace.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	commands map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]*Entry),
		commands: make(map[string]string),
	}
}

func normalizeCommand(prefix string) string {
	return strings.ToLower(strings.TrimSpace(prefix))
}

// Register adds an entry and claims its command prefixes atomically.
func (r *Registry) Register(e *Entry) error {
	if e == nil || e.Manifest == nil || e.Manifest.ID == "" {
		return fmt.Errorf("%w: empty id", ErrManifestInvalid)
	}
	id := e.Manifest.ID

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, id)
	}
	claims := make([]string, 0, len(e.Manifest.Commands))
	for _, c := range e.Manifest.Commands {
		c = normalizeCommand(c)
		if c == "" {
			continue
		}
		if owner, ok := r.commands[c]; ok && owner != id {
			return fmt.Errorf("%w: command %q already owned by %s", ErrCommandConflict, c, owner)
		}
		claims = append(claims, c)
	}

	r.entries[id] = e
	for _, c := range claims {
		r.commands[c] = id
	}
	return nil
}

// Deregister removes an entry and releases its command prefixes.
func (r *Registry) Deregister(id string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginUnknown, id)
	}
	delete(r.entries, id)
	for c, owner := range r.commands {
		if owner == id {
			delete(r.commands, c)
		}
	}
	return e, nil
}

func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// ForCommand resolves a command prefix to the owning plugin id.
func (r *Registry) ForCommand(prefix string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.commands[normalizeCommand(prefix)]
	return id, ok
}

// List returns all entries sorted by plugin id.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.ID < out[j].Manifest.ID
	})
	return out
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
