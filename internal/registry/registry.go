// Package registry implements the engine's Connection Registry: a
// process-wide connection_id → Connection map with reverse indexes by
// (host, port).
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Entry is the narrow view of a Connection the registry needs to manage
// lifecycle and reverse-index lookups, kept as an interface so registry
// does not import the connection package (which imports registry's
// sibling packages) and create a cycle.
type Entry interface {
	ID() string
	Host() string
	Port() int
	Close() error
}

// Registry is a thread-safe connection_id → Entry map with a (host, port)
// reverse index.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]Entry
	byAddr map[string]map[string]struct{} // "host:port" -> set of connection_id
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[string]Entry),
		byAddr: make(map[string]map[string]struct{}),
	}
}

func addrKey(host string, port int) string { return fmt.Sprintf("%s:%d", host, port) }

// NewConnectionID returns a fresh, unique connection_id.
func NewConnectionID() string { return uuid.NewString() }

// Register adds conn under its own ID, which must be unique — the registry
// rejects an ID collision rather than silently replacing, since connection
// IDs are engine-generated UUIDs and a collision indicates a caller bug.
func (r *Registry) Register(conn Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[conn.ID()]; exists {
		return fmt.Errorf("registry: connection_id %q already registered", conn.ID())
	}
	r.byID[conn.ID()] = conn

	key := addrKey(conn.Host(), conn.Port())
	if r.byAddr[key] == nil {
		r.byAddr[key] = make(map[string]struct{})
	}
	r.byAddr[key][conn.ID()] = struct{}{}
	return nil
}

// Get returns the Entry for id, or (nil, false).
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// ByAddr returns every connection_id currently registered for (host, port).
func (r *Registry) ByAddr(host string, port int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byAddr[addrKey(host, port)]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Unregister removes id from the registry. It is a no-op if absent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)

	key := addrKey(conn.Host(), conn.Port())
	if set, ok := r.byAddr[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byAddr, key)
		}
	}
}

// All returns a snapshot of every registered Entry.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	return out
}
