package session

import (
	"sync"
	"time"
)

// State tracks a session record through its lifecycle. Transitions only move
// forward: Requested -> Active -> Terminating -> Terminated.
type State string

const (
	StateRequested   State = "requested"
	StateActive      State = "active"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
)

// Record is the session descriptor held in the registry, one per identity.
type Record struct {
	Identity        string
	ContainerRef    string
	ContainerName   string
	WorkspaceVolume string
	Port            int
	EndpointURL     string
	DashboardURL    string
	CreatedAt       time.Time
	LastActivityAt  time.Time
	State           State
}

// entry wraps a Record with its per-identity lock and the channels other
// operations coordinate on. ready closes once provisioning settles (err is
// set first on failure); gone closes once the entry has left the registry.
type entry struct {
	mu    sync.Mutex
	rec   Record
	err   error
	ready chan struct{}
	gone  chan struct{}
}

func newEntry(rec Record) *entry {
	return &entry{
		rec:   rec,
		ready: make(chan struct{}),
		gone:  make(chan struct{}),
	}
}

// Registry is the shared identity -> session map. Its own mutex only guards
// key insertion, lookup and removal; everything about an individual session
// is serialized on the entry's lock so identities never block each other.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) get(identity string) (*entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[identity]
	r.mu.Unlock()
	return e, ok
}

// remove deletes the identity only if it still maps to the given entry, so a
// stale cleanup can't remove a successor session.
func (r *Registry) remove(identity string, e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[identity]; ok && cur == e {
		delete(r.entries, identity)
	}
	r.mu.Unlock()
}

func (r *Registry) identities() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	return ids
}

// Len counts live entries, including ones still provisioning.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
