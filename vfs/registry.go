package vfs

import (
	"sync"

	"go.gazette.dev/hostvfs/metrics"
)

// readOnlyRegistry is the set of canonical paths currently open through a
// read-only handle. At most one read-only handle may be open per path.
type readOnlyRegistry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func newReadOnlyRegistry() *readOnlyRegistry {
	return &readOnlyRegistry{paths: make(map[string]struct{})}
}

// acquire adds |path|, returning false if it was already present.
func (r *readOnlyRegistry) acquire(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.paths[path]; ok {
		return false
	}
	r.paths[path] = struct{}{}
	metrics.VFSReadOnlyRegistered.Inc()
	return true
}

// release removes |path|, which must be present.
func (r *readOnlyRegistry) release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.paths[path]; !ok {
		panic("release of unregistered read-only path " + path)
	}
	delete(r.paths, path)
	metrics.VFSReadOnlyRegistered.Dec()
}

func (r *readOnlyRegistry) contains(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var _, ok = r.paths[path]
	return ok
}
