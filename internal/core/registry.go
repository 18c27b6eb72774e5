package core

import "sync"

// ProcessRegistry maps job keys to the handle of their live agent subprocess.
// Entries exist only while the owning Runner has the process running; no other
// component mutates another job's entry.
type ProcessRegistry struct {
	mu      sync.RWMutex
	handles map[string]ProcessHandle
}

// NewProcessRegistry creates an empty registry.
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{handles: make(map[string]ProcessHandle)}
}

// Put records the live handle for a job.
func (r *ProcessRegistry) Put(key string, h ProcessHandle) {
	r.mu.Lock()
	r.handles[key] = h
	r.mu.Unlock()
}

// Get returns the live handle for a job, or false when none is registered.
func (r *ProcessRegistry) Get(key string) (ProcessHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[key]
	return h, ok
}

// Remove drops the handle for a job. Safe to call for absent keys.
func (r *ProcessRegistry) Remove(key string) {
	r.mu.Lock()
	delete(r.handles, key)
	r.mu.Unlock()
}

// Len returns the number of live handles, used by shutdown accounting.
func (r *ProcessRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
