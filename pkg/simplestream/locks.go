package simplestream

import "sync"

// LockRegistry hands out one mutex per key. Entries are created on first use
// and never removed, so a key always maps to the same mutex.
type LockRegistry struct {
	locks sync.Map // string -> *sync.Mutex
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{}
}

// Lock returns the mutex for key, creating it if absent.
func (r *LockRegistry) Lock(key string) *sync.Mutex {
	if m, ok := r.locks.Load(key); ok {
		return m.(*sync.Mutex)
	}
	m, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Len returns the number of keys seen so far.
func (r *LockRegistry) Len() int {
	n := 0
	r.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
