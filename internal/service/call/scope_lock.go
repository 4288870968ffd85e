package call

import "sync"

// scopeLock serializes check-then-create sequences per scope key (conversation
// or chat room). It narrows the duplicate-call window inside one process; the
// partial unique index on the calls table is the cross-process guarantee.
type scopeLock struct {
	mu    sync.Mutex
	locks map[string]*scopeEntry
}

type scopeEntry struct {
	mu   sync.Mutex
	refs int
}

func newScopeLock() *scopeLock {
	return &scopeLock{locks: make(map[string]*scopeEntry)}
}

// Lock acquires the lock for key and returns its release function. Entries
// are reference counted so the map does not grow with dead scopes.
func (l *scopeLock) Lock(key string) func() {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &scopeEntry{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
