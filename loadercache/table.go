package loadercache

import (
	"sync"
	"weak"
)

// A claim is a computation in progress. done is closed once handle or err is set.
type claim[R any] struct {
	done   chan struct{}
	handle *Handle[R]
	err    error

	// Guarded by the table lock.
	waiters int
}

func (c *claim[R]) resolve(handle *Handle[R], err error) {
	c.handle = handle
	c.err = err
	close(c.done)
}

type tableEntry[R any] struct {
	handle weak.Pointer[Handle[R]]
	claim  *claim[R]
}

type hitResult[R any] struct {
	handle  *Handle[R]
	claim   *claim[R]
	claimed bool
}

type table[K comparable, R any] struct {
	entries   map[K]tableEntry[R]
	tableLock sync.Mutex
}

func newTable[K comparable, R any]() *table[K, R] {
	return &table[K, R]{
		entries: make(map[K]tableEntry[R]),
	}
}

// getOrClaim returns the live handle for key, the claim of a computation in
// progress, or a new claim owned by the caller.
func (t *table[K, R]) getOrClaim(key K) hitResult[R] {
	t.tableLock.Lock()
	defer t.tableLock.Unlock()

	entry, ok := t.entries[key]
	if ok {
		if entry.claim != nil {
			entry.claim.waiters++
			return hitResult[R]{claim: entry.claim}
		}
		if handle := entry.handle.Value(); handle != nil {
			handle.refs++
			return hitResult[R]{handle: handle}
		}
		// Reclaimed, treat as absent
	}

	c := &claim[R]{done: make(chan struct{})}
	t.entries[key] = tableEntry[R]{claim: c}
	return hitResult[R]{
		claim:   c,
		claimed: true,
	}
}

// set stores handle under key, unless the claim was dropped in the meantime.
// Either way the handle gets a reference for the claimer and each waiter.
func (t *table[K, R]) set(key K, c *claim[R], handle *Handle[R]) bool {
	t.tableLock.Lock()
	defer t.tableLock.Unlock()

	handle.refs += 1 + c.waiters

	entry, ok := t.entries[key]
	if !ok || entry.claim != c {
		return false
	}

	t.entries[key] = tableEntry[R]{handle: weak.Make(handle)}
	return true
}

func (t *table[K, R]) release(key K, c *claim[R]) {
	t.tableLock.Lock()
	defer t.tableLock.Unlock()

	entry, ok := t.entries[key]
	if ok && entry.claim == c {
		delete(t.entries, key)
	}
}

// deleteReclaimed drops the entry for key if it still points at the reclaimed handle.
func (t *table[K, R]) deleteReclaimed(key K, handle weak.Pointer[Handle[R]]) {
	t.tableLock.Lock()
	defer t.tableLock.Unlock()

	entry, ok := t.entries[key]
	if ok && entry.claim == nil && entry.handle == handle {
		delete(t.entries, key)
	}
}

// releaseRef drops one reference to handle. It reports whether that was the
// last one and keep returned false, in which case the entry for key is removed
// if it still points at handle.
func (t *table[K, R]) releaseRef(key K, handle *Handle[R], keep func() bool) bool {
	t.tableLock.Lock()
	defer t.tableLock.Unlock()

	if handle.refs <= 0 {
		return false
	}
	handle.refs--
	if handle.refs > 0 || keep() {
		return false
	}

	entry, ok := t.entries[key]
	if ok && entry.claim == nil && entry.handle == weak.Make(handle) {
		delete(t.entries, key)
	}
	return true
}

// pinIfCurrent runs pin under the table lock if key still maps to handle.
func (t *table[K, R]) pinIfCurrent(key K, handle *Handle[R], pin func()) bool {
	t.tableLock.Lock()
	defer t.tableLock.Unlock()

	entry, ok := t.entries[key]
	if !ok || entry.claim != nil || entry.handle != weak.Make(handle) {
		return false
	}
	pin()
	return true
}

func (t *table[K, R]) clear() {
	t.tableLock.Lock()
	defer t.tableLock.Unlock()

	clear(t.entries)
}

// len counts entries with a live handle.
func (t *table[K, R]) len() int {
	t.tableLock.Lock()
	defer t.tableLock.Unlock()

	count := 0
	for key, entry := range t.entries {
		if entry.claim != nil {
			continue
		}
		if entry.handle.Value() == nil {
			delete(t.entries, key)
			continue
		}
		count++
	}
	return count
}
