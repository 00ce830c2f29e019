package keylock

import "sync"

type entry struct {
	mu   sync.RWMutex
	refs int
}

// Map hands out a read-write lock per key. Locks for keys nobody holds
// or waits for are dropped, so the map only grows with concurrency.
type Map[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

func New[K comparable]() *Map[K] {
	return &Map[K]{locks: make(map[K]*entry)}
}

func (m *Map[K]) acquire(key K) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++

	return e
}

func (m *Map[K]) release(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock takes the exclusive lock for the key and returns the function that releases it.
func (m *Map[K]) Lock(key K) (unlock func()) {
	e := m.acquire(key)
	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		m.release(key)
	}
}

// RLock takes the shared lock for the key and returns the function that releases it.
func (m *Map[K]) RLock(key K) (unlock func()) {
	e := m.acquire(key)
	e.mu.RLock()

	return func() {
		e.mu.RUnlock()
		m.release(key)
	}
}

// Len returns the number of keys that are currently locked or waited for.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.locks)
}
