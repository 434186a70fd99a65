// Package keylock provides mutual exclusion per key. A key's mutex exists
// only while some goroutine holds or waits for it, so the set of keys can grow
// without bound while memory stays proportional to contention.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map is a set of mutexes indexed by key. The zero value is ready to use and
// a Map must not be copied after first use.
type Map[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

// Lock blocks until key is free and returns the function that releases it.
func (m *Map[K]) Lock(key K) (unlock func()) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[K]*entry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			m.mu.Lock()
			defer m.mu.Unlock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
		})
	}
}

// Len returns the number of keys currently held or waited for.
func (m *Map[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
