package sync

import "sync"

// collectionLocks hands out one mutex per collection. A replay step and a
// reconcile pass on the same collection never overlap.
type collectionLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newCollectionLocks() *collectionLocks {
	return &collectionLocks{m: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for coll and returns its release func.
func (l *collectionLocks) lock(coll string) func() {
	l.mu.Lock()
	m, ok := l.m[coll]
	if !ok {
		m = &sync.Mutex{}
		l.m[coll] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
