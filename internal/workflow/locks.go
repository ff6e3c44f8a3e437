package workflow

import "sync"

type caseLock struct {
	mu   sync.Mutex
	refs int
}

// caseLocks hands out one mutex per case. Entries are created on first use
// and removed when the last holder releases, so the table only holds cases
// with in-flight actions.
type caseLocks struct {
	mu    sync.Mutex
	locks map[string]*caseLock
}

func newCaseLocks() *caseLocks {
	return &caseLocks{locks: make(map[string]*caseLock)}
}

// acquire blocks until the caller holds the lock for caseID and returns the
// function that releases it.
func (l *caseLocks) acquire(caseID string) (release func()) {
	l.mu.Lock()
	cl, ok := l.locks[caseID]
	if !ok {
		cl = &caseLock{}
		l.locks[caseID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.mu.Unlock()
			l.mu.Lock()
			cl.refs--
			if cl.refs == 0 {
				delete(l.locks, caseID)
			}
			l.mu.Unlock()
		})
	}
}

// size returns the number of live lock entries.
func (l *caseLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
