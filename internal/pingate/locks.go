package pingate

import "sync"

// subjectLocks hands out one mutex per subject and forgets it once the last
// holder releases it.
type subjectLocks struct {
	mu      sync.Mutex
	entries map[string]*subjectLock
}

type subjectLock struct {
	mu   sync.Mutex
	refs int
}

func newSubjectLocks() *subjectLocks {
	return &subjectLocks{entries: make(map[string]*subjectLock)}
}

func (l *subjectLocks) lock(subjectID string) func() {
	l.mu.Lock()
	entry, ok := l.entries[subjectID]
	if !ok {
		entry = &subjectLock{}
		l.entries[subjectID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, subjectID)
		}
		l.mu.Unlock()
	}
}
