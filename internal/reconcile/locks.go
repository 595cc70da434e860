package reconcile

import "sync"

// orderLocks serializes reconciliation per order ID. Entries are reference
// counted and removed when the last holder releases, so the map stays
// bounded by the number of orders being reconciled right now.
type orderLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newOrderLocks() *orderLocks {
	return &orderLocks{entries: make(map[string]*lockEntry)}
}

// lock acquires the mutex for orderID and returns the release function.
func (l *orderLocks) lock(orderID string) func() {
	l.mu.Lock()
	entry, ok := l.entries[orderID]
	if !ok {
		entry = &lockEntry{}
		l.entries[orderID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, orderID)
		}
		l.mu.Unlock()
	}
}
