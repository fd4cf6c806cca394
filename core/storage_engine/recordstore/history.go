package recordstore

import (
	"context"

	"github.com/sushant-115/sessiondb/core/session"
)

// HistoryFrom returns a fresh iterator over the committed write history,
// walking backward (newest-first) along the PrevWriteTS chain starting at ts.
// Implements session.HistorySource.
func (s *Store) HistoryFrom(ts session.Timestamp) session.HistoryIterator {
	return &historyIterator{store: s, next: ts}
}

type historyIterator struct {
	store *Store
	next  session.Timestamp
}

func (it *historyIterator) HasNext() bool {
	if it.next == 0 {
		return false
	}
	it.store.mu.Lock()
	defer it.store.mu.Unlock()
	_, ok := it.store.history[it.next]
	return ok
}

func (it *historyIterator) Next(_ context.Context) (session.WriteHistoryEntry, error) {
	if it.next == 0 {
		return session.WriteHistoryEntry{}, ErrHistoryExhausted
	}

	it.store.mu.Lock()
	entry, ok := it.store.history[it.next]
	it.store.mu.Unlock()

	if !ok {
		return session.WriteHistoryEntry{}, ErrHistoryExhausted
	}
	it.next = entry.PrevWriteTS
	return entry, nil
}
