package recordstore

import (
	"bytes"
	"fmt"

	"github.com/sushant-115/sessiondb/core/session"
	"go.uber.org/zap"
)

// stagedUpdate is a pending record replacement plus the committed record it
// was derived from (nil for an insert). Commit re-validates the base so two
// overlapping transactions cannot silently lose an update.
type stagedUpdate struct {
	base *session.SessionTxnRecord
	rec  session.SessionTxnRecord
}

// Txn is a storage transaction against the record store. Staged writes are
// invisible to other readers until Commit appends them to the log, syncs it,
// applies them to the committed maps, and then fires the registered commit
// hooks. Abort discards everything and fires nothing.
//
// A Txn is intended for use by a single goroutine.
type Txn struct {
	store   *Store
	staged  map[session.SessionID]stagedUpdate
	history []session.WriteHistoryEntry
	hooks   []func()
	done    bool
}

// OnCommit registers fn to run strictly after this transaction's durability
// point. Implements session.StorageTxn.
func (t *Txn) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// StageHistory stages a write-history entry to be appended at commit.
func (t *Txn) StageHistory(entry session.WriteHistoryEntry) {
	t.history = append(t.history, entry)
}

// Commit makes all staged writes durable and visible, then runs the commit
// hooks outside the store lock. If a concurrent transaction committed a
// conflicting record change first, Commit fails with a write conflict and
// behaves like Abort.
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnFinished
	}
	t.done = true

	s := t.store
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: store at %s is closed", session.ErrStoreUnavailable, s.dir)
	}

	// Re-validate every staged write against the committed state. A base
	// mismatch means another transaction won the race after this one staged.
	for id, su := range t.staged {
		committed, ok := s.records[id]
		switch {
		case su.base == nil && ok:
			s.mu.Unlock()
			return fmt.Errorf("%w: session %s record appeared during transaction", session.ErrWriteConflict, id)
		case su.base != nil && (!ok || !committed.Equal(*su.base)):
			s.mu.Unlock()
			return fmt.Errorf("%w: session %s record changed during transaction", session.ErrWriteConflict, id)
		}
	}

	buf := new(bytes.Buffer)
	for _, su := range t.staged {
		if err := encodeUpsert(buf, su.rec); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to encode session record: %w", err)
		}
	}
	for _, entry := range t.history {
		if err := encodeHistory(buf, entry); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to encode history entry: %w", err)
		}
	}

	if buf.Len() > 0 {
		if _, err := s.logFile.Write(buf.Bytes()); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: failed to append to session txn log: %v", session.ErrStoreUnavailable, err)
		}
		if err := s.logFile.Sync(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: failed to sync session txn log: %v", session.ErrStoreUnavailable, err)
		}
	}

	for id, su := range t.staged {
		s.records[id] = su.rec
	}
	for _, entry := range t.history {
		s.history[entry.WriteTS] = entry
	}

	s.logger.Debug("Committed session txn records",
		zap.Int("records", len(t.staged)),
		zap.Int("history_entries", len(t.history)),
		zap.Int("hooks", len(t.hooks)))

	s.mu.Unlock()

	// The durable write is done; hooks run last, outside the store lock,
	// because they take their own session locks.
	for _, hook := range t.hooks {
		hook()
	}
	return nil
}

// Abort discards all staged writes. Commit hooks never run.
func (t *Txn) Abort() {
	t.done = true
	t.staged = nil
	t.history = nil
	t.hooks = nil
}

// effectiveLocked returns the record visible to this transaction for the
// session (its own staged write, else the committed record) along with the
// committed base used for conflict validation. Caller holds store.mu.
func (t *Txn) effectiveLocked(id session.SessionID) (*session.SessionTxnRecord, *session.SessionTxnRecord) {
	var base *session.SessionTxnRecord
	if committed, ok := t.store.records[id]; ok {
		c := committed
		base = &c
	}
	if su, ok := t.staged[id]; ok {
		r := su.rec
		return &r, base
	}
	if base == nil {
		return nil, nil
	}
	b := *base
	return &b, base
}

// stageLocked records a pending replacement. The base captured on first stage
// is kept across re-stages within the same transaction. Caller holds store.mu.
func (t *Txn) stageLocked(id session.SessionID, base *session.SessionTxnRecord, rec session.SessionTxnRecord) {
	if prev, ok := t.staged[id]; ok {
		base = prev.base
	}
	t.staged[id] = stagedUpdate{base: base, rec: rec}
}
