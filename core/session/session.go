package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Session tracks the transaction state of one logical session. It caches the
// session's authoritative SessionTxnRecord and keeps the cache consistent
// with the record store without ever holding its mutex across store I/O:
// lookups, upserts and history scans all run unlocked, and the resulting
// races are tolerated through the invalidation-epoch check in
// RefreshFromStorageIfNeeded and the monotonic merge in the commit hook.
//
// A Session is safe for concurrent use by multiple goroutines.
type Session struct {
	sessionID SessionID
	store     RecordStore
	history   HistorySource
	faults    WriteFaultPolicy
	logger    *zap.Logger

	mu sync.Mutex
	// isValid reports whether the cached state below reflects the record
	// store. False after Invalidate and before the first refresh.
	isValid bool
	// numInvalidations counts invalidations. A refresh captures it before
	// the unlocked store read and installs the result only if it has not
	// moved, so a snapshot staler than the latest invalidation is never kept.
	numInvalidations int
	activeTxnNumber  TxnNumber
	lastWritten      *SessionTxnRecord
}

// NewSession creates a Session for the given id. The session starts invalid
// and is refreshed lazily on first use. faults may be nil.
func NewSession(id SessionID, store RecordStore, history HistorySource, faults WriteFaultPolicy, logger *zap.Logger) *Session {
	return &Session{
		sessionID:       id,
		store:           store,
		history:         history,
		faults:          faults,
		logger:          logger,
		activeTxnNumber: UninitializedTxnNumber,
	}
}

// SessionID returns the id this session was constructed with.
func (s *Session) SessionID() SessionID {
	return s.sessionID
}

// RefreshFromStorageIfNeeded ensures that on return the cache is valid and
// reflects a store snapshot taken at or after the call started, or fails with
// the store's error. Multiple concurrent callers may each issue a duplicate
// read, but only one result is installed per invalidation epoch; the first
// successful installer wins and later ones no-op.
func (s *Session) RefreshFromStorageIfNeeded(ctx context.Context) error {
	s.mu.Lock()

	for !s.isValid {
		epoch := s.numInvalidations

		s.mu.Unlock()

		rec, err := s.store.FindRecord(ctx, s.sessionID)
		if err != nil {
			return err
		}

		s.mu.Lock()

		// Protect against concurrent refreshes or invalidations: only
		// install the fetched record if no invalidation raced the unlocked
		// read. On a mismatch, discard it and retry the loop.
		if !s.isValid && s.numInvalidations == epoch {
			s.isValid = true
			s.lastWritten = rec
			if rec != nil {
				s.activeTxnNumber = rec.TxnNum
			}
			break
		}
	}

	s.mu.Unlock()
	return nil
}

// BeginTxn starts or continues the transaction with the given number on this
// session. Repeating the active number is an idempotent no-op; a higher
// number advances the session; a lower number fails with ErrTransactionTooOld.
func (s *Session) BeginTxn(txnNumber TxnNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginTxnLocked(txnNumber)
}

// OnWriteCompleted records that a write for the given transaction completed
// on the primary at newWriteTS. It durably upserts the session record inside
// txn and registers a commit hook so the in-memory cache reflects the write
// only after txn's durability point. A zero-effect upsert surfaces as
// ErrWriteConflict; the caller's write-conflict retry loop must then restart
// the entire write, because the request was derived from possibly stale
// cached state.
func (s *Session) OnWriteCompleted(ctx context.Context, txn StorageTxn, txnNumber TxnNumber, stmtIDs []StmtID, newWriteTS Timestamp) error {
	s.mu.Lock()
	if err := s.checkValidLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.checkActiveTxnLocked(txnNumber); err != nil {
		s.mu.Unlock()
		return err
	}
	req := s.makeUpdateRequestLocked(txnNumber, newWriteTS)
	s.mu.Unlock()

	res, err := s.store.UpdateRecord(ctx, txn, req)
	if err != nil {
		return err
	}
	if res.NumModified == 0 && !res.Upserted {
		return fmt.Errorf("%w: session %s, txn %d", ErrWriteConflict, s.sessionID, txnNumber)
	}

	s.registerUpdateCacheOnCommit(txn, txnNumber, stmtIDs, newWriteTS)

	if s.faults != nil {
		if err := s.faults.OnPrimaryWrite(ctx, s.sessionID, txnNumber); err != nil {
			return err
		}
	}
	return nil
}

// CheckStatementExecuted reports whether the given statement of the given
// transaction has already been durably applied, returning the matching
// history entry or nil. The history walk runs without the session mutex; only
// the starting timestamp is copied out under lock.
func (s *Session) CheckStatementExecuted(ctx context.Context, txnNumber TxnNumber, stmtID StmtID) (*WriteHistoryEntry, error) {
	s.mu.Lock()
	if err := s.checkValidLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.checkActiveTxnLocked(txnNumber); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.lastWritten == nil || s.lastWritten.TxnNum != txnNumber {
		s.mu.Unlock()
		return nil, nil
	}
	startTS := s.lastWritten.LastWriteTS
	s.mu.Unlock()

	it := s.history.HistoryFrom(startTS)
	for it.HasNext() {
		entry, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if entry.StmtID != nil && *entry.StmtID == stmtID {
			return &entry, nil
		}
	}
	return nil, nil
}

// LastWriteTimestamp returns the timestamp of the last write recorded for the
// given transaction, or zero if the transaction has no recorded write yet.
func (s *Session) LastWriteTimestamp(txnNumber TxnNumber) (Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkValidLocked(); err != nil {
		return 0, err
	}
	if err := s.checkActiveTxnLocked(txnNumber); err != nil {
		return 0, err
	}
	if s.lastWritten == nil || s.lastWritten.TxnNum != txnNumber {
		return 0, nil
	}
	return s.lastWritten.LastWriteTS, nil
}

// Invalidate marks the cache unusable and bumps the invalidation epoch. Any
// in-flight unlocked refresh observes the epoch change and discards its
// result. Invalidating an already-invalid session is harmless.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isValid = false
	s.numInvalidations++

	s.lastWritten = nil
	s.activeTxnNumber = UninitializedTxnNumber

	s.logger.Debug("Session cache invalidated",
		zap.String("session_id", s.sessionID.String()),
		zap.Int("epoch", s.numInvalidations))
}

// beginTxnLocked advances the active transaction number. Must be called with
// s.mu held.
func (s *Session) beginTxnLocked(txnNumber TxnNumber) error {
	if err := s.checkValidLocked(); err != nil {
		return err
	}

	if txnNumber < s.activeTxnNumber {
		return fmt.Errorf("%w: cannot start transaction %d on session %s because transaction %d has already started",
			ErrTransactionTooOld, txnNumber, s.sessionID, s.activeTxnNumber)
	}

	// Continuing the already-active transaction.
	if txnNumber == s.activeTxnNumber {
		return nil
	}

	s.activeTxnNumber = txnNumber
	return nil
}

func (s *Session) checkValidLocked() error {
	if !s.isValid {
		return fmt.Errorf("%w: session %s", ErrStaleSession, s.sessionID)
	}
	return nil
}

func (s *Session) checkActiveTxnLocked(txnNumber TxnNumber) error {
	if txnNumber != s.activeTxnNumber {
		return fmt.Errorf("%w: requested transaction %d on session %s, but transaction %d is now active",
			ErrConflictingTransaction, txnNumber, s.sessionID, s.activeTxnNumber)
	}
	return nil
}

// makeUpdateRequestLocked builds the upsert for a primary write. With no
// prior record, query and replacement are both the new record, so the store
// inserts it. With a prior record, the query matches the entire previous
// record and the update bumps only the transaction number and timestamp;
// a concurrent writer then makes the match miss and the upsert report zero
// effect. Must be called with s.mu held.
func (s *Session) makeUpdateRequestLocked(newTxnNumber TxnNumber, newWriteTS Timestamp) UpdateRequest {
	updated := SessionTxnRecord{
		SessionID:   s.sessionID,
		TxnNum:      newTxnNumber,
		LastWriteTS: newWriteTS,
	}

	if s.lastWritten != nil {
		return UpdateRequest{
			Query:     *s.lastWritten,
			MatchFull: true,
			Update:    updated,
		}
	}
	return UpdateRequest{
		Query:     updated,
		MatchFull: true,
		Update:    updated,
	}
}

// registerUpdateCacheOnCommit defers the cache mutation for a completed write
// until txn's durability point. The hook captures only copied values, takes
// the session mutex, and never fails: staleness it detects is resolved by
// doing nothing and letting the next refresh re-read the store. Hooks for
// overlapping writes may fire in any order; the monotonic merge makes the
// final state independent of that order.
func (s *Session) registerUpdateCacheOnCommit(txn StorageTxn, newTxnNumber TxnNumber, stmtIDs []StmtID, newWriteTS Timestamp) {
	txn.OnCommit(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.isValid {
			return
		}

		if newTxnNumber < s.activeTxnNumber {
			return
		}

		// Re-run the begin-transaction advancement. If the cache was
		// invalidated and refreshed between the write and this hook, the
		// refresh may have installed a smaller transaction number than the
		// one actually in flight; the hook must re-assert it or the merge
		// below would be skipped even though the write succeeded.
		if err := s.beginTxnLocked(newTxnNumber); err != nil {
			return
		}

		if s.lastWritten == nil {
			s.lastWritten = &SessionTxnRecord{
				SessionID:   s.sessionID,
				TxnNum:      newTxnNumber,
				LastWriteTS: newWriteTS,
			}
		} else {
			if newTxnNumber > s.lastWritten.TxnNum {
				s.lastWritten.TxnNum = newTxnNumber
			}
			if newWriteTS > s.lastWritten.LastWriteTS {
				s.lastWritten.LastWriteTS = newWriteTS
			}
		}

		s.logger.Debug("Session cache updated on commit",
			zap.String("session_id", s.sessionID.String()),
			zap.Int64("txn_number", int64(newTxnNumber)),
			zap.Uint64("last_write_ts", uint64(newWriteTS)),
			zap.Int("stmt_count", len(stmtIDs)))
	})
}
