package session_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pingcap/failpoint"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/sessiondb/core/faultinject"
	"github.com/sushant-115/sessiondb/core/session"
	"github.com/sushant-115/sessiondb/core/storage_engine/recordstore"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// setupSession creates a Session backed by a real record store in a temporary
// directory.
func setupSession(t *testing.T) (*session.Session, *recordstore.Store) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	store, err := recordstore.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sess := session.NewSession(uuid.New(), store, store, nil, logger)
	return sess, store
}

// commitWrite records one write for the given transaction: the history
// entries and the session record upsert go through a single storage
// transaction, exactly like the write path of the engine.
func commitWrite(t *testing.T, sess *session.Session, store *recordstore.Store, txnNum session.TxnNumber, stmtIDs []session.StmtID, firstTS, prevTS session.Timestamp) session.Timestamp {
	t.Helper()
	ctx := context.Background()

	txn := store.Begin()
	lastTS := firstTS
	for i, stmt := range stmtIDs {
		stmtID := stmt
		entryTS := firstTS + session.Timestamp(i)
		txn.StageHistory(session.WriteHistoryEntry{
			TxnNum:      txnNum,
			StmtID:      &stmtID,
			WriteTS:     entryTS,
			PrevWriteTS: prevTS,
		})
		prevTS = entryTS
		lastTS = entryTS
	}

	require.NoError(t, sess.OnWriteCompleted(ctx, txn, txnNum, stmtIDs, lastTS))
	require.NoError(t, txn.Commit())
	return lastTS
}

// interceptStore wraps a RecordStore and runs a callback before every
// FindRecord, so tests can interleave invalidations with the unlocked read
// phase of a refresh.
type interceptStore struct {
	session.RecordStore
	mu     sync.Mutex
	finds  int
	onFind func(callNum int)
}

func (s *interceptStore) FindRecord(ctx context.Context, id session.SessionID) (*session.SessionTxnRecord, error) {
	s.mu.Lock()
	s.finds++
	call := s.finds
	fn := s.onFind
	s.mu.Unlock()
	if fn != nil {
		fn(call)
	}
	return s.RecordStore.FindRecord(ctx, id)
}

func (s *interceptStore) findCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finds
}

// manualTxn is a commit-hook holder whose firing the test controls directly,
// for exercising out-of-order hook execution across overlapping writes.
type manualTxn struct {
	hooks []func()
}

func (t *manualTxn) OnCommit(fn func()) { t.hooks = append(t.hooks, fn) }

func (t *manualTxn) fire() {
	for _, fn := range t.hooks {
		fn()
	}
}

// manualStore is a minimal in-memory RecordStore that accepts any StorageTxn
// and applies every upsert unconditionally. Used only where hook ordering
// must be driven by hand, so conflict detection would just get in the way.
type manualStore struct {
	mu  sync.Mutex
	rec *session.SessionTxnRecord
}

func (s *manualStore) FindRecord(_ context.Context, _ session.SessionID) (*session.SessionTxnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	out := *s.rec
	return &out, nil
}

func (s *manualStore) UpdateRecord(_ context.Context, _ session.StorageTxn, req session.UpdateRequest) (session.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := s.rec == nil
	rec := req.Update
	s.rec = &rec
	if inserted {
		return session.UpdateResult{Upserted: true}, nil
	}
	return session.UpdateResult{NumModified: 1}, nil
}

// --- Test Cases ---

// TestBeginTxn_MonotonicAdvance verifies the central ordering invariant:
// equal numbers are idempotent no-ops, higher numbers advance the session,
// and lower numbers fail because a session may never resurrect an older
// transaction once a newer one has started.
func TestBeginTxn_MonotonicAdvance(t *testing.T) {
	sess, _ := setupSession(t)
	require.NoError(t, sess.RefreshFromStorageIfNeeded(context.Background()))

	require.NoError(t, sess.BeginTxn(1))
	require.NoError(t, sess.BeginTxn(1)) // idempotent retry of the same transaction
	require.NoError(t, sess.BeginTxn(2))
	require.NoError(t, sess.BeginTxn(5))

	err := sess.BeginTxn(3)
	require.ErrorIs(t, err, session.ErrTransactionTooOld)

	// The failed call must not have regressed the active transaction.
	require.NoError(t, sess.BeginTxn(5))
}

// TestBeginTxn_RequiresValidCache verifies that operations on an unrefreshed
// session fail with the retryable stale-session error.
func TestBeginTxn_RequiresValidCache(t *testing.T) {
	sess, _ := setupSession(t)

	err := sess.BeginTxn(1)
	require.ErrorIs(t, err, session.ErrStaleSession)
}

// TestRefresh_InstallsStoreRecord verifies that a refresh picks up a record
// written by another node (here: the replicated-apply path) and adopts its
// transaction number as the active one.
func TestRefresh_InstallsStoreRecord(t *testing.T) {
	sess, store := setupSession(t)
	ctx := context.Background()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	rec := session.SessionTxnRecord{SessionID: sess.SessionID(), TxnNum: 7, LastWriteTS: 42}
	require.NoError(t, session.UpdateRecordOnSecondary(ctx, store, rec, logger))

	require.NoError(t, sess.RefreshFromStorageIfNeeded(ctx))

	ts, err := sess.LastWriteTimestamp(7)
	require.NoError(t, err)
	require.Equal(t, session.Timestamp(42), ts)

	// Starting an older transaction than the recovered one must fail.
	require.ErrorIs(t, sess.BeginTxn(6), session.ErrTransactionTooOld)
}

// TestRefresh_InvalidationDiscardsStaleRead forces an invalidation to race
// the unlocked read phase of a refresh. The epoch check must discard the
// first fetched result and retry, so the refresh never installs a snapshot
// staler than the most recent invalidation.
func TestRefresh_InvalidationDiscardsStaleRead(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	store, err := recordstore.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	wrapped := &interceptStore{RecordStore: store}
	sess := session.NewSession(uuid.New(), wrapped, store, nil, logger)

	wrapped.onFind = func(callNum int) {
		if callNum == 1 {
			// Raced invalidation while the refresh is reading unlocked.
			sess.Invalidate()
		}
	}

	require.NoError(t, sess.RefreshFromStorageIfNeeded(context.Background()))

	// The first read was discarded and a second one installed.
	require.Equal(t, 2, wrapped.findCount())
	require.NoError(t, sess.BeginTxn(1))
}

// TestRefresh_ConcurrentRefreshersConverge runs many refreshers against
// interleaved invalidations and verifies every call returns and the session
// ends up valid.
func TestRefresh_ConcurrentRefreshersConverge(t *testing.T) {
	sess, _ := setupSession(t)
	ctx := context.Background()

	errCh := make(chan error, 8*50)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				errCh <- sess.RefreshFromStorageIfNeeded(ctx)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			sess.Invalidate()
		}
	}()
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	require.NoError(t, sess.RefreshFromStorageIfNeeded(ctx))
	require.NoError(t, sess.BeginTxn(1))
}

// TestWrite_EndToEnd walks the full lifecycle: empty store, first refresh,
// begin, durable write, post-commit cache merge, invalidation, and a second
// refresh that re-reads the same durable record.
func TestWrite_EndToEnd(t *testing.T) {
	sess, store := setupSession(t)
	ctx := context.Background()

	require.NoError(t, sess.RefreshFromStorageIfNeeded(ctx))
	require.NoError(t, sess.BeginTxn(1))

	commitWrite(t, sess, store, 1, []session.StmtID{0}, 100, 0)

	ts, err := sess.LastWriteTimestamp(1)
	require.NoError(t, err)
	require.Equal(t, session.Timestamp(100), ts)

	rec, err := store.FindRecord(ctx, sess.SessionID())
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, session.TxnNumber(1), rec.TxnNum)
	require.Equal(t, session.Timestamp(100), rec.LastWriteTS)

	sess.Invalidate()
	require.NoError(t, sess.RefreshFromStorageIfNeeded(ctx))

	ts, err = sess.LastWriteTimestamp(1)
	require.NoError(t, err)
	require.Equal(t, session.Timestamp(100), ts)
}

// TestWrite_AbortLeavesNoTrace verifies that an aborted storage transaction
// fires no commit hook and leaves both the store and the cache exactly as
// they were before the write attempt.
func TestWrite_AbortLeavesNoTrace(t *testing.T) {
	sess, store := setupSession(t)
	ctx := context.Background()

	require.NoError(t, sess.RefreshFromStorageIfNeeded(ctx))
	require.NoError(t, sess.BeginTxn(1))

	txn := store.Begin()
	stmtID := session.StmtID(0)
	txn.StageHistory(session.WriteHistoryEntry{TxnNum: 1, StmtID: &stmtID, WriteTS: 100})
	require.NoError(t, sess.OnWriteCompleted(ctx, txn, 1, []session.StmtID{0}, 100))
	txn.Abort()

	ts, err := sess.LastWriteTimestamp(1)
	require.NoError(t, err)
	require.Equal(t, session.Timestamp(0), ts)

	rec, err := store.FindRecord(ctx, sess.SessionID())
	require.NoError(t, err)
	require.Nil(t, rec)
}

// TestWrite_ConflictIsSurfaced makes the cached record stale by writing
// through a second Session instance for the same id, then verifies the next
// write through the stale cache reports a write conflict instead of silently
// clobbering the newer record.
func TestWrite_ConflictIsSurfaced(t *testing.T) {
	sess, store := setupSession(t)
	ctx := context.Background()

	require.NoError(t, sess.RefreshFromStorageIfNeeded(ctx))
	require.NoError(t, sess.BeginTxn(1))
	commitWrite(t, sess, store, 1, []session.StmtID{0}, 100, 0)

	// A second cache instance for the same logical session wins the race.
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	other := session.NewSession(sess.SessionID(), store, store, nil, logger)
	require.NoError(t, other.RefreshFromStorageIfNeeded(ctx))
	require.NoError(t, other.BeginTxn(2))
	commitWrite(t, other, store, 2, []session.StmtID{0}, 200, 100)

	// The first instance still holds {txn 1, ts 100}; its upsert must miss.
	require.NoError(t, sess.BeginTxn(3))
	txn := store.Begin()
	err = sess.OnWriteCompleted(ctx, txn, 3, []session.StmtID{0}, 300)
	require.ErrorIs(t, err, session.ErrWriteConflict)
	txn.Abort()
}

// TestCommitHook_MonotonicMerge fires the commit hooks of two overlapping
// writes in reverse order and verifies the cache converges to the maximum
// transaction number and timestamp regardless of execution order.
func TestCommitHook_MonotonicMerge(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	store := &manualStore{}
	sess := session.NewSession(uuid.New(), store, nil, nil, logger)
	ctx := context.Background()

	require.NoError(t, sess.RefreshFromStorageIfNeeded(ctx))
	require.NoError(t, sess.BeginTxn(1))

	txnA := &manualTxn{}
	require.NoError(t, sess.OnWriteCompleted(ctx, txnA, 1, []session.StmtID{0}, 10))

	txnB := &manualTxn{}
	require.NoError(t, sess.OnWriteCompleted(ctx, txnB, 1, []session.StmtID{1}, 20))

	// Later write's hook fires first.
	txnB.fire()
	txnA.fire()

	ts, err := sess.LastWriteTimestamp(1)
	require.NoError(t, err)
	require.Equal(t, session.Timestamp(20), ts)

	// Re-firing is idempotent: applying the same or older inputs changes
	// nothing.
	txnA.fire()
	txnB.fire()
	ts, err = sess.LastWriteTimestamp(1)
	require.NoError(t, err)
	require.Equal(t, session.Timestamp(20), ts)
}

// TestCommitHook_NoOpAfterInvalidation verifies the merge path defers to the
// next refresh when the cache was invalidated between the write and the hook.
func TestCommitHook_NoOpAfterInvalidation(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	store := &manualStore{}
	sess := session.NewSession(uuid.New(), store, nil, nil, logger)
	ctx := context.Background()

	require.NoError(t, sess.RefreshFromStorageIfNeeded(ctx))
	require.NoError(t, sess.BeginTxn(1))

	txn := &manualTxn{}
	require.NoError(t, sess.OnWriteCompleted(ctx, txn, 1, []session.StmtID{0}, 10))

	sess.Invalidate()
	txn.fire()

	// Still invalid; the hook must not have resurrected any state.
	require.ErrorIs(t, sess.BeginTxn(1), session.ErrStaleSession)

	// The durable record survived, so a refresh sees the write.
	require.NoError(t, sess.RefreshFromStorageIfNeeded(ctx))
	ts, err := sess.LastWriteTimestamp(1)
	require.NoError(t, err)
	require.Equal(t, session.Timestamp(10), ts)
}

// TestCommitHook_ReassertsTxnNumber covers the race the merge path exists
// for: just before the hook fires, the cache is invalidated and refreshed
// from a store that only has an older record. The hook must re-advance the
// active transaction number and install the newer write, or a successful
// durable write would be missing from the cache.
func TestCommitHook_ReassertsTxnNumber(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	store := &manualStore{rec: &session.SessionTxnRecord{TxnNum: 3, LastWriteTS: 50}}
	sess := session.NewSession(uuid.New(), store, nil, nil, logger)
	store.rec.SessionID = sess.SessionID()
	ctx := context.Background()

	require.NoError(t, sess.RefreshFromStorageIfNeeded(ctx))
	require.NoError(t, sess.BeginTxn(5))

	txn := &manualTxn{}
	require.NoError(t, sess.OnWriteCompleted(ctx, txn, 5, []session.StmtID{0}, 100))

	// The refresh after invalidation reads the store before txn's upsert is
	// reflected there, landing on the older record for txn 3.
	store.mu.Lock()
	store.rec = &session.SessionTxnRecord{SessionID: sess.SessionID(), TxnNum: 3, LastWriteTS: 50}
	store.mu.Unlock()
	sess.Invalidate()
	require.NoError(t, sess.RefreshFromStorageIfNeeded(ctx))

	txn.fire()

	ts, err := sess.LastWriteTimestamp(5)
	require.NoError(t, err)
	require.Equal(t, session.Timestamp(100), ts)
}

// TestCheckStatementExecuted verifies the idempotency query: recorded
// statements are found by walking the history chain, unknown statements
// return absent, and querying a non-active transaction is a protocol error.
func TestCheckStatementExecuted(t *testing.T) {
	sess, store := setupSession(t)
	ctx := context.Background()

	require.NoError(t, sess.RefreshFromStorageIfNeeded(ctx))
	require.NoError(t, sess.BeginTxn(3))
	commitWrite(t, sess, store, 3, []session.StmtID{5, 7}, 100, 0)

	entry, err := sess.CheckStatementExecuted(ctx, 3, 5)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, session.Timestamp(100), entry.WriteTS)

	entry, err = sess.CheckStatementExecuted(ctx, 3, 7)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, session.Timestamp(101), entry.WriteTS)

	entry, err = sess.CheckStatementExecuted(ctx, 3, 9)
	require.NoError(t, err)
	require.Nil(t, entry)

	// Transaction 4 is not active: protocol violation by the caller.
	_, err = sess.CheckStatementExecuted(ctx, 4, 5)
	require.ErrorIs(t, err, session.ErrConflictingTransaction)

	// After advancing to transaction 4 with no writes recorded for it, the
	// check answers absent without touching history.
	require.NoError(t, sess.BeginTxn(4))
	entry, err = sess.CheckStatementExecuted(ctx, 4, 5)
	require.NoError(t, err)
	require.Nil(t, entry)
}

// TestUpdateRecordOnSecondary verifies the replicated-apply path replaces the
// whole record keyed by session id alone.
func TestUpdateRecordOnSecondary(t *testing.T) {
	sess, store := setupSession(t)
	ctx := context.Background()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	first := session.SessionTxnRecord{SessionID: sess.SessionID(), TxnNum: 1, LastWriteTS: 10}
	require.NoError(t, session.UpdateRecordOnSecondary(ctx, store, first, logger))

	second := session.SessionTxnRecord{SessionID: sess.SessionID(), TxnNum: 4, LastWriteTS: 90}
	require.NoError(t, session.UpdateRecordOnSecondary(ctx, store, second, logger))

	rec, err := store.FindRecord(ctx, sess.SessionID())
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, second, *rec)
}

// TestWithWriteConflictRetry verifies the retry wrapper re-invokes on write
// conflicts only.
func TestWithWriteConflictRetry(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	ctx := context.Background()

	attempts := 0
	err = session.WithWriteConflictRetry(ctx, logger, "test op", func() error {
		attempts++
		if attempts < 3 {
			return session.ErrWriteConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)

	err = session.WithWriteConflictRetry(ctx, logger, "test op", func() error {
		return session.ErrStaleSession
	})
	require.ErrorIs(t, err, session.ErrStaleSession)
}

// TestInjectedFailure_LeavesNoTrace exercises the write fault policy: a
// failure forced before the commit point aborts the storage transaction, so
// the commit hook never fires and neither cache nor store reflect the write.
func TestInjectedFailure_LeavesNoTrace(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	store, err := recordstore.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, failpoint.Enable(faultinject.OnPrimaryTransactionalWrite, `return("fail:112")`))
	defer failpoint.Disable(faultinject.OnPrimaryTransactionalWrite)

	policy := faultinject.NewPolicy(nil, logger)
	sess := session.NewSession(uuid.New(), store, store, policy, logger)
	ctx := context.Background()

	require.NoError(t, sess.RefreshFromStorageIfNeeded(ctx))
	require.NoError(t, sess.BeginTxn(1))

	txn := store.Begin()
	err = sess.OnWriteCompleted(ctx, txn, 1, []session.StmtID{0}, 100)
	require.ErrorIs(t, err, faultinject.ErrInjectedWriteFailure)
	txn.Abort()

	ts, err := sess.LastWriteTimestamp(1)
	require.NoError(t, err)
	require.Equal(t, session.Timestamp(0), ts)

	rec, err := store.FindRecord(ctx, sess.SessionID())
	require.NoError(t, err)
	require.Nil(t, rec)
}
