package session

import "context"

// StorageTxn is the slice of a storage engine transaction the session layer
// needs: registering callbacks to run strictly after the transaction's
// durability point. Hooks run only on commit, never on abort; ordering
// between hooks on the same transaction is unspecified.
type StorageTxn interface {
	OnCommit(fn func())
}

// UpdateRequest describes an upsert against the session transaction table.
//
// When MatchFull is true the store must match the entire Query record, so the
// upsert fails visibly (zero modified, nothing inserted) if a concurrent
// writer mutated the record. When false, only Query.SessionID is matched and
// Update fully replaces the record; this is the replicated-apply path.
type UpdateRequest struct {
	Query     SessionTxnRecord
	MatchFull bool
	Update    SessionTxnRecord
}

// UpdateResult reports the outcome of an upsert. NumModified == 0 together
// with Upserted == false signals a write conflict that the caller must
// surface, never swallow.
type UpdateResult struct {
	NumModified int
	Upserted    bool
}

// RecordStore is the authoritative per-session transaction record store.
type RecordStore interface {
	// FindRecord returns the committed record for the session, or nil if no
	// record exists. Absence is a valid, non-error result.
	FindRecord(ctx context.Context, id SessionID) (*SessionTxnRecord, error)
	// UpdateRecord stages an upsert inside the given storage transaction.
	// The write becomes durable only when the transaction commits.
	UpdateRecord(ctx context.Context, txn StorageTxn, req UpdateRequest) (UpdateResult, error)
}

// TxnRunner runs a function inside a fresh storage transaction, committing on
// nil return and aborting otherwise. The replicated-apply path uses it to own
// its enclosing transaction.
type TxnRunner interface {
	RecordStore
	RunInTxn(ctx context.Context, fn func(txn StorageTxn) error) error
}

// HistoryIterator walks a session's write history newest-first. It is finite
// and not restartable; construct a fresh iterator per traversal.
type HistoryIterator interface {
	HasNext() bool
	Next(ctx context.Context) (WriteHistoryEntry, error)
}

// HistorySource produces history iterators starting from a write timestamp.
type HistorySource interface {
	HistoryFrom(ts Timestamp) HistoryIterator
}

// WriteFaultPolicy is consulted on the primary write path after the durable
// upsert has been issued and the cache-update hook registered, but before the
// enclosing storage transaction commits. A non-nil error fails the write
// before its commit point, so the commit hook never fires. Test-only
// implementations inject connection drops and forced failures here.
type WriteFaultPolicy interface {
	OnPrimaryWrite(ctx context.Context, id SessionID, txnNum TxnNumber) error
}
