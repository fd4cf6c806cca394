package session

import "errors"

// --- Error Definitions ---

var (
	// ErrStaleSession is returned when an operation is attempted while the
	// cache is invalid. The caller must refresh and retry the operation.
	ErrStaleSession = errors.New("session was concurrently modified and the operation must be retried")
	// ErrConflictingTransaction is returned when an operation's transaction
	// number does not match the session's active transaction. Retrying the
	// same request cannot succeed; the caller must re-derive the number.
	ErrConflictingTransaction = errors.New("a different transaction is now active on this session")
	// ErrTransactionTooOld is returned on an attempt to start a transaction
	// number lower than one already active on the session.
	ErrTransactionTooOld = errors.New("a newer transaction has already started on this session")
	// ErrWriteConflict is returned when the durable upsert matched zero
	// records and inserted none, meaning a concurrent writer changed the
	// session record. The caller's retry loop must restart the whole write.
	ErrWriteConflict = errors.New("session record was changed by a concurrent writer")
	// ErrStoreUnavailable is returned when the record store cannot serve the
	// request at all. Fatal for the current operation, not retried here.
	ErrStoreUnavailable = errors.New("session record store is unavailable")
	// ErrRecordTableMissing is returned when the session transaction table
	// backing the store has been removed.
	ErrRecordTableMissing = errors.New("session transaction table is missing")
)
