// Package session implements per-logical-session transaction state tracking
// for SessionDB. Every logical client session owns one Session instance, which
// caches the last transaction number and write timestamp the session has
// durably recorded. The cache is consulted before accepting new operations and
// updated atomically with every committed write, making client-visible writes
// idempotent and retryable across network retries, failover and crash recovery.
package session

import (
	"github.com/google/uuid"
)

// SessionID is the globally unique identifier of a logical client session.
// It is immutable once assigned to a Session instance.
type SessionID = uuid.UUID

// TxnNumber identifies the most recent transaction a session has initiated.
// It is monotonically non-decreasing per session.
type TxnNumber int64

// UninitializedTxnNumber is the sentinel for "no transaction started yet".
const UninitializedTxnNumber TxnNumber = -1

// Timestamp is the engine-wide logical timestamp assigned to a durable write.
// The zero value means "no write".
type Timestamp uint64

// StmtID identifies a single statement within a retryable transaction.
type StmtID int32

// SessionTxnRecord is the authoritative, durable state of a session's most
// recent write. At most one record exists per session in the record store;
// a Session holds a copy of it, never a reference into the store.
type SessionTxnRecord struct {
	SessionID   SessionID
	TxnNum      TxnNumber
	LastWriteTS Timestamp
}

// Equal reports whether two records match field for field. The optimistic
// upsert path matches on the entire previous record, so a concurrent writer
// that changed any field makes the match fail visibly.
func (r SessionTxnRecord) Equal(other SessionTxnRecord) bool {
	return r.SessionID == other.SessionID &&
		r.TxnNum == other.TxnNum &&
		r.LastWriteTS == other.LastWriteTS
}

// WriteHistoryEntry is one entry in a session's backward-chained write
// history. PrevWriteTS links to the session's previous write, or zero at the
// start of the chain. StmtID is optional; entries written outside a retryable
// transaction carry none.
type WriteHistoryEntry struct {
	TxnNum      TxnNumber
	StmtID      *StmtID
	WriteTS     Timestamp
	PrevWriteTS Timestamp
}
