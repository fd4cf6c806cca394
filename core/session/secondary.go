package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// maxWriteConflictRetries bounds the retry loop so a store that reports a
// conflict on every attempt cannot spin forever.
const maxWriteConflictRetries = 1000

// WithWriteConflictRetry re-invokes fn until it returns nil or a non-conflict
// error. A write conflict means a concurrent writer changed data the attempt
// depended on, so the whole attempt is restarted from scratch; partial
// application never survives because each attempt runs in its own storage
// transaction.
func WithWriteConflictRetry(ctx context.Context, logger *zap.Logger, opName string, fn func() error) error {
	for attempt := 0; attempt < maxWriteConflictRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrWriteConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debug("Write conflict, retrying operation",
			zap.String("op", opName),
			zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("%w: %s exhausted retries", ErrWriteConflict, opName)
}

// UpdateRecordOnSecondary applies a replicated session record on a secondary.
// Unlike the primary path, the upsert matches on session id only and replaces
// the whole record, and this function owns its enclosing storage transaction,
// retrying the complete transaction on write conflicts.
func UpdateRecordOnSecondary(ctx context.Context, store TxnRunner, rec SessionTxnRecord, logger *zap.Logger) error {
	return WithWriteConflictRetry(ctx, logger, "update session txn record", func() error {
		return store.RunInTxn(ctx, func(txn StorageTxn) error {
			res, err := store.UpdateRecord(ctx, txn, UpdateRequest{
				Query:     SessionTxnRecord{SessionID: rec.SessionID},
				MatchFull: false,
				Update:    rec,
			})
			if err != nil {
				return err
			}
			if res.NumModified == 0 && !res.Upserted {
				return fmt.Errorf("%w: session %s, txn %d (secondary apply)",
					ErrWriteConflict, rec.SessionID, rec.TxnNum)
			}
			return nil
		})
	})
}
