// Package recordstore implements the durable session transaction table: one
// SessionTxnRecord per session plus the backward-chained write history, backed
// by an append-only log file replayed on startup. Writes are staged in storage
// transactions and become visible (and durable) only at commit, which is also
// when registered commit hooks fire.
package recordstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sushant-115/sessiondb/core/session"
	"go.uber.org/zap"
)

const logFileName = "session_txn.log"

// Log record types for the on-disk format.
const (
	logRecordTypeUpsert  byte = iota + 1 // full session record replacement
	logRecordTypeHistory                 // one write-history entry
)

var (
	ErrTxnFinished      = errors.New("storage transaction already committed or aborted")
	ErrForeignTxn       = errors.New("storage transaction belongs to a different store")
	ErrHistoryExhausted = errors.New("history iterator is exhausted")
)

// Store is the authoritative, durable per-session transaction record store.
// It implements session.RecordStore, session.TxnRunner and
// session.HistorySource.
type Store struct {
	mu      sync.Mutex
	dir     string
	logFile *os.File
	records map[session.SessionID]session.SessionTxnRecord
	history map[session.Timestamp]session.WriteHistoryEntry
	logger  *zap.Logger
	closed  bool
}

// Open creates or reopens a store rooted at dir, replaying the log file to
// rebuild the committed record and history maps.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create record store directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, logFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session txn log %s: %w", path, err)
	}

	s := &Store{
		dir:     dir,
		logFile: file,
		records: make(map[session.SessionID]session.SessionTxnRecord),
		history: make(map[session.Timestamp]session.WriteHistoryEntry),
		logger:  logger,
	}

	if err := s.recover(); err != nil {
		file.Close()
		return nil, err
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to seek to end of session txn log: %w", err)
	}

	logger.Info("Session record store opened",
		zap.String("dir", dir),
		zap.Int("records", len(s.records)),
		zap.Int("history_entries", len(s.history)))
	return s, nil
}

// Close syncs and closes the log file. Further operations fail with
// session.ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.logFile.Sync(); err != nil {
		s.logFile.Close()
		return fmt.Errorf("failed to sync session txn log on close: %w", err)
	}
	return s.logFile.Close()
}

// FindRecord returns a copy of the committed record for the session, or nil
// if none exists.
func (s *Store) FindRecord(_ context.Context, id session.SessionID) (*session.SessionTxnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: store at %s is closed", session.ErrStoreUnavailable, s.dir)
	}

	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

// UpdateRecord stages an upsert inside txn. The match is evaluated against
// the transaction's effective view (committed state overlaid with its own
// staged writes). A full match that misses while a record for the session
// exists reports zero effect, which the session layer surfaces as a write
// conflict.
func (s *Store) UpdateRecord(_ context.Context, txn session.StorageTxn, req session.UpdateRequest) (session.UpdateResult, error) {
	t, ok := txn.(*Txn)
	if !ok || t.store != s {
		return session.UpdateResult{}, ErrForeignTxn
	}
	if t.done {
		return session.UpdateResult{}, ErrTxnFinished
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return session.UpdateResult{}, fmt.Errorf("%w: store at %s is closed", session.ErrRecordTableMissing, s.dir)
	}

	id := req.Update.SessionID
	existing, base := t.effectiveLocked(id)

	if existing == nil {
		t.stageLocked(id, base, req.Update)
		return session.UpdateResult{NumModified: 0, Upserted: true}, nil
	}

	if req.MatchFull {
		if !existing.Equal(req.Query) {
			// A concurrent writer changed the record the request was derived
			// from. Report zero effect; never insert a duplicate.
			return session.UpdateResult{NumModified: 0, Upserted: false}, nil
		}
	} else if existing.SessionID != req.Query.SessionID {
		return session.UpdateResult{NumModified: 0, Upserted: false}, nil
	}

	t.stageLocked(id, base, req.Update)
	return session.UpdateResult{NumModified: 1, Upserted: false}, nil
}

// Begin starts a new storage transaction against this store.
func (s *Store) Begin() *Txn {
	return &Txn{
		store:  s,
		staged: make(map[session.SessionID]stagedUpdate),
	}
}

// RunInTxn runs fn inside a fresh transaction, committing on nil return and
// aborting otherwise.
func (s *Store) RunInTxn(_ context.Context, fn func(txn session.StorageTxn) error) error {
	txn := s.Begin()
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// recover replays the log file into the in-memory maps. Called once from
// Open, before any concurrent access.
func (s *Store) recover() error {
	reader := bufio.NewReader(s.logFile)
	for {
		var recType byte
		if err := binary.Read(reader, binary.LittleEndian, &recType); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read session txn log record type: %w", err)
		}

		switch recType {
		case logRecordTypeUpsert:
			rec, err := decodeUpsert(reader)
			if err != nil {
				return err
			}
			s.records[rec.SessionID] = rec
		case logRecordTypeHistory:
			entry, err := decodeHistory(reader)
			if err != nil {
				return err
			}
			s.history[entry.WriteTS] = entry
		default:
			return fmt.Errorf("unknown session txn log record type %d", recType)
		}
	}
}

// --- On-disk encoding ---

func encodeUpsert(buf *bytes.Buffer, rec session.SessionTxnRecord) error {
	if err := binary.Write(buf, binary.LittleEndian, logRecordTypeUpsert); err != nil {
		return err
	}
	if _, err := buf.Write(rec.SessionID[:]); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, int64(rec.TxnNum)); err != nil {
		return err
	}
	return binary.Write(buf, binary.LittleEndian, uint64(rec.LastWriteTS))
}

func decodeUpsert(r io.Reader) (session.SessionTxnRecord, error) {
	var rec session.SessionTxnRecord
	if _, err := io.ReadFull(r, rec.SessionID[:]); err != nil {
		return rec, fmt.Errorf("failed to decode session id: %w", err)
	}
	var txnNum int64
	if err := binary.Read(r, binary.LittleEndian, &txnNum); err != nil {
		return rec, fmt.Errorf("failed to decode txn number: %w", err)
	}
	var ts uint64
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		return rec, fmt.Errorf("failed to decode last write ts: %w", err)
	}
	rec.TxnNum = session.TxnNumber(txnNum)
	rec.LastWriteTS = session.Timestamp(ts)
	return rec, nil
}

func encodeHistory(buf *bytes.Buffer, entry session.WriteHistoryEntry) error {
	if err := binary.Write(buf, binary.LittleEndian, logRecordTypeHistory); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, int64(entry.TxnNum)); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint64(entry.WriteTS)); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint64(entry.PrevWriteTS)); err != nil {
		return err
	}
	hasStmt := entry.StmtID != nil
	if err := binary.Write(buf, binary.LittleEndian, hasStmt); err != nil {
		return err
	}
	if hasStmt {
		return binary.Write(buf, binary.LittleEndian, int32(*entry.StmtID))
	}
	return nil
}

func decodeHistory(r io.Reader) (session.WriteHistoryEntry, error) {
	var entry session.WriteHistoryEntry
	var txnNum int64
	if err := binary.Read(r, binary.LittleEndian, &txnNum); err != nil {
		return entry, fmt.Errorf("failed to decode history txn number: %w", err)
	}
	var ts, prevTS uint64
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		return entry, fmt.Errorf("failed to decode history write ts: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &prevTS); err != nil {
		return entry, fmt.Errorf("failed to decode history prev write ts: %w", err)
	}
	var hasStmt bool
	if err := binary.Read(r, binary.LittleEndian, &hasStmt); err != nil {
		return entry, fmt.Errorf("failed to decode history stmt flag: %w", err)
	}
	entry.TxnNum = session.TxnNumber(txnNum)
	entry.WriteTS = session.Timestamp(ts)
	entry.PrevWriteTS = session.Timestamp(prevTS)
	if hasStmt {
		var stmt int32
		if err := binary.Read(r, binary.LittleEndian, &stmt); err != nil {
			return entry, fmt.Errorf("failed to decode history stmt id: %w", err)
		}
		stmtID := session.StmtID(stmt)
		entry.StmtID = &stmtID
	}
	return entry, nil
}
