package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/sessiondb/core/faultinject"
	"github.com/sushant-115/sessiondb/core/session"
	"github.com/sushant-115/sessiondb/core/storage_engine/recordstore"
	internaltelemetry "github.com/sushant-115/sessiondb/internal/telemetry"
	"github.com/sushant-115/sessiondb/pkg/logger"
	"github.com/sushant-115/sessiondb/pkg/telemetry"
	"go.uber.org/zap"
)

const (
	serverHost     = "localhost"
	serverPort     = "9095"
	dataDir        = "data/sessions"
	prometheusPort = 2115
	snapshotRate   = 8 * 1024 * 1024 // 8 MiB/s throttle for SNAPSHOT copies
)

// Global service instances, wired once in main.
var (
	log      *zap.Logger
	store    *recordstore.Store
	registry *session.Registry
	metrics  *internaltelemetry.SessionMetrics
)

// Request represents a parsed client request.
type Request struct {
	Command   string
	SessionID session.SessionID
	TxnNumber session.TxnNumber
	WriteTS   session.Timestamp
	StmtIDs   []session.StmtID
	Path      string
}

// Response represents a server's reply to a client request.
type Response struct {
	Status  string // OK, NOT_FOUND, ERROR
	Message string
}

// connKey carries the client connection through the context so the fault
// policy's close action can sever exactly the connection the write arrived on.
type connKey struct{}

type connTerminator struct{}

func (connTerminator) TerminateConnection(ctx context.Context) {
	if conn, ok := ctx.Value(connKey{}).(net.Conn); ok {
		conn.Close()
	}
}

// parseRequest parses a raw string command into a Request struct.
//
// Protocol:
//
//	BEGIN <sessionID> <txnNumber>
//	WRITE <sessionID> <txnNumber> <writeTS> <stmtID[,stmtID...]>
//	CHECK <sessionID> <txnNumber> <stmtID>
//	LASTTS <sessionID> <txnNumber>
//	INVALIDATE <sessionID>|ALL
//	SNAPSHOT <path>
func parseRequest(raw string) (Request, error) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return Request{}, fmt.Errorf("empty command")
	}

	command := strings.ToUpper(parts[0])
	req := Request{Command: command}

	parseSession := func(arg string) error {
		id, err := uuid.Parse(arg)
		if err != nil {
			return fmt.Errorf("invalid session id %q: %w", arg, err)
		}
		req.SessionID = id
		return nil
	}
	parseTxn := func(arg string) error {
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid txn number %q: %w", arg, err)
		}
		req.TxnNumber = session.TxnNumber(n)
		return nil
	}

	switch command {
	case "BEGIN", "LASTTS":
		if len(parts) != 3 {
			return Request{}, fmt.Errorf("%s requires session id and txn number", command)
		}
		if err := parseSession(parts[1]); err != nil {
			return Request{}, err
		}
		if err := parseTxn(parts[2]); err != nil {
			return Request{}, err
		}
	case "WRITE":
		if len(parts) != 5 {
			return Request{}, fmt.Errorf("WRITE requires session id, txn number, write ts and stmt ids")
		}
		if err := parseSession(parts[1]); err != nil {
			return Request{}, err
		}
		if err := parseTxn(parts[2]); err != nil {
			return Request{}, err
		}
		ts, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil || ts == 0 {
			return Request{}, fmt.Errorf("invalid write ts %q", parts[3])
		}
		req.WriteTS = session.Timestamp(ts)
		for _, s := range strings.Split(parts[4], ",") {
			stmt, err := strconv.ParseInt(s, 10, 32)
			if err != nil {
				return Request{}, fmt.Errorf("invalid stmt id %q", s)
			}
			req.StmtIDs = append(req.StmtIDs, session.StmtID(stmt))
		}
	case "CHECK":
		if len(parts) != 4 {
			return Request{}, fmt.Errorf("CHECK requires session id, txn number and stmt id")
		}
		if err := parseSession(parts[1]); err != nil {
			return Request{}, err
		}
		if err := parseTxn(parts[2]); err != nil {
			return Request{}, err
		}
		stmt, err := strconv.ParseInt(parts[3], 10, 32)
		if err != nil {
			return Request{}, fmt.Errorf("invalid stmt id %q", parts[3])
		}
		req.StmtIDs = []session.StmtID{session.StmtID(stmt)}
	case "INVALIDATE":
		if len(parts) != 2 {
			return Request{}, fmt.Errorf("INVALIDATE requires a session id or ALL")
		}
		if strings.ToUpper(parts[1]) != "ALL" {
			if err := parseSession(parts[1]); err != nil {
				return Request{}, err
			}
		} else {
			req.Path = "ALL"
		}
	case "SNAPSHOT":
		if len(parts) != 2 {
			return Request{}, fmt.Errorf("SNAPSHOT requires a destination path")
		}
		req.Path = parts[1]
	default:
		return Request{}, fmt.Errorf("unknown command: %s", command)
	}
	return req, nil
}

// ensureSession returns the refreshed session for the request, loading its
// record from the store if the cache is invalid.
func ensureSession(ctx context.Context, id session.SessionID) (*session.Session, error) {
	sess := registry.GetOrCreate(id)
	metrics.RefreshesCounter.Add(ctx, 1)
	if err := sess.RefreshFromStorageIfNeeded(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// refreshOnConflict invalidates and refreshes the session after a write
// conflict, so the retried attempt derives its update request from current
// state instead of the view the losing attempt was built on.
func refreshOnConflict(ctx context.Context, sess *session.Session, err error) error {
	if errors.Is(err, session.ErrWriteConflict) {
		sess.Invalidate()
		if rerr := sess.RefreshFromStorageIfNeeded(ctx); rerr != nil {
			return rerr
		}
	}
	return err
}

// handleWrite runs one retryable write: stage the history entries and the
// session record upsert in a single storage transaction, commit, and let the
// commit hook fold the result into the session cache. On a write conflict the
// whole attempt restarts against a freshly refreshed cache.
func handleWrite(ctx context.Context, req Request) Response {
	sess, err := ensureSession(ctx, req.SessionID)
	if err != nil {
		return Response{Status: "ERROR", Message: fmt.Sprintf("WRITE failed: %v", err)}
	}

	err = session.WithWriteConflictRetry(ctx, log, "retryable write", func() error {
		rec, err := store.FindRecord(ctx, req.SessionID)
		if err != nil {
			return err
		}
		var prevTS session.Timestamp
		if rec != nil {
			prevTS = rec.LastWriteTS
		}

		txn := store.Begin()
		lastTS := req.WriteTS
		for i, stmt := range req.StmtIDs {
			stmtID := stmt
			entryTS := req.WriteTS + session.Timestamp(i)
			txn.StageHistory(session.WriteHistoryEntry{
				TxnNum:      req.TxnNumber,
				StmtID:      &stmtID,
				WriteTS:     entryTS,
				PrevWriteTS: prevTS,
			})
			prevTS = entryTS
			lastTS = entryTS
		}

		if err := sess.OnWriteCompleted(ctx, txn, req.TxnNumber, req.StmtIDs, lastTS); err != nil {
			txn.Abort()
			return refreshOnConflict(ctx, sess, err)
		}
		if err := txn.Commit(); err != nil {
			return refreshOnConflict(ctx, sess, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrWriteConflict) {
			metrics.WriteConflictsCounter.Add(ctx, 1)
		}
		return Response{Status: "ERROR", Message: fmt.Sprintf("WRITE failed: %v", err)}
	}
	return Response{Status: "OK", Message: "Write recorded."}
}

// handleRequest processes a parsed Request and returns a Response.
func handleRequest(ctx context.Context, req Request) Response {
	start := time.Now()
	defer func() {
		metrics.CommandLatency.Record(ctx, time.Since(start).Milliseconds())
	}()

	switch req.Command {
	case "BEGIN":
		sess, err := ensureSession(ctx, req.SessionID)
		if err != nil {
			return Response{Status: "ERROR", Message: fmt.Sprintf("BEGIN failed: %v", err)}
		}
		if err := sess.BeginTxn(req.TxnNumber); err != nil {
			return Response{Status: "ERROR", Message: fmt.Sprintf("BEGIN failed: %v", err)}
		}
		return Response{Status: "OK", Message: "Transaction active."}

	case "WRITE":
		return handleWrite(ctx, req)

	case "CHECK":
		sess, err := ensureSession(ctx, req.SessionID)
		if err != nil {
			return Response{Status: "ERROR", Message: fmt.Sprintf("CHECK failed: %v", err)}
		}
		metrics.StatementChecksCounter.Add(ctx, 1)
		entry, err := sess.CheckStatementExecuted(ctx, req.TxnNumber, req.StmtIDs[0])
		if err != nil {
			return Response{Status: "ERROR", Message: fmt.Sprintf("CHECK failed: %v", err)}
		}
		if entry == nil {
			return Response{Status: "NOT_FOUND", Message: "Statement not executed."}
		}
		metrics.StatementCheckHits.Add(ctx, 1)
		return Response{Status: "OK", Message: fmt.Sprintf("Executed at ts %d.", entry.WriteTS)}

	case "LASTTS":
		sess, err := ensureSession(ctx, req.SessionID)
		if err != nil {
			return Response{Status: "ERROR", Message: fmt.Sprintf("LASTTS failed: %v", err)}
		}
		ts, err := sess.LastWriteTimestamp(req.TxnNumber)
		if err != nil {
			return Response{Status: "ERROR", Message: fmt.Sprintf("LASTTS failed: %v", err)}
		}
		return Response{Status: "OK", Message: fmt.Sprintf("%d", ts)}

	case "INVALIDATE":
		metrics.InvalidationsCounter.Add(ctx, 1)
		if req.Path == "ALL" {
			registry.InvalidateAll()
			return Response{Status: "OK", Message: "All sessions invalidated."}
		}
		registry.GetOrCreate(req.SessionID).Invalidate()
		return Response{Status: "OK", Message: "Session invalidated."}

	case "SNAPSHOT":
		if err := store.SnapshotTo(ctx, req.Path, snapshotRate, true); err != nil {
			return Response{Status: "ERROR", Message: fmt.Sprintf("SNAPSHOT failed: %v", err)}
		}
		return Response{Status: "OK", Message: fmt.Sprintf("Snapshot written to %s.", req.Path)}

	default:
		return Response{Status: "ERROR", Message: fmt.Sprintf("Unsupported command: %s", req.Command)}
	}
}

// handleConnection manages a single client connection.
func handleConnection(conn net.Conn) {
	defer conn.Close()
	log.Info("Client connected", zap.String("remote", conn.RemoteAddr().String()))

	ctx := context.WithValue(context.Background(), connKey{}, conn)
	reader := bufio.NewReader(conn)
	for {
		netData, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				log.Info("Client disconnected", zap.String("remote", conn.RemoteAddr().String()))
			} else {
				log.Warn("Error reading from client", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}

		rawCommand := strings.TrimSpace(netData)
		if rawCommand == "" {
			continue
		}

		req, err := parseRequest(rawCommand)
		var resp Response
		if err != nil {
			resp = Response{Status: "ERROR", Message: fmt.Sprintf("Invalid request: %v", err)}
		} else {
			resp = handleRequest(ctx, req)
		}

		if _, err := conn.Write([]byte(fmt.Sprintf("%s %s\n", resp.Status, resp.Message))); err != nil {
			log.Warn("Error writing response to client", zap.Error(err))
			return
		}
	}
}

func main() {
	var err error
	log, err = logger.New(logger.Config{Level: "info", Format: "console", OutputFile: "stdout"})
	if err != nil {
		panic(fmt.Sprintf("logger initialization failed: %v", err))
	}
	defer log.Sync()

	tel, shutdownTelemetry, err := telemetry.New(telemetry.Config{
		Enabled:        true,
		ServiceName:    "sessiondb",
		PrometheusPort: prometheusPort,
	})
	if err != nil {
		log.Fatal("Telemetry initialization failed", zap.Error(err))
	}
	defer shutdownTelemetry(context.Background())

	metrics, err = internaltelemetry.NewSessionMetrics(tel.Meter)
	if err != nil {
		log.Fatal("Metrics initialization failed", zap.Error(err))
	}

	store, err = recordstore.Open(dataDir, log)
	if err != nil {
		log.Fatal("Record store initialization failed", zap.Error(err))
	}
	defer store.Close()

	faults := faultinject.NewPolicy(connTerminator{}, log)
	registry = session.NewRegistry(store, store, faults, log)

	listener, err := net.Listen("tcp", net.JoinHostPort(serverHost, serverPort))
	if err != nil {
		log.Fatal("Failed to start listener", zap.Error(err))
	}
	defer listener.Close()
	log.Info("SessionDB server listening", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Error("Failed to accept connection", zap.Error(err))
			continue
		}
		metrics.ActiveConnections.Add(context.Background(), 1)
		go func() {
			defer metrics.ActiveConnections.Add(context.Background(), -1)
			handleConnection(conn)
		}()
	}
}
