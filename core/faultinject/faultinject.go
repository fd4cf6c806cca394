// Package faultinject provides the test-only write fault policy for the
// primary session write path. Faults are driven by a runtime-evaluated
// failpoint rather than scattered conditional compilation: tests enable the
// failpoint with an action string and every primary write consults it at the
// same point, after the durable upsert has been issued but before the
// enclosing storage transaction commits.
package faultinject

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pingcap/failpoint"
	"github.com/sushant-115/sessiondb/core/session"
	"go.uber.org/zap"
)

// OnPrimaryTransactionalWrite is the failpoint consulted after each primary
// transactional write. Its value is an action string of comma-separated
// directives:
//
//	close        terminate the connection the write arrived on
//	fail:<code>  fail the write with the given code before its commit point
//
// Enable it with, e.g.:
//
//	failpoint.Enable(faultinject.OnPrimaryTransactionalWrite, `return("close,fail:112")`)
const OnPrimaryTransactionalWrite = "github.com/sushant-115/sessiondb/core/faultinject/onPrimaryTransactionalWrite"

// ErrInjectedWriteFailure marks write failures forced by the failpoint. The
// write's storage transaction must be aborted, so the failure leaves no trace
// in the session cache.
var ErrInjectedWriteFailure = errors.New("write failed due to injected fault")

// ConnectionTerminator severs the network connection associated with the
// in-flight write. The client is expected to retry safely against the
// statement-executed check, since its write may still have landed.
type ConnectionTerminator interface {
	TerminateConnection(ctx context.Context)
}

// Policy implements session.WriteFaultPolicy on top of the failpoint above.
// A nil terminator makes the close action a no-op.
type Policy struct {
	terminator ConnectionTerminator
	logger     *zap.Logger
}

// NewPolicy creates a fault policy. terminator may be nil.
func NewPolicy(terminator ConnectionTerminator, logger *zap.Logger) *Policy {
	return &Policy{terminator: terminator, logger: logger}
}

// OnPrimaryWrite consults the failpoint and applies its actions. It returns
// nil when the failpoint is disabled or only closes the connection, and a
// wrapped ErrInjectedWriteFailure when a fail action is configured.
func (p *Policy) OnPrimaryWrite(ctx context.Context, id session.SessionID, txnNum session.TxnNumber) error {
	val, err := failpoint.Eval(OnPrimaryTransactionalWrite)
	if err != nil {
		// Failpoint not enabled.
		return nil
	}

	actions, ok := val.(string)
	if !ok {
		return nil
	}

	for _, action := range strings.Split(actions, ",") {
		action = strings.TrimSpace(action)
		switch {
		case action == "close":
			p.logger.Warn("Failpoint closing connection after transactional write",
				zap.String("session_id", id.String()),
				zap.Int64("txn_number", int64(txnNum)))
			if p.terminator != nil {
				p.terminator.TerminateConnection(ctx)
			}
		case strings.HasPrefix(action, "fail:"):
			code, convErr := strconv.Atoi(strings.TrimPrefix(action, "fail:"))
			if convErr != nil {
				code = -1
			}
			return fmt.Errorf("%w: code %d, failing write for session %s txn %d; the write must not be reflected",
				ErrInjectedWriteFailure, code, id, txnNum)
		}
	}
	return nil
}
