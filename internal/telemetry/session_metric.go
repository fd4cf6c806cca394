package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// SessionMetrics holds all the metric instruments for the session transaction
// cache and the command layer in front of it.
type SessionMetrics struct {
	RefreshesCounter       metric.Int64Counter
	InvalidationsCounter   metric.Int64Counter
	WriteConflictsCounter  metric.Int64Counter
	StatementChecksCounter metric.Int64Counter
	StatementCheckHits     metric.Int64Counter
	CommandLatency         metric.Int64Histogram
	ActiveConnections      metric.Int64UpDownCounter
}

// NewSessionMetrics creates and registers all the session cache metrics.
func NewSessionMetrics(meter metric.Meter) (*SessionMetrics, error) {
	refreshes, err := meter.Int64Counter(
		"sessiondb.session.refreshes_total",
		metric.WithDescription("Total number of session cache refreshes from storage."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	invalidations, err := meter.Int64Counter(
		"sessiondb.session.invalidations_total",
		metric.WithDescription("Total number of session cache invalidations."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	writeConflicts, err := meter.Int64Counter(
		"sessiondb.session.write_conflicts_total",
		metric.WithDescription("Total number of write conflicts on the session record table."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	stmtChecks, err := meter.Int64Counter(
		"sessiondb.session.statement_checks_total",
		metric.WithDescription("Total number of statement-executed idempotency checks."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	stmtCheckHits, err := meter.Int64Counter(
		"sessiondb.session.statement_check_hits_total",
		metric.WithDescription("Statement-executed checks that found an already-applied statement."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commandLatency, err := meter.Int64Histogram(
		"sessiondb.server.command_duration",
		metric.WithDescription("The latency of session commands."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeConns, err := meter.Int64UpDownCounter(
		"sessiondb.server.active_connections",
		metric.WithDescription("Number of open client connections."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &SessionMetrics{
		RefreshesCounter:       refreshes,
		InvalidationsCounter:   invalidations,
		WriteConflictsCounter:  writeConflicts,
		StatementChecksCounter: stmtChecks,
		StatementCheckHits:     stmtCheckHits,
		CommandLatency:         commandLatency,
		ActiveConnections:      activeConns,
	}, nil
}
