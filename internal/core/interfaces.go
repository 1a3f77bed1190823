// Package core defines the shared types and interfaces of the trading engine.
package core

import (
	"context"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IBroker is the order-routing collaborator. Submit returns the broker order
// id on acknowledgment; fills arrive asynchronously on the Fills channel.
type IBroker interface {
	Submit(ctx context.Context, order *Order) (brokerOrderID string, err error)
	// Cancel issues a best-effort cancel request. The authoritative outcome
	// arrives as an order update or fill, never as the return value here.
	Cancel(ctx context.Context, brokerOrderID string) error
	Fills() <-chan BrokerFill
}

// ReportKind classifies observability records.
type ReportKind string

const (
	ReportMalformedEvent   ReportKind = "MalformedEventError"
	ReportStrategyTimeout  ReportKind = "StrategyTimeout"
	ReportStrategyPanic    ReportKind = "StrategyPanic"
	ReportSubmissionFailed ReportKind = "SubmissionFailed"
	ReportFillConsistency  ReportKind = "FillConsistencyError"
	ReportRiskHalt         ReportKind = "RiskHalt"
	ReportSubscriberLagged ReportKind = "SubscriberLagged"
)

// Fatal reports whether a record kind indicates the affected subsystem must
// enter safe-halt rather than continue.
func (k ReportKind) Fatal() bool {
	return k == ReportFillConsistency
}

// Report is a structured record handed to the observability collaborator.
type Report struct {
	Kind    ReportKind
	Message string
	Fields  map[string]string
}

// IReporter receives structured error and warning records. Implementations
// must never block the caller.
type IReporter interface {
	Report(r Report)
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// IFillLog is the ledger's persisted fill-application log. Replaying the log
// in order reconstructs position state deterministically.
type IFillLog interface {
	Append(ctx context.Context, fill Fill) error
	Replay(ctx context.Context, apply func(Fill) error) error
	Close() error
}
