package apperrors

import "errors"

// Standardized engine errors
var (
	ErrMalformedEvent     = errors.New("malformed market event")
	ErrBusClosed          = errors.New("event bus closed")
	ErrSubscriberLagged   = errors.New("subscriber channel full")
	ErrUnknownOrder       = errors.New("order not found")
	ErrDuplicateIntent    = errors.New("intent already decided")
	ErrInvalidTransition  = errors.New("invalid order state transition")
	ErrInvalidFill        = errors.New("invalid fill")
	ErrBrokerUnavailable  = errors.New("broker unavailable")
	ErrSubmissionRejected = errors.New("submission rejected by broker")
	ErrEngineHalted       = errors.New("engine halted by risk circuit breaker")
	ErrLedgerHalted       = errors.New("ledger in safe-halt state")
	ErrStrategyTimeout    = errors.New("strategy evaluation timed out")
	ErrUnknownStrategy    = errors.New("unknown strategy type")
)
