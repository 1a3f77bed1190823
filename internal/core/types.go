package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind classifies normalized market events.
type EventKind int

const (
	EventQuote EventKind = iota
	EventTrade
	EventBar
)

func (k EventKind) String() string {
	switch k {
	case EventQuote:
		return "quote"
	case EventTrade:
		return "trade"
	case EventBar:
		return "bar"
	default:
		return "unknown"
	}
}

// MarketEvent is a normalized market data event. Events are immutable once
// published; Sequence is assigned by the bus and defines the total order.
type MarketEvent struct {
	Instrument string
	Kind       EventKind
	Sequence   uint64
	VendorTime time.Time
	IngestTime time.Time
	// Late marks events whose vendor timestamp is older than the last
	// published event for the same instrument. They are still delivered.
	Late bool

	Price decimal.Decimal
	Size  decimal.Decimal
	Bid   decimal.Decimal
	Ask   decimal.Decimal

	// Bar payload (open/high/low, Price carries the close)
	Open decimal.Decimal
	High decimal.Decimal
	Low  decimal.Decimal
}

// Side is the direction of an order.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// OrderType distinguishes market and limit orders.
type OrderType int

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
)

func (t OrderType) String() string {
	if t == OrderTypeLimit {
		return "LIMIT"
	}
	return "MARKET"
}

// OrderIntent is a proposed order produced by a strategy. It is immutable and
// consumed exactly once by the risk gate.
type OrderIntent struct {
	ID         string
	StrategyID string
	Instrument string
	Side       Side
	Type       OrderType
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
	CreatedAt  time.Time
}

// Notional returns the intent's exposure contribution at the given reference
// price (the limit price for limit orders).
func (i OrderIntent) Notional(refPrice decimal.Decimal) decimal.Decimal {
	price := i.LimitPrice
	if i.Type == OrderTypeMarket || price.IsZero() {
		price = refPrice
	}
	return i.Quantity.Mul(price).Abs()
}

// OrderState tracks the lifecycle of an accepted order.
type OrderState int

const (
	OrderCreated OrderState = iota
	OrderSubmitted
	OrderAcknowledged
	OrderPartiallyFilled
	OrderFilled
	OrderRejected
	OrderCancelled
	OrderSubmissionFailed
)

func (s OrderState) String() string {
	switch s {
	case OrderCreated:
		return "CREATED"
	case OrderSubmitted:
		return "SUBMITTED"
	case OrderAcknowledged:
		return "ACKNOWLEDGED"
	case OrderPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderFilled:
		return "FILLED"
	case OrderRejected:
		return "REJECTED"
	case OrderCancelled:
		return "CANCELLED"
	case OrderSubmissionFailed:
		return "SUBMISSION_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderSubmissionFailed:
		return true
	}
	return false
}

// Order is the lifecycle wrapper around an accepted intent. It is owned
// exclusively by the execution coordinator until it reaches a terminal state.
type Order struct {
	IntentID      string
	BrokerOrderID string
	StrategyID    string
	Instrument    string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal

	State          OrderState
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
}

// BrokerFill is a fill notification as reported by the order-routing
// collaborator. Sequence is per-order and starts at 1.
type BrokerFill struct {
	BrokerOrderID string
	Sequence      int64
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Time          time.Time
}

// Fill is a broker fill after the coordinator has attributed it to an order.
// This is the unit the ledger applies.
type Fill struct {
	IntentID      string
	BrokerOrderID string
	StrategyID    string
	Instrument    string
	Side          Side
	Sequence      int64
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Time          time.Time
}

// Position is the ledger's record for one instrument. Quantity is signed
// (negative for short).
type Position struct {
	Instrument string
	Quantity   decimal.Decimal
	AvgCost    decimal.Decimal
}

// Exposure returns the absolute market value of the position at the last
// applied fill price, falling back to average cost.
func (p Position) Exposure(markPrice decimal.Decimal) decimal.Decimal {
	price := markPrice
	if price.IsZero() {
		price = p.AvgCost
	}
	return p.Quantity.Mul(price).Abs()
}

// PortfolioSnapshot is an immutable copy-on-read view of ledger state.
type PortfolioSnapshot struct {
	Version          uint64
	Time             time.Time
	Cash             decimal.Decimal
	Positions        map[string]Position
	StrategyExposure map[string]decimal.Decimal
	GrossExposure    decimal.Decimal
	RealizedPnL      decimal.Decimal
	LastPrice        map[string]decimal.Decimal
}

// RiskLimits is the limit table read by the risk gate. It is swapped
// atomically on configuration reload, never mutated in place.
type RiskLimits struct {
	MaxOrderSize         decimal.Decimal
	MaxStrategyExposure  decimal.Decimal
	MaxPortfolioExposure decimal.Decimal
	MaxDailyLoss         decimal.Decimal
	// StrategyOverrides replaces MaxStrategyExposure for the named strategies.
	StrategyOverrides map[string]decimal.Decimal
}

// StrategyExposureLimit returns the effective exposure limit for a strategy.
func (l RiskLimits) StrategyExposureLimit(strategyID string) decimal.Decimal {
	if v, ok := l.StrategyOverrides[strategyID]; ok {
		return v
	}
	return l.MaxStrategyExposure
}

// RejectReason identifies why the risk gate rejected an intent.
type RejectReason string

const (
	RejectExceedsPerStrategyLimit RejectReason = "ExceedsPerStrategyLimit"
	RejectExceedsPortfolioLimit   RejectReason = "ExceedsPortfolioLimit"
	RejectExceedsOrderSizeLimit   RejectReason = "ExceedsOrderSizeLimit"
	RejectDailyLossLimitBreached  RejectReason = "DailyLossLimitBreached"
	RejectEngineHalted            RejectReason = "EngineHalted"
)

// Decision is the outcome of one risk gate evaluation.
type Decision struct {
	IntentID string
	Accepted bool
	Reason   RejectReason
	Time     time.Time
}
