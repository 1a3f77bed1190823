// Package bus normalizes incoming market data into a single ordered event
// stream with per-subscriber fan-out.
package bus

import (
	"context"
	"sync"
	"time"
	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
	"trading_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RawEvent is a vendor-normalized event before the bus assigns ordering.
type RawEvent struct {
	Instrument string
	Kind       core.EventKind
	VendorTime time.Time

	Price decimal.Decimal
	Size  decimal.Decimal
	Bid   decimal.Decimal
	Ask   decimal.Decimal
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
}

// Config holds bus settings.
type Config struct {
	QueueSize        int
	SubscriberBuffer int
}

// Subscription is one subscriber's ordered view of the stream.
type Subscription struct {
	id          uint64
	instruments map[string]struct{} // empty means all instruments
	ch          chan core.MarketEvent
	done        chan struct{}
	closeOnce   sync.Once
	lagged      bool // touched only by the dispatcher goroutine
}

// Events returns the subscriber's ordered event channel.
func (s *Subscription) Events() <-chan core.MarketEvent {
	return s.ch
}

// Close detaches the subscriber. Pending events are discarded.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) matches(instrument string) bool {
	if len(s.instruments) == 0 {
		return true
	}
	_, ok := s.instruments[instrument]
	return ok
}

// Bus assigns each published event a total-order sequence number and delivers
// it to every matching subscriber in that order. A single dispatcher loop
// feeds independent bounded channels, so one lagging subscriber never
// reorders another's stream.
type Bus struct {
	cfg      Config
	logger   core.ILogger
	reporter core.IReporter

	// pubMu serializes publishers: sequence assignment and enqueue happen
	// under it, so queue order always equals sequence order. The dispatcher
	// never takes it.
	pubMu      sync.Mutex
	queue      chan core.MarketEvent
	closed     bool
	seq        uint64
	lastVendor map[string]time.Time

	subsMu sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	eventsCounter  metric.Int64Counter
	droppedCounter metric.Int64Counter
}

// New creates a bus. Run must be called before events flow to subscribers.
func New(cfg Config, reporter core.IReporter, logger core.ILogger) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}

	holder := telemetry.GetGlobalMetrics()

	return &Bus{
		cfg:            cfg,
		logger:         logger.WithField("component", "market_bus"),
		reporter:       reporter,
		queue:          make(chan core.MarketEvent, cfg.QueueSize),
		subs:           make(map[uint64]*Subscription),
		lastVendor:     make(map[string]time.Time),
		eventsCounter:  holder.BusEventsTotal,
		droppedCounter: holder.BusDroppedTotal,
	}
}

// Publish validates a raw event, assigns its sequence number and ingestion
// timestamp, and enqueues it for dispatch. Malformed events are dropped and
// reported, never delivered.
func (b *Bus) Publish(raw RawEvent) error {
	if err := validate(raw); err != nil {
		b.logger.Warn("Dropping malformed event", "instrument", raw.Instrument, "kind", raw.Kind.String())
		if b.droppedCounter != nil {
			b.droppedCounter.Add(context.Background(), 1)
		}
		b.reporter.Report(core.Report{
			Kind:    core.ReportMalformedEvent,
			Message: err.Error(),
			Fields: map[string]string{
				"instrument": raw.Instrument,
				"kind":       raw.Kind.String(),
			},
		})
		return err
	}

	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		return apperrors.ErrBusClosed
	}
	b.seq++
	ev := core.MarketEvent{
		Instrument: raw.Instrument,
		Kind:       raw.Kind,
		Sequence:   b.seq,
		VendorTime: raw.VendorTime,
		IngestTime: time.Now(),
		Price:      raw.Price,
		Size:       raw.Size,
		Bid:        raw.Bid,
		Ask:        raw.Ask,
		Open:       raw.Open,
		High:       raw.High,
		Low:        raw.Low,
	}
	if last, ok := b.lastVendor[raw.Instrument]; ok && raw.VendorTime.Before(last) {
		ev.Late = true
	} else {
		b.lastVendor[raw.Instrument] = raw.VendorTime
	}
	b.queue <- ev
	b.pubMu.Unlock()

	if b.eventsCounter != nil {
		b.eventsCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("kind", ev.Kind.String()),
			attribute.Bool("late", ev.Late),
		))
	}
	return nil
}

// Subscribe registers a subscriber for the given instruments. An empty filter
// subscribes to all instruments.
func (b *Bus) Subscribe(instruments ...string) *Subscription {
	filter := make(map[string]struct{}, len(instruments))
	for _, ins := range instruments {
		filter[ins] = struct{}{}
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:          b.nextID,
		instruments: filter,
		ch:          make(chan core.MarketEvent, b.cfg.SubscriberBuffer),
		done:        make(chan struct{}),
	}
	b.subs[sub.id] = sub
	return sub
}

// Run dispatches queued events to subscribers until the context is done or
// the bus is closed and drained.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-b.queue:
			if !ok {
				return nil
			}
			b.dispatch(ctx, ev)
		}
	}
}

// Close stops the bus from accepting new events. Queued events are still
// dispatched.
func (b *Bus) Close() {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
}

// Depth returns the number of queued, undispatched events.
func (b *Bus) Depth() int {
	return len(b.queue)
}

func (b *Bus) dispatch(ctx context.Context, ev core.MarketEvent) {
	b.subsMu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subsMu.RUnlock()

	for _, s := range subs {
		if !s.matches(ev.Instrument) {
			continue
		}
		select {
		case s.ch <- ev:
			s.lagged = false
			continue
		case <-s.done:
			b.remove(s.id)
			continue
		case <-ctx.Done():
			return
		default:
		}

		// Buffer full: the subscriber is lagging. Surface it once per
		// saturation episode, then block to preserve its ordering.
		if !s.lagged {
			s.lagged = true
			b.logger.Warn("Subscriber lagging, dispatch blocked",
				"subscriber", s.id,
				"sequence", ev.Sequence,
				"error", apperrors.ErrSubscriberLagged)
			b.reporter.Report(core.Report{
				Kind:    core.ReportSubscriberLagged,
				Message: apperrors.ErrSubscriberLagged.Error(),
				Fields: map[string]string{
					"instrument": ev.Instrument,
				},
			})
		}
		select {
		case s.ch <- ev:
		case <-s.done:
			b.remove(s.id)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) remove(id uint64) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	delete(b.subs, id)
}

func validate(raw RawEvent) error {
	if raw.Instrument == "" || raw.VendorTime.IsZero() {
		return apperrors.ErrMalformedEvent
	}
	switch raw.Kind {
	case core.EventQuote:
		if raw.Bid.LessThanOrEqual(decimal.Zero) || raw.Ask.LessThanOrEqual(decimal.Zero) {
			return apperrors.ErrMalformedEvent
		}
	case core.EventTrade:
		if raw.Price.LessThanOrEqual(decimal.Zero) || raw.Size.LessThanOrEqual(decimal.Zero) {
			return apperrors.ErrMalformedEvent
		}
	case core.EventBar:
		if raw.Open.LessThanOrEqual(decimal.Zero) || raw.High.LessThanOrEqual(decimal.Zero) ||
			raw.Low.LessThanOrEqual(decimal.Zero) || raw.Price.LessThanOrEqual(decimal.Zero) {
			return apperrors.ErrMalformedEvent
		}
	default:
		return apperrors.ErrMalformedEvent
	}
	return nil
}
