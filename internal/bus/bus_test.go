package bus

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_engine/internal/core"
	apperrors "trading_engine/pkg/errors"
	"trading_engine/pkg/logging"
)

type recordingReporter struct {
	reports chan core.Report
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{reports: make(chan core.Report, 16)}
}

func (r *recordingReporter) Report(rep core.Report) {
	select {
	case r.reports <- rep:
	default:
	}
}

func tradeEvent(instrument string, ts time.Time, price float64) RawEvent {
	return RawEvent{
		Instrument: instrument,
		Kind:       core.EventTrade,
		VendorTime: ts,
		Price:      decimal.NewFromFloat(price),
		Size:       decimal.NewFromInt(1),
	}
}

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	b := New(Config{}, newRecordingReporter(), logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	sub := b.Subscribe("AAPL")
	defer sub.Close()

	now := time.Now()
	require.NoError(t, b.Publish(tradeEvent("AAPL", now, 100)))
	require.NoError(t, b.Publish(tradeEvent("AAPL", now.Add(time.Millisecond), 101)))
	require.NoError(t, b.Publish(tradeEvent("AAPL", now.Add(2*time.Millisecond), 102)))

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events():
			assert.Greater(t, ev.Sequence, last)
			last = ev.Sequence
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSubscriberFilterAndOrdering(t *testing.T) {
	b := New(Config{}, newRecordingReporter(), logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	aapl := b.Subscribe("AAPL")
	all := b.Subscribe()
	defer aapl.Close()
	defer all.Close()

	now := time.Now()
	require.NoError(t, b.Publish(tradeEvent("MSFT", now, 300)))
	require.NoError(t, b.Publish(tradeEvent("AAPL", now, 100)))
	require.NoError(t, b.Publish(tradeEvent("MSFT", now.Add(time.Millisecond), 301)))

	// Filtered subscriber sees only its instrument
	select {
	case ev := <-aapl.Events():
		assert.Equal(t, "AAPL", ev.Instrument)
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber got no event")
	}

	// Unfiltered subscriber sees all three, in bus order
	var seqs []uint64
	for i := 0; i < 3; i++ {
		select {
		case ev := <-all.Events():
			seqs = append(seqs, ev.Sequence)
		case <-time.After(time.Second):
			t.Fatal("unfiltered subscriber missing events")
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestLateEventsTaggedNotDropped(t *testing.T) {
	b := New(Config{}, newRecordingReporter(), logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	sub := b.Subscribe("AAPL")
	defer sub.Close()

	now := time.Now()
	require.NoError(t, b.Publish(tradeEvent("AAPL", now, 100)))
	require.NoError(t, b.Publish(tradeEvent("AAPL", now.Add(-time.Second), 99))) // older timestamp

	first := <-sub.Events()
	second := <-sub.Events()

	assert.False(t, first.Late)
	assert.True(t, second.Late)
	assert.Greater(t, second.Sequence, first.Sequence)
}

func TestMalformedEventDroppedAndReported(t *testing.T) {
	reporter := newRecordingReporter()
	b := New(Config{}, reporter, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	sub := b.Subscribe()
	defer sub.Close()

	err := b.Publish(RawEvent{Kind: core.EventTrade, VendorTime: time.Now()}) // missing instrument
	require.ErrorIs(t, err, apperrors.ErrMalformedEvent)

	select {
	case rep := <-reporter.reports:
		assert.Equal(t, core.ReportMalformedEvent, rep.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a malformed-event report")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("malformed event must not reach subscribers, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQuoteValidation(t *testing.T) {
	b := New(Config{}, newRecordingReporter(), logging.Nop())

	err := b.Publish(RawEvent{
		Instrument: "AAPL",
		Kind:       core.EventQuote,
		VendorTime: time.Now(),
		Bid:        decimal.NewFromInt(100),
		// missing ask
	})
	require.ErrorIs(t, err, apperrors.ErrMalformedEvent)
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := New(Config{}, newRecordingReporter(), logging.Nop())
	b.Close()

	err := b.Publish(tradeEvent("AAPL", time.Now(), 100))
	require.ErrorIs(t, err, apperrors.ErrBusClosed)
}

func TestSlowSubscriberDoesNotReorder(t *testing.T) {
	b := New(Config{QueueSize: 64, SubscriberBuffer: 4}, newRecordingReporter(), logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	slow := b.Subscribe("AAPL")
	defer slow.Close()

	now := time.Now()
	go func() {
		for i := 0; i < 20; i++ {
			_ = b.Publish(tradeEvent("AAPL", now.Add(time.Duration(i)*time.Millisecond), 100+float64(i)))
		}
	}()

	var last uint64
	for i := 0; i < 20; i++ {
		select {
		case ev := <-slow.Events():
			require.Greater(t, ev.Sequence, last)
			last = ev.Sequence
			time.Sleep(time.Millisecond) // simulate slow consumer
		case <-time.After(2 * time.Second):
			t.Fatal("slow subscriber lost events")
		}
	}
}

func TestLaggingSubscriberIsReported(t *testing.T) {
	reporter := newRecordingReporter()
	b := New(Config{SubscriberBuffer: 1}, reporter, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	slow := b.Subscribe("AAPL")
	defer slow.Close()

	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(tradeEvent("AAPL", now.Add(time.Duration(i)*time.Millisecond), 100)))
	}

	select {
	case rep := <-reporter.reports:
		assert.Equal(t, core.ReportSubscriberLagged, rep.Kind)
	case <-time.After(time.Second):
		t.Fatal("saturated subscriber was never reported")
	}

	// Lag never costs the subscriber events or ordering.
	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case ev := <-slow.Events():
			require.Greater(t, ev.Sequence, last)
			last = ev.Sequence
		case <-time.After(time.Second):
			t.Fatalf("event %d never delivered", i)
		}
	}
}
