package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/signal_bridge/internal/broker"
	"github.com/eddiefleurent/signal_bridge/internal/ledger"
	"github.com/eddiefleurent/signal_bridge/internal/market"
	"github.com/eddiefleurent/signal_bridge/internal/models"
)

// mondayNoon is a weekday instant inside regular hours (UTC oracle).
var mondayNoon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestOracle(t *testing.T, allowPre, allowPost bool) *market.Oracle {
	t.Helper()
	o, err := market.NewOracle(market.Hours{
		PreStart:    4 * 60,
		RegularOpen: 9*60 + 30,
		RegularEnd:  16 * 60,
		PostEnd:     20 * 60,
	}, time.UTC, allowPre, allowPost)
	require.NoError(t, err)
	return o
}

type testRig struct {
	fb         *fakeBroker
	led        *ledger.Ledger
	tracker    *Tracker
	controller *Controller
	now        time.Time
}

func newRig(t *testing.T, allowPre, allowPost bool) *testRig {
	t.Helper()
	fb := newFakeBroker()
	led := ledger.New(fb, testLogger())
	tr := NewTracker(testLogger())
	ex := NewExecutor(fb, tr, 1000, testLogger())
	c := NewController(fb, led, tr, ex, newTestOracle(t, allowPre, allowPost), Policy{
		SweepInterval:    time.Minute,
		LimitTimeout:     5 * time.Minute,
		MaxResubmissions: 3,
	}, nil, nil, testLogger())

	rig := &testRig{fb: fb, led: led, tracker: tr, controller: c, now: mondayNoon}
	c.now = func() time.Time { return rig.now }
	ex.now = c.now
	return rig
}

func TestProcessSignalRejectsWhenLinkDown(t *testing.T) {
	rig := newRig(t, false, false)
	rig.fb.setState(broker.StateBackoff)

	sig := &models.Signal{Symbol: "AAPL", Action: models.ActionBuy, Quantity: 100}
	err := rig.controller.ProcessSignal(context.Background(), sig)
	assert.True(t, errors.Is(err, broker.ErrLinkLost))
	assert.Empty(t, rig.fb.placed())
}

func TestProcessSignalRejectsOutsideSession(t *testing.T) {
	rig := newRig(t, false, false)
	rig.now = time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC) // Saturday

	sig := &models.Signal{Symbol: "AAPL", Action: models.ActionBuy, Quantity: 100}
	err := rig.controller.ProcessSignal(context.Background(), sig)
	var sce *SessionClosedError
	require.ErrorAs(t, err, &sce)
	assert.Contains(t, sce.Reason, "weekend")
	assert.Empty(t, rig.fb.placed())
}

func TestProcessSignalSurfacesRefreshFailure(t *testing.T) {
	rig := newRig(t, false, false)
	rig.fb.posErr = broker.ErrLinkLost

	sig := &models.Signal{Symbol: "AAPL", Action: models.ActionBuy, Quantity: 100}
	err := rig.controller.ProcessSignal(context.Background(), sig)
	assert.True(t, errors.Is(err, broker.ErrLinkLost))
	assert.Empty(t, rig.fb.placed(), "no order against an unverified position view")
}

func TestProcessSignalRejectsInvalidTransition(t *testing.T) {
	rig := newRig(t, false, false)

	// Flat symbol: SELL is not legal.
	sig := &models.Signal{Symbol: "AAPL", Action: models.ActionSell, Quantity: 100}
	err := rig.controller.ProcessSignal(context.Background(), sig)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, models.StateFlat, ite.State)
	assert.Empty(t, rig.fb.placed())
}

func TestProcessSignalRegularHoursMarketOrder(t *testing.T) {
	rig := newRig(t, false, false)

	sig := &models.Signal{Symbol: "AAPL", Action: models.ActionBuy, Quantity: 100}
	require.NoError(t, rig.controller.ProcessSignal(context.Background(), sig))

	calls := rig.fb.placed()
	require.Len(t, calls, 1)
	assert.Equal(t, models.OrderTypeMarket, calls[0].OrderType)
	assert.Equal(t, 0, rig.controller.PendingCount())
}

func TestProcessSignalPreMarketLimitOrder(t *testing.T) {
	rig := newRig(t, true, false)
	rig.now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) // Monday pre-market
	rig.fb.quote = 310.00

	sig := &models.Signal{Symbol: "AAPL", Action: models.ActionShort, Quantity: 100}
	require.NoError(t, rig.controller.ProcessSignal(context.Background(), sig))

	calls := rig.fb.placed()
	require.Len(t, calls, 1)
	assert.Equal(t, models.OrderTypeLimit, calls[0].OrderType)
	assert.Equal(t, models.SideSell, calls[0].Side)
	assert.InDelta(t, 309.69, calls[0].Limit, 1e-9)
	assert.Equal(t, 1, rig.controller.PendingCount())
}

func TestProcessSignalHonorsLedgerState(t *testing.T) {
	rig := newRig(t, false, false)
	rig.fb.positions = []broker.PositionItem{{Symbol: "AAPL", Quantity: 100, AvgCost: 180}}
	require.NoError(t, rig.led.Refresh(context.Background(), "AAPL"))

	// Long AAPL: SELL is legal, BUY is not.
	sell := &models.Signal{Symbol: "AAPL", Action: models.ActionSell, Quantity: 100}
	require.NoError(t, rig.controller.ProcessSignal(context.Background(), sell))

	buy := &models.Signal{Symbol: "AAPL", Action: models.ActionBuy, Quantity: 100}
	var ite *InvalidTransitionError
	require.ErrorAs(t, rig.controller.ProcessSignal(context.Background(), buy), &ite)
}

func TestCrossSymbolRefreshDoesNotRegressPosition(t *testing.T) {
	rig := newRig(t, false, false)

	// A MSFT buy fills and is reconciled against the post-fill account.
	rig.fb.positions = []broker.PositionItem{{Symbol: "MSFT", Quantity: 100, AvgCost: 430.00}}
	rig.controller.handleEvent(context.Background(), broker.Event{
		Fill: &broker.FillEvent{OrderID: "1", Symbol: "MSFT", Side: models.SideBuy,
			Shares: 100, Price: 430.00, Time: rig.now},
	})
	require.Equal(t, models.StateLong, rig.led.Get("MSFT").State)

	// Another symbol's signal arrives while the broker answers a stale
	// pre-fill snapshot. That refresh runs under AAPL's lock only and must
	// not touch MSFT's reconciled record.
	rig.fb.positions = nil
	sig := &models.Signal{Symbol: "AAPL", Action: models.ActionBuy, Quantity: 100}
	require.NoError(t, rig.controller.ProcessSignal(context.Background(), sig))

	rec := rig.led.Get("MSFT")
	assert.Equal(t, models.StateLong, rec.State)
	assert.Equal(t, int64(100), rec.Quantity)

	// With the position intact, a duplicate MSFT entry is still refused.
	rig.fb.positions = []broker.PositionItem{{Symbol: "MSFT", Quantity: 100, AvgCost: 430.00}}
	dup := &models.Signal{Symbol: "MSFT", Action: models.ActionBuy, Quantity: 100}
	var ite *InvalidTransitionError
	require.ErrorAs(t, rig.controller.ProcessSignal(context.Background(), dup), &ite)
}

func TestBootstrapRebuildsState(t *testing.T) {
	rig := newRig(t, false, false)
	rig.fb.positions = []broker.PositionItem{{Symbol: "TSLA", Quantity: -50, AvgCost: 240}}
	rig.fb.openOrders = []broker.OpenOrder{
		{OrderID: "77", Symbol: "TSLA", Side: models.SideBuy, Quantity: 50,
			OrderType: models.OrderTypeLimit, LimitPrice: 238.00, Status: broker.StatusSubmitted},
		{OrderID: "78", Symbol: "AAPL", Side: models.SideBuy, Quantity: 100,
			OrderType: models.OrderTypeMarket, Status: broker.StatusPendingSubmit},
	}

	require.NoError(t, rig.controller.Bootstrap(context.Background()))

	assert.Equal(t, models.StateShort, rig.led.Get("TSLA").State)

	require.Equal(t, 1, rig.tracker.Count(), "only limit orders enter the pending book")
	rec, ok := rig.tracker.Get("77")
	require.True(t, ok)
	assert.Equal(t, models.ActionCover, rec.Action, "buy against a short is a cover")
	assert.Equal(t, 0, rec.ResubmissionCount, "history is unrecoverable, count restarts")
	assert.Equal(t, rig.now, rec.SubmittedAt)
}

func TestSweepReplacesTimedOutOrder(t *testing.T) {
	rig := newRig(t, false, false)
	rig.fb.quote = 305.00

	submitted := rig.now.Add(-6 * time.Minute)
	rig.tracker.Register(models.PendingOrder{
		IntentID:      "intent-1",
		BrokerOrderID: "old",
		Symbol:        "AAPL",
		Action:        models.ActionSell,
		Quantity:      100,
		OriginalLimit: 309.69,
		SubmittedAt:   submitted,
	})

	rig.controller.Sweep(context.Background())

	assert.Equal(t, []string{"old"}, rig.fb.cancelled())

	calls := rig.fb.placed()
	require.Len(t, calls, 1)
	assert.Equal(t, models.OrderTypeLimit, calls[0].OrderType)
	assert.InDelta(t, MarketableLimit(models.SideSell, 305.00), calls[0].Limit, 1e-9)

	require.Equal(t, 1, rig.tracker.Count())
	rec, ok := rig.tracker.Get("ord-1")
	require.True(t, ok)
	assert.Equal(t, "intent-1", rec.IntentID)
	assert.Equal(t, 1, rec.ResubmissionCount)
	assert.Equal(t, submitted, rec.SubmittedAt)
	assert.Equal(t, rig.now, rec.LastResubmissionAt)
}

func TestSweepBrokerCallsCarryDeadline(t *testing.T) {
	rig := newRig(t, false, false)
	rig.tracker.Register(models.PendingOrder{
		BrokerOrderID: "old",
		Symbol:        "AAPL",
		Action:        models.ActionSell,
		Quantity:      100,
		SubmittedAt:   rig.now.Add(-10 * time.Minute),
	})

	rig.controller.Sweep(context.Background())

	deadlines := rig.fb.seenDeadlines()
	require.NotEmpty(t, deadlines)
	for i, has := range deadlines {
		assert.True(t, has, "sweep broker call %d holds the symbol lock and must be bounded", i)
	}
}

func TestSweepLeavesFreshOrdersAlone(t *testing.T) {
	rig := newRig(t, false, false)
	rig.tracker.Register(models.PendingOrder{
		BrokerOrderID: "young",
		Symbol:        "AAPL",
		Action:        models.ActionBuy,
		Quantity:      100,
		SubmittedAt:   rig.now.Add(-2 * time.Minute),
	})

	rig.controller.Sweep(context.Background())
	assert.Empty(t, rig.fb.cancelled())
	assert.Equal(t, 1, rig.tracker.Count())
}

func TestSweepAbandonsAfterMaxResubmissions(t *testing.T) {
	rig := newRig(t, false, false)
	rig.tracker.Register(models.PendingOrder{
		IntentID:          "intent-1",
		BrokerOrderID:     "old",
		Symbol:            "AAPL",
		Action:            models.ActionSell,
		Quantity:          100,
		SubmittedAt:       rig.now.Add(-40 * time.Minute),
		ResubmissionCount: 3,
	})

	rig.controller.Sweep(context.Background())

	assert.Empty(t, rig.fb.cancelled(), "abandonment leaves the working order to the broker")
	assert.Empty(t, rig.fb.placed(), "no replacement after the budget is spent")
	assert.Equal(t, 0, rig.tracker.Count())
}

func TestSweepCancelFailureStillReplaces(t *testing.T) {
	rig := newRig(t, false, false)
	rig.fb.cancelErrs = map[string]error{"stuck": errors.New("gateway busy")}

	rig.tracker.Register(models.PendingOrder{
		BrokerOrderID: "stuck",
		Symbol:        "AAPL",
		Action:        models.ActionSell,
		Quantity:      100,
		SubmittedAt:   rig.now.Add(-10 * time.Minute),
	})

	rig.controller.Sweep(context.Background())

	// The broker may have already finished the order; the replacement goes
	// out regardless and the event stream reconciles.
	require.Len(t, rig.fb.placed(), 1)
	require.Equal(t, 1, rig.tracker.Count())
	rec, ok := rig.tracker.Get("ord-1")
	require.True(t, ok)
	assert.Equal(t, 1, rec.ResubmissionCount)
}

func TestSweepPlacementFailureKeepsOrderForRetry(t *testing.T) {
	rig := newRig(t, false, false)
	rig.fb.placeErr = errors.New("gateway busy")

	rig.tracker.Register(models.PendingOrder{
		BrokerOrderID: "old",
		Symbol:        "AAPL",
		Action:        models.ActionSell,
		Quantity:      100,
		SubmittedAt:   rig.now.Add(-10 * time.Minute),
	})

	rig.controller.Sweep(context.Background())

	rec, ok := rig.tracker.Get("old")
	require.True(t, ok, "record stays for the next sweep")
	assert.Equal(t, 0, rec.ResubmissionCount, "count moves only on a successful replace")
}

func TestSweepQuoteFailureKeepsOrderForRetry(t *testing.T) {
	rig := newRig(t, false, false)
	rig.fb.quoteErr = broker.ErrQuoteUnavailable

	rig.tracker.Register(models.PendingOrder{
		BrokerOrderID: "old",
		Symbol:        "AAPL",
		Action:        models.ActionSell,
		Quantity:      100,
		SubmittedAt:   rig.now.Add(-10 * time.Minute),
	})

	rig.controller.Sweep(context.Background())

	assert.Empty(t, rig.fb.placed())
	_, stillTracked := rig.tracker.Get("old")
	assert.True(t, stillTracked)
}

func TestSweepFillRaceCancelsOrphanReplacement(t *testing.T) {
	rig := newRig(t, false, false)
	rig.tracker.Register(models.PendingOrder{
		IntentID:      "intent-1",
		BrokerOrderID: "old",
		Symbol:        "AAPL",
		Action:        models.ActionSell,
		Quantity:      100,
		SubmittedAt:   rig.now.Add(-10 * time.Minute),
	})

	// The fill lands between the cancel and the re-key: the record vanishes.
	rig.fb.onCancel = func(orderID string) {
		if orderID == "old" {
			rig.tracker.OnTerminal("old")
		}
	}

	rig.controller.Sweep(context.Background())

	require.Len(t, rig.fb.placed(), 1, "replacement was already on the wire")
	cancelled := rig.fb.cancelled()
	require.Len(t, cancelled, 2)
	assert.Equal(t, "old", cancelled[0])
	assert.Equal(t, "ord-1", cancelled[1], "orphan replacement must be cancelled")
	assert.Equal(t, 0, rig.tracker.Count())
}

func TestHandleFillSettlesUnderSymbolLock(t *testing.T) {
	rig := newRig(t, false, false)
	rig.fb.positions = []broker.PositionItem{{Symbol: "AAPL", Quantity: 100, AvgCost: 189.50}}
	rig.tracker.Register(models.PendingOrder{
		BrokerOrderID: "7",
		Symbol:        "AAPL",
		Action:        models.ActionBuy,
		Quantity:      100,
		SubmittedAt:   rig.now,
	})

	rig.controller.handleEvent(context.Background(), broker.Event{
		Fill: &broker.FillEvent{OrderID: "7", Symbol: "AAPL", Side: models.SideBuy,
			Shares: 100, Price: 189.50, Time: rig.now},
	})

	assert.Equal(t, 0, rig.tracker.Count(), "filled order leaves the pending book")
	rec := rig.led.Get("AAPL")
	assert.Equal(t, models.StateLong, rec.State)
	assert.Equal(t, int64(100), rec.Quantity)
}

func TestHandleTerminalStatusUntracks(t *testing.T) {
	rig := newRig(t, false, false)
	rig.tracker.Register(models.PendingOrder{
		BrokerOrderID: "9",
		Symbol:        "AAPL",
		Action:        models.ActionBuy,
		Quantity:      100,
		SubmittedAt:   rig.now,
	})

	rig.controller.handleEvent(context.Background(), broker.Event{
		Status: &broker.StatusEvent{OrderID: "9", Status: broker.StatusCancelled},
	})
	assert.Equal(t, 0, rig.tracker.Count())

	// Non-terminal statuses leave the book alone.
	rig.tracker.Register(models.PendingOrder{
		BrokerOrderID: "10", Symbol: "AAPL", Action: models.ActionBuy,
		Quantity: 100, SubmittedAt: rig.now,
	})
	rig.controller.handleEvent(context.Background(), broker.Event{
		Status: &broker.StatusEvent{OrderID: "10", Status: broker.StatusSubmitted},
	})
	assert.Equal(t, 1, rig.tracker.Count())
}
