package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_bridge/internal/broker"
	"github.com/eddiefleurent/signal_bridge/internal/ledger"
	"github.com/eddiefleurent/signal_bridge/internal/market"
	"github.com/eddiefleurent/signal_bridge/internal/models"
)

// Metrics is the instrumentation hook the controller reports into.
type Metrics interface {
	SignalReceived(accepted bool)
	OrderPlaced(orderType models.OrderType)
	OrderFilled()
	OrderCancelled()
	OrderRejected()
	OrderResubmitted()
	OrderAbandoned()
	SetPendingCount(n int)
	SetConnectionUp(up bool)
}

// Notifier is the outbound notification hook. Implementations must not block
// the trading path.
type Notifier interface {
	NotifyTrade(action models.Action, quantity int, symbol string, orderType models.OrderType, limit float64)
	NotifyFill(symbol string, side models.Side, shares int, price float64)
	NotifyAbandoned(symbol, orderID string, resubmissions int)
	NotifyConnection(up bool, detail string)
	NotifyError(context string, err error)
}

type nopMetrics struct{}

func (nopMetrics) SignalReceived(bool)          {}
func (nopMetrics) OrderPlaced(models.OrderType) {}
func (nopMetrics) OrderFilled()                 {}
func (nopMetrics) OrderCancelled()              {}
func (nopMetrics) OrderRejected()               {}
func (nopMetrics) OrderResubmitted()            {}
func (nopMetrics) OrderAbandoned()              {}
func (nopMetrics) SetPendingCount(int)          {}
func (nopMetrics) SetConnectionUp(bool)         {}

type nopNotifier struct{}

func (nopNotifier) NotifyTrade(models.Action, int, string, models.OrderType, float64) {}
func (nopNotifier) NotifyFill(string, models.Side, int, float64)                      {}
func (nopNotifier) NotifyAbandoned(string, string, int)                               {}
func (nopNotifier) NotifyConnection(bool, string)                                     {}
func (nopNotifier) NotifyError(string, error)                                         {}

// sweepOrderTimeout caps how long one replace attempt may hold its symbol
// lock in broker calls.
const sweepOrderTimeout = 15 * time.Second

// Policy holds the pending-order lifecycle knobs.
type Policy struct {
	SweepInterval    time.Duration
	LimitTimeout     time.Duration
	MaxResubmissions int
}

// Controller is the trading core: it serializes work per symbol, validates
// signals against the position machine and session policy, executes them, and
// runs the event pump and the pending-order sweep.
type Controller struct {
	broker   broker.Broker
	ledger   *ledger.Ledger
	tracker  *Tracker
	executor *Executor
	oracle   *market.Oracle
	policy   Policy
	metrics  Metrics
	notifier Notifier
	logger   *logrus.Logger

	now func() time.Time

	lockMu      sync.Mutex
	symbolLocks map[string]*sync.Mutex
}

// NewController wires the trading core together. Metrics and notifier may be
// nil.
func NewController(
	b broker.Broker,
	led *ledger.Ledger,
	tracker *Tracker,
	executor *Executor,
	oracle *market.Oracle,
	policy Policy,
	metrics Metrics,
	notifier Notifier,
	logger *logrus.Logger,
) *Controller {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{
		broker:      b,
		ledger:      led,
		tracker:     tracker,
		executor:    executor,
		oracle:      oracle,
		policy:      policy,
		metrics:     metrics,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
		symbolLocks: make(map[string]*sync.Mutex),
	}
}

// symbolLock returns the mutex serializing all mutations for one symbol.
func (c *Controller) symbolLock(symbol string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	mu, ok := c.symbolLocks[symbol]
	if !ok {
		mu = &sync.Mutex{}
		c.symbolLocks[symbol] = mu
	}
	return mu
}

// ProcessSignal validates and executes one signal. Signals for the same
// symbol are processed strictly one at a time; rejection reasons come back as
// typed errors the intake layer can report.
func (c *Controller) ProcessSignal(ctx context.Context, sig *models.Signal) error {
	mu := c.symbolLock(sig.Symbol)
	mu.Lock()
	defer mu.Unlock()

	log := c.logger.WithFields(logrus.Fields{"signal": sig.String()})

	if c.broker.State() != broker.StateConnected {
		c.metrics.SignalReceived(false)
		log.Warn("rejecting signal: broker link down")
		return broker.ErrLinkLost
	}

	decision := c.oracle.Decide(c.now())
	if !decision.Tradable {
		c.metrics.SignalReceived(false)
		log.WithField("reason", decision.Reason).Info("rejecting signal: session policy")
		return &SessionClosedError{Session: decision.Session, Reason: decision.Reason}
	}

	if err := c.ledger.Refresh(ctx, sig.Symbol); err != nil {
		c.metrics.SignalReceived(false)
		log.WithError(err).Error("position refresh failed")
		return fmt.Errorf("refreshing positions for %s: %w", sig.Symbol, err)
	}

	position := c.ledger.Get(sig.Symbol)
	if err := ValidateTransition(position, sig.Action); err != nil {
		c.metrics.SignalReceived(false)
		log.WithField("state", position.State).Info("rejecting signal: position machine")
		return err
	}

	placement, err := c.executor.Execute(ctx, sig, decision.OrderType)
	if err != nil {
		c.metrics.SignalReceived(false)
		log.WithError(err).Error("signal execution failed")
		return err
	}

	c.metrics.SignalReceived(true)
	c.metrics.OrderPlaced(placement.OrderType)
	c.metrics.SetPendingCount(c.tracker.Count())
	c.notifier.NotifyTrade(sig.Action, sig.Quantity, sig.Symbol, placement.OrderType, placement.LimitPrice)
	return nil
}

// Bootstrap rebuilds state after a restart: positions from the broker account
// and the pending book from working orders. Resubmission counts restart at
// zero because the pre-restart history is unrecoverable.
func (c *Controller) Bootstrap(ctx context.Context) error {
	if err := c.ledger.RefreshAll(ctx); err != nil {
		return err
	}

	orders, err := c.broker.OpenOrders(ctx)
	if err != nil {
		return err
	}

	now := c.now()
	restored := 0
	for _, o := range orders {
		if o.OrderType != models.OrderTypeLimit {
			continue
		}
		action := actionForOrder(o.Side, c.ledger.Get(o.Symbol).State)
		c.tracker.Register(models.PendingOrder{
			IntentID:      "restored-" + o.OrderID,
			BrokerOrderID: o.OrderID,
			Symbol:        o.Symbol,
			Action:        action,
			Quantity:      o.Quantity,
			OriginalLimit: o.LimitPrice,
			SubmittedAt:   now,
		})
		restored++
	}

	c.metrics.SetPendingCount(c.tracker.Count())
	c.logger.WithFields(logrus.Fields{
		"positions":      len(c.ledger.Snapshot()),
		"pending_orders": restored,
	}).Info("state rebuilt from broker account")
	return nil
}

// actionForOrder recovers the business action for a restored working order
// from its side and the current position direction.
func actionForOrder(side models.Side, state models.PositionState) models.Action {
	if side == models.SideBuy {
		if state == models.StateShort {
			return models.ActionCover
		}
		return models.ActionBuy
	}
	if state == models.StateLong {
		return models.ActionSell
	}
	return models.ActionShort
}

// HandleEvents is the single pump draining the broker event stream. It exits
// when the context is cancelled or the stream closes.
func (c *Controller) HandleEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.broker.Events():
			if !ok {
				return nil
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev broker.Event) {
	switch {
	case ev.Fill != nil:
		c.handleFill(ctx, ev.Fill)
	case ev.Status != nil:
		c.handleStatus(ev.Status)
	case ev.Err != nil:
		c.logger.WithFields(logrus.Fields{
			"code":   ev.Err.Code,
			"symbol": ev.Err.Symbol,
		}).Warn(ev.Err.Message)
	case ev.Connection != nil:
		c.handleConnection(ev.Connection)
	}
}

// handleFill settles a fill under the symbol lock: untrack first so the sweep
// can never cancel a filled order, then fold the execution into the ledger
// and reconcile against the account.
func (c *Controller) handleFill(ctx context.Context, fill *broker.FillEvent) {
	mu := c.symbolLock(fill.Symbol)
	mu.Lock()
	c.tracker.OnTerminal(fill.OrderID)
	c.ledger.ApplyFill(fill)
	if err := c.ledger.Refresh(ctx, fill.Symbol); err != nil {
		c.logger.WithError(err).Warn("post-fill reconciliation failed, keeping applied fill")
	}
	mu.Unlock()

	c.metrics.OrderFilled()
	c.metrics.SetPendingCount(c.tracker.Count())
	c.notifier.NotifyFill(fill.Symbol, fill.Side, fill.Shares, fill.Price)
}

func (c *Controller) handleStatus(st *broker.StatusEvent) {
	if !st.Status.IsTerminal() {
		return
	}
	rec, tracked := c.tracker.OnTerminal(st.OrderID)
	switch st.Status {
	case broker.StatusCancelled:
		c.metrics.OrderCancelled()
	case broker.StatusRejected:
		c.metrics.OrderRejected()
		if tracked {
			c.logger.WithFields(logrus.Fields{
				"order_id": st.OrderID,
				"symbol":   rec.Symbol,
			}).Warn("working order rejected by broker")
		}
	}
	c.metrics.SetPendingCount(c.tracker.Count())
}

func (c *Controller) handleConnection(ce *broker.ConnectionEvent) {
	c.metrics.SetConnectionUp(ce.Up)
	c.notifier.NotifyConnection(ce.Up, ce.Detail)
	if ce.Terminal {
		c.logger.Error("broker link permanently lost, trading halted")
		c.notifier.NotifyError("broker link", errors.New("reconnect attempts exhausted"))
	}
}

// RunSweepLoop runs the pending-order sweep on the configured interval until
// the context is cancelled. Sweeps are skipped while the link is down; the
// orders stay tracked and age toward their timeout.
func (c *Controller) RunSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.policy.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.broker.State() != broker.StateConnected {
				c.logger.Debug("skipping sweep: broker link down")
				continue
			}
			c.Sweep(ctx)
		}
	}
}

// Sweep cancels every pending order idle past the timeout and either replaces
// it at a freshly repriced marketable limit or abandons it once the
// resubmission budget is spent. A failure on one order never stops the sweep;
// the rest of the book is still serviced.
func (c *Controller) Sweep(ctx context.Context) {
	due := c.tracker.Due(c.now(), c.policy.LimitTimeout)
	for _, po := range due {
		c.sweepOrder(ctx, po)
	}
	if len(due) > 0 {
		c.metrics.SetPendingCount(c.tracker.Count())
	}
}

func (c *Controller) sweepOrder(ctx context.Context, po models.PendingOrder) {
	mu := c.symbolLock(po.Symbol)
	mu.Lock()
	defer mu.Unlock()

	// Re-check under the lock: a fill or cancel may have untracked the order
	// between collection and now.
	current, ok := c.tracker.Get(po.BrokerOrderID)
	if !ok || c.now().Sub(current.IdleSince()) < c.policy.LimitTimeout {
		return
	}

	// The broker calls below run while the symbol lock is held and the event
	// pump needs that lock to settle fills, so the attempt is deadline-bounded.
	ctx, cancel := context.WithTimeout(ctx, sweepOrderTimeout)
	defer cancel()

	log := c.logger.WithFields(logrus.Fields{
		"order_id":      current.BrokerOrderID,
		"intent_id":     current.IntentID,
		"symbol":        current.Symbol,
		"resubmissions": current.ResubmissionCount,
	})

	if current.ResubmissionCount >= c.policy.MaxResubmissions {
		// The working order is left to the broker; a later terminal event for
		// it is still honored by the event path.
		if _, ok := c.tracker.Abandon(current.BrokerOrderID); ok {
			c.metrics.OrderAbandoned()
			c.notifier.NotifyAbandoned(current.Symbol, current.BrokerOrderID, current.ResubmissionCount)
		}
		return
	}

	// A failed cancel does not stop the replacement: the broker may already
	// have finished the order and the event stream will reconcile.
	if err := c.broker.Cancel(ctx, current.BrokerOrderID); err != nil {
		log.WithError(err).Warn("cancel failed, replacing anyway")
	} else {
		c.metrics.OrderCancelled()
	}

	// Qualify/quote/place failures leave the record in place; the next sweep
	// retries and the count only moves on a successful replace.
	contract, err := c.broker.Qualify(ctx, current.Symbol)
	if err != nil {
		log.WithError(err).Error("replacement qualify failed, will retry next sweep")
		return
	}
	quote, err := c.broker.Quote(ctx, contract)
	if err != nil {
		log.WithError(err).Error("replacement quote failed, will retry next sweep")
		return
	}

	side := current.Action.BrokerSide()
	limit := MarketableLimit(side, quote)
	newID, err := c.broker.Place(ctx, contract, side, current.Quantity, models.OrderTypeLimit, limit)
	if err != nil {
		log.WithError(err).Error("replacement placement failed, will retry next sweep")
		return
	}

	if !c.tracker.ReplaceKey(current.BrokerOrderID, newID, c.now()) {
		// The original filled while we were replacing; the replacement is now
		// an orphan and must not stay working.
		log.WithField("replacement_id", newID).Warn("fill raced the replacement, cancelling orphan")
		if err := c.broker.Cancel(ctx, newID); err != nil {
			log.WithError(err).Error("orphan replacement cancel failed")
			c.notifier.NotifyError("orphan replacement "+newID, err)
		}
		return
	}

	c.metrics.OrderResubmitted()
	log.WithFields(logrus.Fields{
		"replacement_id": newID,
		"limit":          limit,
	}).Info("pending order resubmitted")
}

// PendingCount exposes the tracker size for status reporting.
func (c *Controller) PendingCount() int {
	return c.tracker.Count()
}

// Positions exposes the cached ledger for status reporting.
func (c *Controller) Positions() []models.PositionRecord {
	return c.ledger.Snapshot()
}

// ConnectionState exposes the broker link state for status reporting.
func (c *Controller) ConnectionState() broker.ConnectionState {
	return c.broker.State()
}
