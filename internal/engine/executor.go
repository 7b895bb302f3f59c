package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_bridge/internal/broker"
	"github.com/eddiefleurent/signal_bridge/internal/models"
)

// limitOffset is the fraction the limit price is moved through the quote to
// stay marketable: buys pay up 0.1%, sells give up 0.1%.
var limitOffset = decimal.NewFromFloat(0.001)

// Placement describes an order the executor put on the wire.
type Placement struct {
	OrderID    string
	IntentID   string
	OrderType  models.OrderType
	Quote      float64
	LimitPrice float64
}

// Executor turns validated signals into broker orders. Limit orders are
// registered with the tracker for the timed cancel-and-replace sweep.
type Executor struct {
	broker  broker.Broker
	tracker *Tracker
	logger  *logrus.Logger

	maxPositionSize int

	now func() time.Time
}

// NewExecutor creates an order executor.
func NewExecutor(b broker.Broker, tracker *Tracker, maxPositionSize int, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Executor{
		broker:          b,
		tracker:         tracker,
		logger:          logger,
		maxPositionSize: maxPositionSize,
		now:             time.Now,
	}
}

// Execute places the order for a signal using the session-decided order type.
func (e *Executor) Execute(ctx context.Context, sig *models.Signal, orderType models.OrderType) (*Placement, error) {
	if sig.Quantity > e.maxPositionSize {
		return nil, &QuantityExceedsMaxError{
			Symbol:    sig.Symbol,
			Requested: sig.Quantity,
			Max:       e.maxPositionSize,
		}
	}

	contract, err := e.broker.Qualify(ctx, sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("qualifying %s: %w", sig.Symbol, err)
	}

	side := sig.Action.BrokerSide()
	placement := &Placement{IntentID: uuid.NewString(), OrderType: orderType}

	if orderType == models.OrderTypeLimit {
		quote, err := e.broker.Quote(ctx, contract)
		if err != nil {
			return nil, fmt.Errorf("quoting %s: %w", sig.Symbol, err)
		}
		placement.Quote = quote
		placement.LimitPrice = MarketableLimit(side, quote)
	}

	orderID, err := e.broker.Place(ctx, contract, side, sig.Quantity, orderType, placement.LimitPrice)
	if err != nil {
		return nil, fmt.Errorf("placing %s: %w", sig, err)
	}
	placement.OrderID = orderID

	if orderType == models.OrderTypeLimit {
		e.tracker.Register(models.PendingOrder{
			IntentID:      placement.IntentID,
			BrokerOrderID: orderID,
			Symbol:        sig.Symbol,
			Action:        sig.Action,
			Quantity:      sig.Quantity,
			OriginalLimit: placement.LimitPrice,
			SubmittedAt:   e.now(),
		})
	}

	e.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"signal":   sig.String(),
		"type":     orderType,
		"limit":    placement.LimitPrice,
	}).Info("signal executed")
	return placement, nil
}

// MarketableLimit prices a limit order 0.1% through the quote on the
// aggressive side, banker-rounded to cents. Resubmissions reprice with the
// same expression against a fresh quote.
func MarketableLimit(side models.Side, quote float64) float64 {
	q := decimal.NewFromFloat(quote)
	var limit decimal.Decimal
	if side == models.SideBuy {
		limit = q.Mul(decimal.NewFromInt(1).Add(limitOffset))
	} else {
		limit = q.Mul(decimal.NewFromInt(1).Sub(limitOffset))
	}
	f, _ := limit.RoundBank(2).Float64()
	return f
}
