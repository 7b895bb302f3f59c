// Package broker provides the supervised client to the trading gateway and
// the contract the core consumes it through.
package broker

import (
	"time"

	"github.com/eddiefleurent/signal_bridge/internal/models"
)

// ConnectionState tracks the gateway link lifecycle.
type ConnectionState string

const (
	// StateDisconnected means no connection and no reconnect in progress.
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting means a dial is in flight.
	StateConnecting ConnectionState = "connecting"
	// StateConnected means the session is established and authenticated.
	StateConnected ConnectionState = "connected"
	// StateBackoff means the supervisor is waiting before the next attempt.
	StateBackoff ConnectionState = "backoff"
)

// Contract is the canonical tradable handle a ticker qualifies to.
type Contract struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
	ConID    int64  `json:"con_id"`
}

// QuoteItem is a market-data snapshot for one contract.
type QuoteItem struct {
	Symbol string  `json:"symbol"`
	Mid    float64 `json:"mid"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
}

// PositionItem is a broker-reported position: signed quantity and average cost.
type PositionItem struct {
	Symbol   string  `json:"symbol"`
	Quantity int64   `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
}

// OpenOrder is a broker-reported working order.
type OpenOrder struct {
	OrderID    string           `json:"order_id"`
	Symbol     string           `json:"symbol"`
	Side       models.Side      `json:"side"`
	Quantity   int              `json:"quantity"`
	OrderType  models.OrderType `json:"order_type"`
	LimitPrice float64          `json:"limit_price"`
	Status     OrderStatus      `json:"status"`
}

// OrderStatus is the broker's view of an order lifecycle stage.
type OrderStatus string

const (
	// StatusPendingSubmit means the order is queued gateway-side.
	StatusPendingSubmit OrderStatus = "pending_submit"
	// StatusSubmitted means the order is working at the venue.
	StatusSubmitted OrderStatus = "submitted"
	// StatusFilled means the order completed.
	StatusFilled OrderStatus = "filled"
	// StatusCancelled means the order was cancelled.
	StatusCancelled OrderStatus = "cancelled"
	// StatusRejected means the venue or broker refused the order.
	StatusRejected OrderStatus = "rejected"
)

// IsTerminal reports whether no further executions can occur for the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// FillEvent reports an execution.
type FillEvent struct {
	OrderID string      `json:"order_id"`
	Symbol  string      `json:"symbol"`
	Side    models.Side `json:"side"`
	Shares  int         `json:"shares"`
	Price   float64     `json:"price"`
	Time    time.Time   `json:"time"`
}

// StatusEvent reports an order status change.
type StatusEvent struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	Filled    int         `json:"filled"`
	Remaining int         `json:"remaining"`
	AvgPrice  float64     `json:"avg_price"`
}

// ErrorEvent reports an asynchronous gateway error.
type ErrorEvent struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Symbol  string `json:"symbol,omitempty"`
}

// ConnectionEvent reports a link state change. Terminal marks LinkLost after
// the reconnect budget is exhausted.
type ConnectionEvent struct {
	Up       bool   `json:"up"`
	Terminal bool   `json:"terminal"`
	Detail   string `json:"detail"`
}

// Event is the union delivered on the broker event stream, in the order the
// gateway produced them.
type Event struct {
	Fill       *FillEvent
	Status     *StatusEvent
	Err        *ErrorEvent
	Connection *ConnectionEvent
}
