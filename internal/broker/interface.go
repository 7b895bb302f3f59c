package broker

import (
	"context"

	"github.com/eddiefleurent/signal_bridge/internal/models"
)

// Broker defines the interface for interacting with the trading gateway.
//
// All calls may block on the network and honor context cancellation; a
// gateway disconnect fails in-flight calls with ErrLinkLost. Events are
// delivered on a single channel in the order the gateway produced them.
type Broker interface {
	// Connect establishes the gateway session. Idempotent: calling it while
	// connected is a no-op.
	Connect(ctx context.Context) error
	// Close tears down the session and stops the supervisor.
	Close() error
	// State reports the current connection state.
	State() ConnectionState

	// Market data and reference data
	Qualify(ctx context.Context, symbol string) (*Contract, error)
	Quote(ctx context.Context, contract *Contract) (float64, error)

	// Order operations
	Place(ctx context.Context, contract *Contract, side models.Side, quantity int,
		orderType models.OrderType, limitPrice float64) (string, error)
	Cancel(ctx context.Context, orderID string) error

	// Account state
	Positions(ctx context.Context) ([]PositionItem, error)
	OpenOrders(ctx context.Context) ([]OpenOrder, error)

	// Events returns the asynchronous fill/status/error/connection stream.
	Events() <-chan Event
}
