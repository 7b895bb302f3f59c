package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/signal_bridge/internal/models"
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
// Connection lifecycle and the event stream pass through untouched; only the
// request/response calls count toward the breaker.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *logrus.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.New()
	}
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Connect passes through; connection supervision has its own retry policy.
func (c *CircuitBreakerBroker) Connect(ctx context.Context) error {
	return c.broker.Connect(ctx)
}

// Close passes through to the underlying broker.
func (c *CircuitBreakerBroker) Close() error {
	return c.broker.Close()
}

// State passes through to the underlying broker.
func (c *CircuitBreakerBroker) State() ConnectionState {
	return c.broker.State()
}

// Events passes through to the underlying broker.
func (c *CircuitBreakerBroker) Events() <-chan Event {
	return c.broker.Events()
}

// Qualify wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Qualify(ctx context.Context, symbol string) (*Contract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Contract, error) {
		return b.Qualify(ctx, symbol)
	})
}

// Quote wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Quote(ctx context.Context, contract *Contract) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.Quote(ctx, contract)
	})
}

// Place wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Place(ctx context.Context, contract *Contract, side models.Side,
	quantity int, orderType models.OrderType, limitPrice float64) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.Place(ctx, contract, side, quantity, orderType, limitPrice)
	})
}

// Cancel wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Cancel(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.Cancel(ctx, orderID)
	})
	return err
}

// Positions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Positions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) {
		return b.Positions(ctx)
	})
}

// OpenOrders wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OpenOrder, error) {
		return b.OpenOrders(ctx)
	})
}
