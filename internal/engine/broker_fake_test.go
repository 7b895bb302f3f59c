package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/eddiefleurent/signal_bridge/internal/broker"
	"github.com/eddiefleurent/signal_bridge/internal/models"
)

// placeCall records one Place invocation.
type placeCall struct {
	Symbol    string
	Side      models.Side
	Quantity  int
	OrderType models.OrderType
	Limit     float64
}

// fakeBroker is a scriptable broker.Broker for engine tests.
type fakeBroker struct {
	mu sync.Mutex

	state      broker.ConnectionState
	quote      float64
	quoteErr   error
	qualifyErr error
	placeErr   error
	cancelErrs map[string]error

	positions  []broker.PositionItem
	posErr     error
	openOrders []broker.OpenOrder
	events     chan broker.Event

	placeCalls  []placeCall
	cancelCalls []string
	nextOrderID int

	// callDeadlines records, per broker call, whether its context carried a
	// deadline.
	callDeadlines []bool

	// onCancel runs after a successful cancel, outside the broker lock.
	// Tests use it to simulate events racing the sweep.
	onCancel func(orderID string)
}

var _ broker.Broker = (*fakeBroker)(nil)

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		state:  broker.StateConnected,
		quote:  310.00,
		events: make(chan broker.Event, 16),
	}
}

func (f *fakeBroker) Connect(context.Context) error { return nil }
func (f *fakeBroker) Close() error                  { return nil }

func (f *fakeBroker) State() broker.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeBroker) setState(s broker.ConnectionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeBroker) Events() <-chan broker.Event { return f.events }

// noteDeadline must be called with f.mu held.
func (f *fakeBroker) noteDeadline(ctx context.Context) {
	_, ok := ctx.Deadline()
	f.callDeadlines = append(f.callDeadlines, ok)
}

func (f *fakeBroker) Qualify(ctx context.Context, symbol string) (*broker.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noteDeadline(ctx)
	if f.qualifyErr != nil {
		return nil, f.qualifyErr
	}
	return &broker.Contract{Symbol: symbol, Exchange: "SMART", Currency: "USD", ConID: 1}, nil
}

func (f *fakeBroker) Quote(ctx context.Context, _ *broker.Contract) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noteDeadline(ctx)
	if f.quoteErr != nil {
		return 0, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeBroker) Place(ctx context.Context, contract *broker.Contract, side models.Side,
	quantity int, orderType models.OrderType, limitPrice float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noteDeadline(ctx)
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.nextOrderID++
	f.placeCalls = append(f.placeCalls, placeCall{
		Symbol:    contract.Symbol,
		Side:      side,
		Quantity:  quantity,
		OrderType: orderType,
		Limit:     limitPrice,
	})
	return fmt.Sprintf("ord-%d", f.nextOrderID), nil
}

func (f *fakeBroker) Cancel(ctx context.Context, orderID string) error {
	f.mu.Lock()
	f.noteDeadline(ctx)
	if err, ok := f.cancelErrs[orderID]; ok {
		f.mu.Unlock()
		return err
	}
	f.cancelCalls = append(f.cancelCalls, orderID)
	hook := f.onCancel
	f.mu.Unlock()
	if hook != nil {
		hook(orderID)
	}
	return nil
}

func (f *fakeBroker) Positions(context.Context) ([]broker.PositionItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, f.posErr
}

func (f *fakeBroker) OpenOrders(context.Context) ([]broker.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openOrders, nil
}

func (f *fakeBroker) placed() []placeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]placeCall, len(f.placeCalls))
	copy(out, f.placeCalls)
	return out
}

func (f *fakeBroker) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancelCalls))
	copy(out, f.cancelCalls)
	return out
}

func (f *fakeBroker) seenDeadlines() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.callDeadlines))
	copy(out, f.callDeadlines)
	return out
}
