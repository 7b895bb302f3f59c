package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_bridge/internal/models"
)

// GatewayConfig configures the gateway client.
type GatewayConfig struct {
	Host                 string
	Port                 int
	ClientID             int
	Account              string
	MaxReconnectAttempts int
	ConnectTimeout       time.Duration
	QuoteWait            time.Duration
}

// DefaultGatewayConfig holds the stock timeouts.
var DefaultGatewayConfig = GatewayConfig{
	MaxReconnectAttempts: 10,
	ConnectTimeout:       10 * time.Second,
	QuoteWait:            2 * time.Second,
}

const (
	eventBufferSize = 256
	// maxFrameSize bounds a single gateway frame; position and open-order
	// lists are the largest payloads.
	maxFrameSize = 1 << 20
)

// Gateway is the supervised TCP client to the trading gateway. Frames are
// newline-delimited JSON: requests carry an id echoed by the response,
// unsolicited frames carry an event name. On disconnect the supervisor
// reconnects with exponential backoff (5s doubling to 60s, reset on success)
// up to MaxReconnectAttempts, after which a terminal connection event is
// emitted and trading calls fail with ErrLinkLost.
type Gateway struct {
	cfg    GatewayConfig
	logger *logrus.Logger

	mu           sync.Mutex
	conn         net.Conn
	state        ConnectionState
	pending      map[uint64]chan *frame
	reconnecting bool
	manualClose  bool

	writeMu sync.Mutex
	nextID  atomic.Uint64

	retry  *backoff.Backoff
	events chan Event
	closed chan struct{}
	once   sync.Once
}

type request struct {
	ID     uint64 `json:"id,omitempty"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type frame struct {
	ID     uint64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Ensure Gateway implements Broker at compile time.
var _ Broker = (*Gateway)(nil)

// NewGateway creates a gateway client. Connect must be called before use.
func NewGateway(cfg GatewayConfig, logger *logrus.Logger) *Gateway {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultGatewayConfig.ConnectTimeout
	}
	if cfg.QuoteWait <= 0 {
		cfg.QuoteWait = DefaultGatewayConfig.QuoteWait
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultGatewayConfig.MaxReconnectAttempts
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Gateway{
		cfg:     cfg,
		logger:  logger,
		state:   StateDisconnected,
		pending: make(map[uint64]chan *frame),
		retry: &backoff.Backoff{
			Min:    5 * time.Second,
			Max:    60 * time.Second,
			Factor: 2,
		},
		events: make(chan Event, eventBufferSize),
		closed: make(chan struct{}),
	}
}

// Connect establishes and authenticates the gateway session. Idempotent.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.state == StateConnected || g.state == StateConnecting {
		g.mu.Unlock()
		return nil
	}
	g.state = StateConnecting
	g.mu.Unlock()

	if err := g.dial(ctx); err != nil {
		g.mu.Lock()
		g.state = StateDisconnected
		g.mu.Unlock()
		return err
	}
	return nil
}

// dial opens the socket, starts the read loop and authenticates.
func (g *Gateway) dial(ctx context.Context) error {
	addr := net.JoinHostPort(g.cfg.Host, fmt.Sprintf("%d", g.cfg.Port))
	g.logger.WithField("addr", addr).Info("connecting to gateway")

	d := net.Dialer{Timeout: g.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	go g.readLoop(conn)

	authCtx, cancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
	defer cancel()
	params := map[string]any{"client_id": g.cfg.ClientID, "account": g.cfg.Account}
	if err := g.call(authCtx, "auth", params, nil); err != nil {
		_ = conn.Close()
		if errors.Is(err, ErrLinkLost) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: auth handshake: %v", ErrConnectionRefused, err)
		}
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	g.mu.Lock()
	g.state = StateConnected
	g.mu.Unlock()
	g.retry.Reset()

	g.logger.WithFields(logrus.Fields{
		"account":   g.cfg.Account,
		"client_id": g.cfg.ClientID,
	}).Info("gateway session established")
	g.emit(Event{Connection: &ConnectionEvent{Up: true, Detail: "connected"}})
	return nil
}

// Close tears down the session and stops the supervisor.
func (g *Gateway) Close() error {
	g.once.Do(func() { close(g.closed) })
	g.mu.Lock()
	g.manualClose = true
	conn := g.conn
	g.state = StateDisconnected
	g.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// State reports the current connection state.
func (g *Gateway) State() ConnectionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Events returns the asynchronous event stream.
func (g *Gateway) Events() <-chan Event {
	return g.events
}

// Qualify resolves a ticker to a smart-routed USD contract.
func (g *Gateway) Qualify(ctx context.Context, symbol string) (*Contract, error) {
	var c Contract
	params := map[string]any{"symbol": symbol, "exchange": "SMART", "currency": "USD"}
	if err := g.call(ctx, "qualify", params, &c); err != nil {
		return nil, err
	}
	if c.Symbol == "" {
		return nil, fmt.Errorf("%w: empty contract for %s", ErrSymbolUnknown, symbol)
	}
	return &c, nil
}

// Quote returns the best-available reference price for a contract: the
// consolidated mid, else the bid/ask midpoint when both sides are positive,
// else the last trade. The quote request reserves a market-data subscription
// that is released on every exit path.
func (g *Gateway) Quote(ctx context.Context, contract *Contract) (float64, error) {
	qctx, cancel := context.WithTimeout(ctx, g.cfg.QuoteWait)
	defer cancel()
	defer g.releaseQuote(contract)

	var q QuoteItem
	params := map[string]any{"con_id": contract.ConID, "symbol": contract.Symbol}
	if err := g.call(qctx, "quote", params, &q); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: no price within %v for %s",
				ErrQuoteUnavailable, g.cfg.QuoteWait, contract.Symbol)
		}
		return 0, err
	}

	switch {
	case q.Mid > 0:
		return q.Mid, nil
	case q.Bid > 0 && q.Ask > 0:
		return (q.Bid + q.Ask) / 2, nil
	case q.Last > 0:
		return q.Last, nil
	default:
		return 0, fmt.Errorf("%w: no valid price fields for %s", ErrQuoteUnavailable, contract.Symbol)
	}
}

// releaseQuote sends a fire-and-forget unsubscribe for the contract's
// market-data subscription.
func (g *Gateway) releaseQuote(contract *Contract) {
	req := request{Method: "unsubscribe", Params: map[string]any{"con_id": contract.ConID}}
	if err := g.write(req); err != nil {
		g.logger.WithField("symbol", contract.Symbol).
			WithError(err).Debug("quote unsubscribe failed")
	}
}

// Place submits an order and returns the broker-assigned order ID.
func (g *Gateway) Place(ctx context.Context, contract *Contract, side models.Side,
	quantity int, orderType models.OrderType, limitPrice float64) (string, error) {
	params := map[string]any{
		"con_id":     contract.ConID,
		"symbol":     contract.Symbol,
		"side":       side,
		"quantity":   quantity,
		"order_type": orderType,
		"account":    g.cfg.Account,
	}
	if orderType == models.OrderTypeLimit {
		params["limit_price"] = limitPrice
	}

	var result struct {
		OrderID string `json:"order_id"`
	}
	if err := g.call(ctx, "place", params, &result); err != nil {
		return "", err
	}
	if result.OrderID == "" {
		return "", fmt.Errorf("%w: gateway returned no order id", ErrPlacementRejected)
	}

	g.logger.WithFields(logrus.Fields{
		"order_id": result.OrderID,
		"symbol":   contract.Symbol,
		"side":     side,
		"quantity": quantity,
		"type":     orderType,
		"limit":    limitPrice,
	}).Info("order placed")
	return result.OrderID, nil
}

// Cancel requests cancellation of a working order. Best effort: terminal
// confirmation arrives asynchronously as a status event.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	return g.call(ctx, "cancel", map[string]any{"order_id": orderID}, nil)
}

// Positions returns the account's non-flat positions.
func (g *Gateway) Positions(ctx context.Context) ([]PositionItem, error) {
	var items []PositionItem
	if err := g.call(ctx, "positions", map[string]any{"account": g.cfg.Account}, &items); err != nil {
		return nil, err
	}
	nonZero := items[:0]
	for _, p := range items {
		if p.Quantity != 0 {
			nonZero = append(nonZero, p)
		}
	}
	return nonZero, nil
}

// OpenOrders returns the account's working orders.
func (g *Gateway) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var orders []OpenOrder
	if err := g.call(ctx, "open_orders", map[string]any{"account": g.cfg.Account}, &orders); err != nil {
		return nil, err
	}
	working := orders[:0]
	for _, o := range orders {
		if !o.Status.IsTerminal() {
			working = append(working, o)
		}
	}
	return working, nil
}

// call performs one request/response round trip. A disconnect while the call
// is in flight fails it with ErrLinkLost.
func (g *Gateway) call(ctx context.Context, method string, params any, out any) error {
	g.mu.Lock()
	if g.conn == nil {
		g.mu.Unlock()
		return ErrLinkLost
	}
	if method != "auth" && g.state != StateConnected {
		g.mu.Unlock()
		return ErrLinkLost
	}
	id := g.nextID.Add(1)
	ch := make(chan *frame, 1)
	g.pending[id] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	if err := g.write(request{ID: id, Method: method, Params: params}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.closed:
		return ErrLinkLost
	case f := <-ch:
		if f == nil {
			return ErrLinkLost
		}
		if f.Error != nil {
			return f.Error.sentinel()
		}
		if out != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	}
}

// write serializes socket writes; frames are newline-delimited JSON.
func (g *Gateway) write(req request) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return ErrLinkLost
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", req.Method, err)
	}
	data = append(data, '\n')

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrLinkLost, err)
	}
	return nil
}

// readLoop drains frames from one connection until it drops.
func (g *Gateway) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			g.logger.WithError(err).Warn("dropping malformed gateway frame")
			continue
		}
		if f.Event != "" {
			g.dispatchEvent(&f)
			continue
		}
		g.mu.Lock()
		ch, ok := g.pending[f.ID]
		g.mu.Unlock()
		if ok {
			fc := f
			ch <- &fc
		}
	}

	g.handleDisconnect(conn, scanner.Err())
}

// dispatchEvent decodes an unsolicited frame and forwards it in arrival order.
func (g *Gateway) dispatchEvent(f *frame) {
	var ev Event
	switch f.Event {
	case "fill":
		var fill FillEvent
		if err := json.Unmarshal(f.Data, &fill); err != nil {
			g.logger.WithError(err).Warn("bad fill event payload")
			return
		}
		ev = Event{Fill: &fill}
	case "status":
		var st StatusEvent
		if err := json.Unmarshal(f.Data, &st); err != nil {
			g.logger.WithError(err).Warn("bad status event payload")
			return
		}
		ev = Event{Status: &st}
	case "error":
		var ee ErrorEvent
		if err := json.Unmarshal(f.Data, &ee); err != nil {
			g.logger.WithError(err).Warn("bad error event payload")
			return
		}
		ev = Event{Err: &ee}
		if isSessionLossCode(ee.Code) {
			g.logger.WithFields(logrus.Fields{"code": ee.Code, "msg": ee.Message}).
				Warn("gateway reported session loss")
			g.emit(ev)
			g.mu.Lock()
			conn := g.conn
			g.mu.Unlock()
			if conn != nil {
				_ = conn.Close() // read loop exits and the supervisor takes over
			}
			return
		}
	case "connection":
		var ce ConnectionEvent
		if err := json.Unmarshal(f.Data, &ce); err != nil {
			g.logger.WithError(err).Warn("bad connection event payload")
			return
		}
		ev = Event{Connection: &ce}
		if !ce.Up {
			g.emit(ev)
			g.mu.Lock()
			conn := g.conn
			g.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
	default:
		g.logger.WithField("event", f.Event).Debug("ignoring unknown gateway event")
		return
	}
	g.emit(ev)
}

func (g *Gateway) emit(ev Event) {
	select {
	case g.events <- ev:
	case <-g.closed:
	}
}

// handleDisconnect fails in-flight calls, emits the down event and starts the
// reconnect supervisor. A drop before the session was established (dial or
// auth failure) is left to whoever initiated the dial; only a loss of an
// authenticated session starts supervision here.
func (g *Gateway) handleDisconnect(conn net.Conn, cause error) {
	_ = conn.Close()

	g.mu.Lock()
	for id, ch := range g.pending {
		close(ch)
		delete(g.pending, id)
	}
	if g.conn == conn {
		g.conn = nil
	}
	if g.manualClose {
		g.state = StateDisconnected
		g.mu.Unlock()
		return
	}
	if g.state != StateConnected {
		g.mu.Unlock()
		return
	}
	alreadyReconnecting := g.reconnecting
	g.reconnecting = true
	g.state = StateBackoff
	g.mu.Unlock()

	detail := "connection lost"
	if cause != nil {
		detail = cause.Error()
	}
	g.logger.WithField("cause", detail).Warn("gateway disconnected")
	g.emit(Event{Connection: &ConnectionEvent{Up: false, Detail: detail}})

	if !alreadyReconnecting {
		go g.supervise()
	}
}

// supervise retries the connection with capped exponential backoff until it
// succeeds or the attempt budget is exhausted.
func (g *Gateway) supervise() {
	defer func() {
		g.mu.Lock()
		g.reconnecting = false
		g.mu.Unlock()
	}()

	for attempt := 1; attempt <= g.cfg.MaxReconnectAttempts; attempt++ {
		delay := g.retry.Duration()
		g.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     g.cfg.MaxReconnectAttempts,
			"delay":   delay,
		}).Info("scheduling gateway reconnect")

		select {
		case <-g.closed:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ConnectTimeout)
		err := g.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		g.logger.WithError(err).Warn("gateway reconnect failed")
	}

	g.logger.Error("gateway reconnect attempts exhausted, link lost")
	g.mu.Lock()
	g.state = StateDisconnected
	g.mu.Unlock()
	g.emit(Event{Connection: &ConnectionEvent{Up: false, Terminal: true, Detail: "reconnect attempts exhausted"}})
}
