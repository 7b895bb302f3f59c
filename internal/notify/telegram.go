// Package notify delivers operator notifications over the Telegram Bot API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_bridge/internal/engine"
	"github.com/eddiefleurent/signal_bridge/internal/models"
)

const sendTimeout = 10 * time.Second

// Telegram satisfies the trading core's notification hook.
var _ engine.Notifier = (*Telegram)(nil)

// Telegram posts messages to a chat via the Bot API. Sends are fire and
// forget: a delivery failure is logged and never propagates into the trading
// path. A Telegram with no token is disabled and drops everything silently.
type Telegram struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
	logger  *logrus.Logger
}

// NewTelegram creates a notifier. Pass empty credentials to disable it.
func NewTelegram(token, chatID string, logger *logrus.Logger) *Telegram {
	if logger == nil {
		logger = logrus.New()
	}
	return &Telegram{
		token:   token,
		chatID:  chatID,
		apiBase: "https://api.telegram.org",
		client:  &http.Client{Timeout: sendTimeout},
		logger:  logger,
	}
}

func (t *Telegram) enabled() bool {
	return t.token != "" && t.chatID != ""
}

// send posts one message asynchronously.
func (t *Telegram) send(text string) {
	if !t.enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		body, err := json.Marshal(map[string]string{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "HTML",
		})
		if err != nil {
			t.logger.WithError(err).Warn("telegram message encode failed")
			return
		}

		url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			t.logger.WithError(err).Warn("telegram request build failed")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			t.logger.WithError(err).Warn("telegram delivery failed")
			return
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			t.logger.WithField("status", resp.StatusCode).Warn("telegram rejected message")
		}
	}()
}

// NotifyStartup announces the bridge coming up.
func (t *Telegram) NotifyStartup(mode string) {
	t.send(fmt.Sprintf("🟢 <b>Bridge started</b>\nMode: %s", mode))
}

// NotifyShutdown announces a graceful stop.
func (t *Telegram) NotifyShutdown() {
	t.send("🔴 <b>Bridge stopped</b>")
}

// NotifyTrade reports an order hitting the wire.
func (t *Telegram) NotifyTrade(action models.Action, quantity int, symbol string, orderType models.OrderType, limit float64) {
	msg := fmt.Sprintf("📤 <b>%s %d %s</b>\nType: %s", action, quantity, symbol, orderType)
	if orderType == models.OrderTypeLimit {
		msg += fmt.Sprintf("\nLimit: %.2f", limit)
	}
	t.send(msg)
}

// NotifyFill reports an execution.
func (t *Telegram) NotifyFill(symbol string, side models.Side, shares int, price float64) {
	t.send(fmt.Sprintf("✅ <b>Filled</b>: %s %d %s @ %.2f", side, shares, symbol, price))
}

// NotifyAbandoned reports an intent dropped after exhausting resubmissions.
func (t *Telegram) NotifyAbandoned(symbol, orderID string, resubmissions int) {
	t.send(fmt.Sprintf("⚠️ <b>Order abandoned</b>: %s (order %s) after %d resubmissions",
		symbol, orderID, resubmissions))
}

// NotifyConnection reports a broker link state change.
func (t *Telegram) NotifyConnection(up bool, detail string) {
	if up {
		t.send("🔌 <b>Broker link up</b>")
		return
	}
	t.send(fmt.Sprintf("🔌 <b>Broker link down</b>: %s", detail))
}

// NotifyError reports an operational error.
func (t *Telegram) NotifyError(scope string, err error) {
	t.send(fmt.Sprintf("❌ <b>Error</b> (%s): %v", scope, err))
}
