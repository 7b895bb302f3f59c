package engine

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_bridge/internal/models"
)

// Tracker holds the pending-order book: exactly one record per broker order
// ID. It is pure bookkeeping; the sweep in the controller drives cancels and
// replacements through it.
type Tracker struct {
	mu        sync.Mutex
	byOrderID map[string]*models.PendingOrder
	logger    *logrus.Logger
}

// NewTracker creates an empty pending-order tracker.
func NewTracker(logger *logrus.Logger) *Tracker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Tracker{
		byOrderID: make(map[string]*models.PendingOrder),
		logger:    logger,
	}
}

// Register adds a pending order. Re-registering the same broker order ID is a
// no-op, so bootstrap and the execution path cannot double-track an order.
func (t *Tracker) Register(po models.PendingOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byOrderID[po.BrokerOrderID]; exists {
		return
	}
	rec := po
	t.byOrderID[po.BrokerOrderID] = &rec
}

// OnTerminal removes the record for an order that reached a terminal state.
// Returns the record and whether it was tracked; unknown IDs are a no-op so
// terminal events for market orders and already-swept orders are harmless.
func (t *Tracker) OnTerminal(orderID string) (models.PendingOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byOrderID[orderID]
	if !ok {
		return models.PendingOrder{}, false
	}
	delete(t.byOrderID, orderID)
	return *rec, true
}

// Get returns a copy of the record for an order ID.
func (t *Tracker) Get(orderID string) (models.PendingOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byOrderID[orderID]
	if !ok {
		return models.PendingOrder{}, false
	}
	return *rec, true
}

// Due returns copies of every order idle for at least timeout: the clock runs
// from the last resubmission, or from submission if there has been none.
func (t *Tracker) Due(now time.Time, timeout time.Duration) []models.PendingOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	var due []models.PendingOrder
	for _, rec := range t.byOrderID {
		if now.Sub(rec.IdleSince()) >= timeout {
			due = append(due, *rec)
		}
	}
	return due
}

// ReplaceKey atomically re-keys a record from the cancelled order to its
// replacement, bumping the resubmission count and stamping the resubmission
// time. SubmittedAt and IntentID carry over. Returns false when the old key
// is gone, which means a fill or cancel won the race and no replacement
// should be tracked.
func (t *Tracker) ReplaceKey(oldID, newID string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byOrderID[oldID]
	if !ok {
		return false
	}
	delete(t.byOrderID, oldID)
	rec.BrokerOrderID = newID
	rec.ResubmissionCount++
	rec.LastResubmissionAt = at
	t.byOrderID[newID] = rec
	return true
}

// Abandon removes an order that exhausted its resubmission budget.
func (t *Tracker) Abandon(orderID string) (models.PendingOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byOrderID[orderID]
	if !ok {
		return models.PendingOrder{}, false
	}
	delete(t.byOrderID, orderID)
	t.logger.WithFields(logrus.Fields{
		"order_id":      orderID,
		"intent_id":     rec.IntentID,
		"symbol":        rec.Symbol,
		"resubmissions": rec.ResubmissionCount,
	}).Warn("pending order abandoned")
	return *rec, true
}

// Count returns the number of tracked pending orders.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byOrderID)
}

// Snapshot returns copies of all tracked records.
func (t *Tracker) Snapshot() []models.PendingOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.PendingOrder, 0, len(t.byOrderID))
	for _, rec := range t.byOrderID {
		out = append(out, *rec)
	}
	return out
}
