// Package ledger caches the per-symbol position view the trading core
// validates transitions against. The broker account is the source of truth:
// on divergence, Refresh overwrites the cache with the broker's numbers.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_bridge/internal/broker"
	"github.com/eddiefleurent/signal_bridge/internal/models"
)

// Ledger is the in-memory position cache. Reads never block on the broker;
// Get on an unknown symbol answers flat.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*models.PositionRecord

	broker broker.Broker
	logger *logrus.Logger
}

// New creates an empty ledger backed by the given broker.
func New(b broker.Broker, logger *logrus.Logger) *Ledger {
	if logger == nil {
		logger = logrus.New()
	}
	return &Ledger{
		positions: make(map[string]*models.PositionRecord),
		broker:    b,
		logger:    logger,
	}
}

// Get returns the cached record for a symbol. Unknown symbols are flat.
func (l *Ledger) Get(symbol string) models.PositionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rec, ok := l.positions[symbol]; ok {
		return *rec
	}
	return models.NewFlatRecord(symbol)
}

// Snapshot returns a copy of every cached record.
func (l *Ledger) Snapshot() []models.PositionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.PositionRecord, 0, len(l.positions))
	for _, rec := range l.positions {
		out = append(out, *rec)
	}
	return out
}

// recordFromItem builds a cache record from one account line.
func recordFromItem(item broker.PositionItem, now time.Time) *models.PositionRecord {
	qty := item.Quantity
	if qty < 0 {
		qty = -qty
	}
	return &models.PositionRecord{
		Symbol:        item.Symbol,
		State:         models.StateForSignedQty(item.Quantity),
		Quantity:      qty,
		AvgCost:       item.AvgCost,
		LastRefreshed: now,
	}
}

// Refresh reconciles one symbol's record against the broker account; absence
// from the account means flat. Only the named symbol's record moves, so a
// refresh running inside one symbol's flow can never rewrite another symbol's
// already-reconciled record with a staler account snapshot.
func (l *Ledger) Refresh(ctx context.Context, symbol string) error {
	items, err := l.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("refreshing %s: %w", symbol, err)
	}

	var fresh *models.PositionRecord
	now := time.Now()
	for _, item := range items {
		if item.Symbol == symbol {
			fresh = recordFromItem(item, now)
			break
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	old, cached := l.positions[symbol]
	if fresh == nil {
		if cached && old.State != models.StateFlat {
			l.logger.WithFields(logrus.Fields{
				"symbol": symbol,
				"cached": old.SignedQuantity(),
			}).Warn("position divergence: broker reports flat, dropping cached record")
		}
		delete(l.positions, symbol)
		return nil
	}
	if cached && fresh.SignedQuantity() != old.SignedQuantity() {
		l.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"cached": old.SignedQuantity(),
			"broker": fresh.SignedQuantity(),
		}).Warn("position divergence: adopting broker quantity")
	}
	l.positions[symbol] = fresh
	return nil
}

// RefreshAll replaces the whole cache with the broker's current positions.
// Meant for startup, before any per-symbol flow is live; symbols the broker
// no longer reports become flat.
func (l *Ledger) RefreshAll(ctx context.Context) error {
	items, err := l.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("refreshing positions: %w", err)
	}

	now := time.Now()
	next := make(map[string]*models.PositionRecord, len(items))
	for _, item := range items {
		next[item.Symbol] = recordFromItem(item, now)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for symbol, old := range l.positions {
		fresh, ok := next[symbol]
		if !ok {
			if old.State != models.StateFlat {
				l.logger.WithFields(logrus.Fields{
					"symbol": symbol,
					"cached": old.SignedQuantity(),
				}).Warn("position divergence: broker reports flat, dropping cached record")
			}
			continue
		}
		if fresh.SignedQuantity() != old.SignedQuantity() {
			l.logger.WithFields(logrus.Fields{
				"symbol": symbol,
				"cached": old.SignedQuantity(),
				"broker": fresh.SignedQuantity(),
			}).Warn("position divergence: adopting broker quantity")
		}
	}
	l.positions = next
	return nil
}

// ApplyFill folds one execution into the cached record so transition checks
// are correct before the next full Refresh lands. A buy adds shares, a sell
// removes them; crossing zero flips the state and restarts the cost basis.
func (l *Ledger) ApplyFill(fill *broker.FillEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.positions[fill.Symbol]
	if !ok {
		flat := models.NewFlatRecord(fill.Symbol)
		rec = &flat
		l.positions[fill.Symbol] = rec
	}

	delta := int64(fill.Shares)
	if fill.Side == models.SideSell {
		delta = -delta
	}
	prev := rec.SignedQuantity()
	signed := prev + delta

	// Weighted average cost only when adding in the same direction.
	switch {
	case signed == 0:
		rec.AvgCost = 0
	case prev == 0 || (prev > 0) != (signed > 0):
		rec.AvgCost = fill.Price
	case (delta > 0) == (prev > 0):
		prevAbs := prev
		if prevAbs < 0 {
			prevAbs = -prevAbs
		}
		added := int64(fill.Shares)
		rec.AvgCost = (rec.AvgCost*float64(prevAbs) + fill.Price*float64(added)) /
			float64(prevAbs+added)
	}

	rec.State = models.StateForSignedQty(signed)
	if signed < 0 {
		signed = -signed
	}
	rec.Quantity = signed
	rec.LastRefreshed = fill.Time

	l.logger.WithFields(logrus.Fields{
		"symbol":   fill.Symbol,
		"side":     fill.Side,
		"shares":   fill.Shares,
		"price":    fill.Price,
		"state":    rec.State,
		"quantity": rec.Quantity,
	}).Info("fill applied to ledger")
}
