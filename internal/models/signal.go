// Package models provides the data structures shared across the trading core:
// signals, actions, position records and pending orders.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Action is the business-level trade directive carried by a signal.
type Action string

const (
	// ActionBuy opens a long position from flat.
	ActionBuy Action = "BUY"
	// ActionSell closes an existing long position.
	ActionSell Action = "SELL"
	// ActionShort opens a short position from flat.
	ActionShort Action = "SHORT"
	// ActionCover closes an existing short position.
	ActionCover Action = "COVER"
)

// Side is the broker-level order side an action maps to.
type Side string

const (
	// SideBuy is a broker buy order.
	SideBuy Side = "BUY"
	// SideSell is a broker sell order.
	SideSell Side = "SELL"
)

// OrderType selects between market and limit execution.
type OrderType string

const (
	// OrderTypeMarket executes at the prevailing market price.
	OrderTypeMarket OrderType = "MKT"
	// OrderTypeLimit executes at or better than a limit price.
	OrderTypeLimit OrderType = "LMT"
)

// ParseAction normalizes a raw action string from the signal source.
func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(raw))) {
	case ActionBuy:
		return ActionBuy, nil
	case ActionSell:
		return ActionSell, nil
	case ActionShort:
		return ActionShort, nil
	case ActionCover:
		return ActionCover, nil
	default:
		return "", fmt.Errorf("unknown action %q", raw)
	}
}

// BrokerSide maps the business action onto the broker order side.
// Shorting is a sell, covering is a buy.
func (a Action) BrokerSide() Side {
	switch a {
	case ActionSell, ActionShort:
		return SideSell
	default:
		return SideBuy
	}
}

// Signal is an externally generated trading directive. Immutable once accepted.
type Signal struct {
	Symbol     string
	Action     Action
	Quantity   int
	Price      float64 // advisory only, never used for execution
	Message    string
	ReceivedAt time.Time
}

// Validate checks the core invariants on an accepted signal.
func (s *Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal missing symbol")
	}
	if s.Symbol != strings.ToUpper(s.Symbol) {
		return fmt.Errorf("signal symbol %q must be uppercase", s.Symbol)
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("signal quantity must be positive, got %d", s.Quantity)
	}
	if _, err := ParseAction(string(s.Action)); err != nil {
		return err
	}
	return nil
}

func (s *Signal) String() string {
	return fmt.Sprintf("%s %d %s", s.Action, s.Quantity, s.Symbol)
}
