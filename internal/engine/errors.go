package engine

import (
	"fmt"

	"github.com/eddiefleurent/signal_bridge/internal/market"
	"github.com/eddiefleurent/signal_bridge/internal/models"
)

// InvalidTransitionError reports a signal that is not legal from the symbol's
// current position state.
type InvalidTransitionError struct {
	Symbol string
	State  models.PositionState
	Action models.Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s %s while %s", e.Action, e.Symbol, e.State)
}

// SessionClosedError reports a signal rejected by the session policy.
type SessionClosedError struct {
	Session market.Session
	Reason  string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("trading not allowed in session %s: %s", e.Session, e.Reason)
}

// QuantityExceedsMaxError reports a signal whose size breaches the cap.
type QuantityExceedsMaxError struct {
	Symbol    string
	Requested int
	Max       int
}

func (e *QuantityExceedsMaxError) Error() string {
	return fmt.Sprintf("quantity %d for %s exceeds max position size %d", e.Requested, e.Symbol, e.Max)
}
