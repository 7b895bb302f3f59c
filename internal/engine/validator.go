package engine

import "github.com/eddiefleurent/signal_bridge/internal/models"

// legalTransitions encodes the sequential position machine: a flat symbol can
// be opened in either direction, a long can only be sold, a short can only be
// covered. Everything else is rejected before any broker call.
var legalTransitions = map[models.PositionState]map[models.Action]bool{
	models.StateFlat: {
		models.ActionBuy:   true,
		models.ActionShort: true,
	},
	models.StateLong: {
		models.ActionSell: true,
	},
	models.StateShort: {
		models.ActionCover: true,
	},
}

// ValidateTransition checks a signal's action against the symbol's current
// position state.
func ValidateTransition(position models.PositionRecord, action models.Action) error {
	if legalTransitions[position.State][action] {
		return nil
	}
	return &InvalidTransitionError{
		Symbol: position.Symbol,
		State:  position.State,
		Action: action,
	}
}
