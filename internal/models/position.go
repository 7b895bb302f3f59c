package models

import "time"

// PositionState tags the direction of a per-symbol position.
type PositionState string

const (
	// StateFlat means no open position.
	StateFlat PositionState = "flat"
	// StateLong means a positive signed quantity.
	StateLong PositionState = "long"
	// StateShort means a negative signed quantity.
	StateShort PositionState = "short"
)

// StateForSignedQty derives the position state from a broker signed quantity.
func StateForSignedQty(qty int64) PositionState {
	switch {
	case qty > 0:
		return StateLong
	case qty < 0:
		return StateShort
	default:
		return StateFlat
	}
}

// PositionRecord is the ledger's cached per-symbol view. Quantity is stored as
// an unsigned magnitude; State carries the sign.
type PositionRecord struct {
	Symbol        string
	State         PositionState
	Quantity      int64
	AvgCost       float64
	LastRefreshed time.Time
}

// SignedQuantity reconstructs the broker-style signed quantity.
func (p *PositionRecord) SignedQuantity() int64 {
	if p.State == StateShort {
		return -p.Quantity
	}
	return p.Quantity
}

// NewFlatRecord constructs the record used when a symbol has never been observed.
func NewFlatRecord(symbol string) PositionRecord {
	return PositionRecord{Symbol: symbol, State: StateFlat}
}
