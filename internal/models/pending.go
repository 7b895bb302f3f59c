package models

import "time"

// PendingOrder tracks an outstanding limit order awaiting fill, subject to
// timed cancel-and-replace. Exactly one record exists per broker order ID.
// IntentID identifies the originating intent and survives re-keying, so every
// replacement order can be traced back to the signal that produced it.
type PendingOrder struct {
	IntentID           string
	BrokerOrderID      string
	Symbol             string
	Action             Action
	Quantity           int
	OriginalLimit      float64
	SubmittedAt        time.Time
	ResubmissionCount  int
	LastResubmissionAt time.Time
}

// IdleSince returns the reference instant for the sweep timeout: the last
// resubmission if one happened, otherwise the original submission.
func (p *PendingOrder) IdleSince() time.Time {
	if p.LastResubmissionAt.After(p.SubmittedAt) {
		return p.LastResubmissionAt
	}
	return p.SubmittedAt
}
