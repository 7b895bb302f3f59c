// Package market maps wall-clock instants to trading sessions and decides
// tradability and order type for each session.
package market

import (
	"fmt"
	"time"

	"github.com/eddiefleurent/signal_bridge/internal/models"
)

// Session names an interval of the trading day.
type Session string

const (
	// SessionPre is the pre-market window.
	SessionPre Session = "pre_market"
	// SessionRegular is regular trading hours.
	SessionRegular Session = "regular"
	// SessionPost is the post-market window.
	SessionPost Session = "post_market"
	// SessionClosed is everything else, including weekends.
	SessionClosed Session = "closed"
)

// Hours holds the four session boundaries as minutes after midnight in the
// exchange timezone. Intervals are half-open: a boundary instant belongs to
// the later session.
type Hours struct {
	PreStart    int
	RegularOpen int
	RegularEnd  int
	PostEnd     int
}

// Decision is the session-policy outcome for a single instant.
type Decision struct {
	Session   Session
	Tradable  bool
	OrderType models.OrderType // meaningful only when Tradable
	Reason    string
}

// Oracle derives sessions and trade decisions from configured boundaries.
// It is pure clock math and never blocks.
type Oracle struct {
	hours     Hours
	loc       *time.Location
	allowPre  bool
	allowPost bool
}

// NewOracle constructs a session oracle for the given boundaries and timezone.
func NewOracle(hours Hours, loc *time.Location, allowPre, allowPost bool) (*Oracle, error) {
	if loc == nil {
		return nil, fmt.Errorf("market: timezone location is required")
	}
	if !(hours.PreStart < hours.RegularOpen &&
		hours.RegularOpen < hours.RegularEnd &&
		hours.RegularEnd < hours.PostEnd) {
		return nil, fmt.Errorf("market: session boundaries must be strictly increasing")
	}
	return &Oracle{hours: hours, loc: loc, allowPre: allowPre, allowPost: allowPost}, nil
}

// SessionAt returns the session containing the given instant.
func (o *Oracle) SessionAt(t time.Time) Session {
	local := t.In(o.loc)
	if isWeekend(local.Weekday()) {
		return SessionClosed
	}
	m := local.Hour()*60 + local.Minute()
	switch {
	case m >= o.hours.PreStart && m < o.hours.RegularOpen:
		return SessionPre
	case m >= o.hours.RegularOpen && m < o.hours.RegularEnd:
		return SessionRegular
	case m >= o.hours.RegularEnd && m < o.hours.PostEnd:
		return SessionPost
	default:
		return SessionClosed
	}
}

// Decide applies the order-type policy for the instant: market orders during
// regular hours, limit orders in extended hours when the respective gate is
// enabled, no trading otherwise.
func (o *Oracle) Decide(t time.Time) Decision {
	session := o.SessionAt(t)
	switch session {
	case SessionRegular:
		return Decision{
			Session:   session,
			Tradable:  true,
			OrderType: models.OrderTypeMarket,
			Reason:    "regular hours: market orders",
		}
	case SessionPre:
		if o.allowPre {
			return Decision{
				Session:   session,
				Tradable:  true,
				OrderType: models.OrderTypeLimit,
				Reason:    "pre-market: limit orders",
			}
		}
		return Decision{Session: session, Reason: "pre-market trading disabled"}
	case SessionPost:
		if o.allowPost {
			return Decision{
				Session:   session,
				Tradable:  true,
				OrderType: models.OrderTypeLimit,
				Reason:    "post-market: limit orders",
			}
		}
		return Decision{Session: session, Reason: "post-market trading disabled"}
	default:
		local := t.In(o.loc)
		if isWeekend(local.Weekday()) {
			return Decision{Session: session, Reason: "market closed: weekend"}
		}
		return Decision{Session: session, Reason: "market closed"}
	}
}

// NextTransition returns the next boundary crossing after t and the session
// it opens. From a closed weekend (or after post-close on Friday) the next
// transition is pre-market start on the next weekday.
func (o *Oracle) NextTransition(t time.Time) (time.Time, Session) {
	local := t.In(o.loc)

	if !isWeekend(local.Weekday()) {
		m := local.Hour()*60 + local.Minute()
		transitions := []struct {
			minute int
			next   Session
		}{
			{o.hours.PreStart, SessionPre},
			{o.hours.RegularOpen, SessionRegular},
			{o.hours.RegularEnd, SessionPost},
			{o.hours.PostEnd, SessionClosed},
		}
		for _, tr := range transitions {
			if m < tr.minute {
				return atMinute(local, tr.minute), tr.next
			}
		}
	}

	// Past today's boundaries (or weekend): first boundary on the next weekday.
	day := local.AddDate(0, 0, 1)
	for isWeekend(day.Weekday()) {
		day = day.AddDate(0, 0, 1)
	}
	return atMinute(day, o.hours.PreStart), SessionPre
}

func atMinute(day time.Time, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, day.Location())
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}
