package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/signal_bridge/internal/models"
)

// Standard US equity boundaries: 04:00 / 09:30 / 16:00 / 20:00.
var usHours = Hours{
	PreStart:    4 * 60,
	RegularOpen: 9*60 + 30,
	RegularEnd:  16 * 60,
	PostEnd:     20 * 60,
}

func newTestOracle(t *testing.T, allowPre, allowPost bool) *Oracle {
	t.Helper()
	o, err := NewOracle(usHours, time.UTC, allowPre, allowPost)
	require.NoError(t, err)
	return o
}

// weekday returns a Monday at the given clock time, in UTC.
func weekday(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC) // Monday
}

func TestNewOracleRejectsBadBoundaries(t *testing.T) {
	_, err := NewOracle(Hours{PreStart: 600, RegularOpen: 570, RegularEnd: 960, PostEnd: 1200}, time.UTC, false, false)
	assert.Error(t, err)

	_, err = NewOracle(usHours, nil, false, false)
	assert.Error(t, err)
}

func TestSessionAt(t *testing.T) {
	o := newTestOracle(t, true, true)

	tests := []struct {
		name string
		at   time.Time
		want Session
	}{
		{"before pre", weekday(3, 59), SessionClosed},
		{"pre start boundary", weekday(4, 0), SessionPre},
		{"mid pre", weekday(8, 0), SessionPre},
		{"open boundary belongs to regular", weekday(9, 30), SessionRegular},
		{"mid regular", weekday(12, 0), SessionRegular},
		{"close boundary belongs to post", weekday(16, 0), SessionPost},
		{"mid post", weekday(18, 0), SessionPost},
		{"post end boundary belongs to closed", weekday(20, 0), SessionClosed},
		{"late night", weekday(23, 0), SessionClosed},
		{"saturday midday", time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC), SessionClosed},
		{"sunday midday", time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC), SessionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, o.SessionAt(tt.at))
		})
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name      string
		allowPre  bool
		allowPost bool
		at        time.Time
		tradable  bool
		orderType models.OrderType
		reason    string
	}{
		{"regular always market", false, false, weekday(12, 0), true, models.OrderTypeMarket, "regular hours"},
		{"pre enabled", true, false, weekday(8, 0), true, models.OrderTypeLimit, "pre-market"},
		{"pre disabled", false, false, weekday(8, 0), false, "", "pre-market trading disabled"},
		{"post enabled", false, true, weekday(17, 0), true, models.OrderTypeLimit, "post-market"},
		{"post disabled", false, false, weekday(17, 0), false, "", "post-market trading disabled"},
		{"closed overnight", true, true, weekday(2, 0), false, "", "market closed"},
		{"weekend", true, true, time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC), false, "", "weekend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOracle(t, tt.allowPre, tt.allowPost)
			d := o.Decide(tt.at)
			assert.Equal(t, tt.tradable, d.Tradable)
			if tt.tradable {
				assert.Equal(t, tt.orderType, d.OrderType)
			}
			assert.Contains(t, d.Reason, tt.reason)
		})
	}
}

func TestNextTransition(t *testing.T) {
	o := newTestOracle(t, true, true)

	at, next := o.NextTransition(weekday(8, 0))
	assert.Equal(t, weekday(9, 30), at)
	assert.Equal(t, SessionRegular, next)

	at, next = o.NextTransition(weekday(12, 0))
	assert.Equal(t, weekday(16, 0), at)
	assert.Equal(t, SessionPost, next)

	// Friday after post close: next is pre-market Monday.
	friday := time.Date(2026, 3, 6, 21, 0, 0, 0, time.UTC)
	at, next = o.NextTransition(friday)
	assert.Equal(t, time.Date(2026, 3, 9, 4, 0, 0, 0, time.UTC), at)
	assert.Equal(t, SessionPre, next)

	// Saturday: same Monday pre-market.
	saturday := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	at, next = o.NextTransition(saturday)
	assert.Equal(t, time.Date(2026, 3, 9, 4, 0, 0, 0, time.UTC), at)
	assert.Equal(t, SessionPre, next)
}
