// Package interest implements time-weighted interest accrual on held
// positions: share-day integration over position timelines, per-side
// valuation, the interest formula, and market eligibility.
//
// All values use shopspring/decimal; durations are converted to
// fractional days from nanoseconds, never truncated to whole days.
package interest

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/interest-engine/internal/timeline"
)

// ErrInvalidWindow is returned when a window's end precedes its start.
var ErrInvalidWindow = errors.New("interest: window end precedes start")

var nanosPerDay = decimal.NewFromInt(int64(24 * time.Hour))

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Validate rejects windows that run backwards. Empty windows are valid.
func (w Window) Validate() error {
	if w.End.Before(w.Start) {
		return ErrInvalidWindow
	}
	return nil
}

// ShareDays is time-weighted exposure per side, in shares × days.
type ShareDays struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// IsZero reports whether neither side accrued anything.
func (s ShareDays) IsZero() bool {
	return s.Yes.IsZero() && s.No.IsZero()
}

// Add returns the per-side sum.
func (s ShareDays) Add(o ShareDays) ShareDays {
	return ShareDays{Yes: s.Yes.Add(o.Yes), No: s.No.Add(o.No)}
}

// Days converts a duration to fractional days.
func Days(d time.Duration) decimal.Decimal {
	if d <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(d)).Div(nanosPerDay)
}

// Integrate returns the integral of max(quantity, 0) over w for one side's
// checkpoints, which must be sorted by time.
//
// The latest checkpoint strictly before w.Start carries its quantity into
// the window; with none, the carry-in is zero. A checkpoint exactly at
// w.Start replaces the carry-in with a zero-length first segment.
func Integrate(cps []timeline.Checkpoint, w Window) decimal.Decimal {
	if !w.End.After(w.Start) {
		return decimal.Zero
	}

	total := decimal.Zero
	cursor := w.Start
	held := decimal.Zero

	for _, cp := range cps {
		if cp.Time.Before(w.Start) {
			held = cp.Quantity
			continue
		}
		if !cp.Time.Before(w.End) {
			break
		}
		total = total.Add(positive(held).Mul(Days(cp.Time.Sub(cursor))))
		cursor = cp.Time
		held = cp.Quantity
	}
	total = total.Add(positive(held).Mul(Days(w.End.Sub(cursor))))

	return total
}

// Accrue integrates both sides of a timeline over w. A nil timeline
// accrues nothing.
func Accrue(tl *timeline.Timeline, w Window) ShareDays {
	if tl == nil {
		return ShareDays{}
	}
	return ShareDays{
		Yes: Integrate(tl.Yes, w),
		No:  Integrate(tl.No, w),
	}
}

// positive floors short positions at zero.
func positive(q decimal.Decimal) decimal.Decimal {
	if q.IsNegative() {
		return decimal.Zero
	}
	return q
}
