package cycle

import (
	"time"

	ierr "github.com/flexprice/usagegate/internal/errors"
)

// stepper enumerates the anchor-aligned cycle boundaries of one recurring
// config. boundary(0) is the first aligned boundary on or after the paid
// start; negative indexes walk backwards.
type stepper struct {
	cfg    Config
	anchor int
	first  time.Time
	// month base for drift-free month stepping; an anchor day of 31 must
	// clamp per month, not accumulate (Jan 31 -> Feb 28 -> Mar 31).
	baseYear  int
	baseMonth int
}

func newStepper(cfg Config, paidStart time.Time) *stepper {
	st := &stepper{
		cfg:    cfg,
		anchor: resolveAnchor(cfg, paidStart),
	}
	st.align(paidStart)
	return st
}

// resolveAnchor turns the dayOfCreation token into the concrete calendar
// position of the paid start for the configured interval unit.
func resolveAnchor(cfg Config, start time.Time) int {
	if !cfg.Anchor.DayOfCreation {
		return cfg.Anchor.Value
	}
	switch cfg.Interval {
	case IntervalMinute:
		return start.Second()
	case IntervalDay:
		return start.Hour()
	case IntervalWeek:
		return int(start.Weekday())
	case IntervalMonth:
		return start.Day()
	case IntervalYear:
		return int(start.Month())
	default:
		return 0
	}
}

// align computes the first aligned boundary on or after t.
func (st *stepper) align(t time.Time) {
	y, m, d := t.Date()

	switch st.cfg.Interval {
	case IntervalMinute:
		// Minute-of-hour snaps to a multiple of the interval count, seconds
		// to the anchor.
		cand := time.Date(y, m, d, t.Hour(), 0, st.anchor, 0, time.UTC)
		step := time.Duration(st.cfg.IntervalCount) * time.Minute
		for cand.Before(t) {
			cand = cand.Add(step)
		}
		st.first = cand

	case IntervalDay:
		cand := time.Date(y, m, d, st.anchor, 0, 0, 0, time.UTC)
		if cand.Before(t) {
			cand = cand.AddDate(0, 0, 1)
		}
		st.first = cand

	case IntervalWeek:
		// Weeks start on Sunday (weekday 0).
		cand := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		if cand.Before(t) {
			cand = cand.AddDate(0, 0, 1)
		}
		for int(cand.Weekday()) != st.anchor {
			cand = cand.AddDate(0, 0, 1)
		}
		st.first = cand

	case IntervalMonth:
		cand := clampedMonthDate(y, int(m), st.anchor)
		if cand.Before(t) {
			cand = clampedMonthDate(y, int(m)+1, st.anchor)
		}
		st.first = cand
		st.baseYear = cand.Year()
		st.baseMonth = int(cand.Month())

	case IntervalYear:
		cand := time.Date(y, time.Month(st.anchor), 1, 0, 0, 0, 0, time.UTC)
		if cand.Before(t) {
			cand = time.Date(y+1, time.Month(st.anchor), 1, 0, 0, 0, 0, time.UTC)
		}
		st.first = cand
		st.baseYear = cand.Year()
	}
}

// boundary returns the nth aligned boundary relative to the first one.
func (st *stepper) boundary(n int) time.Time {
	ic := st.cfg.IntervalCount
	switch st.cfg.Interval {
	case IntervalMinute:
		return st.first.Add(time.Duration(n*ic) * time.Minute)
	case IntervalDay:
		return st.first.AddDate(0, 0, n*ic)
	case IntervalWeek:
		return st.first.AddDate(0, 0, n*7*ic)
	case IntervalMonth:
		return clampedMonthDate(st.baseYear, st.baseMonth+n*ic, st.anchor)
	case IntervalYear:
		return time.Date(st.baseYear+n*ic, time.Month(st.anchor), 1, 0, 0, 0, 0, time.UTC)
	default:
		return st.first
	}
}

// indexAt returns n such that t falls in [boundary(n), boundary(n+1)).
// The caller guarantees t >= first.
func (st *stepper) indexAt(t time.Time) (int, error) {
	// Fixed-length intervals admit a direct jump; calendar intervals walk.
	n := 0
	ic := st.cfg.IntervalCount
	switch st.cfg.Interval {
	case IntervalMinute:
		n = int(t.Sub(st.first) / (time.Duration(ic) * time.Minute))
	case IntervalDay:
		n = int(t.Sub(st.first) / (time.Duration(ic) * 24 * time.Hour))
	case IntervalWeek:
		n = int(t.Sub(st.first) / (time.Duration(7*ic) * 24 * time.Hour))
	}

	for t.Before(st.boundary(n)) {
		n--
	}
	for i := 0; !t.Before(st.boundary(n + 1)); i++ {
		if i > maxCycleIterations {
			return 0, ierr.NewError("cycle walk exceeded iteration limit").
				WithHint("Billing cycle configuration produces too many windows").
				Mark(ierr.ErrSystem)
		}
		n++
	}
	return n, nil
}

// clampedMonthDate builds the anchor date of a (possibly out of range) month
// index, clamping the day to the month's length. Follows the same clamping
// rule as AddClampedDate for subscription billing dates.
func clampedMonthDate(year, month, day int) time.Time {
	// time.Date normalizes out-of-range months.
	firstOfMonth := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	lastDay := firstOfMonth.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfMonth.Year(), firstOfMonth.Month(), day, 0, 0, 0, 0, time.UTC)
}
