// Package cycle implements anchor-aligned billing cycle arithmetic.
// All calculations are pure, deterministic and UTC-only.
package cycle

import (
	"time"

	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/shopspring/decimal"
)

// FarFuture stands in for "no end" on subscriptions without an effective end.
var FarFuture = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// maxCycleIterations bounds the forward walk so a corrupted config can never
// spin the shard.
const maxCycleIterations = 10000

// Window is a half-open billing interval [Start, End).
type Window struct {
	Start           time.Time       `json:"start"`
	End             time.Time       `json:"end"`
	ProrationFactor decimal.Decimal `json:"prorationFactor"`
	IsTrial         bool            `json:"isTrial"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Params describe one subscription phase for window calculation.
type Params struct {
	EffectiveStart time.Time
	EffectiveEnd   *time.Time // nil means the phase never ends
	TrialEndsAt    *time.Time
	Config         Config
}

func (p Params) normalized() Params {
	p.EffectiveStart = p.EffectiveStart.UTC()
	if p.EffectiveEnd != nil {
		end := p.EffectiveEnd.UTC()
		p.EffectiveEnd = &end
	}
	if p.TrialEndsAt != nil {
		trial := p.TrialEndsAt.UTC()
		p.TrialEndsAt = &trial
	}
	return p
}

func (p Params) hasTrial() bool {
	return p.TrialEndsAt != nil && p.TrialEndsAt.After(p.EffectiveStart)
}

// paidStart is where anchor alignment begins: the end of the trial when one
// exists, the subscription start otherwise.
func (p Params) paidStart() time.Time {
	if p.hasTrial() {
		return *p.TrialEndsAt
	}
	return p.EffectiveStart
}

// Calculate returns the cycle window containing now, or nil when now falls
// outside the subscription lifetime.
func Calculate(p Params, now time.Time) (*Window, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	p = p.normalized()
	now = now.UTC()

	if now.Before(p.EffectiveStart) {
		return nil, nil
	}
	if p.EffectiveEnd != nil && !now.Before(*p.EffectiveEnd) {
		return nil, nil
	}

	if p.hasTrial() && now.Before(*p.TrialEndsAt) {
		return trialWindow(p), nil
	}

	if p.Config.Interval == IntervalOnetime {
		w := onetimeWindow(p)
		return &w, nil
	}

	st := newStepper(p.Config, p.paidStart())

	var start, end, nomStart, nomEnd time.Time
	if now.Before(st.first) {
		if p.Config.Interval == IntervalMinute {
			// Sub-hour intervals would produce microscopic stubs; hand out
			// the full aligned window containing the paid start instead.
			start, end = st.boundary(-1), st.first
			nomStart, nomEnd = start, end
		} else {
			start, end = p.paidStart(), st.first
			nomStart, nomEnd = st.boundary(-1), st.first
		}
	} else {
		n, err := st.indexAt(now)
		if err != nil {
			return nil, err
		}
		start, end = st.boundary(n), st.boundary(n+1)
		nomStart, nomEnd = start, end
	}

	if p.EffectiveEnd != nil && p.EffectiveEnd.Before(end) {
		end = *p.EffectiveEnd
	}

	return &Window{
		Start:           start,
		End:             end,
		ProrationFactor: prorate(start, end, nomStart, nomEnd),
	}, nil
}

// CalculateN returns the ordered windows covering [EffectiveStart, reference]
// plus count additional future windows. The walk never skips a window and
// stops at EffectiveEnd.
func CalculateN(p Params, reference time.Time, count int) ([]Window, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, ierr.NewErrorf("cycle count must be >= 0, got %d", count).
			Mark(ierr.ErrValidation)
	}
	p = p.normalized()

	ref := reference.UTC()
	if ref.Before(p.EffectiveStart) {
		ref = p.EffectiveStart
	}
	if p.EffectiveEnd != nil && ref.After(*p.EffectiveEnd) {
		ref = *p.EffectiveEnd
	}

	windows := make([]Window, 0, count+2)
	// remaining < 0 means we have not yet emitted the window containing ref.
	remaining := -1
	emit := func(w Window) bool {
		windows = append(windows, w)
		if remaining < 0 {
			if ref.Before(w.End) {
				remaining = count
			}
		} else {
			remaining--
		}
		return remaining != 0
	}

	if p.hasTrial() {
		w := *trialWindow(p)
		if !emit(w) || (p.EffectiveEnd != nil && !w.End.Before(*p.EffectiveEnd)) {
			return windows, nil
		}
	}

	if p.Config.Interval == IntervalOnetime {
		emit(onetimeWindow(p))
		return windows, nil
	}

	paidStart := p.paidStart()
	st := newStepper(p.Config, paidStart)

	if paidStart.Before(st.first) {
		var w Window
		if p.Config.Interval == IntervalMinute && !p.hasTrial() {
			w = Window{
				Start:           st.boundary(-1),
				End:             st.first,
				ProrationFactor: decimal.NewFromInt(1),
			}
		} else {
			w = Window{
				Start:           paidStart,
				End:             st.first,
				ProrationFactor: prorate(paidStart, st.first, st.boundary(-1), st.first),
			}
		}
		capped := p.EffectiveEnd != nil && p.EffectiveEnd.Before(w.End)
		if capped {
			w.End = *p.EffectiveEnd
			w.ProrationFactor = prorate(w.Start, w.End, st.boundary(-1), st.first)
		}
		if !emit(w) || capped {
			return windows, nil
		}
	}

	// The walk ends count windows past the one containing ref; locating that
	// window up front bounds the loop without capping valid high-frequency
	// configs (a months-old minute-interval phase spans far more than ten
	// thousand windows).
	last, err := st.indexAt(ref)
	if err != nil {
		return nil, err
	}
	if last < 0 {
		last = 0
	}

	for n := 0; n <= last+count; n++ {
		start, end := st.boundary(n), st.boundary(n+1)
		if p.EffectiveEnd != nil && !start.Before(*p.EffectiveEnd) {
			return windows, nil
		}

		nomStart, nomEnd := start, end
		capped := p.EffectiveEnd != nil && p.EffectiveEnd.Before(end)
		if capped {
			end = *p.EffectiveEnd
		}

		if !emit(Window{
			Start:           start,
			End:             end,
			ProrationFactor: prorate(start, end, nomStart, nomEnd),
		}) || capped {
			return windows, nil
		}
	}
	return windows, nil
}

func trialWindow(p Params) *Window {
	end := *p.TrialEndsAt
	if p.EffectiveEnd != nil && p.EffectiveEnd.Before(end) {
		end = *p.EffectiveEnd
	}
	return &Window{
		Start:           p.EffectiveStart,
		End:             end,
		ProrationFactor: decimal.Zero,
		IsTrial:         true,
	}
}

func onetimeWindow(p Params) Window {
	end := FarFuture
	if p.EffectiveEnd != nil {
		end = *p.EffectiveEnd
	}
	return Window{
		Start:           p.EffectiveStart,
		End:             end,
		ProrationFactor: decimal.NewFromInt(1),
	}
}

// prorate returns the fraction of the nominal cycle the actual window covers.
func prorate(start, end, nomStart, nomEnd time.Time) decimal.Decimal {
	actual := end.Sub(start)
	nominal := nomEnd.Sub(nomStart)
	if nominal <= 0 || actual >= nominal {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(actual.Milliseconds()).
		Div(decimal.NewFromInt(nominal.Milliseconds()))
}
