package cycle

import (
	"encoding/json"
	"strconv"

	ierr "github.com/flexprice/usagegate/internal/errors"
	"github.com/samber/lo"
)

// Interval is the unit a billing cycle repeats in.
type Interval string

const (
	IntervalMinute  Interval = "minute"
	IntervalDay     Interval = "day"
	IntervalWeek    Interval = "week"
	IntervalMonth   Interval = "month"
	IntervalYear    Interval = "year"
	IntervalOnetime Interval = "onetime"
)

func (i Interval) Validate() error {
	allowed := []Interval{
		IntervalMinute,
		IntervalDay,
		IntervalWeek,
		IntervalMonth,
		IntervalYear,
		IntervalOnetime,
	}
	if !lo.Contains(allowed, i) {
		return ierr.NewErrorf("invalid billing interval: %s", i).
			WithHint("Billing interval is not supported").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// AnchorDayOfCreation is the anchor token that derives the calendar anchor
// from the subscription start date instead of a fixed position.
const AnchorDayOfCreation = "dayOfCreation"

// Anchor is the calendar position cycle boundaries align to. Its JSON form
// is either a number or the string "dayOfCreation".
type Anchor struct {
	DayOfCreation bool
	Value         int
}

// NewAnchor returns a fixed numeric anchor.
func NewAnchor(value int) Anchor {
	return Anchor{Value: value}
}

// NewDayOfCreationAnchor returns the anchor derived from the start date.
func NewDayOfCreationAnchor() Anchor {
	return Anchor{DayOfCreation: true}
}

func (a Anchor) MarshalJSON() ([]byte, error) {
	if a.DayOfCreation {
		return json.Marshal(AnchorDayOfCreation)
	}
	return json.Marshal(a.Value)
}

func (a *Anchor) UnmarshalJSON(data []byte) error {
	var token string
	if err := json.Unmarshal(data, &token); err == nil {
		if token == AnchorDayOfCreation {
			*a = Anchor{DayOfCreation: true}
			return nil
		}
		value, err := strconv.Atoi(token)
		if err != nil {
			return ierr.NewErrorf("invalid anchor token: %s", token).
				WithHint("Anchor must be a number or \"dayOfCreation\"").
				Mark(ierr.ErrValidation)
		}
		*a = Anchor{Value: value}
		return nil
	}

	var value int
	if err := json.Unmarshal(data, &value); err != nil {
		return ierr.WithError(err).
			WithHint("Anchor must be a number or \"dayOfCreation\"").
			Mark(ierr.ErrValidation)
	}
	*a = Anchor{Value: value}
	return nil
}

// Config describes how cycle windows repeat.
type Config struct {
	Interval      Interval `json:"interval"`
	IntervalCount int      `json:"intervalCount"`
	Anchor        Anchor   `json:"anchor"`
}

// Validate checks the interval, the count and that the anchor position is
// valid for the interval unit.
func (c Config) Validate() error {
	if err := c.Interval.Validate(); err != nil {
		return err
	}
	if c.Interval == IntervalOnetime {
		return nil
	}
	if c.IntervalCount < 1 {
		return ierr.NewErrorf("interval count must be >= 1, got %d", c.IntervalCount).
			WithHint("Billing interval count must be a positive integer").
			Mark(ierr.ErrValidation)
	}
	if c.Anchor.DayOfCreation {
		return nil
	}

	min, max := anchorBounds(c.Interval)
	if c.Anchor.Value < min || c.Anchor.Value > max {
		return ierr.NewErrorf("anchor %d out of range [%d, %d] for interval %s",
			c.Anchor.Value, min, max, c.Interval).
			WithHint("Anchor position is not valid for the billing interval").
			Mark(ierr.ErrValidation)
	}
	return nil
}

func anchorBounds(interval Interval) (int, int) {
	switch interval {
	case IntervalMinute:
		return 0, 59 // second of minute
	case IntervalDay:
		return 0, 23 // hour of day
	case IntervalWeek:
		return 0, 6 // weekday, Sunday = 0
	case IntervalMonth:
		return 1, 31 // day of month
	case IntervalYear:
		return 1, 12 // month of year
	default:
		return 0, 0
	}
}
