package cycle

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed.UTC()
}

func TestCalculateMonthlyAnchor(t *testing.T) {
	// Subscription starts Jan 10, anchored to the 15th: a stub window up to
	// the first anchor, then full months.
	p := Params{
		EffectiveStart: mustTime(t, "2024-01-10T00:00:00Z"),
		Config: Config{
			Interval:      IntervalMonth,
			IntervalCount: 1,
			Anchor:        NewAnchor(15),
		},
	}

	w, err := Calculate(p, mustTime(t, "2024-01-12T00:00:00Z"))
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, mustTime(t, "2024-01-10T00:00:00Z"), w.Start)
	assert.Equal(t, mustTime(t, "2024-01-15T00:00:00Z"), w.End)
	assert.True(t, w.ProrationFactor.LessThan(decimal.NewFromInt(1)))
	assert.False(t, w.IsTrial)

	w, err = Calculate(p, mustTime(t, "2024-02-20T00:00:00Z"))
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, mustTime(t, "2024-02-15T00:00:00Z"), w.Start)
	assert.Equal(t, mustTime(t, "2024-03-15T00:00:00Z"), w.End)
	assert.True(t, w.ProrationFactor.Equal(decimal.NewFromInt(1)))
}

func TestCalculateNMonthlyAnchor(t *testing.T) {
	p := Params{
		EffectiveStart: mustTime(t, "2024-01-10T00:00:00Z"),
		Config: Config{
			Interval:      IntervalMonth,
			IntervalCount: 1,
			Anchor:        NewAnchor(15),
		},
	}

	windows, err := CalculateN(p, mustTime(t, "2024-02-20T00:00:00Z"), 2)
	require.NoError(t, err)
	require.Len(t, windows, 5)

	expected := [][2]string{
		{"2024-01-10T00:00:00Z", "2024-01-15T00:00:00Z"},
		{"2024-01-15T00:00:00Z", "2024-02-15T00:00:00Z"},
		{"2024-02-15T00:00:00Z", "2024-03-15T00:00:00Z"},
		{"2024-03-15T00:00:00Z", "2024-04-15T00:00:00Z"},
		{"2024-04-15T00:00:00Z", "2024-05-15T00:00:00Z"},
	}
	for i, exp := range expected {
		assert.Equal(t, mustTime(t, exp[0]), windows[i].Start, "window %d start", i)
		assert.Equal(t, mustTime(t, exp[1]), windows[i].End, "window %d end", i)
	}
}

func TestCalculateNFiveMinuteAlignment(t *testing.T) {
	p := Params{
		EffectiveStart: mustTime(t, "2024-01-01T10:02:30Z"),
		Config: Config{
			Interval:      IntervalMinute,
			IntervalCount: 5,
			Anchor:        NewAnchor(0),
		},
	}

	windows, err := CalculateN(p, mustTime(t, "2024-01-01T10:07:00Z"), 2)
	require.NoError(t, err)
	require.Len(t, windows, 4)

	expected := [][2]string{
		{"2024-01-01T10:00:00Z", "2024-01-01T10:05:00Z"},
		{"2024-01-01T10:05:00Z", "2024-01-01T10:10:00Z"},
		{"2024-01-01T10:10:00Z", "2024-01-01T10:15:00Z"},
		{"2024-01-01T10:15:00Z", "2024-01-01T10:20:00Z"},
	}
	for i, exp := range expected {
		assert.Equal(t, mustTime(t, exp[0]), windows[i].Start, "window %d start", i)
		assert.Equal(t, mustTime(t, exp[1]), windows[i].End, "window %d end", i)
	}
}

func TestCalculateNMinuteLongRange(t *testing.T) {
	// A minute-interval phase a week old already spans over ten thousand
	// windows; the walk has to cover all of them.
	p := Params{
		EffectiveStart: mustTime(t, "2024-01-01T00:00:00Z"),
		Config: Config{
			Interval:      IntervalMinute,
			IntervalCount: 1,
			Anchor:        NewAnchor(0),
		},
	}

	windows, err := CalculateN(p, mustTime(t, "2024-01-08T00:00:30Z"), 2)
	require.NoError(t, err)
	require.Len(t, windows, 7*24*60+3)

	assert.Equal(t, mustTime(t, "2024-01-01T00:00:00Z"), windows[0].Start)
	last := windows[len(windows)-1]
	assert.Equal(t, mustTime(t, "2024-01-08T00:02:00Z"), last.Start)
	assert.Equal(t, mustTime(t, "2024-01-08T00:03:00Z"), last.End)
	for i := 1; i < len(windows); i++ {
		require.Equal(t, windows[i-1].End, windows[i].Start,
			"windows %d and %d are not contiguous", i-1, i)
	}
}

func TestCycleContiguity(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
	}{
		{"monthly anchor 31", Config{Interval: IntervalMonth, IntervalCount: 1, Anchor: NewAnchor(31)}},
		{"quarterly anchor 15", Config{Interval: IntervalMonth, IntervalCount: 3, Anchor: NewAnchor(15)}},
		{"weekly wednesday", Config{Interval: IntervalWeek, IntervalCount: 1, Anchor: NewAnchor(3)}},
		{"biweekly sunday", Config{Interval: IntervalWeek, IntervalCount: 2, Anchor: NewAnchor(0)}},
		{"daily 6am", Config{Interval: IntervalDay, IntervalCount: 1, Anchor: NewAnchor(6)}},
		{"ten day", Config{Interval: IntervalDay, IntervalCount: 10, Anchor: NewAnchor(0)}},
		{"minute", Config{Interval: IntervalMinute, IntervalCount: 1, Anchor: NewAnchor(30)}},
		{"yearly march", Config{Interval: IntervalYear, IntervalCount: 1, Anchor: NewAnchor(3)}},
		{"day of creation monthly", Config{Interval: IntervalMonth, IntervalCount: 1, Anchor: NewDayOfCreationAnchor()}},
	}

	start := mustTime(t, "2024-01-29T13:45:12Z")
	trialEnd := mustTime(t, "2024-02-05T00:00:00Z")

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := Params{
				EffectiveStart: start,
				TrialEndsAt:    lo.ToPtr(trialEnd),
				Config:         tc.cfg,
			}
			windows, err := CalculateN(p, mustTime(t, "2024-06-01T00:00:00Z"), 3)
			require.NoError(t, err)
			require.NotEmpty(t, windows)

			for i := 1; i < len(windows); i++ {
				assert.Equal(t, windows[i-1].End, windows[i].Start,
					"windows %d and %d are not contiguous", i-1, i)
			}
		})
	}
}

func TestTrialIsolation(t *testing.T) {
	p := Params{
		EffectiveStart: mustTime(t, "2024-01-10T00:00:00Z"),
		TrialEndsAt:    lo.ToPtr(mustTime(t, "2024-01-12T00:00:00Z")),
		Config: Config{
			Interval:      IntervalMonth,
			IntervalCount: 1,
			Anchor:        NewAnchor(15),
		},
	}

	windows, err := CalculateN(p, mustTime(t, "2024-03-01T00:00:00Z"), 1)
	require.NoError(t, err)

	trials := lo.Filter(windows, func(w Window, _ int) bool { return w.IsTrial })
	require.Len(t, trials, 1)
	assert.Equal(t, mustTime(t, "2024-01-10T00:00:00Z"), trials[0].Start)
	assert.Equal(t, mustTime(t, "2024-01-12T00:00:00Z"), trials[0].End)
	assert.True(t, trials[0].ProrationFactor.IsZero())

	// The trial is followed by the stub up to the first anchor.
	require.True(t, len(windows) >= 2)
	assert.Equal(t, mustTime(t, "2024-01-12T00:00:00Z"), windows[1].Start)
	assert.Equal(t, mustTime(t, "2024-01-15T00:00:00Z"), windows[1].End)

	// During the trial, Calculate returns the trial window with zero proration.
	w, err := Calculate(p, mustTime(t, "2024-01-11T00:00:00Z"))
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.True(t, w.IsTrial)
	assert.Equal(t, mustTime(t, "2024-01-12T00:00:00Z"), w.End)
}

func TestCalculateOutsideLifetime(t *testing.T) {
	p := Params{
		EffectiveStart: mustTime(t, "2024-01-10T00:00:00Z"),
		EffectiveEnd:   lo.ToPtr(mustTime(t, "2024-03-01T00:00:00Z")),
		Config: Config{
			Interval:      IntervalMonth,
			IntervalCount: 1,
			Anchor:        NewAnchor(15),
		},
	}

	w, err := Calculate(p, mustTime(t, "2024-01-09T23:59:59Z"))
	require.NoError(t, err)
	assert.Nil(t, w)

	w, err = Calculate(p, mustTime(t, "2024-03-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestEndCapTruncation(t *testing.T) {
	p := Params{
		EffectiveStart: mustTime(t, "2024-01-10T00:00:00Z"),
		EffectiveEnd:   lo.ToPtr(mustTime(t, "2024-03-01T00:00:00Z")),
		Config: Config{
			Interval:      IntervalMonth,
			IntervalCount: 1,
			Anchor:        NewAnchor(15),
		},
	}

	w, err := Calculate(p, mustTime(t, "2024-02-20T00:00:00Z"))
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, mustTime(t, "2024-02-15T00:00:00Z"), w.Start)
	assert.Equal(t, mustTime(t, "2024-03-01T00:00:00Z"), w.End)
	assert.True(t, w.ProrationFactor.LessThan(decimal.NewFromInt(1)))

	windows, err := CalculateN(p, mustTime(t, "2024-02-20T00:00:00Z"), 5)
	require.NoError(t, err)
	last := windows[len(windows)-1]
	assert.Equal(t, mustTime(t, "2024-03-01T00:00:00Z"), last.End)
}

func TestMonthEndClamping(t *testing.T) {
	// Anchor day 31 clamps to the length of each month without drifting.
	p := Params{
		EffectiveStart: mustTime(t, "2024-01-31T00:00:00Z"),
		Config: Config{
			Interval:      IntervalMonth,
			IntervalCount: 1,
			Anchor:        NewAnchor(31),
		},
	}

	windows, err := CalculateN(p, mustTime(t, "2024-04-01T00:00:00Z"), 0)
	require.NoError(t, err)

	starts := lo.Map(windows, func(w Window, _ int) string {
		return w.Start.Format(time.RFC3339)
	})
	assert.Equal(t, []string{
		"2024-01-31T00:00:00Z",
		"2024-02-29T00:00:00Z", // leap year clamp
		"2024-03-31T00:00:00Z", // back to the nominal anchor
	}, starts)
}

func TestOnetimeWindow(t *testing.T) {
	p := Params{
		EffectiveStart: mustTime(t, "2024-01-10T00:00:00Z"),
		Config:         Config{Interval: IntervalOnetime},
	}

	w, err := Calculate(p, mustTime(t, "2030-06-01T00:00:00Z"))
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, mustTime(t, "2024-01-10T00:00:00Z"), w.Start)
	assert.Equal(t, FarFuture, w.End)
}

func TestDayOfCreationAnchor(t *testing.T) {
	// dayOfCreation on a monthly plan derives the anchor from the start day,
	// so the start itself is the first boundary and there is no stub.
	p := Params{
		EffectiveStart: mustTime(t, "2024-01-10T00:00:00Z"),
		Config: Config{
			Interval:      IntervalMonth,
			IntervalCount: 1,
			Anchor:        NewDayOfCreationAnchor(),
		},
	}

	w, err := Calculate(p, mustTime(t, "2024-01-20T00:00:00Z"))
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, mustTime(t, "2024-01-10T00:00:00Z"), w.Start)
	assert.Equal(t, mustTime(t, "2024-02-10T00:00:00Z"), w.End)
}

func TestAnchorJSONRoundTrip(t *testing.T) {
	cfg := Config{Interval: IntervalMonth, IntervalCount: 1, Anchor: NewDayOfCreationAnchor()}
	assert.NoError(t, cfg.Validate())

	var a Anchor
	require.NoError(t, a.UnmarshalJSON([]byte(`"dayOfCreation"`)))
	assert.True(t, a.DayOfCreation)

	require.NoError(t, a.UnmarshalJSON([]byte(`15`)))
	assert.Equal(t, 15, a.Value)
	assert.False(t, a.DayOfCreation)

	_, err := Calculate(Params{
		EffectiveStart: mustTime(t, "2024-01-10T00:00:00Z"),
		Config:         Config{Interval: IntervalMonth, IntervalCount: 1, Anchor: NewAnchor(42)},
	}, mustTime(t, "2024-01-20T00:00:00Z"))
	assert.Error(t, err)
}
