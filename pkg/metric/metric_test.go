package metric

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykeep/pkg/ident"
	"github.com/nicktill/tinykeep/pkg/tags"
	"github.com/nicktill/tinykeep/pkg/timex"
)

// 2024-03-17 is a Sunday.
func at(day, hour, minute int) time.Time {
	return time.Date(2024, 3, day, hour, minute, 0, 0, time.UTC)
}

func mustEvent(t *testing.T, occurred interface{}, opts ...Option) Metric {
	t.Helper()
	m, err := NewEvent("login", occurred, opts...)
	require.NoError(t, err)
	return m
}

func mustPeriod(t *testing.T, start, stop interface{}, opts ...Option) Metric {
	t.Helper()
	m, err := NewPeriod("session", start, stop, Whole, opts...)
	require.NoError(t, err)
	return m
}

func mustCriteria(t *testing.T, start, stop interface{}, opts ...CriteriaOption) Criteria {
	t.Helper()
	c, err := NewCriteria(start, stop, opts...)
	require.NoError(t, err)
	return c
}

func TestNewEvent_Defaults(t *testing.T) {
	m := mustEvent(t, "2024-03-17T10:15:42Z")

	assert.Equal(t, ClassEvent, m.Class)
	assert.Equal(t, "login", m.Type)
	assert.Equal(t, int64(1), m.Count)
	assert.Equal(t, int64(0), m.Quantity)
	assert.False(t, m.ID.IsZero())
	assert.Equal(t, time.Date(2024, 3, 17, 10, 15, 42, 0, time.UTC), m.Occurrence)
	assert.Empty(t, m.PrimaryTags)
	assert.NoError(t, m.Validate())
}

func TestNewEvent_Options(t *testing.T) {
	id := ident.New()
	m := mustEvent(t, at(17, 10, 0),
		WithID(id), WithCount(5), WithQuantity(4),
		WithPrimaryTags("A", "b", "a"), WithMinorTags("x y"))

	assert.Equal(t, id, m.ID)
	assert.Equal(t, int64(5), m.Count)
	assert.Equal(t, int64(4), m.Quantity)
	assert.Equal(t, tags.Set{"a", "b"}, m.PrimaryTags)
	assert.Equal(t, tags.Set{"x_y"}, m.MinorTags)
}

func TestNewEvent_Invalid(t *testing.T) {
	_, err := NewEvent("", at(17, 0, 0))
	assert.True(t, errors.Is(err, ErrInvalidType))

	_, err = NewEvent("x", "yesterday-ish")
	assert.True(t, errors.Is(err, timex.ErrInvalidDateTime))
}

func TestNewPeriod(t *testing.T) {
	p := mustPeriod(t, at(17, 9, 30), at(17, 17, 45))

	assert.Equal(t, ClassPeriod, p.Class)
	assert.Equal(t, 8*time.Hour+15*time.Minute, p.Duration)
	assert.InDelta(t, 9.5, p.TodStart, 1e-9)
	assert.InDelta(t, 17.75, p.TodStop, 1e-9)

	explicit, err := NewPeriod("session", at(17, 9, 0), at(17, 10, 0), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, explicit.Duration)

	_, err = NewPeriod("session", at(17, 10, 0), at(17, 9, 0), Whole)
	assert.True(t, errors.Is(err, ErrInvalidTimeRange))
	assert.True(t, errors.Is(err, ErrNonsense))

	_, err = NewPeriod("session", at(17, 9, 0), at(17, 10, 0), -5*time.Second)
	assert.True(t, errors.Is(err, ErrNonsense))
}

func TestNewPeriod_TodOverrides(t *testing.T) {
	east := time.FixedZone("e", 2*3600)
	start := time.Date(2024, 3, 17, 11, 0, 0, 0, east) // 09:00 UTC
	stop := time.Date(2024, 3, 17, 15, 0, 0, 0, east)  // 13:00 UTC

	local, err := NewPeriod("shift", start, stop, Whole, WithTodStart(10.5), WithTodStop(14))
	require.NoError(t, err)
	assert.InDelta(t, 8.5, local.TodStart, 1e-9, "10:30 at +02:00 is 08:30 UTC")
	assert.InDelta(t, 12.0, local.TodStop, 1e-9)

	utc, err := NewPeriod("shift", start, stop, Whole, WithUTCTodStart(10.5))
	require.NoError(t, err)
	assert.InDelta(t, 10.5, utc.TodStart, 1e-9)
	assert.InDelta(t, 13.0, utc.TodStop, 1e-9)

	_, err = NewPeriod("shift", start, stop, Whole, WithTodStart(24.5))
	assert.True(t, errors.Is(err, timex.ErrInvalidTimeOfDay))
}

func TestWithTags(t *testing.T) {
	m := mustEvent(t, at(17, 0, 0), WithPrimaryTags("a"))
	grown := m.WithTags([]string{"B", "a"}, []string{"m"})

	assert.Equal(t, tags.Set{"a", "b"}, grown.PrimaryTags)
	assert.Equal(t, tags.Set{"m"}, grown.MinorTags)
	assert.Equal(t, tags.Set{"a"}, m.PrimaryTags)
	assert.Equal(t, m.ID, grown.ID)
}

func TestNewCriteria_Invalid(t *testing.T) {
	_, err := NewCriteria(at(18, 0, 0), at(17, 0, 0))
	assert.True(t, errors.Is(err, ErrInvalidTimeRange))

	_, err = NewCriteria(at(17, 0, 0), at(18, 0, 0), WithTodRange(3, 24.5))
	assert.True(t, errors.Is(err, timex.ErrInvalidTimeOfDay))
}

func TestWithTimeOfDay_Wraps(t *testing.T) {
	c := mustCriteria(t, at(1, 0, 0), at(30, 0, 0), WithTimeOfDay(23.5))
	assert.InDelta(t, 23.5, *c.TodStart, 1e-9)
	assert.InDelta(t, 0.5, *c.TodStop, 1e-9)
}

func TestMatchOccurrence(t *testing.T) {
	c := mustCriteria(t, at(17, 8, 0), at(17, 18, 0))

	assert.True(t, mustEvent(t, at(17, 8, 0)).Match(c), "start bound inclusive")
	assert.True(t, mustEvent(t, at(17, 18, 0)).Match(c), "stop bound inclusive")
	assert.False(t, mustEvent(t, at(17, 7, 59)).Match(c))
	assert.False(t, mustEvent(t, at(17, 18, 1)).Match(c))

	assert.True(t, mustPeriod(t, at(17, 9, 0), at(17, 18, 0)).Match(c))
	assert.False(t, mustPeriod(t, at(17, 9, 0), at(17, 18, 30)).Match(c), "period must stop inside")
}

func TestMatchTimeOfDay_Event(t *testing.T) {
	day := func(tod float64) CriteriaOption { return WithTodRange(tod, tod+2) }
	c := mustCriteria(t, at(1, 0, 0), at(30, 0, 0), day(9))

	assert.True(t, mustEvent(t, at(17, 9, 0)).Match(c))
	assert.True(t, mustEvent(t, at(17, 11, 0)).Match(c))
	assert.False(t, mustEvent(t, at(17, 11, 1)).Match(c))
	assert.False(t, mustEvent(t, at(17, 8, 59)).Match(c))
}

func TestMatchTimeOfDay_WrapEqualsUnion(t *testing.T) {
	for _, w := range [][2]float64{{22, 2}, {23.5, 0.25}, {12, 11.98}, {0.5, 0}} {
		wrapped := mustCriteria(t, at(1, 0, 0), at(30, 0, 0), WithTodRange(w[0], w[1]))
		late := mustCriteria(t, at(1, 0, 0), at(30, 0, 0), WithTodRange(w[0], timex.MaxTimeOfDay))
		early := mustCriteria(t, at(1, 0, 0), at(30, 0, 0), WithTodRange(0, w[1]))

		for minute := 0; minute < 24*60; minute += 7 {
			e := mustEvent(t, at(17, 0, 0).Add(time.Duration(minute)*time.Minute))
			assert.Equal(t, e.Match(late) || e.Match(early), e.Match(wrapped),
				"window %v at %s", w, e.Occurrence.Format("15:04"))
		}
	}
}

func TestMatchTimeOfDay_OpenWindowUsesIncrement(t *testing.T) {
	c := mustCriteria(t, at(1, 0, 0), at(30, 0, 0))
	start := 23.5
	c.TodStart = &start

	assert.True(t, mustEvent(t, at(17, 23, 30)).Match(c))
	assert.True(t, mustEvent(t, at(17, 0, 15)).Match(c))
	assert.True(t, mustEvent(t, at(17, 0, 30)).Match(c))
	assert.False(t, mustEvent(t, at(17, 0, 31)).Match(c))
	assert.False(t, mustEvent(t, at(17, 23, 29)).Match(c))
}

func TestMatchTimeOfDay_PeriodEitherEnd(t *testing.T) {
	c := mustCriteria(t, at(1, 0, 0), at(30, 0, 0), WithTodRange(12, 13))

	assert.True(t, mustPeriod(t, at(17, 12, 30), at(17, 20, 0)).Match(c), "start inside")
	assert.True(t, mustPeriod(t, at(17, 6, 0), at(17, 12, 45)).Match(c), "stop inside")
	assert.False(t, mustPeriod(t, at(17, 6, 0), at(17, 20, 0)).Match(c), "straddling is not enough")
}

func TestMatchTimeOfDay_Timezone(t *testing.T) {
	west := time.FixedZone("w", -5*3600)
	c := mustCriteria(t, at(1, 0, 0), at(30, 0, 0), WithTodRange(9, 10), WithTimezone(west))

	assert.True(t, mustEvent(t, at(17, 14, 30)).Match(c), "14:30 UTC is 09:30 at -05:00")
	assert.False(t, mustEvent(t, at(17, 9, 30)).Match(c))

	p := mustPeriod(t, at(17, 14, 30), at(17, 20, 0))
	assert.True(t, p.Match(c))
	assert.InDelta(t, 9.5, p.TimeOfDay(west), 1e-9)
	assert.InDelta(t, 15.0, p.StopTimeOfDay(west), 1e-9)
}

func TestMatchDayOfWeek_Event(t *testing.T) {
	c := mustCriteria(t, at(1, 0, 0), at(30, 0, 0), WithDayOfWeek(time.Monday))
	assert.True(t, mustEvent(t, at(18, 10, 0)).Match(c))
	assert.False(t, mustEvent(t, at(17, 10, 0)).Match(c))

	// Monday 02:00 UTC is Sunday evening at -05:00
	west := mustCriteria(t, at(1, 0, 0), at(30, 0, 0), WithDayOfWeek(time.Sunday), WithTimezone(time.FixedZone("w", -5*3600)))
	assert.True(t, mustEvent(t, at(18, 2, 0)).Match(west))
}

func TestMatchDayOfWeek_PeriodCircularRange(t *testing.T) {
	// start weekday index s (Sunday = 17th) through stop weekday index e
	for s := 0; s < 7; s++ {
		for span := 0; span < 7; span++ {
			start := at(17+s, 10, 0)
			stop := start.AddDate(0, 0, span)
			p := mustPeriod(t, start, stop)
			e := (s + span) % 7

			for d := 0; d < 7; d++ {
				c := mustCriteria(t, at(1, 0, 0), at(31, 0, 0), WithDayOfWeek(timex.DaysOfWeek[d]))
				var want bool
				if s <= e {
					want = d >= s && d <= e
				} else {
					want = d >= s || d <= e
				}
				assert.Equal(t, want, p.MatchDayOfWeek(c), "start=%d stop=%d day=%d", s, e, d)
			}
		}
	}
}

func TestMatchTags_AndSemantics(t *testing.T) {
	first := mustEvent(t, at(17, 0, 0), WithPrimaryTags("p0", "p1"), WithMinorTags("m0"))
	second := mustEvent(t, at(17, 0, 0), WithPrimaryTags("p0", "p2"), WithMinorTags("m0", "m1"))

	c := mustCriteria(t, at(1, 0, 0), at(30, 0, 0), WithPrimary("p0", "p1"))
	assert.Equal(t, []Metric{first}, c.Filter([]Metric{first, second}))

	c = mustCriteria(t, at(1, 0, 0), at(30, 0, 0), WithPrimary("p0"))
	assert.Len(t, c.Filter([]Metric{first, second}), 2)

	c = mustCriteria(t, at(1, 0, 0), at(30, 0, 0), WithMinor("m1"))
	assert.Equal(t, []Metric{second}, c.Filter([]Metric{first, second}))

	c = mustCriteria(t, at(1, 0, 0), at(30, 0, 0), WithPrimary("p0"), WithMinor("m9"))
	assert.Empty(t, c.Filter([]Metric{first, second}))
}

func TestMatchCoarse_IgnoresClockFilters(t *testing.T) {
	m := mustEvent(t, at(17, 3, 0), WithPrimaryTags("a"))
	c := mustCriteria(t, at(1, 0, 0), at(30, 0, 0), WithTodRange(12, 13), WithPrimary("a"))

	assert.False(t, m.Match(c))
	assert.True(t, m.MatchCoarse(c))
}

func TestParseClass(t *testing.T) {
	c, err := ParseClass(" Event ")
	require.NoError(t, err)
	assert.Equal(t, ClassEvent, c)

	_, err = ParseClass("gauge")
	assert.True(t, errors.Is(err, ErrInvalidClass))
}
