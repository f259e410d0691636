package metric

import (
	"github.com/nicktill/tinykeep/pkg/tags"
	"github.com/nicktill/tinykeep/pkg/timex"
)

// Match reports whether m satisfies every filter of c.
func (m Metric) Match(c Criteria) bool {
	return m.MatchOccurrence(c) &&
		m.MatchTimeOfDay(c) &&
		m.MatchDayOfWeek(c) &&
		m.MatchPrimaryTags(c) &&
		m.MatchMinorTags(c)
}

// MatchCoarse applies only the occurrence and tag filters, the subset that
// store-side backends evaluate.
func (m Metric) MatchCoarse(c Criteria) bool {
	return m.MatchOccurrence(c) && m.MatchPrimaryTags(c) && m.MatchMinorTags(c)
}

// MatchOccurrence requires the occurrence inside [c.Start, c.Stop]; periods
// must also stop no later than c.Stop.
func (m Metric) MatchOccurrence(c Criteria) bool {
	if m.Occurrence.Before(c.Start) || m.Occurrence.After(c.Stop) {
		return false
	}
	if m.IsPeriod() && m.Stop.After(c.Stop) {
		return false
	}
	return true
}

// MatchTimeOfDay tests the time-of-day window. A period matches when either
// its start or stop time-of-day is inside the window. A window without a
// stop spans DefaultTodIncrement hours.
func (m Metric) MatchTimeOfDay(c Criteria) bool {
	if c.TodStart == nil {
		return true
	}

	stop := defaultTodStop(*c.TodStart)
	if c.TodStop != nil {
		stop = *c.TodStop
	}
	windows := todWindows(*c.TodStart, stop)

	if !m.IsPeriod() {
		return inWindows(m.TimeOfDay(c.Timezone), windows)
	}
	return inWindows(m.TimeOfDay(c.Timezone), windows) ||
		inWindows(m.StopTimeOfDay(c.Timezone), windows)
}

// todWindows splits a wrapping window into its two non-wrapping halves.
func todWindows(start, stop float64) [][2]int {
	s, e := timex.Hundredths(start), timex.Hundredths(stop)
	if e < s {
		return [][2]int{{s, timex.Hundredths(timex.MaxTimeOfDay)}, {0, e}}
	}
	return [][2]int{{s, e}}
}

func inWindows(tod float64, windows [][2]int) bool {
	v := timex.Hundredths(tod)
	for _, w := range windows {
		if v >= w[0] && v <= w[1] {
			return true
		}
	}
	return false
}

// MatchDayOfWeek tests the weekday filter. A period covers the circular
// range from its start weekday to its stop weekday.
func (m Metric) MatchDayOfWeek(c Criteria) bool {
	if c.Dow == nil {
		return true
	}
	want := timex.NumericWeekDay(*c.Dow)

	if !m.IsPeriod() {
		return timex.NumericWeekDay(m.DayOfWeek(c.Timezone)) == want
	}

	start := timex.NumericWeekDay(m.DayOfWeek(c.Timezone))
	stop := timex.NumericWeekDay(m.StopDayOfWeek(c.Timezone))
	return inWeekRange(start, stop, want)
}

func inWeekRange(start, stop, day int) bool {
	if start <= stop {
		return day >= start && day <= stop
	}
	// wraps past the end of the week
	return day >= start || day <= stop
}

// MatchPrimaryTags requires every criteria primary tag on the metric.
func (m Metric) MatchPrimaryTags(c Criteria) bool {
	return matchTags(m.PrimaryTags, c.PrimaryTags)
}

// MatchMinorTags requires every criteria minor tag on the metric.
func (m Metric) MatchMinorTags(c Criteria) bool {
	return matchTags(m.MinorTags, c.MinorTags)
}

func matchTags(have, want tags.Set) bool {
	if len(want) == 0 {
		return true
	}
	return have.ContainsAll(want)
}
