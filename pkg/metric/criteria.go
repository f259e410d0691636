package metric

import (
	"time"

	"github.com/pkg/errors"

	"github.com/nicktill/tinykeep/pkg/tags"
	"github.com/nicktill/tinykeep/pkg/timex"
)

// DefaultTodIncrement is the window width used by WithTimeOfDay.
const DefaultTodIncrement = 1.0

// Criteria selects metrics by occurrence range, time-of-day window, weekday
// and tags. Unset optional filters match everything.
type Criteria struct {
	Start time.Time
	Stop  time.Time

	// Inclusive window; wraps through midnight when TodStop < TodStart.
	TodStart *float64
	TodStop  *float64

	Dow      *time.Weekday
	Timezone *time.Location

	PrimaryTags tags.Set
	MinorTags   tags.Set
}

// CriteriaOption customizes a Criteria under construction.
type CriteriaOption func(*Criteria) error

// WithTimeOfDay sets a one hour window starting at tod, wrapping past midnight.
func WithTimeOfDay(tod float64) CriteriaOption {
	return func(c *Criteria) error {
		if err := timex.ValidateTod(tod); err != nil {
			return err
		}
		stop := defaultTodStop(tod)
		c.TodStart, c.TodStop = &tod, &stop
		return nil
	}
}

// defaultTodStop closes a window opened at tod, wrapping past midnight.
func defaultTodStop(tod float64) float64 {
	return timex.FromHundredths(timex.Hundredths(tod+DefaultTodIncrement) % 2400)
}

// WithTodRange sets an inclusive time-of-day window.
func WithTodRange(start, stop float64) CriteriaOption {
	return func(c *Criteria) error {
		if err := timex.ValidateTod(start); err != nil {
			return err
		}
		if err := timex.ValidateTod(stop); err != nil {
			return err
		}
		c.TodStart, c.TodStop = &start, &stop
		return nil
	}
}

// WithDayOfWeek restricts matches to a single weekday.
func WithDayOfWeek(wd time.Weekday) CriteriaOption {
	return func(c *Criteria) error {
		if timex.NumericWeekDay(wd) < 0 {
			return errors.Errorf("invalid weekday %d", wd)
		}
		c.Dow = &wd
		return nil
	}
}

// WithTimezone evaluates time-of-day and weekday filters in loc.
func WithTimezone(loc *time.Location) CriteriaOption {
	return func(c *Criteria) error {
		c.Timezone = loc
		return nil
	}
}

// WithPrimary requires every listed primary tag.
func WithPrimary(raw ...string) CriteriaOption {
	return func(c *Criteria) error {
		c.PrimaryTags = c.PrimaryTags.With(raw...)
		return nil
	}
}

// WithMinor requires every listed minor tag.
func WithMinor(raw ...string) CriteriaOption {
	return func(c *Criteria) error {
		c.MinorTags = c.MinorTags.With(raw...)
		return nil
	}
}

// NewCriteria builds a Criteria over the inclusive range [start, stop].
func NewCriteria(start, stop interface{}, opts ...CriteriaOption) (Criteria, error) {
	var c Criteria
	var err error

	if c.Start, err = timex.ParseTime(start); err != nil {
		return Criteria{}, err
	}
	if c.Stop, err = timex.ParseTime(stop); err != nil {
		return Criteria{}, err
	}
	if c.Stop.Before(c.Start) {
		return Criteria{}, errors.Wrapf(ErrInvalidTimeRange, "criteria stop %s before start %s", c.Stop, c.Start)
	}

	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return Criteria{}, err
		}
	}
	return c, nil
}

// Filter returns the metrics that match c, preserving order.
func (c Criteria) Filter(metrics []Metric) []Metric {
	out := make([]Metric, 0, len(metrics))
	for _, m := range metrics {
		if m.Match(c) {
			out = append(out, m)
		}
	}
	return out
}
