package timex

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidTimeOfDay is returned for hour/minute pairs or fractional-hour
// values outside the clock.
var ErrInvalidTimeOfDay = errors.New("invalid time of day")

// MaxTimeOfDay is the largest representable time-of-day value.
const MaxTimeOfDay = 23.99

// DaysOfWeek lists the weekdays in the order used for circular range arithmetic.
var DaysOfWeek = [7]time.Weekday{
	time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
	time.Thursday, time.Friday, time.Saturday,
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thr": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday accepts short or long English weekday names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return time.Sunday, errors.Errorf("unknown weekday %q", s)
	}
	return wd, nil
}

// NumericWeekDay maps a weekday to its index in DaysOfWeek.
func NumericWeekDay(wd time.Weekday) int {
	for i, d := range DaysOfWeek {
		if d == wd {
			return i
		}
	}
	return -1
}

// In returns t in loc, or in UTC when loc is nil.
func In(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t.UTC()
	}
	return t.In(loc)
}

// DayOfWeek returns the weekday of t, observed in loc (UTC when nil).
func DayOfWeek(t time.Time, loc *time.Location) time.Weekday {
	return In(t, loc).Weekday()
}

// TodValue converts an hour and minute into a fractional-hour value with
// two-decimal minute precision: hour + floor(minute/60*100)/100.
func TodValue(hour, minute int) (float64, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, errors.Wrapf(ErrInvalidTimeOfDay, "%02d:%02d", hour, minute)
	}
	hundredths := hour*100 + minute*100/60
	tod := float64(hundredths) / 100
	if tod > MaxTimeOfDay {
		tod = MaxTimeOfDay
	}
	return tod, nil
}

// TimeOfDay returns the fractional-hour clock value of t observed in loc.
func TimeOfDay(t time.Time, loc *time.Location) float64 {
	zt := In(t, loc)
	// hour and minute from a time.Time are always in range
	tod, _ := TodValue(zt.Hour(), zt.Minute())
	return tod
}

// ValidateTod reports whether tod lies in [0, 23.99].
func ValidateTod(tod float64) error {
	if tod < 0 || Hundredths(tod) > Hundredths(MaxTimeOfDay) {
		return errors.Wrapf(ErrInvalidTimeOfDay, "%.2f", tod)
	}
	return nil
}

// Hundredths encodes a time-of-day value as an integer with two implied
// decimal digits (13.5 -> 1350).
func Hundredths(tod float64) int {
	if tod < 0 {
		return int(tod*100 - 0.5)
	}
	return int(tod*100 + 0.5)
}

// FromHundredths is the inverse of Hundredths.
func FromHundredths(h int) float64 {
	return float64(h) / 100
}

// ChangeToTimeOfDay returns the instant on the same calendar day as t, in t's
// own location, with the clock set to tod. Seconds are dropped.
func ChangeToTimeOfDay(t time.Time, tod float64) time.Time {
	h := Hundredths(tod)
	if h < 0 {
		h = 0
	}
	hour := h / 100
	if hour > 23 {
		hour = 23
	}
	minute := ((h%100)*60 + 99) / 100
	if minute > 59 {
		minute = 59
	}
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, t.Location())
}

// DaysBetween returns the number of whole days separating a and b.
func DaysBetween(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(d / (24 * time.Hour))
}

// ParseZone accepts "Z", "UTC", numeric offsets ("+05:00", "-0800", "+5")
// or an IANA location name.
func ParseZone(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "", "Z", "UTC", "GMT":
		return time.UTC, nil
	}

	if s[0] == '+' || s[0] == '-' {
		sign := 1
		if s[0] == '-' {
			sign = -1
		}
		digits := strings.ReplaceAll(s[1:], ":", "")
		var hours, minutes int
		switch len(digits) {
		case 1, 2:
			hours = atoi(digits)
		case 3:
			hours, minutes = atoi(digits[:1]), atoi(digits[1:])
		case 4:
			hours, minutes = atoi(digits[:2]), atoi(digits[2:])
		default:
			return nil, errors.Errorf("invalid zone offset %q", s)
		}
		if hours < 0 || minutes < 0 || hours > 14 || minutes > 59 {
			return nil, errors.Errorf("invalid zone offset %q", s)
		}
		offset := sign * (hours*3600 + minutes*60)
		return time.FixedZone(s, offset), nil
	}

	loc, err := time.LoadLocation(s)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid zone %q", s)
	}
	return loc, nil
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}
