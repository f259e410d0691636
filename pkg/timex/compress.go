package timex

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidCompression is returned for unknown compression strategy names.
var ErrInvalidCompression = errors.New("invalid time compression")

// Compressor snaps an instant onto a coarser time bucket. All strategies work
// on the UTC clock.
type Compressor interface {
	Compress(t time.Time) time.Time
}

// CompressorFunc adapts a plain function to Compressor.
type CompressorFunc func(t time.Time) time.Time

// Compress calls f(t).
func (f CompressorFunc) Compress(t time.Time) time.Time {
	return f(t)
}

// Composite applies its strategies in declared order.
type Composite []Compressor

// Compress runs t through every strategy in order.
func (c Composite) Compress(t time.Time) time.Time {
	for _, s := range c {
		t = s.Compress(t)
	}
	return t
}

// rounding returns the signed adjustment that moves base onto the nearest
// multiple of inc. Exact midpoints round away from zero.
func rounding(base, inc int64) int64 {
	rem := base % inc
	switch {
	case rem == 0:
		return 0
	case rem > 0 && 2*rem >= inc:
		return inc - rem
	case rem < 0 && -2*rem >= inc:
		return -inc - rem
	default:
		return -rem
	}
}

func nearest(step time.Duration) CompressorFunc {
	return func(t time.Time) time.Time {
		t = t.UTC()
		// offset within the enclosing hour, so daylight-free UTC arithmetic holds
		hour := t.Truncate(time.Hour)
		within := int64(t.Sub(hour) / time.Second)
		adj := rounding(within, int64(step/time.Second))
		return hour.Add(time.Duration(within+adj) * time.Second)
	}
}

var (
	// NearestQuarterMinute rounds to the nearest 15 seconds.
	NearestQuarterMinute Compressor = nearest(15 * time.Second)

	// NearestHalfMinute rounds to the nearest 30 seconds.
	NearestHalfMinute Compressor = nearest(30 * time.Second)

	// StartOfMinute drops the seconds.
	StartOfMinute Compressor = CompressorFunc(func(t time.Time) time.Time {
		return t.UTC().Truncate(time.Minute)
	})

	// NearestQuarterHour rounds to the nearest 15 minute mark.
	NearestQuarterHour Compressor = nearest(15 * time.Minute)

	// NearestHalfHour rounds to the nearest 30 minute mark.
	NearestHalfHour Compressor = nearest(30 * time.Minute)

	// StartOfHour drops minutes and seconds.
	StartOfHour Compressor = CompressorFunc(func(t time.Time) time.Time {
		return t.UTC().Truncate(time.Hour)
	})

	// HalfDay snaps to 00:00 for times before 12:00 and to 12:00 otherwise.
	// From 23:45 onwards the next day's 00:00 is used.
	HalfDay Compressor = CompressorFunc(func(t time.Time) time.Time {
		t = t.UTC()
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		switch {
		case lateEvening(t):
			return day.AddDate(0, 0, 1)
		case t.Hour() >= 12:
			return day.Add(12 * time.Hour)
		default:
			return day
		}
	})

	// StartOfDay snaps to 00:00, rolling over to the next day from 23:45.
	StartOfDay Compressor = CompressorFunc(func(t time.Time) time.Time {
		t = t.UTC()
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		if lateEvening(t) {
			return day.AddDate(0, 0, 1)
		}
		return day
	})

	// StartOfMonth moves to the first day of the month, keeping the clock.
	StartOfMonth Compressor = CompressorFunc(func(t time.Time) time.Time {
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	})

	// StartOfQuarter moves to the first day of the quarter, keeping the clock.
	StartOfQuarter Compressor = CompressorFunc(func(t time.Time) time.Time {
		t = t.UTC()
		month := time.Month((int(t.Month())-1)/3*3 + 1)
		return time.Date(t.Year(), month, 1, t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	})
)

func lateEvening(t time.Time) bool {
	return t.Hour()*100+t.Minute() >= 2345
}

var compressors = map[string]Compressor{
	"quarter_minute":   NearestQuarterMinute,
	"half_minute":      NearestHalfMinute,
	"start_of_minute":  StartOfMinute,
	"quarter_hour":     NearestQuarterHour,
	"half_hour":        NearestHalfHour,
	"start_of_hour":    StartOfHour,
	"half_day":         HalfDay,
	"start_of_day":     StartOfDay,
	"start_of_month":   StartOfMonth,
	"start_of_quarter": StartOfQuarter,
}

// CompressorNames lists the names understood by ParseCompressor.
func CompressorNames() []string {
	names := make([]string, 0, len(compressors))
	for name := range compressors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseCompressor builds a Composite from a comma separated list of strategy
// names, e.g. "quarter_minute,start_of_day". An empty list yields nil.
func ParseCompressor(names string) (Compressor, error) {
	var chain Composite
	for _, part := range strings.Split(names, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		c, ok := compressors[name]
		if !ok {
			return nil, errors.Wrapf(ErrInvalidCompression, "%q", name)
		}
		chain = append(chain, c)
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}
