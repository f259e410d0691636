package timex

import (
	"encoding/json"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/pkg/errors"
)

// ErrInvalidDateTime is returned when a raw value cannot be turned into an instant.
var ErrInvalidDateTime = errors.New("invalid date/time")

// RFC 2822: [day-of-week ,] DD month-name CCYY hh:mm[:ss] zone
var rfc2822Pattern = regexp.MustCompile(`(?i)^(?:(?:sun|mon|tue|wed|thu|fri|sat)\s*,\s*)?` +
	`\d\d?\s+(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)\s+\d{4}\s+` +
	`\d\d:\d\d(?::\d\d)?\s+(?:UT|UTC|GMT|EST|EDT|CST|CDT|MST|MDT|PST|PDT|[A-IK-Z]|[+-]\d{4})$`)

// ISO 8601: CCYY-MM-DDThh:mm[:ss[.sss]][Z|+hh:mm|-hh:mm]
var iso8601Pattern = regexp.MustCompile(`(?i)^\d{4}-\d\d-\d\dT\d\d:\d\d(?::\d\d(?:\.\d{1,9})?)?(?:Z|[+-]\d\d:\d\d)?$`)

var iso8601Layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseTime converts a raw observation timestamp into a UTC instant truncated
// to whole seconds. Accepted inputs are time.Time, *time.Time, integer and
// float epoch seconds, json.Number and strings. Strings are tried as RFC 2822,
// then ISO 8601, then handed to a general purpose parser.
func ParseTime(raw interface{}) (time.Time, error) {
	var t time.Time

	switch v := raw.(type) {
	case time.Time:
		t = v
	case *time.Time:
		if v == nil {
			return time.Time{}, errors.Wrap(ErrInvalidDateTime, "nil time")
		}
		t = *v
	case int:
		t = time.Unix(int64(v), 0)
	case int32:
		t = time.Unix(int64(v), 0)
	case int64:
		t = time.Unix(v, 0)
	case uint32:
		t = time.Unix(int64(v), 0)
	case float32:
		t = time.Unix(int64(v), 0)
	case float64:
		t = time.Unix(int64(v), 0)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return time.Time{}, errors.Wrapf(ErrInvalidDateTime, "%q", v.String())
		}
		t = time.Unix(int64(n), 0)
	case string:
		parsed, err := parseString(v)
		if err != nil {
			return time.Time{}, err
		}
		t = parsed
	default:
		return time.Time{}, errors.Wrapf(ErrInvalidDateTime, "unsupported type %T", raw)
	}

	return time.Unix(t.Unix(), 0).UTC(), nil
}

// MustParseTime is ParseTime for values known to be valid, such as test fixtures.
func MustParseTime(raw interface{}) time.Time {
	t, err := ParseTime(raw)
	if err != nil {
		panic(err)
	}
	return t
}

func parseString(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errors.Wrap(ErrInvalidDateTime, "empty string")
	}

	switch {
	case rfc2822Pattern.MatchString(s):
		t, err := mail.ParseDate(s)
		if err != nil {
			return time.Time{}, errors.Wrapf(ErrInvalidDateTime, "rfc2822 %q: %v", s, err)
		}
		return t, nil
	case iso8601Pattern.MatchString(s):
		for _, layout := range iso8601Layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, errors.Wrapf(ErrInvalidDateTime, "iso8601 %q", s)
	}

	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrapf(ErrInvalidDateTime, "%q: %v", s, err)
	}
	return t, nil
}
