package metric

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nicktill/tinykeep/pkg/ident"
	"github.com/nicktill/tinykeep/pkg/tags"
	"github.com/nicktill/tinykeep/pkg/timex"
)

var (
	// ErrNonsense is returned for self-contradictory input such as a stop
	// before a start.
	ErrNonsense = errors.New("nonsense")

	// ErrInvalidTimeRange is the ErrNonsense raised by stop < start.
	ErrInvalidTimeRange = ErrNonsense

	// ErrInvalidClass is returned for metric classes other than event and period.
	ErrInvalidClass = errors.New("invalid metric class")

	// ErrInvalidType is returned for empty metric type names.
	ErrInvalidType = errors.New("invalid metric type")
)

// Class is the top-level kind of a metric.
type Class string

const (
	ClassEvent  Class = "event"
	ClassPeriod Class = "period"
)

// Classes lists every supported metric class.
var Classes = []Class{ClassEvent, ClassPeriod}

// ParseClass validates a class name.
func ParseClass(s string) (Class, error) {
	c := Class(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", errors.Wrapf(ErrInvalidClass, "%q", s)
	}
	return c, nil
}

// Valid reports whether c is a supported class.
func (c Class) Valid() bool {
	return c == ClassEvent || c == ClassPeriod
}

// Whole asks NewPeriod to compute the duration as stop - start.
const Whole time.Duration = -1

// Metric is a single observation: an Event at an instant or a Period between
// two instants. Fields specific to one class are zero for the other.
type Metric struct {
	ID          ident.ID
	Type        string
	Class       Class
	Occurrence  time.Time // event instant, or period start
	Count       int64
	PrimaryTags tags.Set
	MinorTags   tags.Set

	// Event only.
	Quantity int64

	// Period only.
	Stop     time.Time
	Duration time.Duration
	TodStart float64
	TodStop  float64
}

type options struct {
	id       *ident.ID
	count    int64
	quantity int64
	primary  []string
	minor    []string

	todStart    *float64
	todStop     *float64
	todStartUTC bool
	todStopUTC  bool
}

// Option customizes a metric under construction.
type Option func(*options) error

// WithID sets the identifier instead of generating one.
func WithID(id ident.ID) Option {
	return func(o *options) error {
		o.id = &id
		return nil
	}
}

// WithCount sets the weight of the observation (default 1).
func WithCount(n int64) Option {
	return func(o *options) error {
		o.count = n
		return nil
	}
}

// WithQuantity sets an event's quantity (default 0).
func WithQuantity(n int64) Option {
	return func(o *options) error {
		o.quantity = n
		return nil
	}
}

// WithPrimaryTags adds primary tags.
func WithPrimaryTags(raw ...string) Option {
	return func(o *options) error {
		o.primary = append(o.primary, raw...)
		return nil
	}
}

// WithMinorTags adds minor tags.
func WithMinorTags(raw ...string) Option {
	return func(o *options) error {
		o.minor = append(o.minor, raw...)
		return nil
	}
}

// WithTodStart overrides a period's start time-of-day. The value is a wall
// clock reading in the zone of the start instant passed to NewPeriod.
func WithTodStart(tod float64) Option {
	return todOption(tod, func(o *options, v *float64) { o.todStart, o.todStartUTC = v, false })
}

// WithTodStop overrides a period's stop time-of-day, in the zone of the stop
// instant passed to NewPeriod.
func WithTodStop(tod float64) Option {
	return todOption(tod, func(o *options, v *float64) { o.todStop, o.todStopUTC = v, false })
}

// WithUTCTodStart overrides a period's start time-of-day with a UTC value.
func WithUTCTodStart(tod float64) Option {
	return todOption(tod, func(o *options, v *float64) { o.todStart, o.todStartUTC = v, true })
}

// WithUTCTodStop overrides a period's stop time-of-day with a UTC value.
func WithUTCTodStop(tod float64) Option {
	return todOption(tod, func(o *options, v *float64) { o.todStop, o.todStopUTC = v, true })
}

func todOption(tod float64, set func(*options, *float64)) Option {
	return func(o *options) error {
		if err := timex.ValidateTod(tod); err != nil {
			return err
		}
		set(o, &tod)
		return nil
	}
}

func buildOptions(opts []Option) (options, error) {
	o := options{count: 1}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return o, err
		}
	}
	return o, nil
}

func newBase(metricType string, class Class, occurred interface{}, o options) (Metric, error) {
	metricType = strings.TrimSpace(metricType)
	if metricType == "" {
		return Metric{}, errors.Wrap(ErrInvalidType, "empty metric type")
	}

	occurrence, err := timex.ParseTime(occurred)
	if err != nil {
		return Metric{}, err
	}

	id := ident.New()
	if o.id != nil {
		id = *o.id
	}

	return Metric{
		ID:          id,
		Type:        metricType,
		Class:       class,
		Occurrence:  occurrence,
		Count:       o.count,
		PrimaryTags: tags.NewSet(o.primary...),
		MinorTags:   tags.NewSet(o.minor...),
	}, nil
}

// NewEvent builds an Event observed at occurred.
func NewEvent(metricType string, occurred interface{}, opts ...Option) (Metric, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return Metric{}, err
	}

	m, err := newBase(metricType, ClassEvent, occurred, o)
	if err != nil {
		return Metric{}, err
	}
	m.Quantity = o.quantity
	return m, nil
}

// NewPeriod builds a Period running from start to stop. duration is either an
// explicit magnitude or Whole.
func NewPeriod(metricType string, start, stop interface{}, duration time.Duration, opts ...Option) (Metric, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return Metric{}, err
	}

	m, err := newBase(metricType, ClassPeriod, start, o)
	if err != nil {
		return Metric{}, err
	}

	m.Stop, err = timex.ParseTime(stop)
	if err != nil {
		return Metric{}, err
	}
	if m.Stop.Before(m.Occurrence) {
		return Metric{}, errors.Wrapf(ErrInvalidTimeRange, "period stop %s before start %s", m.Stop, m.Occurrence)
	}

	switch {
	case duration == Whole:
		m.Duration = m.Stop.Sub(m.Occurrence)
	case duration < 0:
		return Metric{}, errors.Wrapf(ErrNonsense, "negative duration %s", duration)
	default:
		m.Duration = duration.Truncate(time.Second)
	}

	m.TodStart = periodTod(start, m.Occurrence, o.todStart, o.todStartUTC)
	m.TodStop = periodTod(stop, m.Stop, o.todStop, o.todStopUTC)
	return m, nil
}

// periodTod resolves a period boundary's UTC time-of-day. A local override is
// re-anchored on the boundary's own day and zone before conversion.
func periodTod(raw interface{}, boundary time.Time, override *float64, utc bool) float64 {
	if override == nil {
		return timex.TimeOfDay(boundary, nil)
	}

	local := boundary
	if t, ok := raw.(time.Time); ok {
		local = t
	}
	if _, offset := local.Zone(); utc || offset == 0 {
		return *override
	}
	return timex.TimeOfDay(timex.ChangeToTimeOfDay(local, *override), nil)
}

// IsEvent reports whether m is an Event.
func (m Metric) IsEvent() bool { return m.Class == ClassEvent }

// IsPeriod reports whether m is a Period.
func (m Metric) IsPeriod() bool { return m.Class == ClassPeriod }

// Start is the period start, the same instant as Occurrence.
func (m Metric) Start() time.Time { return m.Occurrence }

// DayOfWeek is the weekday of the occurrence in loc.
func (m Metric) DayOfWeek(loc *time.Location) time.Weekday {
	return timex.DayOfWeek(m.Occurrence, loc)
}

// StopDayOfWeek is the weekday of a period's stop in loc. For events it is
// the occurrence weekday.
func (m Metric) StopDayOfWeek(loc *time.Location) time.Weekday {
	if !m.IsPeriod() {
		return m.DayOfWeek(loc)
	}
	return timex.DayOfWeek(m.Stop, loc)
}

// TimeOfDay is the time-of-day of the occurrence in loc. Periods report their
// stored start time-of-day, converted to loc when one is given.
func (m Metric) TimeOfDay(loc *time.Location) float64 {
	if !m.IsPeriod() {
		return timex.TimeOfDay(m.Occurrence, loc)
	}
	return storedTod(m.Occurrence, m.TodStart, loc)
}

// StopTimeOfDay is a period's stop time-of-day in loc.
func (m Metric) StopTimeOfDay(loc *time.Location) float64 {
	if !m.IsPeriod() {
		return m.TimeOfDay(loc)
	}
	return storedTod(m.Stop, m.TodStop, loc)
}

func storedTod(boundary time.Time, tod float64, loc *time.Location) float64 {
	if loc == nil {
		return tod
	}
	return timex.TimeOfDay(timex.ChangeToTimeOfDay(boundary.UTC(), tod), loc)
}

// WithTags returns a copy of m with extra primary and minor tags.
func (m Metric) WithTags(primary, minor []string) Metric {
	m.PrimaryTags = m.PrimaryTags.With(primary...)
	m.MinorTags = m.MinorTags.With(minor...)
	return m
}

// Validate reports structural problems that make m unstorable.
func (m Metric) Validate() error {
	if !m.Class.Valid() {
		return errors.Wrapf(ErrInvalidClass, "%q", m.Class)
	}
	if strings.TrimSpace(m.Type) == "" {
		return errors.Wrap(ErrInvalidType, "empty metric type")
	}
	if m.Occurrence.IsZero() {
		return errors.Wrap(ErrNonsense, "missing occurrence")
	}
	if m.IsPeriod() && m.Stop.Before(m.Occurrence) {
		return errors.Wrap(ErrInvalidTimeRange, "period stop before start")
	}
	return nil
}
