package export

import (
	"time"

	"github.com/pkg/errors"

	"github.com/nicktill/tinykeep/pkg/ident"
	"github.com/nicktill/tinykeep/pkg/metric"
)

// Record is the backup form of one metric.
type Record struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Class       string    `json:"class"`
	Occurrence  time.Time `json:"occurrence"`
	Count       int64     `json:"count"`
	PrimaryTags []string  `json:"primary_tags,omitempty"`
	MinorTags   []string  `json:"minor_tags,omitempty"`

	Quantity int64 `json:"quantity,omitempty"`

	Stop            *time.Time `json:"stop,omitempty"`
	DurationSeconds int64      `json:"duration_seconds,omitempty"`
	TodStart        *float64   `json:"tod_start,omitempty"`
	TodStop         *float64   `json:"tod_stop,omitempty"`
}

// NewRecord captures m.
func NewRecord(m metric.Metric) Record {
	r := Record{
		ID:          m.ID.String(),
		Type:        m.Type,
		Class:       string(m.Class),
		Occurrence:  m.Occurrence.UTC(),
		Count:       m.Count,
		PrimaryTags: m.PrimaryTags.Strings(),
		MinorTags:   m.MinorTags.Strings(),
		Quantity:    m.Quantity,
	}
	if m.IsPeriod() {
		stop := m.Stop.UTC()
		todStart, todStop := m.TodStart, m.TodStop
		r.Stop = &stop
		r.DurationSeconds = int64(m.Duration / time.Second)
		r.TodStart = &todStart
		r.TodStop = &todStop
	}
	return r
}

// Metric rebuilds the metric, keeping its identifier.
func (r Record) Metric() (metric.Metric, error) {
	class, err := metric.ParseClass(r.Class)
	if err != nil {
		return metric.Metric{}, err
	}
	id, err := ident.Parse(r.ID)
	if err != nil {
		return metric.Metric{}, err
	}

	opts := []metric.Option{
		metric.WithID(id),
		metric.WithCount(r.Count),
		metric.WithPrimaryTags(r.PrimaryTags...),
		metric.WithMinorTags(r.MinorTags...),
	}

	if class == metric.ClassEvent {
		opts = append(opts, metric.WithQuantity(r.Quantity))
		return metric.NewEvent(r.Type, r.Occurrence, opts...)
	}

	if r.Stop == nil {
		return metric.Metric{}, errors.Wrap(metric.ErrNonsense, "period without stop")
	}
	if r.TodStart != nil {
		opts = append(opts, metric.WithUTCTodStart(*r.TodStart))
	}
	if r.TodStop != nil {
		opts = append(opts, metric.WithUTCTodStop(*r.TodStop))
	}
	return metric.NewPeriod(r.Type, r.Occurrence, *r.Stop, time.Duration(r.DurationSeconds)*time.Second, opts...)
}
