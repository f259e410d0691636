package server

import (
	"time"

	"github.com/pkg/errors"

	"github.com/nicktill/tinykeep/pkg/ident"
	"github.com/nicktill/tinykeep/pkg/metric"
	"github.com/nicktill/tinykeep/pkg/timex"
)

// MetricJSON is the wire form of a metric. Occurrence and Stop accept
// anything timex.ParseTime does; responses carry RFC 3339 strings.
type MetricJSON struct {
	ID          string      `json:"id,omitempty"`
	Type        string      `json:"type"`
	Class       string      `json:"class"`
	Occurrence  interface{} `json:"occurrence"`
	Count       int64       `json:"count,omitempty"`
	PrimaryTags []string    `json:"primary_tags,omitempty"`
	MinorTags   []string    `json:"minor_tags,omitempty"`

	Quantity *int64 `json:"quantity,omitempty"`

	Stop            interface{} `json:"stop,omitempty"`
	DurationSeconds *int64      `json:"duration_seconds,omitempty"`
	Whole           bool        `json:"whole,omitempty"`
	// UTC time-of-day, hours with hundredths.
	TodStart *float64 `json:"tod_start,omitempty"`
	TodStop  *float64 `json:"tod_stop,omitempty"`
}

// StoreRequest is the body of POST /v1/metrics.
type StoreRequest struct {
	Metrics  []MetricJSON `json:"metrics"`
	Compress string       `json:"compress,omitempty"`
}

// StoreResponse reports how many metrics were accepted.
type StoreResponse struct {
	Accepted int      `json:"accepted"`
	IDs      []string `json:"ids"`
}

// ReplaceRequest is the body of POST /v1/metrics/replace.
type ReplaceRequest struct {
	Metric MetricJSON `json:"metric"`
	OldIDs []string   `json:"old_ids"`
}

// ToMetric validates w and builds the metric it describes. A non-nil
// compressor is applied to the occurrence and, for periods, the stop.
func (w MetricJSON) ToMetric(compress timex.Compressor) (metric.Metric, error) {
	class, err := metric.ParseClass(w.Class)
	if err != nil {
		return metric.Metric{}, err
	}

	var opts []metric.Option
	if w.ID != "" {
		id, err := ident.Parse(w.ID)
		if err != nil {
			return metric.Metric{}, err
		}
		opts = append(opts, metric.WithID(id))
	}
	if w.Count != 0 {
		opts = append(opts, metric.WithCount(w.Count))
	}
	opts = append(opts, metric.WithPrimaryTags(w.PrimaryTags...), metric.WithMinorTags(w.MinorTags...))

	occurrence, err := compressed(w.Occurrence, compress)
	if err != nil {
		return metric.Metric{}, err
	}

	if class == metric.ClassEvent {
		if w.Stop != nil || w.DurationSeconds != nil || w.TodStart != nil || w.TodStop != nil {
			return metric.Metric{}, errors.Wrap(metric.ErrNonsense, "period fields on an event")
		}
		if w.Quantity != nil {
			opts = append(opts, metric.WithQuantity(*w.Quantity))
		}
		return metric.NewEvent(w.Type, occurrence, opts...)
	}

	if w.Quantity != nil {
		return metric.Metric{}, errors.Wrap(metric.ErrNonsense, "quantity on a period")
	}
	if w.Stop == nil {
		return metric.Metric{}, errors.Wrap(timex.ErrInvalidDateTime, "period without stop")
	}
	stop, err := compressed(w.Stop, compress)
	if err != nil {
		return metric.Metric{}, err
	}

	duration := metric.Whole
	switch {
	case w.DurationSeconds != nil && w.Whole:
		return metric.Metric{}, errors.Wrap(metric.ErrNonsense, "both duration_seconds and whole")
	case w.DurationSeconds != nil:
		if *w.DurationSeconds < 0 {
			return metric.Metric{}, errors.Wrapf(metric.ErrNonsense, "negative duration %d", *w.DurationSeconds)
		}
		duration = time.Duration(*w.DurationSeconds) * time.Second
	}

	if w.TodStart != nil {
		opts = append(opts, metric.WithUTCTodStart(*w.TodStart))
	}
	if w.TodStop != nil {
		opts = append(opts, metric.WithUTCTodStop(*w.TodStop))
	}
	return metric.NewPeriod(w.Type, occurrence, stop, duration, opts...)
}

func compressed(raw interface{}, compress timex.Compressor) (time.Time, error) {
	t, err := timex.ParseTime(raw)
	if err != nil {
		return time.Time{}, err
	}
	if compress != nil {
		t = compress.Compress(t)
	}
	return t, nil
}

// FromMetric renders m in wire form.
func FromMetric(m metric.Metric) MetricJSON {
	w := MetricJSON{
		ID:          m.ID.String(),
		Type:        m.Type,
		Class:       string(m.Class),
		Occurrence:  m.Occurrence.UTC().Format(time.RFC3339),
		Count:       m.Count,
		PrimaryTags: m.PrimaryTags.Strings(),
		MinorTags:   m.MinorTags.Strings(),
	}
	if m.IsEvent() {
		q := m.Quantity
		w.Quantity = &q
		return w
	}

	secs := int64(m.Duration / time.Second)
	todStart, todStop := m.TodStart, m.TodStop
	w.Stop = m.Stop.UTC().Format(time.RFC3339)
	w.DurationSeconds = &secs
	w.TodStart = &todStart
	w.TodStop = &todStop
	return w
}

func parseIDs(raw []string) ([]ident.ID, error) {
	ids := make([]ident.ID, 0, len(raw))
	for _, s := range raw {
		id, err := ident.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
