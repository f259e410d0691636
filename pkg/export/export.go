package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nicktill/tinykeep/pkg/metric"
)

// FormatVersion is written into JSON backups.
const FormatVersion = "1.0"

// Keeper is the part of the metrics keeper used for backup and restore.
type Keeper interface {
	MetricTypes(ctx context.Context, class metric.Class) []string
	Find(ctx context.Context, metricType string, class metric.Class, c *metric.Criteria) []metric.Metric
	Store(ctx context.Context, metrics ...metric.Metric) error
}

// Exporter handles exporting metrics to various formats
type Exporter struct {
	keeper Keeper
}

// NewExporter creates a new exporter
func NewExporter(k Keeper) *Exporter {
	return &Exporter{keeper: k}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	Class metric.Class

	// Types to export (nil = every type of the class)
	Types []string

	// Criteria narrows the metrics (nil = everything)
	Criteria *metric.Criteria
}

// ExportResult contains stats about the export
type ExportResult struct {
	MetricsExported int       `json:"metrics_exported"`
	Types           []string  `json:"types"`
	Format          string    `json:"format"`
	ExportedAt      time.Time `json:"exported_at"`
}

// Metadata describes a JSON backup.
type Metadata struct {
	ExportedAt  time.Time `json:"exported_at"`
	Class       string    `json:"class"`
	Types       []string  `json:"types"`
	MetricCount int       `json:"metric_count"`
	Version     string    `json:"version"`
}

// Backup is the JSON document written by ExportToJSON.
type Backup struct {
	Metadata Metadata `json:"metadata"`
	Metrics  []Record `json:"metrics"`
}

func (e *Exporter) collect(ctx context.Context, opts ExportOptions) ([]string, []metric.Metric, error) {
	if !opts.Class.Valid() {
		return nil, nil, errors.Wrapf(metric.ErrInvalidClass, "%q", opts.Class)
	}

	types := opts.Types
	if len(types) == 0 {
		types = e.keeper.MetricTypes(ctx, opts.Class)
	}
	types = append([]string(nil), types...)
	sort.Strings(types)

	var out []metric.Metric
	for _, t := range types {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		out = append(out, e.keeper.Find(ctx, t, opts.Class, opts.Criteria)...)
	}
	return types, out, nil
}

// ExportToJSON exports metrics as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	types, found, err := e.collect(ctx, opts)
	if err != nil {
		return nil, err
	}

	backup := Backup{
		Metadata: Metadata{
			ExportedAt:  time.Now().UTC(),
			Class:       string(opts.Class),
			Types:       types,
			MetricCount: len(found),
			Version:     FormatVersion,
		},
		Metrics: make([]Record, 0, len(found)),
	}
	for _, m := range found {
		backup.Metrics = append(backup.Metrics, NewRecord(m))
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(backup); err != nil {
		return nil, errors.Wrap(err, "failed to encode JSON")
	}

	return &ExportResult{
		MetricsExported: len(found),
		Types:           types,
		Format:          "json",
		ExportedAt:      backup.Metadata.ExportedAt,
	}, nil
}

var csvHeader = []string{
	"id", "type", "class", "occurrence", "count", "quantity",
	"stop", "duration_seconds", "tod_start", "tod_stop", "primary_tags", "minor_tags",
}

// ExportToCSV exports metrics as CSV to the given writer
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	types, found, err := e.collect(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return nil, errors.Wrap(err, "failed to write CSV header")
	}

	for _, m := range found {
		row := []string{
			m.ID.String(),
			m.Type,
			string(m.Class),
			m.Occurrence.UTC().Format(time.RFC3339),
			strconv.FormatInt(m.Count, 10),
			"", "", "", "", "",
			strings.Join(m.PrimaryTags.Strings(), "|"),
			strings.Join(m.MinorTags.Strings(), "|"),
		}
		if m.IsEvent() {
			row[5] = strconv.FormatInt(m.Quantity, 10)
		} else {
			row[6] = m.Stop.UTC().Format(time.RFC3339)
			row[7] = strconv.FormatInt(int64(m.Duration/time.Second), 10)
			row[8] = strconv.FormatFloat(m.TodStart, 'f', 2, 64)
			row[9] = strconv.FormatFloat(m.TodStop, 'f', 2, 64)
		}
		if err := writer.Write(row); err != nil {
			return nil, errors.Wrap(err, "failed to write CSV row")
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, errors.Wrap(err, "failed to flush CSV")
	}

	return &ExportResult{
		MetricsExported: len(found),
		Types:           types,
		Format:          "csv",
		ExportedAt:      time.Now().UTC(),
	}, nil
}
