package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/nicktill/tinykeep/pkg/metric"
)

// MaxImportBatchSize is the maximum number of metrics to store at once
const MaxImportBatchSize = 5000

// Importer handles importing metrics from backup files
type Importer struct {
	keeper Keeper
}

// NewImporter creates a new importer
func NewImporter(k Keeper) *Importer {
	return &Importer{keeper: k}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	MetricsImported int       `json:"metrics_imported"`
	BatchesWritten  int       `json:"batches_written"`
	TimeRange       string    `json:"time_range"`
	ImportedAt      time.Time `json:"imported_at"`
	Errors          []string  `json:"errors,omitempty"`
}

// ImportFromJSON imports metrics from a JSON backup. Records that do not
// describe a valid metric are skipped and reported in Errors.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var backup Backup
	if err := json.NewDecoder(r).Decode(&backup); err != nil {
		return nil, errors.Wrap(err, "failed to decode JSON")
	}

	result := &ImportResult{ImportedAt: time.Now().UTC(), TimeRange: "empty"}

	valid := make([]metric.Metric, 0, len(backup.Metrics))
	for i, rec := range backup.Metrics {
		m, err := rec.Metric()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("metric %d: %v", i, err))
			continue
		}
		valid = append(valid, m)
	}

	for i := 0; i < len(valid); i += MaxImportBatchSize {
		end := i + MaxImportBatchSize
		if end > len(valid) {
			end = len(valid)
		}
		if err := im.keeper.Store(ctx, valid[i:end]...); err != nil {
			return nil, errors.Wrapf(err, "failed to store batch %d", result.BatchesWritten)
		}
		result.BatchesWritten++
	}
	result.MetricsImported = len(valid)

	if len(valid) > 0 {
		first, last := valid[0].Occurrence, valid[0].Occurrence
		for _, m := range valid[1:] {
			if m.Occurrence.Before(first) {
				first = m.Occurrence
			}
			if m.Occurrence.After(last) {
				last = m.Occurrence
			}
		}
		result.TimeRange = fmt.Sprintf("%s to %s", first.Format(time.RFC3339), last.Format(time.RFC3339))
	}
	return result, nil
}
