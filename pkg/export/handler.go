package export

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinykeep/pkg/httpx"
	"github.com/nicktill/tinykeep/pkg/metric"
)

// MaxImportBytes bounds the size of an uploaded backup.
const MaxImportBytes = 64 << 20

var (
	unboundedStart = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	unboundedStop  = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
)

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	log      logrus.FieldLogger
}

// NewHandler creates a new export/import handler
func NewHandler(k Keeper, log logrus.FieldLogger) *Handler {
	return &Handler{
		exporter: NewExporter(k),
		importer: NewImporter(k),
		log:      log.WithField("component", "export"),
	}
}

// HandleExport handles GET /v1/{class}/export
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	class, err := metric.ParseClass(mux.Vars(r)["class"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid format, must be 'json' or 'csv'")
		return
	}

	opts := ExportOptions{Class: class}
	for _, t := range query["type"] {
		if t = strings.TrimSpace(t); t != "" {
			opts.Types = append(opts.Types, t)
		}
	}

	if start, stop := query.Get("start"), query.Get("stop"); start != "" || stop != "" {
		var from, to interface{} = unboundedStart, unboundedStop
		if start != "" {
			from = start
		}
		if stop != "" {
			to = stop
		}
		c, err := metric.NewCriteria(from, to)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		opts.Criteria = &c
	}

	// Buffer so a failure can still be answered with an error status
	var buf bytes.Buffer
	var result *ExportResult
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), &buf, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), &buf, opts)
	}
	if err != nil {
		h.log.WithError(err).Error("export failed")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	timestamp := time.Now().Format("20060102-150405")
	contentType := "application/json"
	if format == "csv" {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tinykeep-%s-%s.%s", class, timestamp, format))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.log.WithError(err).Warn("failed to write export")
		return
	}

	h.log.WithFields(logrus.Fields{
		"class":   class,
		"format":  format,
		"metrics": result.MetricsExported,
	}).Info("exported metrics")
}

// HandleImport handles POST /v1/import
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	result, err := h.importer.ImportFromJSON(r.Context(), http.MaxBytesReader(w, r.Body, MaxImportBytes))
	if err != nil {
		h.log.WithError(err).Warn("import failed")
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	entry := h.log.WithFields(logrus.Fields{
		"metrics": result.MetricsImported,
		"batches": result.BatchesWritten,
		"range":   result.TimeRange,
	})
	if len(result.Errors) > 0 {
		entry = entry.WithField("skipped", len(result.Errors))
	}
	entry.Info("imported metrics")

	httpx.RespondJSON(w, http.StatusOK, result)
}
