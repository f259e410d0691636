package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinykeep/pkg/config"
	"github.com/nicktill/tinykeep/pkg/export"
	"github.com/nicktill/tinykeep/pkg/httpx"
	"github.com/nicktill/tinykeep/pkg/keeper"
	"github.com/nicktill/tinykeep/pkg/metric"
	"github.com/nicktill/tinykeep/pkg/server/monitor"
	"github.com/nicktill/tinykeep/pkg/storage"
	"github.com/nicktill/tinykeep/pkg/timex"
)

var startTime = time.Now()

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Open bounds used when a find names filters but no time range.
var (
	minTime = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	maxTime = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
)

// Handler serves the keeper over HTTP.
type Handler struct {
	keeper  *keeper.Keeper
	backend storage.Backend
	hub     *Hub
	gc      *monitor.MaintenanceMonitor
	log     logrus.FieldLogger
}

// NewHandler creates a handler. hub and gc may be nil.
func NewHandler(k *keeper.Keeper, backend storage.Backend, hub *Hub, gc *monitor.MaintenanceMonitor, log logrus.FieldLogger) *Handler {
	return &Handler{
		keeper:  k,
		backend: backend,
		hub:     hub,
		gc:      gc,
		log:     log,
	}
}

// HandleStore stores a batch of metrics.
func (h *Handler) HandleStore(w http.ResponseWriter, r *http.Request) {
	var req StoreRequest
	if err := httpx.DecodeJSON(w, r, config.MaxRequestBytes, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, errors.Wrap(err, "invalid JSON"))
		return
	}

	if len(req.Metrics) == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "no metrics provided")
		return
	}
	if len(req.Metrics) > config.MaxMetricsPerRequest {
		httpx.RespondErrorString(w, http.StatusBadRequest, "too many metrics: max "+strconv.Itoa(config.MaxMetricsPerRequest))
		return
	}

	compress, err := timex.ParseCompressor(req.Compress)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	batch := make([]metric.Metric, 0, len(req.Metrics))
	ids := make([]string, 0, len(req.Metrics))
	for i, mj := range req.Metrics {
		m, err := mj.ToMetric(compress)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, errors.Wrapf(err, "metric %d", i))
			return
		}
		batch = append(batch, m)
		ids = append(ids, m.ID.String())
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.StoreTimeout)
	defer cancel()

	if err := h.keeper.Store(ctx, batch...); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	h.log.WithField("count", len(batch)).Debug("stored metrics")
	httpx.RespondJSON(w, http.StatusOK, StoreResponse{Accepted: len(batch), IDs: ids})
}

// HandleReplace removes old ids and stores the replacement.
func (h *Handler) HandleReplace(w http.ResponseWriter, r *http.Request) {
	var req ReplaceRequest
	if err := httpx.DecodeJSON(w, r, config.MaxRequestBytes, &req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, errors.Wrap(err, "invalid JSON"))
		return
	}

	m, err := req.Metric.ToMetric(nil)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	oldIDs, err := parseIDs(req.OldIDs)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.StoreTimeout)
	defer cancel()

	if err := h.keeper.Replace(ctx, m, oldIDs...); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, StoreResponse{Accepted: 1, IDs: []string{m.ID.String()}})
}

// HandleTypes lists the known types of a class.
func (h *Handler) HandleTypes(w http.ResponseWriter, r *http.Request) {
	class, err := metric.ParseClass(mux.Vars(r)["class"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.TypesTimeout)
	defer cancel()

	types := h.keeper.MetricTypes(ctx, class)
	if types == nil {
		types = []string{}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"class": class,
		"types": types,
	})
}

// HandleFind returns the metrics of a type matching the query parameters.
func (h *Handler) HandleFind(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	class, err := metric.ParseClass(vars["class"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	criteria, err := parseCriteria(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.FindTimeout)
	defer cancel()

	found := h.keeper.Find(ctx, vars["type"], class, criteria)
	out := make([]MetricJSON, 0, len(found))
	for _, m := range found {
		out = append(out, FromMetric(m))
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": out,
		"count":   len(out),
	})
}

// HandleRemove deletes metrics by id. Unknown ids are ignored.
func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	class, err := metric.ParseClass(vars["class"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ids, err := parseIDs(splitList(r.URL.Query()["id"]))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if len(ids) == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "id parameter required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.StoreTimeout)
	defer cancel()

	h.keeper.Remove(ctx, vars["type"], class, ids...)
	httpx.RespondJSON(w, http.StatusOK, map[string]int{"requested": len(ids)})
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string                     `json:"status"`
	Version string                     `json:"version"`
	Uptime  string                     `json:"uptime"`
	Storage *storage.Stats             `json:"storage,omitempty"`
	GC      *monitor.MaintenanceStatus `json:"gc,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

// HandleHealth returns service health status.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "healthy",
		Version: Version,
		Uptime:  time.Since(startTime).String(),
	}
	statusCode := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
	defer cancel()

	stats, err := h.backend.Stats(ctx)
	if err != nil {
		response.Status = "degraded"
		response.Error = err.Error()
		statusCode = http.StatusServiceUnavailable
	}
	response.Storage = stats

	if h.gc != nil {
		status := h.gc.Status()
		response.GC = &status
		if !status.Healthy {
			response.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}

	httpx.RespondJSON(w, statusCode, response)
}

// parseCriteria builds the find criteria from query parameters. It returns
// nil when no filter is given.
func parseCriteria(r *http.Request) (*metric.Criteria, error) {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil, nil
	}

	var opts []metric.CriteriaOption

	todStart, todStop := q.Get("tod_start"), q.Get("tod_stop")
	switch {
	case todStart != "" && todStop != "":
		start, err := parseTod(todStart)
		if err != nil {
			return nil, err
		}
		stop, err := parseTod(todStop)
		if err != nil {
			return nil, err
		}
		opts = append(opts, metric.WithTodRange(start, stop))
	case todStart != "":
		start, err := parseTod(todStart)
		if err != nil {
			return nil, err
		}
		opts = append(opts, metric.WithTimeOfDay(start))
	case todStop != "":
		return nil, errors.Wrap(timex.ErrInvalidTimeOfDay, "tod_stop without tod_start")
	}

	if dow := q.Get("dow"); dow != "" {
		wd, err := timex.ParseWeekday(dow)
		if err != nil {
			return nil, err
		}
		opts = append(opts, metric.WithDayOfWeek(wd))
	}
	if tz := q.Get("tz"); tz != "" {
		loc, err := timex.ParseZone(tz)
		if err != nil {
			return nil, err
		}
		opts = append(opts, metric.WithTimezone(loc))
	}
	if primary := splitList(q["primary"]); len(primary) > 0 {
		opts = append(opts, metric.WithPrimary(primary...))
	}
	if minor := splitList(q["minor"]); len(minor) > 0 {
		opts = append(opts, metric.WithMinor(minor...))
	}

	rawStart, rawStop := q.Get("start"), q.Get("stop")
	if rawStart == "" && rawStop == "" && len(opts) == 0 {
		return nil, nil
	}

	var start, stop interface{} = minTime, maxTime
	if rawStart != "" {
		start = rawStart
	}
	if rawStop != "" {
		stop = rawStop
	}

	c, err := metric.NewCriteria(start, stop, opts...)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func parseTod(raw string) (float64, error) {
	tod, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Wrapf(timex.ErrInvalidTimeOfDay, "%q", raw)
	}
	return tod, timex.ValidateTod(tod)
}

// splitList flattens repeated and comma separated query values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, h *Handler, gatherer prometheus.Gatherer, port string) {
	router.Use(corsMiddleware(port))

	api := router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/metrics", h.HandleStore).Methods("POST")
	api.HandleFunc("/metrics/replace", h.HandleReplace).Methods("POST")
	api.HandleFunc("/health", h.HandleHealth).Methods("GET")
	if h.hub != nil {
		api.Handle("/ws", h.hub).Methods("GET")
	}
	exports := export.NewHandler(h.keeper, h.log)
	api.HandleFunc("/import", exports.HandleImport).Methods("POST")
	api.HandleFunc("/{class}/export", exports.HandleExport).Methods("GET")
	api.HandleFunc("/{class}/types", h.HandleTypes).Methods("GET")
	api.HandleFunc("/{class}/{type}/metrics", h.HandleFind).Methods("GET")
	api.HandleFunc("/{class}/{type}/metrics", h.HandleRemove).Methods("DELETE")

	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
