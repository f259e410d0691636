package keeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nicktill/tinykeep/pkg/metric"
)

// Instrumentation counts keeper operations. A nil *Instrumentation is valid
// and records nothing.
type Instrumentation struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	stored     *prometheus.CounterVec
}

// NewInstrumentation registers the keeper counters with reg. A nil reg
// creates unregistered counters, which is handy in tests.
func NewInstrumentation(reg prometheus.Registerer) *Instrumentation {
	factory := promauto.With(reg)
	return &Instrumentation{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinykeep",
			Subsystem: "keeper",
			Name:      "operations_total",
			Help:      "Keeper operations attempted, by operation and metric class.",
		}, []string{"op", "class"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinykeep",
			Subsystem: "keeper",
			Name:      "failures_total",
			Help:      "Backend failures recovered by the keeper, by operation and metric class.",
		}, []string{"op", "class"}),
		stored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinykeep",
			Subsystem: "keeper",
			Name:      "stored_metrics_total",
			Help:      "Metrics handed to backend store logic without error.",
		}, []string{"class"}),
	}
}

func (i *Instrumentation) operation(op Op, class metric.Class) {
	if i == nil {
		return
	}
	i.operations.WithLabelValues(string(op), string(class)).Inc()
}

func (i *Instrumentation) failure(op Op, class metric.Class) {
	if i == nil {
		return
	}
	i.failures.WithLabelValues(string(op), string(class)).Inc()
}

func (i *Instrumentation) storedMetrics(class metric.Class, n int) {
	if i == nil || n == 0 {
		return
	}
	i.stored.WithLabelValues(string(class)).Add(float64(n))
}
