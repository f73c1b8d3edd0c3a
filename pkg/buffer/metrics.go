package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/afspm/metric"
)

// Metrics holds Prometheus collectors shared by many histories. Each history
// reports under its own "buffer" label value.
type Metrics struct {
	appends   *prometheus.CounterVec
	evictions *prometheus.CounterVec
	size      *prometheus.GaugeVec
}

// NewMetrics creates and registers history metrics for a component.
func NewMetrics(registry *metric.MetricsRegistry, component string) (*Metrics, error) {
	labels := prometheus.Labels{"component": component}
	m := &Metrics{
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "afspm",
			Subsystem:   "history",
			Name:        "appends_total",
			ConstLabels: labels,
			Help:        "Total number of items appended to a history",
		}, []string{"buffer"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "afspm",
			Subsystem:   "history",
			Name:        "evictions_total",
			ConstLabels: labels,
			Help:        "Total number of items evicted because a history was full",
		}, []string{"buffer"}),
		size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "afspm",
			Subsystem:   "history",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of items held by a history",
		}, []string{"buffer"}),
	}

	if err := registry.RegisterCounterVec(component, "history_appends", m.appends); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(component, "history_evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec(component, "history_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordAppend(name string, size int, evicted bool) {
	m.appends.WithLabelValues(name).Inc()
	if evicted {
		m.evictions.WithLabelValues(name).Inc()
	}
	m.size.WithLabelValues(name).Set(float64(size))
}
