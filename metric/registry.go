// Package metric owns the Prometheus registry shared by afspm components and
// the HTTP server exposing it.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/afspm/errors"
)

// MetricsRegistry wraps a Prometheus registry. Component collectors are
// keyed by service and metric name so a component can drop its own.
type MetricsRegistry struct {
	prom    *prometheus.Registry
	Metrics *Metrics

	mu    sync.Mutex
	owned map[metricKey]prometheus.Collector
}

type metricKey struct{ service, name string }

func (k metricKey) String() string { return k.service + "." + k.name }

// NewMetricsRegistry creates a registry holding the core afspm metrics and
// the Go runtime and process collectors.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:    prometheus.NewRegistry(),
		Metrics: NewMetrics(),
		owned:   make(map[metricKey]prometheus.Collector),
	}
	r.prom.MustRegister(r.Metrics.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// CoreMetrics returns nil on a nil registry; every Metrics method accepts a
// nil receiver.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.Metrics
}

// Register adds c under service and name. Registering the same key twice,
// or a collector whose descriptor Prometheus already holds, is invalid.
func (r *MetricsRegistry) Register(service, name string, c prometheus.Collector) error {
	key := metricKey{service, name}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.owned[key]; dup {
		return errors.WrapInvalid(fmt.Errorf("metric %s already registered", key),
			"MetricsRegistry", "Register", "duplicate metric registration")
	}
	if err := r.prom.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if stderrors.As(err, &are) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register", "prometheus conflict for "+key.String())
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register with prometheus")
	}
	r.owned[key] = c
	return nil
}

func (r *MetricsRegistry) RegisterCounter(service, name string, c prometheus.Counter) error {
	return r.Register(service, name, c)
}

func (r *MetricsRegistry) RegisterGauge(service, name string, g prometheus.Gauge) error {
	return r.Register(service, name, g)
}

func (r *MetricsRegistry) RegisterCounterVec(service, name string, c *prometheus.CounterVec) error {
	return r.Register(service, name, c)
}

func (r *MetricsRegistry) RegisterGaugeVec(service, name string, g *prometheus.GaugeVec) error {
	return r.Register(service, name, g)
}

// Unregister drops the collector registered under service and name. It
// reports whether anything was removed.
func (r *MetricsRegistry) Unregister(service, name string) bool {
	key := metricKey{service, name}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.owned[key]
	if !ok || !r.prom.Unregister(c) {
		return false
	}
	delete(r.owned, key)
	return true
}
