package observ

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics keeps lazily-created Prometheus vectors keyed by metric name.
// The label set of a metric is fixed by its first use.
type metrics struct {
	mu       sync.Mutex
	reg      *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

var reg = &metrics{
	reg:      prometheus.NewRegistry(),
	counters: map[string]*prometheus.CounterVec{},
	gauges:   map[string]*prometheus.GaugeVec{},
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IncCounter increments a labeled counter, creating it on first use.
func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

// IncCounterBy adds value to a labeled counter.
func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	cv, ok := reg.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelNames(labels))
		reg.reg.MustRegister(cv)
		reg.counters[name] = cv
	}
	reg.mu.Unlock()

	if m, err := cv.GetMetricWith(prometheus.Labels(labels)); err == nil {
		m.Add(value)
	}
}

// SetGauge sets a labeled gauge, creating it on first use.
func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	gv, ok := reg.gauges[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelNames(labels))
		reg.reg.MustRegister(gv)
		reg.gauges[name] = gv
	}
	reg.mu.Unlock()

	if m, err := gv.GetMetricWith(prometheus.Labels(labels)); err == nil {
		m.Set(value)
	}
}

// Handler exposes the metrics registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{})
}
