package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "papertrader"

// registry lazily creates prometheus vectors keyed by metric name. The label
// set of a metric is fixed by its first use; later calls with different label
// keys are counted under observ_label_mismatch_total instead of panicking.
type registry struct {
	mu       sync.Mutex
	reg      *prometheus.Registry
	counters map[string]*vecEntry[*prometheus.CounterVec]
	gauges   map[string]*vecEntry[*prometheus.GaugeVec]
	hist     map[string]*vecEntry[*prometheus.HistogramVec]
	mismatch prometheus.Counter
}

type vecEntry[V any] struct {
	vec    V
	labels []string
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{
		reg:      prometheus.NewRegistry(),
		counters: map[string]*vecEntry[*prometheus.CounterVec]{},
		gauges:   map[string]*vecEntry[*prometheus.GaugeVec]{},
		hist:     map[string]*vecEntry[*prometheus.HistogramVec]{},
		mismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observ_label_mismatch_total",
			Help:      "Metric calls dropped because their label keys differ from the first use",
		}),
	}
	r.reg.MustRegister(r.mismatch)
	return r
}

// labelKeys returns the sorted keys of lbl so the label order is stable
func labelKeys(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameKeys(keys []string, lbl map[string]string) bool {
	if len(keys) != len(lbl) {
		return false
	}
	for _, k := range keys {
		if _, ok := lbl[k]; !ok {
			return false
		}
	}
	return true
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	e, ok := reg.counters[name]
	if !ok {
		keys := labelKeys(labels)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      metricName(name),
			Help:      name,
		}, keys)
		if err := reg.reg.Register(vec); err != nil {
			reg.mismatch.Inc()
			return
		}
		e = &vecEntry[*prometheus.CounterVec]{vec: vec, labels: keys}
		reg.counters[name] = e
	}
	if !sameKeys(e.labels, labels) {
		reg.mismatch.Inc()
		return
	}
	e.vec.With(labels).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	e, ok := reg.gauges[name]
	if !ok {
		keys := labelKeys(labels)
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      metricName(name),
			Help:      name,
		}, keys)
		if err := reg.reg.Register(vec); err != nil {
			reg.mismatch.Inc()
			return
		}
		e = &vecEntry[*prometheus.GaugeVec]{vec: vec, labels: keys}
		reg.gauges[name] = e
	}
	if !sameKeys(e.labels, labels) {
		reg.mismatch.Inc()
		return
	}
	e.vec.With(labels).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	e, ok := reg.hist[name]
	if !ok {
		keys := labelKeys(labels)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      metricName(name),
			Help:      name,
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}, keys)
		if err := reg.reg.Register(vec); err != nil {
			reg.mismatch.Inc()
			return
		}
		e = &vecEntry[*prometheus.HistogramVec]{vec: vec, labels: keys}
		reg.hist[name] = e
	}
	if !sameKeys(e.labels, labels) {
		reg.mismatch.Inc()
		return
	}
	e.vec.With(labels).Observe(value)
}

// RecordDuration records a duration metric in milliseconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Handler serves the registry in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func Gatherer() prometheus.Gatherer {
	return reg.reg
}
