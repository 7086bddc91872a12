package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Prometheus implements Sink on a prometheus registry. Collectors are
// created on first use per (name, label-set) and registration conflicts
// resolve to the already-registered collector.
type Prometheus struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheus constructs a Sink registering into the default registry.
func NewPrometheus(subsystem string) *Prometheus {
	return NewPrometheusWith(prometheus.DefaultRegisterer, subsystem)
}

// NewPrometheusWith constructs a Sink registering into the given registry.
func NewPrometheusWith(reg prometheus.Registerer, subsystem string) *Prometheus {
	return &Prometheus{
		namespace:  "zephyr",
		subsystem:  subsystem,
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// IncCounter increments a counter by one.
func (p *Prometheus) IncCounter(name string, labels map[string]string) {
	p.AddCounter(name, 1, labels)
}

// AddCounter increments a counter by value.
func (p *Prometheus) AddCounter(name string, value float64, labels map[string]string) {
	p.counter(name, labelKeys(labels)).With(labels).Add(value)
}

// SetGauge sets a gauge to value.
func (p *Prometheus) SetGauge(name string, value float64, labels map[string]string) {
	p.gauge(name, labelKeys(labels)).With(labels).Set(value)
}

// Observe records a histogram observation.
func (p *Prometheus) Observe(name string, value float64, labels map[string]string) {
	p.histogram(name, labelKeys(labels)).With(labels).Observe(value)
}

func (p *Prometheus) counter(name string, keys []string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Subsystem: p.subsystem,
		Name:      name,
	}, keys)
	if err := p.registry.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			vec = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	p.counters[name] = vec
	return vec
}

func (p *Prometheus) gauge(name string, keys []string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.gauges[name]; ok {
		return vec
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Subsystem: p.subsystem,
		Name:      name,
	}, keys)
	if err := p.registry.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			vec = are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
	p.gauges[name] = vec
	return vec
}

func (p *Prometheus) histogram(name string, keys []string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Subsystem: p.subsystem,
		Name:      name,
		Buckets:   histogramBuckets,
	}, keys)
	if err := p.registry.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			vec = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	p.histograms[name] = vec
	return vec
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
