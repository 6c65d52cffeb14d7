package observability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NoopMetricsClient is a MetricsClient that discards everything. Used in tests
// and as the default when metrics are disabled.
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that does nothing
func NewNoopMetricsClient() MetricsClient { return &NoopMetricsClient{} }

// IncrementCounter is a no-op
func (m *NoopMetricsClient) IncrementCounter(name string, value float64) {}

// IncrementCounterWithLabels is a no-op
func (m *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}

// RecordGauge is a no-op
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordTimer is a no-op
func (m *NoopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}

// Close is a no-op
func (m *NoopMetricsClient) Close() error { return nil }

// PrometheusMetricsClient implements MetricsClient using Prometheus collectors.
// Collectors are created lazily on first use and registered with the supplied
// registry, keyed by metric name and sorted label keys.
type PrometheusMetricsClient struct {
	registry   *prometheus.Registry
	namespace  string
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsClient creates a Prometheus-backed metrics client
func NewPrometheusMetricsClient(namespace string, registry *prometheus.Registry) *PrometheusMetricsClient {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &PrometheusMetricsClient{
		registry:   registry,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry returns the underlying registry for exposition
func (m *PrometheusMetricsClient) Registry() *prometheus.Registry {
	return m.registry
}

// IncrementCounter increments a counter without labels
func (m *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

// IncrementCounterWithLabels increments a counter with the given labels
func (m *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	keys, values := splitLabels(labels)
	m.mu.Lock()
	vec, ok := m.counters[metricKey(name, keys)]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      sanitizeName(name),
		}, keys)
		m.registry.MustRegister(vec)
		m.counters[metricKey(name, keys)] = vec
	}
	m.mu.Unlock()
	vec.WithLabelValues(values...).Add(value)
}

// RecordGauge sets a gauge with the given labels
func (m *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	keys, values := splitLabels(labels)
	m.mu.Lock()
	vec, ok := m.gauges[metricKey(name, keys)]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      sanitizeName(name),
		}, keys)
		m.registry.MustRegister(vec)
		m.gauges[metricKey(name, keys)] = vec
	}
	m.mu.Unlock()
	vec.WithLabelValues(values...).Set(value)
}

// RecordTimer records a duration into a histogram, in seconds
func (m *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	keys, values := splitLabels(labels)
	m.mu.Lock()
	vec, ok := m.histograms[metricKey(name, keys)]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      sanitizeName(name),
			Buckets:   prometheus.DefBuckets,
		}, keys)
		m.registry.MustRegister(vec)
		m.histograms[metricKey(name, keys)] = vec
	}
	m.mu.Unlock()
	vec.WithLabelValues(values...).Observe(duration.Seconds())
}

// Close releases the client. The registry itself is owned by the caller.
func (m *PrometheusMetricsClient) Close() error { return nil }

func splitLabels(labels map[string]string) ([]string, []string) {
	if len(labels) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	return keys, values
}

func metricKey(name string, labelKeys []string) string {
	return name + "{" + strings.Join(labelKeys, ",") + "}"
}

func sanitizeName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}
