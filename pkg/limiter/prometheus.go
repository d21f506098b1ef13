package limiter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder adapts a Prometheus registry to the MetricsRecorder
// interface. Counter names are flattened into the "name" label so the
// recorder needs no knowledge of which signals the limiter emits.
type PrometheusRecorder struct {
	calls   *prometheus.CounterVec
	latency prometheus.Histogram
}

// NewPrometheusRecorder registers the limiter collectors with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_store_calls_total",
				Help: "Total number of bucket store round trips",
			},
			[]string{"name", "op"},
		),
		latency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ratelimit_store_latency_seconds",
				Help:    "Bucket store round trip latency",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	reg.MustRegister(r.calls, r.latency)
	return r
}

func (r *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	r.calls.WithLabelValues(name, tags["op"]).Add(value)
}

func (r *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	r.latency.Observe(value)
}
