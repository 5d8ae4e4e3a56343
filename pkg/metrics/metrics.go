package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scanner metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprobe_probes_total",
			Help: "Total number of port probes by protocol and status",
		},
		[]string{"protocol", "status"},
	)

	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netprobe_probe_duration_seconds",
			Help:    "Port probe duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	// Ping metrics
	PingSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprobe_ping_samples_total",
			Help: "Total number of ping samples by method and result",
		},
		[]string{"method", "result"},
	)

	PingRTT = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netprobe_ping_rtt_seconds",
			Help:    "Ping round-trip time in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Broker metrics
	BrokerSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netprobe_broker_sessions",
			Help: "Number of currently connected broker sessions",
		},
	)

	BrokerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprobe_broker_messages_total",
			Help: "Total number of broker messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	BrokerErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netprobe_broker_errors_total",
			Help: "Total number of broker frame and dispatch errors",
		},
	)

	// Stream bridge metrics
	StreamSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netprobe_stream_subscribers",
			Help: "Number of live stream subscribers by kind",
		},
		[]string{"kind"},
	)

	StreamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netprobe_stream_events_total",
			Help: "Total number of stream events emitted by type",
		},
		[]string{"type"},
	)

	// Registry metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netprobe_tasks_total",
			Help: "Number of registry tasks by kind and status",
		},
		[]string{"kind", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(PingSamplesTotal)
	prometheus.MustRegister(PingRTT)
	prometheus.MustRegister(BrokerSessions)
	prometheus.MustRegister(BrokerMessagesTotal)
	prometheus.MustRegister(BrokerErrorsTotal)
	prometheus.MustRegister(StreamSubscribers)
	prometheus.MustRegister(StreamEventsTotal)
	prometheus.MustRegister(TasksTotal)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures operation duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time in the given histogram vec
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer was created
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
