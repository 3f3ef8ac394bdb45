package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Broker Metrics
var (
	BrokerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sutfleet",
		Subsystem: "broker",
		Name:      "queue_depth",
		Help:      "Requests waiting for the broker worker",
	})

	BrokerInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sutfleet",
		Subsystem: "broker",
		Name:      "in_flight",
		Help:      "Requests currently forwarded to the vision backend (0 or 1)",
	})

	BrokerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sutfleet",
		Subsystem: "broker",
		Name:      "requests_total",
		Help:      "Broker requests by result",
	}, []string{"result"})

	BrokerForwardLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sutfleet",
		Subsystem: "broker",
		Name:      "forward_latency_seconds",
		Help:      "Latency of forwarding one request to the vision backend",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)

// Session Metrics
var (
	SessionActiveCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sutfleet",
		Subsystem: "session",
		Name:      "active_count",
		Help:      "Number of sessions with a live worker",
	})

	SessionRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sutfleet",
		Subsystem: "session",
		Name:      "runs_total",
		Help:      "Completed runs by outcome",
	}, []string{"outcome"})

	SessionBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sutfleet",
		Subsystem: "session",
		Name:      "batches_total",
		Help:      "Finished batches by terminal status",
	}, []string{"status"})
)

// BrokerRecorder is the broker's view of the metrics above.
type BrokerRecorder struct{}

func (BrokerRecorder) QueueDepth(n int)     { BrokerQueueDepth.Set(float64(n)) }
func (BrokerRecorder) InFlight(active bool) { BrokerInFlight.Set(boolGauge(active)) }
func (BrokerRecorder) Result(result string, seconds float64) {
	BrokerRequestsTotal.WithLabelValues(result).Inc()
	if seconds >= 0 {
		BrokerForwardLatency.Observe(seconds)
	}
}

// SessionRecorder is the session controller's view of the metrics above.
type SessionRecorder struct{}

func (SessionRecorder) WorkerStarted()              { SessionActiveCount.Inc() }
func (SessionRecorder) WorkerExited()               { SessionActiveCount.Dec() }
func (SessionRecorder) RunFinished(outcome string)  { SessionRunsTotal.WithLabelValues(outcome).Inc() }
func (SessionRecorder) BatchFinished(status string) { SessionBatchesTotal.WithLabelValues(status).Inc() }

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
