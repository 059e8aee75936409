package api

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsObserver exports flow and step lifecycle counters and step
// latency histograms to a Prometheus registry. Exposing the registry
// over HTTP is the embedding application's concern.
type MetricsObserver struct {
	flowsStarted   *prometheus.CounterVec
	flowsCompleted *prometheus.CounterVec
	flowsFailed    *prometheus.CounterVec
	flowsWaiting   *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	stepFailures   *prometheus.CounterVec
}

// NewMetricsObserver registers the sagaflow metric families with reg.
// A nil registerer uses the default prometheus registry.
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &MetricsObserver{
		flowsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_flows_started_total",
			Help: "Flow instances started.",
		}, []string{"flow"}),
		flowsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_flows_completed_total",
			Help: "Flow instances that reached COMPLETED.",
		}, []string{"flow"}),
		flowsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_flows_failed_total",
			Help: "Flow instances that reached FAILED.",
		}, []string{"flow"}),
		flowsWaiting: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_flows_waiting_total",
			Help: "Flow suspensions on a wait condition.",
		}, []string{"flow"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaflow_step_duration_seconds",
			Help:    "Wall time per step dispatch, including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"flow", "step"}),
		stepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_step_failures_total",
			Help: "Steps that finished with an error.",
		}, []string{"flow", "step"}),
	}
}

func (m *MetricsObserver) OnFlowStart(ctx context.Context, snap *Snapshot) {
	m.flowsStarted.WithLabelValues(snap.FlowName).Inc()
}

func (m *MetricsObserver) OnFlowCompleted(ctx context.Context, snap *Snapshot) {
	m.flowsCompleted.WithLabelValues(snap.FlowName).Inc()
}

func (m *MetricsObserver) OnFlowFailed(ctx context.Context, snap *Snapshot, err error) {
	m.flowsFailed.WithLabelValues(snap.FlowName).Inc()
}

func (m *MetricsObserver) OnFlowWaiting(ctx context.Context, snap *Snapshot, wc WaitCondition) {
	m.flowsWaiting.WithLabelValues(snap.FlowName).Inc()
}

func (m *MetricsObserver) OnStepStart(ctx context.Context, snap *Snapshot, name string, pos Position) {
}

func (m *MetricsObserver) OnStepCompleted(ctx context.Context, snap *Snapshot, name string, pos Position, err error, d time.Duration) {
	m.stepDuration.WithLabelValues(snap.FlowName, name).Observe(d.Seconds())
	if err != nil {
		m.stepFailures.WithLabelValues(snap.FlowName, name).Inc()
	}
}
