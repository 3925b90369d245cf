package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports pipeline health to Prometheus.
type Metrics struct {
	queueDepth      *prometheus.GaugeVec
	laneSuccessRate *prometheus.GaugeVec
	avgDurationMs   prometheus.Gauge
	outboxPending   prometheus.Gauge
	windowTotal     prometheus.Gauge
	alertsTotal     *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
}

// NewMetrics registers the monitor metric set on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "innerloop_bus_queue_depth",
			Help: "Entries per priority stream.",
		}, []string{"stream"}),
		laneSuccessRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "innerloop_analysis_lane_success_rate",
			Help: "Per-lane success rate over the sampling window.",
		}, []string{"lane"}),
		avgDurationMs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "innerloop_analysis_background_duration_ms_avg",
			Help: "Average background task duration over the sampling window.",
		}),
		outboxPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "innerloop_outbox_pending",
			Help: "Outbox events waiting for the relay.",
		}),
		windowTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "innerloop_analysis_window_total",
			Help: "Analysis records processed in the sampling window.",
		}),
		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "innerloop_alerts_total",
			Help: "Alerts raised, by type and severity.",
		}, []string{"alert_type", "severity"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "innerloop_auto_retries_total",
			Help: "Auto-retry attempts, by lane and outcome.",
		}, []string{"lane", "outcome"}),
	}
}

// Observe publishes one collector snapshot.
func (m *Metrics) Observe(s *Snapshot) {
	if m == nil {
		return
	}
	for stream, depth := range s.QueueDepths {
		m.queueDepth.WithLabelValues(stream).Set(float64(depth))
	}
	m.laneSuccessRate.WithLabelValues("vectorization").Set(s.VectorizationSuccessRate)
	m.laneSuccessRate.WithLabelValues("dp_update").Set(s.DPUpdateSuccessRate)
	m.avgDurationMs.Set(s.AvgDurationMs)
	m.outboxPending.Set(float64(s.OutboxPending))
	m.windowTotal.Set(float64(s.Total))
}

func (m *Metrics) AlertRaised(alertType string, severity Severity) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(alertType, string(severity)).Inc()
}

func (m *Metrics) RetryObserved(lane, outcome string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(lane, outcome).Inc()
}
