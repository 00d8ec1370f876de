// Package metrics exports transfer counters to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harrylevesque/qrdrop/internal/collector"
	"github.com/harrylevesque/qrdrop/internal/transmit"
)

// Metrics observes both the collector and the transmitter.
type Metrics struct {
	collector.BaseReporter

	FramesReceived  *prometheus.CounterVec
	ShardsCompleted prometheus.Counter
	Deliveries      *prometheus.CounterVec
	Stalls          prometheus.Counter
	FramesRendered  *prometheus.CounterVec
	Cycles          prometheus.Gauge
	SessionProgress *prometheus.GaugeVec
	SessionsActive  prometheus.Gauge

	mu       sync.Mutex
	sessions map[string]struct{}
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	auto := promauto.With(reg)
	return &Metrics{
		FramesReceived: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrdrop_frames_received_total",
				Help: "Total number of decoded frame texts, by outcome.",
			},
			[]string{"result"},
		),
		ShardsCompleted: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "qrdrop_shards_completed_total",
				Help: "Total number of original shards fully assembled.",
			},
		),
		Deliveries: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrdrop_deliveries_total",
				Help: "Total number of reconstruction attempts, by outcome.",
			},
			[]string{"result"},
		),
		Stalls: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "qrdrop_session_stalls_total",
				Help: "Total number of sessions flagged as stalled.",
			},
		),
		FramesRendered: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrdrop_frames_rendered_total",
				Help: "Total number of frames shown by the transmitter, by outcome.",
			},
			[]string{"result"},
		),
		Cycles: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "qrdrop_transmit_cycle",
				Help: "Current transmission cycle.",
			},
		),
		SessionProgress: auto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qrdrop_session_progress_ratio",
				Help: "Share of original shards received for each open session.",
			},
			[]string{"session"},
		),
		SessionsActive: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "qrdrop_sessions_active",
				Help: "Number of sessions being received.",
			},
		),
		sessions: make(map[string]struct{}),
	}
}

func (m *Metrics) OnFrame(r collector.FrameResult) {
	m.FramesReceived.WithLabelValues(r.Result).Inc()
}

func (m *Metrics) OnShard(collector.Progress, int) {
	m.ShardsCompleted.Inc()
}

func (m *Metrics) OnProgress(p collector.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Complete {
		m.forget(p.SessionID)
		return
	}
	m.sessions[p.SessionID] = struct{}{}
	m.SessionsActive.Set(float64(len(m.sessions)))
	m.SessionProgress.WithLabelValues(p.SessionID).Set(float64(p.Shards) / float64(p.K))
}

func (m *Metrics) OnComplete(collector.Delivery) {
	m.Deliveries.WithLabelValues("success").Inc()
}

func (m *Metrics) OnFailure(collector.Progress, error) {
	m.Deliveries.WithLabelValues("failure").Inc()
}

func (m *Metrics) OnStall(collector.Progress) {
	m.Stalls.Inc()
}

// ForgetSessions drops per-session series, used after a collector reset.
func (m *Metrics) ForgetSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.sessions {
		m.forget(id)
	}
}

func (m *Metrics) forget(id string) {
	delete(m.sessions, id)
	m.SessionProgress.DeleteLabelValues(id)
	m.SessionsActive.Set(float64(len(m.sessions)))
}

// OnRender implements transmit.Reporter.
func (m *Metrics) OnRender(r transmit.RenderResult) {
	result := "success"
	if r.Err != nil {
		result = "failure"
	}
	m.FramesRendered.WithLabelValues(result).Inc()
	m.Cycles.Set(float64(r.Cycle))
}
