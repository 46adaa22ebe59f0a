// Package metrics exposes the worker's Prometheus counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pour validity labels
const (
	PourValid   = "valid"
	PourInvalid = "invalid"
)

// Session actions
const (
	SessionCreated  = "created"
	SessionExtended = "extended"
)

// Repair results
const (
	RepairFixed  = "fixed"
	RepairFailed = "failed"
)

// Metrics holds every collector of the worker. A nil *Metrics discards all
// observations.
type Metrics struct {
	events          *prometheus.CounterVec
	ingestErrors    prometheus.Counter
	pours           *prometheus.CounterVec
	pourVolume      prometheus.Histogram
	rejections      *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	statsUpdates    *prometheus.CounterVec
	commitDuration  prometheus.Histogram
	commitFallbacks prometheus.Counter
	repairs         *prometheus.CounterVec
	publishFailures prometheus.Counter
}

// New creates the collectors and registers them with registerer
func New(registerer prometheus.Registerer, serviceName string) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tapflow_meter_events_total",
			Help:        "Meter notifications applied to the flow tracker by kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		ingestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tapflow_ingest_errors_total",
			Help:        "Ingress messages rejected before reaching the flow tracker.",
			ConstLabels: constLabels,
		}),
		pours: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tapflow_pours_total",
			Help:        "Pours recorded by validity.",
			ConstLabels: constLabels,
		}, []string{"validity"}),
		pourVolume: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "tapflow_pour_volume_ml",
			Help:        "Volume of valid pours.",
			Buckets:     []float64{25, 50, 100, 200, 330, 500, 750, 1000, 2000},
			ConstLabels: constLabels,
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tapflow_pour_rejections_total",
			Help:        "Finalized flows that produced no pour, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tapflow_drinking_sessions_total",
			Help:        "Drinking session assignments by action.",
			ConstLabels: constLabels,
		}, []string{"action"}),
		statsUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tapflow_stats_updates_total",
			Help:        "Stat mapping updates by subject kind and outcome.",
			ConstLabels: constLabels,
		}, []string{"subject", "outcome"}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "tapflow_pour_commit_duration_seconds",
			Help:        "Latency of the pour, session and stats commit unit.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: constLabels,
		}),
		commitFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tapflow_pour_commit_fallbacks_total",
			Help:        "Pours persisted without session or stats, left for the repair pass.",
			ConstLabels: constLabels,
		}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tapflow_repairs_total",
			Help:        "Repair pass outcomes per pour or subject.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tapflow_publish_failures_total",
			Help:        "Pour-recorded facts that could not be published.",
			ConstLabels: constLabels,
		}),
	}

	collectors := []prometheus.Collector{
		m.events, m.ingestErrors, m.pours, m.pourVolume, m.rejections, m.sessions,
		m.statsUpdates, m.commitDuration, m.commitFallbacks, m.repairs, m.publishFailures,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) MeterEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

func (m *Metrics) IngestError() {
	if m == nil {
		return
	}
	m.ingestErrors.Inc()
}

func (m *Metrics) PourRecorded(valid bool, volumeMl float64) {
	if m == nil {
		return
	}
	if !valid {
		m.pours.WithLabelValues(PourInvalid).Inc()
		return
	}
	m.pours.WithLabelValues(PourValid).Inc()
	m.pourVolume.Observe(volumeMl)
}

func (m *Metrics) PourRejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionAssigned(created bool) {
	if m == nil {
		return
	}
	if created {
		m.sessions.WithLabelValues(SessionCreated).Inc()
		return
	}
	m.sessions.WithLabelValues(SessionExtended).Inc()
}

func (m *Metrics) StatsUpdated(subjectKind, outcome string) {
	if m == nil {
		return
	}
	m.statsUpdates.WithLabelValues(subjectKind, outcome).Inc()
}

func (m *Metrics) CommitDone(started time.Time) {
	if m == nil {
		return
	}
	m.commitDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) CommitFallback() {
	if m == nil {
		return
	}
	m.commitFallbacks.Inc()
}

func (m *Metrics) Repair(result string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(result).Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}
