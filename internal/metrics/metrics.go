// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rally"

// Metrics bundles the Prometheus collectors shared by the scoring engine, the
// finalization gateway and the session manager. A nil *Metrics is valid and
// records nothing, so tests and tools can skip wiring a registry.
type Metrics struct {
	pointsAwarded      prometheus.Counter
	eventsRejected     *prometheus.CounterVec
	matchesStarted     prometheus.Counter
	matchesEnded       prometheus.Counter
	matchesAborted     prometheus.Counter
	liveMatches        prometheus.Gauge
	finalizations      *prometheus.CounterVec
	finalizeDuration   prometheus.Histogram
	journalPublishErrs prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pointsAwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_awarded_total",
			Help:      "Points awarded across all matches.",
		}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Gameplay events rejected by a scoring engine, by reason.",
		}, []string{"reason"}),
		matchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_started_total",
			Help:      "Match sessions started.",
		}),
		matchesEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_ended_total",
			Help:      "Matches that reached the win threshold.",
		}),
		matchesAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_aborted_total",
			Help:      "Matches torn down before completion.",
		}),
		liveMatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_matches",
			Help:      "Match sessions currently registered.",
		}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Match finalization attempts, by result.",
		}, []string{"result"}),
		finalizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalization_duration_seconds",
			Help:      "Time spent persisting a finished match.",
			Buckets:   prometheus.DefBuckets,
		}),
		journalPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_publish_errors_total",
			Help:      "Match action records that could not be pushed to the journal queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.pointsAwarded,
			m.eventsRejected,
			m.matchesStarted,
			m.matchesEnded,
			m.matchesAborted,
			m.liveMatches,
			m.finalizations,
			m.finalizeDuration,
			m.journalPublishErrs,
		)
	}
	return m
}

func (m *Metrics) PointAwarded() {
	if m == nil {
		return
	}
	m.pointsAwarded.Inc()
}

func (m *Metrics) EventRejected(reason string) {
	if m == nil {
		return
	}
	m.eventsRejected.WithLabelValues(reason).Inc()
}

// MatchStarted counts a new session and bumps the live gauge.
func (m *Metrics) MatchStarted() {
	if m == nil {
		return
	}
	m.matchesStarted.Inc()
	m.liveMatches.Inc()
}

func (m *Metrics) MatchEnded() {
	if m == nil {
		return
	}
	m.matchesEnded.Inc()
}

func (m *Metrics) MatchAborted() {
	if m == nil {
		return
	}
	m.matchesAborted.Inc()
}

// SessionClosed drops a session from the live gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.liveMatches.Dec()
}

// FinalizationObserved records the outcome and duration of one finalization run.
func (m *Metrics) FinalizationObserved(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.finalizations.WithLabelValues(result).Inc()
	m.finalizeDuration.Observe(took.Seconds())
}

func (m *Metrics) JournalPublishFailed() {
	if m == nil {
		return
	}
	m.journalPublishErrs.Inc()
}
