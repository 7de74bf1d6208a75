package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ChecksTotal            *prometheus.CounterVec
	DenialsTotal           *prometheus.CounterVec
	BlockedRequestsTotal   prometheus.Counter
	EscalationsTotal       *prometheus.CounterVec
	ActiveBlocks           prometheus.Gauge
	TwoFactorLockoutsTotal prometheus.Counter
	RetentionRunsTotal     *prometheus.CounterVec
	RetentionDeletedTotal  *prometheus.CounterVec
	RetentionDuration      prometheus.Histogram
	CheckDuration          prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		ChecksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rategate_checks_total",
			Help: "Total number of rate limit checks by action and outcome",
		}, []string{"action", "outcome"}),
		DenialsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rategate_denials_total",
			Help: "Total number of denials by scope and trip window",
		}, []string{"scope", "window"}),
		BlockedRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rategate_blocked_requests_total",
			Help: "Total number of requests denied by an active IP block",
		}),
		EscalationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rategate_escalations_total",
			Help: "Total number of rule escalations by rule name",
		}, []string{"rule"}),
		ActiveBlocks: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rategate_active_blocks",
			Help: "Current number of active IP blocks",
		}),
		TwoFactorLockoutsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rategate_twofactor_lockouts_total",
			Help: "Total number of 2FA lockouts reported",
		}),
		RetentionRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rategate_retention_runs_total",
			Help: "Total number of retention worker runs",
		}, []string{"status"}),
		RetentionDeletedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rategate_retention_deleted_total",
			Help: "Total number of rows pruned by the retention worker",
		}, []string{"kind"}),
		RetentionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "rategate_retention_duration_seconds",
			Help: "Duration of retention runs in seconds",
		}),
		CheckDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rategate_check_duration_seconds",
			Help:    "Duration of rate limit checks in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) IncrementChecks(action, outcome string) {
	m.ChecksTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) IncrementDenials(scope, window string) {
	m.DenialsTotal.WithLabelValues(scope, window).Inc()
}

func (m *Metrics) IncrementBlockedRequests() {
	m.BlockedRequestsTotal.Inc()
}

func (m *Metrics) IncrementEscalations(rule string) {
	m.EscalationsTotal.WithLabelValues(rule).Inc()
}

func (m *Metrics) SetActiveBlocks(count int) {
	m.ActiveBlocks.Set(float64(count))
}

func (m *Metrics) IncrementTwoFactorLockouts() {
	m.TwoFactorLockoutsTotal.Inc()
}

func (m *Metrics) IncrementRetentionRuns(status string) {
	m.RetentionRunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) AddRetentionDeleted(kind string, count int) {
	m.RetentionDeletedTotal.WithLabelValues(kind).Add(float64(count))
}

func (m *Metrics) ObserveRetentionDuration(seconds float64) {
	m.RetentionDuration.Observe(seconds)
}

func (m *Metrics) ObserveCheckDuration(seconds float64) {
	m.CheckDuration.Observe(seconds)
}
