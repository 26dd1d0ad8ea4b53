package ranker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricSelectionsTotal      = "ranker_selections_total"
	MetricTrainingPairsTotal   = "ranker_training_pairs_total"
	MetricTrainingUpdatesTotal = "ranker_training_updates_total"
	MetricTrainingDroppedTotal = "ranker_training_dropped_total"
	MetricTrainingLoss         = "ranker_training_loss"
	MetricTrainingDuration     = "ranker_training_duration_seconds"
	MetricHistorySize          = "ranker_history_size"
	MetricMigrationsTotal      = "ranker_migrations_total"
	MetricStateResetsTotal     = "ranker_state_resets_total"
)

// Update status labels.
const (
	StatusApplied   = "applied"
	StatusSkipped   = "skipped"
	StatusNonFinite = "non_finite"
	StatusError     = "error"
)

// Metrics contains Prometheus metrics for ranker scoring and training.
// Every series carries a ranker label. All operations are thread-safe and a
// nil *Metrics records nothing.
type Metrics struct {
	selectionsTotal  *prometheus.CounterVec
	pairsTotal       *prometheus.CounterVec
	updatesTotal     *prometheus.CounterVec
	droppedTotal     *prometheus.CounterVec
	loss             *prometheus.GaugeVec
	trainingDuration *prometheus.HistogramVec
	historySize      *prometheus.GaugeVec
	migrationsTotal  *prometheus.CounterVec
	resetsTotal      *prometheus.CounterVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		selectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSelectionsTotal,
			Help: "Total number of selections reported to a ranker",
		}, []string{"ranker"}),
		pairsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTrainingPairsTotal,
			Help: "Total number of training pairs built from selections",
		}, []string{"ranker"}),
		updatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTrainingUpdatesTotal,
			Help: "Total number of training updates by outcome",
		}, []string{"ranker", "status"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTrainingDroppedTotal,
			Help: "Total number of training requests dropped because an update was in flight",
		}, []string{"ranker"}),
		loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricTrainingLoss,
			Help: "Mean hinge loss of the last training update",
		}, []string{"ranker"}),
		trainingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricTrainingDuration,
			Help:    "Histogram of training update duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"ranker"}),
		historySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricHistorySize,
			Help: "Number of training pairs held in the history buffer",
		}, []string{"ranker"}),
		migrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricMigrationsTotal,
			Help: "Total number of input width migrations applied on load",
		}, []string{"ranker"}),
		resetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricStateResetsTotal,
			Help: "Total number of reinitializations after corrupt or incompatible state",
		}, []string{"ranker"}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.selectionsTotal,
		m.pairsTotal,
		m.updatesTotal,
		m.droppedTotal,
		m.loss,
		m.trainingDuration,
		m.historySize,
		m.migrationsTotal,
		m.resetsTotal,
	}
}

func (m *Metrics) observeSelection(ranker string, pairs, historyLen int) {
	if m == nil {
		return
	}
	m.selectionsTotal.WithLabelValues(ranker).Inc()
	m.pairsTotal.WithLabelValues(ranker).Add(float64(pairs))
	m.historySize.WithLabelValues(ranker).Set(float64(historyLen))
}

func (m *Metrics) observeDropped(ranker string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(ranker).Inc()
}

func (m *Metrics) observeUpdate(ranker, status string, loss, seconds float64) {
	if m == nil {
		return
	}
	m.updatesTotal.WithLabelValues(ranker, status).Inc()
	m.trainingDuration.WithLabelValues(ranker).Observe(seconds)
	if status == StatusApplied || status == StatusSkipped {
		m.loss.WithLabelValues(ranker).Set(loss)
	}
}

func (m *Metrics) observeHistory(ranker string, n int) {
	if m == nil {
		return
	}
	m.historySize.WithLabelValues(ranker).Set(float64(n))
}

func (m *Metrics) observeMigration(ranker string) {
	if m == nil {
		return
	}
	m.migrationsTotal.WithLabelValues(ranker).Inc()
}

func (m *Metrics) observeReset(ranker string) {
	if m == nil {
		return
	}
	m.resetsTotal.WithLabelValues(ranker).Inc()
}
