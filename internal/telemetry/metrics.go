package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Stepflow/internal/domain"
)

const namespace = "stepflow"

// Metrics — Prometheus метрики оркестратора, воркера и переходов job.
//
// Metrics реализует наблюдатель engine.Observer (JobTransition)
// и хуки оркестратора.
type Metrics struct {
	batchesDispatched *prometheus.CounterVec
	batchesFinished   *prometheus.CounterVec
	batchesFailed     *prometheus.CounterVec
	batchesRetried    prometheus.Counter
	reserved          *prometheus.GaugeVec
	jobTransitions    *prometheus.CounterVec
	submissions       *prometheus.CounterVec
}

// NewMetrics создаёт и регистрирует метрики в reg
// (prometheus.DefaultRegisterer, если reg == nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		batchesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_dispatched_total",
			Help:      "Batches dispatched, by deploy target.",
		}, []string{"deploy"}),
		batchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_finished_total",
			Help:      "Batches finished successfully, by deploy target.",
		}, []string{"deploy"}),
		batchesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Batches failed permanently, by deploy target.",
		}, []string{"deploy"}),
		batchesRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_retried_total",
			Help:      "Batches cleaned and retried after a recoverable failure.",
		}),
		reserved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resources_reserved",
			Help:      "Resources currently reserved by admitted batches.",
		}, []string{"resource"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Persisted job status transitions.",
		}, []string{"workflow", "status"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_processed_total",
			Help:      "Submissions processed by workers, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.batchesDispatched,
		m.batchesFinished,
		m.batchesFailed,
		m.batchesRetried,
		m.reserved,
		m.jobTransitions,
		m.submissions,
	)
	return m
}

// BatchDispatched учитывает отправленный batch.
func (m *Metrics) BatchDispatched(deploy string) {
	m.batchesDispatched.WithLabelValues(deploy).Inc()
}

// BatchFinished учитывает успешно завершённый batch.
func (m *Metrics) BatchFinished(deploy string) {
	m.batchesFinished.WithLabelValues(deploy).Inc()
}

// BatchFailed учитывает окончательно упавший batch.
func (m *Metrics) BatchFailed(deploy string) {
	m.batchesFailed.WithLabelValues(deploy).Inc()
}

// BatchRetried учитывает повтор batch.
func (m *Metrics) BatchRetried() {
	m.batchesRetried.Inc()
}

// ResourceReserved устанавливает текущий резерв ресурса.
func (m *Metrics) ResourceReserved(resource string, amount float64) {
	m.reserved.WithLabelValues(resource).Set(amount)
}

// SubmissionProcessed учитывает обработанную воркером заявку.
func (m *Metrics) SubmissionProcessed(result string) {
	m.submissions.WithLabelValues(result).Inc()
}

// JobTransition учитывает записанный переход статуса job.
func (m *Metrics) JobTransition(_ context.Context, ref domain.JobRef, info domain.JobInfo) error {
	m.jobTransitions.WithLabelValues(ref.Workflow, info.Status.String()).Inc()
	return nil
}
