// Package metrics exposes the billing subsystem's prometheus
// instruments. Instruments register against the default registerer
// through a singleton so the scheduler, webhook path, and tests share
// one set.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every series.
type Config struct {
	ServiceName string
	Environment string
}

type Metrics struct {
	webhookEvents  *prometheus.CounterVec
	chargeOutcomes *prometheus.CounterVec
	invoicesIssued prometheus.Counter
	jobRuns        *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	jobTimeouts    *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	batchProcessed *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// Default returns the singleton metrics registry.
func Default() *Metrics {
	return WithConfig(Config{})
}

// WithConfig returns the singleton metrics registry using config labels.
// The first caller wins; later configs are ignored.
func WithConfig(cfg Config) *Metrics {
	metricsOnce.Do(func() {
		metrics = newMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return metrics
}

// ResetForTest resets the singleton so tests can re-register against a
// fresh registry.
func ResetForTest() {
	metricsOnce = sync.Once{}
	metrics = nil
}

func newMetrics(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "subpay"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "subpay_webhook_events_total",
		Help:        "Webhook deliveries by gateway and disposition.",
		ConstLabels: constLabels,
	}, []string{"gateway", "result"})
	chargeOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "subpay_charge_outcomes_total",
		Help:        "Normalized charge outcomes by gateway and status.",
		ConstLabels: constLabels,
	}, []string{"gateway", "status"})
	invoicesIssued := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "subpay_invoices_issued_total",
		Help:        "Invoices issued for captured payments.",
		ConstLabels: constLabels,
	})
	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "subpay_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "subpay_scheduler_job_errors_total",
		Help:        "Scheduler job errors by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "subpay_scheduler_job_timeouts_total",
		Help:        "Scheduler job timeouts that threaten billing batch SLAs.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "subpay_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency to protect billing batch freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "subpay_scheduler_batch_processed_total",
		Help:        "Scheduler batch items processed to gauge billing throughput.",
		ConstLabels: constLabels,
	}, []string{"job"})

	registerer.MustRegister(
		webhookEvents,
		chargeOutcomes,
		invoicesIssued,
		jobRuns,
		jobErrors,
		jobTimeouts,
		jobDuration,
		batchProcessed,
	)

	return &Metrics{
		webhookEvents:  webhookEvents,
		chargeOutcomes: chargeOutcomes,
		invoicesIssued: invoicesIssued,
		jobRuns:        jobRuns,
		jobErrors:      jobErrors,
		jobTimeouts:    jobTimeouts,
		jobDuration:    jobDuration,
		batchProcessed: batchProcessed,
	}
}

// RecordWebhookEvent increments webhook delivery counts. Result is one
// of accepted, ignored, invalid_signature, invalid_payload, error.
func (m *Metrics) RecordWebhookEvent(gateway, result string) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	m.webhookEvents.WithLabelValues(gateway, result).Inc()
}

// RecordChargeOutcome increments normalized outcome counts.
func (m *Metrics) RecordChargeOutcome(gateway, status string) {
	if m == nil || m.chargeOutcomes == nil {
		return
	}
	m.chargeOutcomes.WithLabelValues(gateway, status).Inc()
}

// RecordInvoiceIssued increments the issued invoice count.
func (m *Metrics) RecordInvoiceIssued() {
	if m == nil || m.invoicesIssued == nil {
		return
	}
	m.invoicesIssued.Inc()
}

// IncJobRun increments the run counter for a scheduler job.
func (m *Metrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// IncJobError increments the error counter for a scheduler job.
func (m *Metrics) IncJobError(job string) {
	if m == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

// IncJobTimeout increments the timeout counter for a scheduler job.
func (m *Metrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *Metrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// AddBatchProcessed increments the batch processed counter by count.
func (m *Metrics) AddBatchProcessed(job string, count int) {
	if m == nil || m.batchProcessed == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(count))
}
