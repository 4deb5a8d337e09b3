package prometheus

import (
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	runsSubmitted     *prometheus.CounterVec
	runsCompleted     *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	runsActive        prometheus.Gauge
	runsQueued        prometheus.Gauge
	tasksExecuted     *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	taskRetries       *prometheus.CounterVec
	resourceDenied    prometheus.Counter
	resourceCommitted *prometheus.GaugeVec
	resourceTotal     *prometheus.GaugeVec
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge

	// LLM operator metrics
	llmCalls   *prometheus.CounterVec
	llmTokens  *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec
}

// NewCollector creates a collector registered with reg. A nil reg uses the
// default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		runsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_runs_submitted_total",
				Help: "Total number of runs submitted",
			},
			[]string{"pipeline"},
		),
		runsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_runs_completed_total",
				Help: "Total number of runs finished, by final status",
			},
			[]string{"pipeline", "status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagrun_run_duration_seconds",
				Help:    "Run duration from admission to completion in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"pipeline"},
		),
		runsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_runs_active",
				Help: "Number of admitted runs",
			},
		),
		runsQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_runs_queued",
				Help: "Number of runs waiting for admission",
			},
		),
		tasksExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_task_attempts_total",
				Help: "Total number of task attempts, by operator and outcome",
			},
			[]string{"operator", "status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagrun_task_duration_seconds",
				Help:    "Task attempt duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"operator"},
		),
		taskRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_task_retries_total",
				Help: "Total number of scheduled task retries",
			},
			[]string{"operator"},
		),
		resourceDenied: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dagrun_resource_denied_total",
				Help: "Reservations refused because capacity was committed",
			},
		),
		resourceCommitted: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dagrun_resource_committed",
				Help: "Committed capacity by resource",
			},
			[]string{"resource"},
		),
		resourceTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dagrun_resource_total",
				Help: "Total capacity by resource",
			},
			[]string{"resource"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dagrun_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
		llmCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_llm_calls_total",
				Help: "Total number of LLM API calls",
			},
			[]string{"model", "status"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dagrun_llm_tokens_total",
				Help: "Total number of LLM tokens used",
			},
			[]string{"model", "type"},
		),
		llmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dagrun_llm_latency_seconds",
				Help:    "LLM API call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 60},
			},
			[]string{"model"},
		),
	}
}

// RecordRunSubmitted counts a submitted run
func (c *Collector) RecordRunSubmitted(pipelineID string) {
	c.runsSubmitted.WithLabelValues(pipelineID).Inc()
}

// RecordRunCompleted counts a finished run and observes its duration
func (c *Collector) RecordRunCompleted(pipelineID string, status domain.RunStatus, duration time.Duration) {
	c.runsCompleted.WithLabelValues(pipelineID, string(status)).Inc()
	if duration > 0 {
		c.runDuration.WithLabelValues(pipelineID).Observe(duration.Seconds())
	}
}

// RecordTaskExecuted counts one finished attempt
func (c *Collector) RecordTaskExecuted(operator string, status domain.TaskStatus, duration time.Duration) {
	c.tasksExecuted.WithLabelValues(operator, string(status)).Inc()
	c.taskDuration.WithLabelValues(operator).Observe(duration.Seconds())
}

// RecordTaskRetry counts a scheduled retry
func (c *Collector) RecordTaskRetry(operator string) {
	c.taskRetries.WithLabelValues(operator).Inc()
}

// RecordResourceDenied counts a refused reservation
func (c *Collector) RecordResourceDenied() {
	c.resourceDenied.Inc()
}

// SetRunCounts sets the admitted and waiting run gauges
func (c *Collector) SetRunCounts(active, queued int) {
	c.runsActive.Set(float64(active))
	c.runsQueued.Set(float64(queued))
}

// SetResourceUsage exports the resource manager snapshot
func (c *Collector) SetResourceUsage(usage domain.ResourceUsage) {
	c.resourceCommitted.WithLabelValues("cpu").Set(usage.Committed.CPU)
	c.resourceCommitted.WithLabelValues("memory").Set(usage.Committed.Memory)
	c.resourceCommitted.WithLabelValues("gpu").Set(float64(usage.Committed.GPU))
	c.resourceTotal.WithLabelValues("cpu").Set(usage.Total.CPU)
	c.resourceTotal.WithLabelValues("memory").Set(usage.Total.Memory)
	c.resourceTotal.WithLabelValues("gpu").Set(float64(usage.Total.GPU))
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

// RecordLLMCall counts one LLM API call and its token usage
func (c *Collector) RecordLLMCall(model, status string, latency time.Duration, inputTokens, outputTokens int64) {
	c.llmCalls.WithLabelValues(model, status).Inc()
	c.llmLatency.WithLabelValues(model).Observe(latency.Seconds())
	if inputTokens > 0 {
		c.llmTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		c.llmTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}
