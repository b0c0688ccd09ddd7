// Package metrics provides Prometheus-compatible instrumentation for the
// dispatch loop and state store.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector registers and updates the metrics exposed by a shepherd
// process, all namespaced "shepherd_":
//
//  1. filesystem_concurrency (gauge, labels filesystem, job_id): inflight
//     attempts currently charged against a filesystem's cap.
//  2. attempt_latency_ms (histogram, labels task_id-less job_id, status):
//     wall-clock duration of a completed attempt.
//  3. attempts_total (counter, labels job_id, status): attempts recorded,
//     by outcome (success, failure).
//  4. retries_total (counter, labels job_id): tasks that re-entered todo
//     after a failed attempt.
//  5. terminal_failures_total (counter, labels job_id): tasks whose retry
//     budget was exhausted.
//  6. dispatch_loop_iteration_ms (histogram, labels job_id): duration of
//     one claim-transaction-and-handoff iteration of the dispatch loop.
type Collector struct {
	mu sync.RWMutex

	filesystemConcurrency *prometheus.GaugeVec
	attemptLatency        *prometheus.HistogramVec
	attemptsTotal         *prometheus.CounterVec
	retriesTotal          *prometheus.CounterVec
	terminalFailures      *prometheus.CounterVec
	dispatchIteration     *prometheus.HistogramVec

	enabled bool
}

// New registers shepherd's metrics with registry. A nil registry falls
// back to prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Collector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Collector{
		enabled: true,
		filesystemConcurrency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shepherd",
			Name:      "filesystem_concurrency",
			Help:      "Inflight attempts currently charged against a filesystem's concurrency cap",
		}, []string{"filesystem", "job_id"}),
		attemptLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shepherd",
			Name:      "attempt_latency_ms",
			Help:      "Wall-clock duration of a completed attempt in milliseconds",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 30000, 60000, 300000},
		}, []string{"job_id", "status"}),
		attemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shepherd",
			Name:      "attempts_total",
			Help:      "Attempts recorded, by outcome",
		}, []string{"job_id", "status"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shepherd",
			Name:      "retries_total",
			Help:      "Tasks that re-entered todo after a failed attempt",
		}, []string{"job_id"}),
		terminalFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shepherd",
			Name:      "terminal_failures_total",
			Help:      "Tasks whose retry budget was exhausted",
		}, []string{"job_id"}),
		dispatchIteration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shepherd",
			Name:      "dispatch_loop_iteration_ms",
			Help:      "Duration of one claim-and-handoff iteration of the dispatch loop",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"job_id"}),
	}
}

// SetFilesystemConcurrency records the current inflight-attempt count for
// filesystem within job.
func (c *Collector) SetFilesystemConcurrency(jobID, filesystem string, count int) {
	if !c.isEnabled() {
		return
	}
	c.filesystemConcurrency.WithLabelValues(filesystem, jobID).Set(float64(count))
}

// RecordAttempt records an attempt's outcome and latency. status is
// "success" or "failure".
func (c *Collector) RecordAttempt(jobID, status string, latency time.Duration) {
	if !c.isEnabled() {
		return
	}
	c.attemptsTotal.WithLabelValues(jobID, status).Inc()
	c.attemptLatency.WithLabelValues(jobID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries records a task re-entering todo after a failed attempt.
func (c *Collector) IncrementRetries(jobID string) {
	if !c.isEnabled() {
		return
	}
	c.retriesTotal.WithLabelValues(jobID).Inc()
}

// IncrementTerminalFailures records a task exhausting its retry budget.
func (c *Collector) IncrementTerminalFailures(jobID string) {
	if !c.isEnabled() {
		return
	}
	c.terminalFailures.WithLabelValues(jobID).Inc()
}

// RecordDispatchIteration records the duration of one dispatch loop
// iteration.
func (c *Collector) RecordDispatchIteration(jobID string, d time.Duration) {
	if !c.isEnabled() {
		return
	}
	c.dispatchIteration.WithLabelValues(jobID).Observe(float64(d.Milliseconds()))
}

// Disable suppresses metric recording, useful in tests that exercise the
// dispatch loop without a registry.
func (c *Collector) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
}

// Enable re-enables metric recording after Disable.
func (c *Collector) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
}

func (c *Collector) isEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}
