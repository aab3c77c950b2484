// Package observability records planning metrics for Prometheus and keeps
// in-memory per-table planning statistics.
package observability

import (
	"time"
)

// Metric names emitted by the planning service.
const (
	MetricPlansTotal          = "partplan_plans_total"
	MetricPartitionsMatched   = "partplan_partitions_matched"
	MetricPartitionsPruned    = "partplan_partitions_pruned"
	MetricScannedFraction     = "partplan_scanned_fraction"
	MetricPlanDuration        = "partplan_plan_duration_seconds"
	MetricEvolutionsTotal     = "partplan_scheme_evolutions_total"
	MetricErrorsTotal         = "partplan_errors_total"
	MetricSchemePartitions    = "partplan_scheme_partitions"
	MetricSnapshotPublishFail = "partplan_snapshot_publish_failures_total"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncrementCounter increments a counter metric.
	IncrementCounter(name string, labels ...string)

	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, value float64, labels ...string)

	// RecordGauge records a gauge metric value.
	RecordGauge(name string, value float64, labels ...string)

	// StartTimer starts a timer for measuring duration.
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	// Stop stops the timer and returns the duration in seconds.
	Stop() float64
}

// NoOpCollector is a no-op implementation of Collector.
type NoOpCollector struct{}

// NewNoOpCollector creates a new no-op collector.
func NewNoOpCollector() Collector {
	return &NoOpCollector{}
}

func (n *NoOpCollector) IncrementCounter(name string, labels ...string) {}

func (n *NoOpCollector) RecordHistogram(name string, value float64, labels ...string) {}

func (n *NoOpCollector) RecordGauge(name string, value float64, labels ...string) {}

// StartTimer returns a timer that measures but records nothing.
func (n *NoOpCollector) StartTimer(name string) Timer {
	return &wallTimer{start: time.Now()}
}

type wallTimer struct {
	start time.Time
}

func (t *wallTimer) Stop() float64 {
	return time.Since(t.start).Seconds()
}

// PlanMetrics records planning events through a Collector under the
// partplan metric names.
type PlanMetrics struct {
	collector Collector
}

// NewPlanMetrics wraps c. A nil collector records nothing.
func NewPlanMetrics(c Collector) *PlanMetrics {
	if c == nil {
		c = NewNoOpCollector()
	}
	return &PlanMetrics{collector: c}
}

// Collector returns the underlying collector.
func (m *PlanMetrics) Collector() Collector {
	return m.collector
}

// RecordPlan records one planned predicate.
func (m *PlanMetrics) RecordPlan(table, strategy string, matched, pruned int, fraction float64, elapsed time.Duration) {
	m.collector.IncrementCounter(MetricPlansTotal, "table", table, "strategy", strategy)
	m.collector.RecordHistogram(MetricPartitionsMatched, float64(matched), "table", table)
	m.collector.RecordHistogram(MetricPartitionsPruned, float64(pruned), "table", table)
	m.collector.RecordHistogram(MetricScannedFraction, fraction, "table", table)
	m.collector.RecordHistogram(MetricPlanDuration, elapsed.Seconds(), "table", table)
}

// RecordEvolution records a committed scheme change and the new size.
func (m *PlanMetrics) RecordEvolution(table, operation string, partitions int) {
	m.collector.IncrementCounter(MetricEvolutionsTotal, "table", table, "operation", operation)
	m.RecordSchemeSize(table, partitions)
}

// RecordSchemeSize sets the partition count gauge for table.
func (m *PlanMetrics) RecordSchemeSize(table string, partitions int) {
	m.collector.RecordGauge(MetricSchemePartitions, float64(partitions), "table", table)
}

// RecordError counts a failed operation by error code.
func (m *PlanMetrics) RecordError(operation, code string) {
	if code == "" {
		code = "UNKNOWN"
	}
	m.collector.IncrementCounter(MetricErrorsTotal, "operation", operation, "code", code)
}

// RecordSnapshotFailure counts a scheme snapshot that could not be published.
func (m *PlanMetrics) RecordSnapshotFailure(table string) {
	m.collector.IncrementCounter(MetricSnapshotPublishFail, "table", table)
}
