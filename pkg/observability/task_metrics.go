package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricTaskExecutionsTotal = "turbotask.task.executions.total"
	metricTaskDuration        = "turbotask.task.duration.seconds"
	metricCallCacheHitsTotal  = "turbotask.call.cache.hits.total"
	metricCallCacheMissTotal  = "turbotask.call.cache.misses.total"
	metricCollectiblesEmitted = "turbotask.collectibles.emitted.total"

	attrFunction = "function"
)

// TaskMetrics holds OTel instruments for the engine's own execution
// concerns: how often task bodies actually run, how long they take, and
// how often Call resolves a fingerprint to an existing task versus driving
// a fresh execution.
type TaskMetrics struct {
	executionsTotal   metric.Int64Counter
	executionDuration metric.Float64Histogram
	cacheHitsTotal    metric.Int64Counter
	cacheMissesTotal  metric.Int64Counter
	collectiblesTotal metric.Int64Counter
}

// ExecutionStats describes a single task body run, ready to be recorded
// once the body returns.
type ExecutionStats struct {
	Function string
	Duration time.Duration
	Errored  bool
}

// NewTaskMetrics creates the engine's metric instruments from the given meter.
func NewTaskMetrics(mt metric.Meter) (*TaskMetrics, error) {
	executions, err := mt.Int64Counter(metricTaskExecutionsTotal,
		metric.WithDescription("Total task body executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTaskExecutionsTotal, err)
	}

	duration, err := mt.Float64Histogram(metricTaskDuration,
		metric.WithDescription("Task body execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTaskDuration, err)
	}

	hits, err := mt.Int64Counter(metricCallCacheHitsTotal,
		metric.WithDescription("Call invocations resolved to an already-memoized task"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCallCacheHitsTotal, err)
	}

	misses, err := mt.Int64Counter(metricCallCacheMissTotal,
		metric.WithDescription("Call invocations that created a new task"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCallCacheMissTotal, err)
	}

	collectibles, err := mt.Int64Counter(metricCollectiblesEmitted,
		metric.WithDescription("Collectible values emitted by task bodies"),
		metric.WithUnit("{value}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricCollectiblesEmitted, err)
	}

	return &TaskMetrics{
		executionsTotal:   executions,
		executionDuration: duration,
		cacheHitsTotal:    hits,
		cacheMissesTotal:  misses,
		collectiblesTotal: collectibles,
	}, nil
}

// RecordExecution records a single completed task body run.
// Safe to call on a nil receiver (no-op), so the engine can carry this
// field unconditionally even when observability was never configured.
func (tm *TaskMetrics) RecordExecution(ctx context.Context, stats ExecutionStats) {
	if tm == nil {
		return
	}

	status := "ok"
	if stats.Errored {
		status = statusError
	}

	attrs := metric.WithAttributes(
		attribute.String(attrFunction, stats.Function),
		attribute.String(attrStatus, status),
	)

	tm.executionsTotal.Add(ctx, 1, attrs)
	tm.executionDuration.Record(ctx, stats.Duration.Seconds(), attrs)
}

// RecordCall records whether a Call invocation hit an existing task or
// created a new one, keyed by the function that was called.
func (tm *TaskMetrics) RecordCall(ctx context.Context, function string, hit bool) {
	if tm == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrFunction, function))
	if hit {
		tm.cacheHitsTotal.Add(ctx, 1, attrs)
		return
	}

	tm.cacheMissesTotal.Add(ctx, 1, attrs)
}

// RecordCollectible records a single collectible emission.
func (tm *TaskMetrics) RecordCollectible(ctx context.Context, function string) {
	if tm == nil {
		return
	}

	tm.collectiblesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrFunction, function)))
}
