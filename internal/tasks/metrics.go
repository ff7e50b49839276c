package tasks

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	executeCount    metric.Int64Counter
	executeDuration metric.Int64Histogram
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/resvd/tasks")
	m := &metrics{}
	var err error

	m.executeCount, err = meter.Int64Counter(
		"resvd.task.execute",
		metric.WithDescription("Tracked task executions"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "resvd.task.execute", "error", err)
	}
	m.executeDuration, err = meter.Int64Histogram(
		"resvd.task.execute.duration_ms",
		metric.WithDescription("Tracked task execution duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "resvd.task.execute.duration_ms", "error", err)
	}
	return m
}

func (m *metrics) recordExecute(ctx context.Context, task, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("resvd.task", task),
		attribute.String("outcome", outcome),
	)
	if m.executeCount != nil {
		m.executeCount.Add(ctx, 1, attrs)
	}
	if m.executeDuration != nil && outcome != "skipped" {
		m.executeDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}
