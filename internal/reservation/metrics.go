package reservation

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type metrics struct {
	reserveCount    metric.Int64Counter
	reserveDuration metric.Int64Histogram
	releaseCount    metric.Int64Counter
	loadGauge       metric.Int64ObservableGauge

	mu    sync.Mutex
	loads map[string]int64
}

func newMetrics(logger pslog.Logger) *metrics {
	meter := otel.Meter("pkt.systems/resvd/reservation")
	m := &metrics{loads: make(map[string]int64)}
	var err error

	m.reserveCount, err = meter.Int64Counter(
		"resvd.reservation.reserve",
		metric.WithDescription("Reserve calls"),
	)
	logMetricInitError(logger, "resvd.reservation.reserve", err)

	m.reserveDuration, err = meter.Int64Histogram(
		"resvd.reservation.reserve.duration_ms",
		metric.WithDescription("Reserve duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "resvd.reservation.reserve.duration_ms", err)

	m.releaseCount, err = meter.Int64Counter(
		"resvd.reservation.release",
		metric.WithDescription("Release calls"),
	)
	logMetricInitError(logger, "resvd.reservation.release", err)

	m.loadGauge, err = meter.Int64ObservableGauge(
		"resvd.queue.load",
		metric.WithDescription("Last observed number of resources pinned per queue"),
	)
	logMetricInitError(logger, "resvd.queue.load", err)

	if m.loadGauge != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			m.observeLoads(o)
			return nil
		}, m.loadGauge); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "resvd.queue.load", "error", err)
		}
	}
	return m
}

func (m *metrics) observeLoads(o metric.Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for queue, count := range m.loads {
		o.ObserveInt64(m.loadGauge, count, metric.WithAttributes(attribute.String("resvd.queue", queue)))
	}
}

func (m *metrics) setLoad(queue string, count int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.loads[queue] = count
	m.mu.Unlock()
}

func (m *metrics) dropLoad(queue string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.loads, queue)
	m.mu.Unlock()
}

func (m *metrics) recordReserve(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.reserveCount != nil {
		m.reserveCount.Add(ctx, 1, attrs)
	}
	if m.reserveDuration != nil {
		m.reserveDuration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (m *metrics) recordRelease(ctx context.Context, outcome string) {
	if m == nil || m.releaseCount == nil {
		return
	}
	m.releaseCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
