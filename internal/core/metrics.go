package core

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type coordMetrics struct {
	obtainCount   metric.Int64Counter
	obtainWaitDur metric.Int64Histogram
	releaseCount  metric.Int64Counter
	sweepCount    metric.Int64Counter
	leaseGauge    metric.Int64ObservableGauge
	workerGauge   metric.Int64ObservableGauge
	activeLeases  atomic.Int64
	activeWorkers atomic.Int64
}

func newCoordMetrics(logger pslog.Logger) *coordMetrics {
	meter := otel.Meter("pkt.systems/poold/core")
	m := &coordMetrics{}
	var err error

	m.obtainCount, err = meter.Int64Counter(
		"poold.lease.obtain",
		metric.WithDescription("Lease obtain operations"),
	)
	logMetricInitError(logger, "poold.lease.obtain", err)

	m.obtainWaitDur, err = meter.Int64Histogram(
		"poold.lease.obtain.wait_ms",
		metric.WithDescription("Time spent waiting for a free lease permit"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "poold.lease.obtain.wait_ms", err)

	m.releaseCount, err = meter.Int64Counter(
		"poold.lease.release",
		metric.WithDescription("Lease release operations"),
	)
	logMetricInitError(logger, "poold.lease.release", err)

	m.sweepCount, err = meter.Int64Counter(
		"poold.lease.swept",
		metric.WithDescription("Expired leases reclaimed by the sweeper"),
	)
	logMetricInitError(logger, "poold.lease.swept", err)

	m.leaseGauge, err = meter.Int64ObservableGauge(
		"poold.lease.active",
		metric.WithDescription("Currently held leases"),
	)
	logMetricInitError(logger, "poold.lease.active", err)

	m.workerGauge, err = meter.Int64ObservableGauge(
		"poold.workers.registered",
		metric.WithDescription("Currently registered worker pools"),
	)
	logMetricInitError(logger, "poold.workers.registered", err)

	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.leaseGauge, m.activeLeases.Load())
		o.ObserveInt64(m.workerGauge, m.activeWorkers.Load())
		return nil
	}, m.leaseGauge, m.workerGauge); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "poold.core.gauges", "error", err)
	}

	return m
}

func (m *coordMetrics) recordObtain(ctx context.Context, result string, wait time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("poold.result", result))
	if m.obtainCount != nil {
		m.obtainCount.Add(ctx, 1, attrs)
	}
	if m.obtainWaitDur != nil {
		m.obtainWaitDur.Record(ctx, wait.Milliseconds(), attrs)
	}
}

func (m *coordMetrics) recordRelease(ctx context.Context, result string) {
	if m == nil || m.releaseCount == nil {
		return
	}
	m.releaseCount.Add(ctx, 1, metric.WithAttributes(attribute.String("poold.result", result)))
}

func (m *coordMetrics) recordSwept(ctx context.Context, reclaimed int) {
	if m == nil || m.sweepCount == nil || reclaimed == 0 {
		return
	}
	m.sweepCount.Add(ctx, int64(reclaimed))
}

func (m *coordMetrics) addActiveLeases(delta int64) {
	if m == nil {
		return
	}
	m.activeLeases.Add(delta)
}

func (m *coordMetrics) addActiveWorkers(delta int64) {
	if m == nil {
		return
	}
	m.activeWorkers.Add(delta)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
