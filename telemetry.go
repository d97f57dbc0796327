package poold

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"pkt.systems/poold/internal/svcfields"
	"pkt.systems/poold/internal/version"
	"pkt.systems/pslog"
)

// telemetryBundle owns the metrics pipeline: an OTel meter provider backed
// by a Prometheus exporter, the scrape listener, and the optional pprof
// listener. All of it is disabled when no listen addresses are configured.
type telemetryBundle struct {
	logger        pslog.Logger
	meterProvider *sdkmetric.MeterProvider
	metricsSrv    *http.Server
	pprofSrv      *http.Server
}

func newTelemetryBundle(cfg Config, logger pslog.Logger) (*telemetryBundle, error) {
	if cfg.MetricsListen == "" && cfg.PprofListen == "" {
		return nil, nil
	}
	t := &telemetryBundle{
		logger: svcfields.WithSubsystem(logger, "telemetry"),
	}

	if cfg.MetricsListen != "" {
		registry := prometheus.NewRegistry()
		exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("poold"),
			semconv.ServiceVersion(version.Current()),
		))
		if err != nil {
			return nil, fmt.Errorf("telemetry resource: %w", err)
		}
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(t.meterProvider)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		t.metricsSrv = &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	if cfg.PprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		t.pprofSrv = &http.Server{
			Addr:              cfg.PprofListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return t, nil
}

// Start launches the configured listeners. Serve failures are logged, not
// fatal: the coordination service keeps running without its scrape
// endpoint.
func (t *telemetryBundle) Start() {
	if t == nil {
		return
	}
	if t.metricsSrv != nil {
		go func() {
			t.logger.Info("metrics.listening", "address", t.metricsSrv.Addr)
			if err := t.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.logger.Warn("metrics.serve_failed", "error", err)
			}
		}()
	}
	if t.pprofSrv != nil {
		go func() {
			t.logger.Info("pprof.listening", "address", t.pprofSrv.Addr)
			if err := t.pprofSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.logger.Warn("pprof.serve_failed", "error", err)
			}
		}()
	}
}

// Shutdown stops the listeners and flushes the meter provider.
func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.metricsSrv != nil {
		if err := t.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if t.pprofSrv != nil {
		if err := t.pprofSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("pprof server shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
