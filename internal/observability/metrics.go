package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lmst/attendance-admin-client/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "attendance-admin-client"

type AppMetrics struct {
	sessionLoginCounter   metric.Int64Counter
	sessionRefreshCounter metric.Int64Counter
	sessionLogoutCounter  metric.Int64Counter
	gatewayRetryCounter   metric.Int64Counter
	gatewayFaultCounter   metric.Int64Counter
	feedFetchCounter      metric.Int64Counter
	feedReadSyncCounter   metric.Int64Counter
	realtimeEventCounter  metric.Int64Counter
	stateStoreCounter     metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	m, err := newAppMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, err
	}
	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func newAppMetrics(meter metric.Meter) (*AppMetrics, error) {
	m := &AppMetrics{}
	counters := []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"session.login.attempts", &m.sessionLoginCounter},
		{"session.refresh.attempts", &m.sessionRefreshCounter},
		{"session.logout.attempts", &m.sessionLogoutCounter},
		{"gateway.auth.retries", &m.gatewayRetryCounter},
		{"gateway.faults.surfaced", &m.gatewayFaultCounter},
		{"notifications.fetch.events", &m.feedFetchCounter},
		{"notifications.read_sync.events", &m.feedReadSyncCounter},
		{"realtime.events", &m.realtimeEventCounter},
		{"state_store.operations", &m.stateStoreCounter},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func newResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
}

func currentMetrics() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordSessionLogin(status string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.sessionLoginCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordSessionRefresh(status string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.sessionRefreshCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordSessionLogout(status string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.sessionLogoutCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordGatewayRetry(ctx context.Context, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.gatewayRetryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func RecordGatewayFault(ctx context.Context, kind string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.gatewayFaultCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func RecordFeedFetch(ctx context.Context, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.feedFetchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func RecordFeedReadSync(ctx context.Context, operation, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.feedReadSyncCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func RecordRealtimeEvent(ctx context.Context, driver, event string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.realtimeEventCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("driver", driver),
		attribute.String("event", event),
	))
}

func RecordStateStoreOperation(ctx context.Context, backend, operation, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.stateStoreCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}
