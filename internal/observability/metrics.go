// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// RegisterQueueDepth registers an observable gauge that calls depth only when scraped.
// A failing depth query is logged and skipped so a store outage never breaks the scrape.
func RegisterQueueDepth(meter metric.Meter, depth func(context.Context) (int64, error), logger *zap.Logger) error {
	_, err := meter.Int64ObservableGauge("workerhub.queue.depth",
		metric.WithDescription("Current number of queued jobs"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			n, err := depth(ctx)
			if err != nil {
				logger.Warn("failed to read queue depth", zap.Error(err))
				return nil
			}
			obs.Observe(n)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register queue depth gauge: %w", err)
	}
	return nil
}
