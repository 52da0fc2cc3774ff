package hub

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "workerhub/hub"

type hubMetrics struct {
	dispatched metric.Int64Counter
	completed  metric.Int64Counter
	connected  metric.Int64UpDownCounter
	rpcCalls   metric.Int64Counter
}

func newHubMetrics() (*hubMetrics, error) {
	meter := otel.Meter(instrumentationName)

	dispatched, err := meter.Int64Counter("workerhub.jobs.dispatched",
		metric.WithDescription("Jobs pushed to a worker connection"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatched counter: %w", err)
	}

	completed, err := meter.Int64Counter("workerhub.jobs.completed",
		metric.WithDescription("Jobs that reached a terminal state"))
	if err != nil {
		return nil, fmt.Errorf("failed to create completed counter: %w", err)
	}

	connected, err := meter.Int64UpDownCounter("workerhub.workers.connected",
		metric.WithDescription("Registered worker connections"))
	if err != nil {
		return nil, fmt.Errorf("failed to create connected gauge: %w", err)
	}

	rpcCalls, err := meter.Int64Counter("workerhub.rpc.calls",
		metric.WithDescription("Synchronous task calls by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc counter: %w", err)
	}

	return &hubMetrics{
		dispatched: dispatched,
		completed:  completed,
		connected:  connected,
		rpcCalls:   rpcCalls,
	}, nil
}

func (m *hubMetrics) jobCompleted(ctx context.Context, outcome string) {
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *hubMetrics) rpcCall(ctx context.Context, outcome string) {
	m.rpcCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
