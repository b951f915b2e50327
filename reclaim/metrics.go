package reclaim

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type registryMetricsCollection struct {
	cleanupCount   metric.Int64Counter
	pendingRecords metric.Int64UpDownCounter
}

func setupRegistryMetrics(meter metric.Meter) (registryMetricsCollection, error) {
	cleanupCount, err := meter.Int64Counter(
		"reclaim/cleanups",
		metric.WithDescription("Cleanup actions run for reclaimed or released values"),
	)
	if err != nil {
		return registryMetricsCollection{}, fmt.Errorf("failed to create cleanup count metric: %w", err)
	}

	pendingRecords, err := meter.Int64UpDownCounter(
		"reclaim/pending_records",
		metric.WithDescription("Registered values that have not been cleaned up yet"),
	)
	if err != nil {
		return registryMetricsCollection{}, fmt.Errorf("failed to create pending records metric: %w", err)
	}

	return registryMetricsCollection{
		cleanupCount:   cleanupCount,
		pendingRecords: pendingRecords,
	}, nil
}

func (m registryMetricsCollection) recordCleanup(ctx context.Context, outcome Outcome) {
	m.cleanupCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}
