package loadercache

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type cacheMetricsCollection struct {
	lookupCount metric.Int64Counter
}

func setupCacheMetrics(meter metric.Meter) (cacheMetricsCollection, error) {
	lookupCount, err := meter.Int64Counter(
		"loadercache/lookups",
		metric.WithDescription("Class loader lookups by result"),
	)
	if err != nil {
		return cacheMetricsCollection{}, fmt.Errorf("failed to create lookup count metric: %w", err)
	}

	return cacheMetricsCollection{
		lookupCount: lookupCount,
	}, nil
}

func (m cacheMetricsCollection) recordLookup(ctx context.Context, result lookupResult) {
	m.lookupCount.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}
