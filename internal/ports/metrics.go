package ports

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type portsMetricsCollection struct {
	commandCount    metric.Int64Counter
	commandDuration metric.Float64Histogram
}

var metrics portsMetricsCollection

func init() {
	const name = "loadercache/ports"
	meter := otel.Meter(name)

	commandCount, err := meter.Int64Counter(
		"ports/command_count",
		metric.WithDescription("Total number of commands received"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create command count metric: %w", err))
	}

	commandDuration, err := meter.Float64Histogram(
		"ports/command_duration_seconds",
		metric.WithDescription("Processing time for received commands"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create command duration metric: %w", err))
	}

	metrics = portsMetricsCollection{
		commandCount:    commandCount,
		commandDuration: commandDuration,
	}
}

func recordCommand(ctx context.Context, resp response, start time.Time) {
	command := resp.Command
	switch command {
	case "resolve", "clear":
	default:
		// Arbitrary user input
		command = "<unknown>"
	}

	attributesOption := metric.WithAttributes(
		attribute.String("command", command),
		attribute.Bool("success", resp.Success),
	)

	metrics.commandCount.Add(ctx, 1, attributesOption)
	metrics.commandDuration.Record(ctx, time.Since(start).Seconds(), attributesOption)
}
