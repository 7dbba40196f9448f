package notify

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

type notifyMetricsCollection struct {
	receivedCount  metric.Int64Counter
	queuedCount    metric.Int64Counter
	reconnectCount metric.Int64Counter
}

func setupNotifyMetrics(meter metric.Meter) (notifyMetricsCollection, error) {
	receivedCount, err := meter.Int64Counter(
		"notify/received_count",
		metric.WithDescription("Number of notifications received over the socket"),
	)
	if err != nil {
		return notifyMetricsCollection{}, fmt.Errorf("failed to create received count metric: %w", err)
	}

	queuedCount, err := meter.Int64Counter(
		"notify/queued_count",
		metric.WithDescription("Number of notifications queued because nobody was subscribed"),
	)
	if err != nil {
		return notifyMetricsCollection{}, fmt.Errorf("failed to create queued count metric: %w", err)
	}

	reconnectCount, err := meter.Int64Counter(
		"notify/reconnect_count",
		metric.WithDescription("Number of scheduled reconnection attempts"),
	)
	if err != nil {
		return notifyMetricsCollection{}, fmt.Errorf("failed to create reconnect count metric: %w", err)
	}

	return notifyMetricsCollection{
		receivedCount:  receivedCount,
		queuedCount:    queuedCount,
		reconnectCount: reconnectCount,
	}, nil
}
