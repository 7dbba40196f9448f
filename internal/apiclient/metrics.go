package apiclient

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

type apiClientMetricsCollection struct {
	requestCount    metric.Int64Counter
	supersededCount metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func setupAPIClientMetrics(meter metric.Meter) (apiClientMetricsCollection, error) {
	requestCount, err := meter.Int64Counter(
		"apiclient/request_count",
		metric.WithDescription("Total number of requests sent to the API"),
	)
	if err != nil {
		return apiClientMetricsCollection{}, fmt.Errorf("failed to create request count metric: %w", err)
	}

	supersededCount, err := meter.Int64Counter(
		"apiclient/superseded_count",
		metric.WithDescription("Number of in-flight requests canceled by an identical newer request"),
	)
	if err != nil {
		return apiClientMetricsCollection{}, fmt.Errorf("failed to create superseded count metric: %w", err)
	}

	requestDuration, err := meter.Float64Histogram(
		"apiclient/request_duration_seconds",
		metric.WithDescription("Time from sending a request until the response body is read"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return apiClientMetricsCollection{}, fmt.Errorf("failed to create request duration metric: %w", err)
	}

	return apiClientMetricsCollection{
		requestCount:    requestCount,
		supersededCount: supersededCount,
		requestDuration: requestDuration,
	}, nil
}
