package upload

import (
	"context"

	"github.com/example/facefinder/internal/repository"
)

// MetricsSource aggregates persisted detection history.
type MetricsSource interface {
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// MetricsSummary represents aggregated detection insights.
type MetricsSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AverageFaces       float64 `json:"average_faces"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates detection metrics from persisted logs.
func GetMetricsSummary(ctx context.Context, source MetricsSource) (*MetricsSummary, error) {
	aggregation, err := source.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		AverageFaces:       aggregation.AverageFaces,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
