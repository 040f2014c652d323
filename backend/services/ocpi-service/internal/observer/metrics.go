package observer

import (
	"context"
	"strconv"

	"ocpihub/backend/services/ocpi-service/internal/metrics"
)

// MetricsObserver records request counters and latencies.
type MetricsObserver struct{}

func (MetricsObserver) OnRequest(context.Context, Exchange) {}

func (MetricsObserver) OnResponse(_ context.Context, ex Exchange, out Outcome) {
	metrics.HTTPRequestsTotal.WithLabelValues(ex.Method, ex.Route, strconv.Itoa(out.Status)).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(ex.Method, ex.Route).Observe(out.Duration.Seconds())
}
