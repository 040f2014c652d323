package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector exposed on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// HTTPRequestsTotal counts handled OCPI requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpi_http_requests_total",
			Help: "Total number of OCPI HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes handler latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocpi_http_request_duration_seconds",
			Help:    "Latency of OCPI HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// ResourceWritesTotal counts PUT/PATCH/POST outcomes per resource kind.
	// outcome: created/updated/rejected
	ResourceWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpi_resource_writes_total",
			Help: "Total number of resource writes by outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// CommandsTotal tracks the command lifecycle.
	// event: registered/completed/duplicate/unknown
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpi_commands_total",
			Help: "Total number of command lifecycle events.",
		},
		[]string{"type", "event"},
	)

	// CommandForwardsTotal counts upstream result forwards. status: success/failed
	CommandForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpi_command_forwards_total",
			Help: "Total number of command results forwarded upstream.",
		},
		[]string{"status"},
	)

	// CommandsSweptTotal counts commands removed by the garbage collector.
	CommandsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ocpi_commands_swept_total",
			Help: "Total number of expired or retained commands removed.",
		},
	)

	// AuthorizationsTotal counts real-time authorization decisions.
	AuthorizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpi_authorizations_total",
			Help: "Total number of token authorization decisions.",
		},
		[]string{"allowed"},
	)

	// MonitorClients is the number of connected monitor websockets.
	MonitorClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocpi_monitor_clients",
			Help: "Number of connected monitor websocket clients.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ResourceWritesTotal,
		CommandsTotal,
		CommandForwardsTotal,
		CommandsSweptTotal,
		AuthorizationsTotal,
		MonitorClients,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
