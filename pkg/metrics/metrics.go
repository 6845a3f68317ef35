package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_nodes_total",
			Help: "Total number of nodes by service type and health",
		},
		[]string{"service", "health"},
	)

	NodeActiveRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_node_active_requests",
			Help: "Capacity units currently admitted per node",
		},
		[]string{"node", "service"},
	)

	// Routing metrics
	RequestsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_requests_routed_total",
			Help: "Total routing attempts by service type and outcome",
		},
		[]string{"service", "outcome"},
	)

	RoutingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flotilla_request_latency_seconds",
			Help:    "Simulated processing latency of completed requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// Health metrics
	FaultsInjected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_faults_injected_total",
			Help: "Total faults injected into nodes",
		},
	)

	NodesRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_nodes_recovered_total",
			Help: "Total node recoveries",
		},
	)

	RequestsAborted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_requests_aborted_total",
			Help: "In-flight requests force-resolved to failure by a fault",
		},
	)

	// Address metrics
	AddressesAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flotilla_addresses_allocated",
			Help: "Host addresses allocated per region",
		},
		[]string{"region"},
	)

	// Storage metrics
	FilesStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_files_stored",
			Help: "Files currently held in distributed storage",
		},
	)

	BytesTransferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flotilla_bytes_transferred_total",
			Help: "Bytes moved by file transfers",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeActiveRequests)
	prometheus.MustRegister(RequestsRouted)
	prometheus.MustRegister(RoutingLatency)
	prometheus.MustRegister(FaultsInjected)
	prometheus.MustRegister(NodesRecovered)
	prometheus.MustRegister(RequestsAborted)
	prometheus.MustRegister(AddressesAllocated)
	prometheus.MustRegister(FilesStored)
	prometheus.MustRegister(BytesTransferred)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
