package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faucet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"method", "endpoint"},
	)

	// Funding metrics
	FundingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_fundings_total",
			Help: "Total number of funding requests by outcome",
		},
		[]string{"outcome", "stage"}, // success | transfer_failed | error
	)

	NodeConnectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "faucet_node_connect_duration_seconds",
			Help:    "Time to open and prepare a node session",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	InclusionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "faucet_inclusion_duration_seconds",
			Help:    "Time from submission until the transfer is included in a block",
			Buckets: []float64{1, 3, 6, 12, 18, 24, 36, 60, 120},
		},
	)

	FinalityDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "faucet_finality_duration_seconds",
			Help:    "Time from inclusion until the including block is finalized",
			Buckets: []float64{6, 12, 18, 30, 60, 120, 300},
		},
	)

	FunderFreeBalance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "faucet_funder_free_balance",
			Help: "Last observed free balance of the funder account (planck, float approximation)",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "faucet_node_sessions_active",
			Help: "Node sessions currently held by requests or finality watchers",
		},
	)

	// NATS metrics
	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faucet_nats_messages_published_total",
			Help: "Total number of NATS messages published",
		},
		[]string{"subject", "type"},
	)
)
