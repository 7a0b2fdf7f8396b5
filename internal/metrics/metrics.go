package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Pool
	// ============================================
	PendingTxs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sequencer_pending_txs",
		Help: "Number of txs waiting to be batched",
	})

	TxsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequencer_txs_received_total",
			Help: "Total number of txs accepted into the pool",
		},
		[]string{"tx_type"},
	)

	TxsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequencer_txs_discarded_total",
			Help: "Total number of txs removed from the pool by validation",
		},
		[]string{"reason"},
	)

	// ============================================
	// Pipeline
	// ============================================
	CoordinatorRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sequencer_coordinator_running",
		Help: "Pipeline coordinator state (1=running, 0=stopped)",
	})

	InnerProofsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sequencer_inner_proofs_created_total",
		Help: "Total number of inner rollup proofs created",
	})

	ClaimProofsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sequencer_claim_proofs_created_total",
		Help: "Total number of defi claim proofs created",
	})

	RollupsAggregated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sequencer_rollups_aggregated_total",
		Help: "Total number of outer rollup proofs created",
	})

	RollupsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequencer_rollups_published_total",
			Help: "Total number of rollup publications by outcome",
		},
		[]string{"outcome"}, // success, abandoned, interrupted
	)

	PublishRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequencer_publish_retries_total",
			Help: "Total number of publish retries",
		},
		[]string{"stage"}, // send, record, receipt
	)

	ProofGenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sequencer_proof_generation_duration_seconds",
			Help:    "Proof generation duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"proof_type"}, // inner, aggregate, claim
	)

	// ============================================
	// World state
	// ============================================
	BlocksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequencer_blocks_processed_total",
			Help: "Total number of settled rollups applied to the world state",
		},
		[]string{"source"}, // own, foreign
	)

	LastSettledRollupID = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sequencer_last_settled_rollup_id",
		Help: "Id of the last rollup applied to the world state",
	})

	// ============================================
	// NATS
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sequencer_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	NATSMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequencer_nats_messages_received_total",
			Help: "Total number of NATS messages received",
		},
		[]string{"subject"},
	)

	NATSMessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequencer_nats_messages_failed_total",
			Help: "Total number of NATS messages that failed processing",
		},
		[]string{"subject"},
	)

	// ============================================
	// Database
	// ============================================
	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sequencer_db_connection_status",
		Help: "Database connection status (1=reachable, 0=unreachable)",
	})

	DBConnectionOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sequencer_db_connections_open",
		Help: "Number of open database connections",
	})

	DBConnectionIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sequencer_db_connections_idle",
		Help: "Number of idle database connections",
	})

	// ============================================
	// Chain
	// ============================================
	SequencerBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sequencer_account_balance_ether",
			Help: "Ether balance of the account submitting rollups",
		},
		[]string{"address"},
	)

	// ============================================
	// HTTP
	// ============================================
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequencer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sequencer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
