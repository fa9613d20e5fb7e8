// Package metrics defines the Prometheus collectors for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mirror scan metrics
var (
	FoldersScannedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_folders_scanned_total",
			Help: "Total number of folder scans performed",
		},
		[]string{"status"},
	)

	MirrorRowsReplaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_mirror_rows_replaced_total",
			Help: "Total number of server mirror rows written by folder scans",
		},
	)

	FolderScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_folder_scan_duration_seconds",
			Help:    "Duration of a single folder scan in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

// Fetch metrics
var (
	MessagesFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_messages_fetched_total",
			Help: "Total number of message fetch attempts",
		},
		[]string{"status"},
	)

	PayloadBytesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_payload_bytes_stored_total",
			Help: "Total encrypted payload bytes uploaded to object storage",
		},
	)
)

// Reconciler metrics
var (
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_reconcile_runs_total",
			Help: "Total number of reconciliation passes",
		},
		[]string{"status"},
	)

	ReconcileActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_reconcile_actions_total",
			Help: "Reconciliation actions applied to local records",
		},
		[]string{"action"}, // moved, flags_synced, soft_deleted, duplicate_pruned, linked
	)
)

// Mutation metrics
var (
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_mutations_total",
			Help: "Server mutations by action and outcome",
		},
		[]string{"action", "outcome"},
	)
)

// Thread resolver metrics
var (
	ThreadAnomaliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_thread_anomalies_total",
			Help: "Cycles or repeated nodes detected while building thread trees",
		},
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_db_transactions_total",
			Help: "Total number of database transactions by outcome",
		},
		[]string{"outcome"},
	)

	DBTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tern_db_transaction_duration_seconds",
			Help:    "Duration of database transactions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tern_db_pool_total_conns",
			Help: "Total connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tern_db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tern_db_pool_in_use_conns",
			Help: "Acquired connections in the database pool",
		},
		[]string{"role"},
	)
)

// Object storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_s3_operations_total",
			Help: "Object storage operations by type and status",
		},
		[]string{"operation", "status"},
	)

	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_cache_operations_total",
			Help: "Local payload cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)
)
