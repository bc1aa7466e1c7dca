package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerAppends tracks ledger credit inserts by type and outcome
	LedgerAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_ledger_appends_total",
			Help: "Total number of ledger credit appends",
		},
		[]string{"credit_type", "outcome"},
	)

	// WithdrawTransitions tracks withdrawal state machine transitions
	WithdrawTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_withdraw_transitions_total",
			Help: "Total number of withdrawal status transitions",
		},
		[]string{"to"},
	)

	// RiskDecisions tracks risk engine verdicts
	RiskDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_risk_decisions_total",
			Help: "Total number of risk engine decisions",
		},
		[]string{"decision"},
	)

	// AuthFailures tracks gateway authentication rejections
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_auth_failures_total",
			Help: "Total number of gateway authentication failures",
		},
		[]string{"reason"},
	)

	// ReplayRejections tracks rejected duplicate operation ids
	ReplayRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_replay_rejections_total",
			Help: "Total number of replayed operations rejected",
		},
	)

	// NonceConflicts tracks lost nonce CAS races
	NonceConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_nonce_conflicts_total",
			Help: "Total number of nonce compare-and-swap conflicts",
		},
		[]string{"chain"},
	)

	// ReorgRollbacks tracks reorg rollback executions
	ReorgRollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_reorg_rollbacks_total",
			Help: "Total number of reorg rollbacks executed",
		},
		[]string{"chain"},
	)

	// ReorgDepth tracks the depth of detected reorgs
	ReorgDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_reorg_depth_blocks",
			Help:    "Depth of detected chain reorganizations",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		},
		[]string{"chain"},
	)

	// BroadcastLatency tracks transaction broadcast latency
	BroadcastLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_broadcast_latency_seconds",
			Help:    "Transaction broadcast latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	// AuditWriteFailures tracks audit entries that could not be persisted
	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_audit_write_failures_total",
			Help: "Total number of failed audit log writes",
		},
	)

	// DBConnectionPoolUsage tracks database pool saturation
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custody_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
