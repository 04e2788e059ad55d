package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpRisk.
type Metrics struct {
	// --- Engine ---
	EngineOps        *prometheus.CounterVec
	EngineOpDuration *prometheus.HistogramVec
	EngineSequence   prometheus.Gauge
	StateHashDur     prometheus.Histogram

	// --- Markets ---
	MarkPrice    *prometheus.GaugeVec
	OpenInterest *prometheus.GaugeVec
	FundingRate  *prometheus.GaugeVec

	// --- Risk ---
	Liquidations      *prometheus.CounterVec
	BadDebt           *prometheus.CounterVec
	KeeperFees        *prometheus.CounterVec
	FundingApplied    *prometheus.CounterVec
	FundingShortfall  *prometheus.CounterVec
	OrdersFinalized   *prometheus.CounterVec
	PositionsOpen     *prometheus.GaugeVec
	TradingFeesEarned *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Ingestion ---
	FeedMessages      *prometheus.CounterVec
	FeedDuplicates    *prometheus.CounterVec
	DedupLRUSize      prometheus.Gauge
	PriceSequenceGaps *prometheus.CounterVec
	IngestToApply     *prometheus.HistogramVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionErrors    *prometheus.CounterVec

	// --- API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	WSClients     prometheus.Gauge
}

// NewMetrics creates all metrics and registers them on reg.
// Tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		EngineOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_engine_ops_total",
			Help: "Engine operations by outcome (ok or error class)",
		}, []string{"op", "result"}),

		EngineOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_risk_engine_op_duration_seconds",
			Help:    "Engine operation latency including ledger calls",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_engine_sequence",
			Help: "Last emitted global sequence",
		}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_state_hash_duration_seconds",
			Help:    "Time to compute a market state hash",
			Buckets: latencyBuckets,
		}),

		// Markets
		MarkPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_mark_price",
			Help: "Latest mark price (price scale)",
		}, []string{"market"}),

		OpenInterest: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_open_interest",
			Help: "Open interest per side (size scale)",
		}, []string{"market", "side"}),

		FundingRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_funding_rate",
			Help: "Last applied funding rate (rate scale)",
		}, []string{"market"}),

		// Risk
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"market"}),

		BadDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_bad_debt_total",
			Help: "Loss not covered by margin (quote scale)",
		}, []string{"market"}),

		KeeperFees: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_keeper_fees_total",
			Help: "Liquidation fees paid to keepers (quote scale)",
		}, []string{"market"}),

		FundingApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_funding_applied_total",
			Help: "Funding intervals applied",
		}, []string{"market"}),

		FundingShortfall: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_funding_shortfall_total",
			Help: "Funding owed beyond position margin (quote scale)",
		}, []string{"market"}),

		OrdersFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_orders_finalized_total",
			Help: "Orders leaving Open by final status",
		}, []string{"market", "status"}),

		PositionsOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_positions_open",
			Help: "Open positions",
		}, []string{"market"}),

		TradingFeesEarned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_trading_fees_total",
			Help: "Open fees routed to the market treasury (quote scale)",
		}, []string{"market"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_projection_drops_total",
			Help: "Events dropped due to a full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_publish_drops_total",
			Help: "Events dropped due to a full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Ingestion
		FeedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_feed_messages_total",
			Help: "Feed messages by outcome",
		}, []string{"feed", "result"}),

		FeedDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_feed_duplicates_total",
			Help: "Feed messages dropped by the dedup cache",
		}, []string{"feed"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_dedup_lru_size",
			Help: "Current dedup cache occupancy",
		}),

		PriceSequenceGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_price_sequence_gaps_total",
			Help: "Oracle sequence gaps (tolerated)",
		}, []string{"market"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_risk_ingest_to_apply_seconds",
			Help:    "NATS receive to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"feed"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// Projections
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_risk_projection_update_duration_seconds",
			Help:    "Projection update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ProjectionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_projection_errors_total",
			Help: "Projection update failures",
		}, []string{"projection"}),

		// API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_api_requests_total",
			Help: "API requests",
		}, []string{"method", "code"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_risk_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),

		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_ws_clients",
			Help: "Connected websocket clients",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
