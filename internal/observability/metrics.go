package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement engine.
type Metrics struct {
	// --- Exchange ---
	RingsSettled      prometheus.Counter
	RingsRejected     *prometheus.CounterVec
	RingSettleDur     prometheus.Histogram
	RingSize          prometheus.Histogram
	OrdersFilled      prometheus.Counter
	TransferLegs      prometheus.Counter
	Compensations     *prometheus.CounterVec
	RingIndex         prometheus.Gauge
	OrdersCancelled   prometheus.Counter
	CutoffsChanged    prometheus.Counter
	CallsRejected     *prometheus.CounterVec
	NotificationSeq   prometheus.Gauge
	RinghashReserved  prometheus.Counter
	RinghashPruned    prometheus.Counter
	RinghashLiveCount prometheus.Gauge

	// --- Latency ---
	IngestToApply  *prometheus.HistogramVec
	ApplyToPersist prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	DedupTier2Errors      prometheus.Counter

	// --- Ingestion ---
	IngestReceived *prometheus.CounterVec
	IngestDropped  *prometheus.CounterVec
	Published      *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- RPC ---
	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	settleBuckets := []float64{
		0.00005, 0.0001, 0.00025, 0.0005, 0.001,
		0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	ingestBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025,
		0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		// Exchange
		RingsSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_settled_total",
			Help: "Rings settled",
		}),

		RingsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ring_rejected_total",
			Help: "Ring submissions rejected",
		}, []string{"reason"}),

		RingSettleDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ring_settle_duration_seconds",
			Help:    "Submission received to settlement committed",
			Buckets: settleBuckets,
		}),

		RingSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ring_size",
			Help:    "Orders per settled ring",
			Buckets: []float64{2, 3, 4, 5, 6, 8, 10},
		}),

		OrdersFilled: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_orders_filled_total",
			Help: "Orders filled by settled rings",
		}),

		TransferLegs: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_transfer_legs_total",
			Help: "Token transfer legs executed by the delegate",
		}),

		Compensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ring_compensations_total",
			Help: "Transfer batches reversed after a failed state commit",
		}, []string{"outcome"}),

		RingIndex: f.NewGauge(prometheus.GaugeOpts{
			Name: "ring_index",
			Help: "Rings settled since genesis",
		}),

		OrdersCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_orders_cancelled_total",
			Help: "Order cancellations accepted",
		}),

		CutoffsChanged: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_cutoffs_changed_total",
			Help: "Cutoff timestamps raised",
		}),

		CallsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ring_calls_rejected_total",
			Help: "Cancel and cutoff calls rejected",
		}, []string{"call", "reason"}),

		NotificationSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "ring_notification_sequence",
			Help: "Sequence of the last emitted notification",
		}),

		RinghashReserved: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_ringhash_reserved_total",
			Help: "Ring hashes reserved by miners",
		}),

		RinghashPruned: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_ringhash_pruned_total",
			Help: "Expired ring-hash reservations dropped",
		}),

		RinghashLiveCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "ring_ringhash_reservations",
			Help: "Ring-hash reservations currently held",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ring_ingest_to_apply_seconds",
			Help:    "Request received to exchange call returned",
			Buckets: ingestBuckets,
		}, []string{"kind"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ring_apply_to_persist_seconds",
			Help:    "Notification emitted to Postgres commit",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ring_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ring_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ring_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_publish_drops_total",
			Help: "Notifications dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_persist_backpressure_total",
			Help: "Times the exchange blocked on the persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ring_idempotency_duplicates_total",
			Help: "Duplicate requests caught (lru/postgres)",
		}, []string{"kind", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "ring_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ring_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: ingestBuckets,
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		// Ingestion
		IngestReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ring_ingest_received_total",
			Help: "Requests received by transport and outcome",
		}, []string{"transport", "kind", "status"}),

		IngestDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ring_ingest_dropped_total",
			Help: "Requests that could not be parsed",
		}, []string{"transport"}),

		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ring_published_total",
			Help: "Notifications published to NATS",
		}, []string{"event_type", "status"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_persist_events_written_total",
			Help: "Notifications written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ring_persist_batch_size",
			Help:    "Notifications per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ring_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ring_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "ring_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "ring_persist_last_sequence",
			Help: "Last persisted notification sequence",
		}),

		// RPC
		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ring_rpc_requests_total",
			Help: "RPC requests by method and status code",
		}, []string{"method", "code"}),

		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ring_rpc_duration_seconds",
			Help:    "RPC latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),
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
