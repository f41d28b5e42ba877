package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	MessagesProcessed   prometheus.Counter
	DuplicatesIgnored   prometheus.Counter
	ProcessingErrors    prometheus.Counter
	ProcessingTime      prometheus.Histogram
	ProviderRequests    *prometheus.CounterVec
	RateLimited         prometheus.Counter
	ReconcileRuns       *prometheus.CounterVec
	DegradedResyncs     prometheus.Counter
	CheckpointRacesLost prometheus.Counter
	ActionsApplied      *prometheus.CounterVec
	ActionsRejected     *prometheus.CounterVec
	AuditDropped        prometheus.Counter
	PollCycles          prometheus.Counter
}

// NewMetrics creates the pipeline metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_sync_messages_processed_total",
			Help: "Total number of inbound emails persisted",
		}),
		DuplicatesIgnored: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_sync_duplicates_ignored_total",
			Help: "Total number of inbound emails skipped as already ingested",
		}),
		ProcessingErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_sync_processing_errors_total",
			Help: "Total number of inbound emails that failed to persist",
		}),
		ProcessingTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "inbox_sync_processing_duration_seconds",
			Help:    "Time spent ingesting a single email",
			Buckets: prometheus.DefBuckets,
		}),
		ProviderRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_sync_provider_requests_total",
			Help: "Provider API calls by outcome",
		}, []string{"outcome"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_sync_provider_rate_limited_total",
			Help: "Total number of provider responses signalling a rate limit",
		}),
		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_sync_reconcile_runs_total",
			Help: "History reconciliation runs by result",
		}, []string{"result"}),
		DegradedResyncs: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_sync_degraded_resyncs_total",
			Help: "Total number of full resyncs caused by an expired checkpoint",
		}),
		CheckpointRacesLost: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_sync_checkpoint_races_lost_total",
			Help: "Total number of checkpoint updates lost to a concurrent run",
		}),
		ActionsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_sync_actions_applied_total",
			Help: "Conversation actions applied by action",
		}, []string{"action"}),
		ActionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_sync_actions_rejected_total",
			Help: "Conversation actions rejected by business rules",
		}, []string{"action"}),
		AuditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_sync_audit_events_dropped_total",
			Help: "Audit events dropped because the queue was full",
		}),
		PollCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_sync_poll_cycles_total",
			Help: "Total number of scheduled polling cycles",
		}),
	}
}
