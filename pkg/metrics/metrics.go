package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WaitSet metrics
var (
	WaitSetsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifyd_waitsets_current",
			Help: "Current number of registered waitsets",
		},
		[]string{"type"},
	)

	WaitSetsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_waitsets_created_total",
			Help: "Total number of waitsets created",
		},
		[]string{"type"},
	)

	WaitSetsDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_waitsets_destroyed_total",
			Help: "Total number of waitsets destroyed",
		},
		[]string{"type", "reason"},
	)

	WaitSetDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_waitset_deliveries_total",
			Help: "Total number of callback deliveries",
		},
		[]string{"type", "cancelled"},
	)

	WaitSetDeliveredAccounts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notifyd_waitset_delivered_accounts",
			Help:    "Number of accounts per delivery",
			Buckets: []float64{1, 2, 5, 10, 50, 100, 500, 1000},
		},
	)

	WaitSetResyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_waitset_resyncs_total",
			Help: "Total number of all-accounts resynchronizations",
		},
		[]string{"result"},
	)

	WaitSetSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notifyd_waitset_sweep_duration_seconds",
			Help:    "Duration of idle waitset sweeps",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		},
	)

	CommitsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_commits_dispatched_total",
			Help: "Total number of mailbox commits dispatched to all-accounts waitsets",
		},
		[]string{"result"},
	)
)

// Session metrics
var (
	SessionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifyd_sessions_current",
			Help: "Current number of registered sessions",
		},
		[]string{"type"},
	)

	SessionsSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_sessions_swept_total",
			Help: "Total number of idle sessions removed by the sweeper",
		},
		[]string{"type"},
	)

	NotificationOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_notification_overflows_total",
			Help: "Total number of notification queue overflows forcing a refresh",
		},
	)

	MailboxesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyd_mailboxes_loaded",
			Help: "Current number of mailboxes loaded in memory",
		},
	)
)

// Journal metrics
var (
	JournalAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_journal_appends_total",
			Help: "Total number of journal appends",
		},
		[]string{"status"},
	)

	JournalPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_journal_pruned_total",
			Help: "Total number of journal entries removed by retention",
		},
	)

	JournalHead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyd_journal_head",
			Help: "Commit id at the head of the journal",
		},
	)
)

// Database metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_db_queries_total",
			Help: "Total number of PostgreSQL queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyd_db_query_duration_seconds",
			Help:    "Duration of PostgreSQL queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBPoolConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifyd_db_pool_connections",
			Help: "PostgreSQL pool connections by state",
		},
		[]string{"state"},
	)
)

// Account cache metrics
var (
	AccountCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_account_cache_hits_total",
			Help: "Total number of account lookups served from cache",
		},
	)

	AccountCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_account_cache_misses_total",
			Help: "Total number of account lookups that went to the directory",
		},
	)

	AccountCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyd_account_cache_entries",
			Help: "Current number of cached account lookups",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifyd_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// HTTP API metrics
var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyd_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests, including long polls",
			Buckets: []float64{0.005, 0.05, 0.5, 5, 60, 300, 1200},
		},
		[]string{"route"},
	)
)
