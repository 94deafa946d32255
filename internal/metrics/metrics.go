package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paygate_settlements_total",
			Help: "Invoices transitioned to paid, by observing source",
		},
		[]string{"source"},
	)

	SettlementRacesLostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paygate_settlement_races_lost_total",
			Help: "Conditional paid updates that affected no rows",
		},
		[]string{"source"},
	)

	LedgerFetchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paygate_ledger_fetch_failures_total",
			Help: "Reconciliation ticks aborted by ledger errors",
		},
	)

	ReconcileTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paygate_reconcile_tick_duration_seconds",
			Help:    "Duration of reconciliation passes",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileTicksSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paygate_reconcile_ticks_skipped_total",
			Help: "Ticks skipped because the previous pass was still running",
		},
	)

	PreCheckoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paygate_precheckout_total",
			Help: "Pre-checkout decisions",
		},
		[]string{"decision"},
	)

	OrdersSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paygate_orders_swept_total",
			Help: "Stale pending orders deleted by the sweeper",
		},
	)

	InvoicesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "paygate_invoices_expired_total",
			Help: "Pending invoices moved to expired",
		},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paygate_notifications_total",
			Help: "Confirmation messages by result",
		},
		[]string{"result"},
	)

	OutboxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paygate_outbox_events_total",
			Help: "Settlement events relayed to the broker, by outcome",
		},
		[]string{"result"},
	)

	BotUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paygate_bot_updates_total",
			Help: "Brokered bot updates by delivery outcome",
		},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paygate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paygate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
)

// Register registers all collectors with reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SettlementsTotal,
		SettlementRacesLostTotal,
		LedgerFetchFailuresTotal,
		ReconcileTickDuration,
		ReconcileTicksSkippedTotal,
		PreCheckoutTotal,
		OrdersSweptTotal,
		InvoicesExpiredTotal,
		NotificationsTotal,
		OutboxEventsTotal,
		BotUpdatesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
