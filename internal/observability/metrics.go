package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "espazza_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "espazza_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	DBTxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "espazza_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "espazza_settlements_total",
			Help: "Purchases moved out of pending",
		},
		[]string{"method", "status"},
	)

	DuplicateCallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "espazza_duplicate_callbacks_total",
			Help: "Provider callbacks for already settled purchases",
		},
	)

	ReconciliationAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "espazza_reconciliation_alerts_total",
			Help: "Ledger states that need operator reconciliation",
		},
		[]string{"kind"},
	)

	CouponRedemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "espazza_coupon_redemptions_total",
			Help: "Coupon apply attempts by result",
		},
		[]string{"result"},
	)

	CapacityRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "espazza_capacity_rejections_total",
			Help: "Reservations refused for lack of capacity",
		},
	)

	SweptPurchases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "espazza_swept_purchases_total",
			Help: "Abandoned checkouts cancelled by the sweep",
		},
	)

	OutboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "espazza_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "espazza_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "espazza_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal, RequestDuration, DBTxDuration,
			SettlementsTotal, DuplicateCallbacks, ReconciliationAlerts,
			CouponRedemptions, CapacityRejections, SweptPurchases,
			OutboxLag, RabbitPublishRetries, RateLimitExceeded,
		)
	})
}
