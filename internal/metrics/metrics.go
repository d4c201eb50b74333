package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_reservations_total",
			Help: "Payment-request reservations by outcome",
		},
		[]string{"outcome"}, // ok|insufficient_balance|daily_limit|invalid
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_total",
			Help: "Webhook deliveries by provider and outcome",
		},
		[]string{"provider", "outcome"}, // ok|duplicate|error
	)

	SettlementAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_attempts_total",
			Help: "Settlement job attempts by queue and outcome",
		},
		[]string{"queue", "outcome"}, // ok|retry|failed
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "settlement_queue_depth",
			Help: "Queued settlement jobs per queue",
		},
		[]string{"queue"},
	)
)

var Handler = promhttp.Handler

func Init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(ReservationsTotal)
	prometheus.MustRegister(WebhooksTotal)
	prometheus.MustRegister(SettlementAttemptsTotal)
	prometheus.MustRegister(QueueDepth)
}
