package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_events_processed_total",
		Help: "Total number of provider events processed, by result",
	}, []string{"result"})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_settlement_latency_seconds",
		Help:    "Latency of payment event settlement",
		Buckets: prometheus.DefBuckets,
	})

	StockMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_movements_total",
		Help: "Total number of stock movements recorded, by type",
	}, []string{"type"})

	OversellRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_oversell_rejections_total",
		Help: "Total number of stock deductions rejected for insufficient stock",
	})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Total number of compensating refunds, by outcome",
	}, []string{"outcome"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Total number of notification deliveries, by sink and status",
	}, []string{"sink", "status"})

	WebhookRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_rejected_total",
		Help: "Total number of webhook requests rejected, by reason",
	}, []string{"reason"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
