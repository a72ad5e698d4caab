package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InvoicesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invoices_created_total",
		Help: "Total number of invoices committed by checkout",
	})

	InvoicesUpdatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invoices_updated_total",
		Help: "Total number of invoice edits",
	})

	InvoicesVoidedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invoices_voided_total",
		Help: "Total number of voided invoices",
	})

	InvoicesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invoices_deleted_total",
		Help: "Total number of deleted invoices",
	})

	CheckoutFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_failures_total",
		Help: "Total number of rejected or failed checkouts",
	}, []string{"reason"})

	StockMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_movements_units_total",
		Help: "Units of stock debited or credited",
	}, []string{"direction"})

	CompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transaction_compensations_total",
		Help: "Rollback steps executed after a failed multi-step operation",
	}, []string{"outcome"})

	CheckoutLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkout_latency_seconds",
		Help:    "Latency of checkout operations",
		Buckets: prometheus.DefBuckets,
	})

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

// FailureReason maps an error to a low-cardinality label value.
type FailureReason string

const (
	ReasonEmptyCart           FailureReason = "empty_cart"
	ReasonInsufficientStock   FailureReason = "insufficient_stock"
	ReasonInsufficientPayment FailureReason = "insufficient_payment"
	ReasonPersistence         FailureReason = "persistence"
	ReasonOther               FailureReason = "other"
)
