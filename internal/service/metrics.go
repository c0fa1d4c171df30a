package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/walletledger/internal/domain"
)

var (
	ledgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Ledger operations by kind and outcome",
	}, []string{"operation", "outcome"})

	settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settlements_total",
		Help: "Settlement attempts by channel, category and resulting status",
	}, []string{"channel", "category", "status"})

	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_webhook_events_total",
		Help: "Processor webhook events by kind and result",
	}, []string{"kind", "result"})

	reconcileRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconcile_rows_total",
		Help: "Pending rows examined by the reconciliation sweep",
	}, []string{"category", "result"})

	reconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_reconcile_sweep_duration_seconds",
		Help:    "Reconciliation sweep latency",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"sweep"})
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrConflict):
		return "replayed"
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return "key_mismatch"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrSelfTransfer):
		return "self_transfer"
	case errors.Is(err, domain.ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, domain.ErrGatewayRejected):
		return "gateway_rejected"
	default:
		return "error"
	}
}

func observe(operation string, err error) {
	ledgerOps.WithLabelValues(operation, outcome(err)).Inc()
}
