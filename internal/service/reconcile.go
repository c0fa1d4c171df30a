package service

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/walletledger/internal/clock"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/gateway"
	"github.com/punchamoorthee/walletledger/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ReconcileOptions struct {
	WithdrawalInterval time.Duration
	SweepInterval      time.Duration
	// Grace keeps the sweep away from rows whose initiating call may still be
	// settling them synchronously.
	Grace    time.Duration
	Lookback time.Duration
	// OrphanAfter is how long a row the processor has never heard of stays
	// PENDING before it is failed.
	OrphanAfter time.Duration
	// Batch is the page size; a sweep pages through every matching row.
	Batch int
	// RPS paces processor queries; zero means unpaced.
	RPS float64
}

// SweepReport summarises one pass.
type SweepReport struct {
	Scanned   int
	Succeeded int
	Failed    int
	Pending   int
	Errors    int
	Webhooks  int
}

// Reconciler polls the processor for rows neither the synchronous path nor a
// webhook has resolved, and settles them through Ledger.Settle.
type Reconciler struct {
	store   store.Store
	gateway gateway.Gateway
	ledger  *Ledger
	ingest  *Ingestor
	clock   clock.Clock
	opts    ReconcileOptions
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewReconciler(s store.Store, gw gateway.Gateway, l *Ledger, in *Ingestor, clk clock.Clock, opts ReconcileOptions, log *zap.Logger) *Reconciler {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}
	return &Reconciler{
		store:   s,
		gateway: gw,
		ledger:  l,
		ingest:  in,
		clock:   clk,
		opts:    opts,
		limiter: limiter,
		log:     log.Named("reconcile"),
	}
}

// Run sweeps in-flight withdrawals on the short interval and everything on the
// long one until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	short := time.NewTicker(r.opts.WithdrawalInterval)
	defer short.Stop()
	long := time.NewTicker(r.opts.SweepInterval)
	defer long.Stop()

	r.log.Info("reconciliation scheduler started",
		zap.Duration("withdrawal_interval", r.opts.WithdrawalInterval),
		zap.Duration("sweep_interval", r.opts.SweepInterval),
	)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciliation scheduler stopped")
			return nil
		case <-short.C:
			r.SweepWithdrawals(ctx)
		case <-long.C:
			r.SweepAll(ctx)
		}
	}
}

// SweepWithdrawals reconciles recent PENDING withdrawals.
func (r *Reconciler) SweepWithdrawals(ctx context.Context) SweepReport {
	timer := prometheus.NewTimer(reconcileDuration.WithLabelValues("withdrawals"))
	defer timer.ObserveDuration()

	now := r.clock.Now()
	var rep SweepReport
	r.sweep(ctx, domain.PendingFilter{
		Categories:    []domain.Category{domain.Withdrawal},
		CreatedBefore: now.Add(-r.opts.Grace),
		CreatedAfter:  now.Add(-r.opts.Lookback),
		Limit:         r.opts.Batch,
	}, &rep)
	r.logReport("withdrawal sweep finished", rep)
	return rep
}

// SweepAll reconciles every PENDING funding and withdrawal row regardless of age
// and replays webhook receipts that were never applied.
func (r *Reconciler) SweepAll(ctx context.Context) SweepReport {
	timer := prometheus.NewTimer(reconcileDuration.WithLabelValues("all"))
	defer timer.ObserveDuration()

	now := r.clock.Now()
	var rep SweepReport
	r.replayWebhooks(ctx, now.Add(-r.opts.Grace), &rep)
	r.sweep(ctx, domain.PendingFilter{
		Categories:    []domain.Category{domain.Funding, domain.Withdrawal},
		CreatedBefore: now.Add(-r.opts.Grace),
		Limit:         r.opts.Batch,
	}, &rep)
	r.logReport("broad sweep finished", rep)
	return rep
}

func (r *Reconciler) logReport(msg string, rep SweepReport) {
	r.log.Info(msg,
		zap.Int("scanned", rep.Scanned),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("failed", rep.Failed),
		zap.Int("pending", rep.Pending),
		zap.Int("errors", rep.Errors),
		zap.Int("webhooks", rep.Webhooks),
	)
}

func (r *Reconciler) replayWebhooks(ctx context.Context, before time.Time, rep *SweepReport) {
	events, err := r.store.ListUnprocessedWebhookEvents(ctx, before, r.opts.Batch)
	if err != nil {
		r.log.Error("listing unprocessed webhooks failed", zap.Error(err))
		rep.Errors++
		return
	}
	for i := range events {
		if ctx.Err() != nil {
			return
		}
		if err := r.ingest.Process(ctx, &events[i]); err == nil {
			rep.Webhooks++
		}
	}
}

// sweep pages through the rows matching f so rows that stay PENDING at the
// processor never hide newer ones.
func (r *Reconciler) sweep(ctx context.Context, f domain.PendingFilter, rep *SweepReport) {
	for {
		rows, err := r.store.ListPending(ctx, f)
		if err != nil {
			r.log.Error("listing pending transactions failed", zap.Error(err))
			rep.Errors++
			return
		}
		r.reconcilePage(ctx, rows, rep)
		if len(rows) == 0 || len(rows) < f.Limit || ctx.Err() != nil {
			return
		}
		f.AfterID = rows[len(rows)-1].ID
	}
}

func (r *Reconciler) reconcilePage(ctx context.Context, rows []domain.Transaction, rep *SweepReport) {
	for i := range rows {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		rep.Scanned++
		st, err := r.reconcile(ctx, &rows[i])
		result := "pending"
		switch {
		case err != nil && !errors.Is(err, domain.ErrAmountMismatch):
			rep.Errors++
			result = "error"
			r.log.Warn("reconciliation left row pending",
				zap.String("reference", rows[i].Reference), zap.Error(err))
		case st == domain.StatusSuccess:
			rep.Succeeded++
			result = "success"
		case st == domain.StatusFailed:
			rep.Failed++
			result = "failed"
		default:
			rep.Pending++
		}
		reconcileRows.WithLabelValues(string(rows[i].Category), result).Inc()
	}
}

// reconcile asks the processor about one row. It never infers a terminal
// state from a missing answer, except that a row the processor has no record
// of is failed once it is older than OrphanAfter.
func (r *Reconciler) reconcile(ctx context.Context, t *domain.Transaction) (domain.Status, error) {
	o := Outcome{Reference: t.Reference, Category: t.Category, Channel: ChannelReconcile}
	orphaned := r.clock.Now().Sub(t.CreatedAt) > r.opts.OrphanAfter

	switch t.Category {
	case domain.Withdrawal:
		st, err := r.gateway.QueryPayout(ctx, t.Reference)
		switch {
		case gateway.IsNotFound(err) && orphaned:
			o.Reason = "payout unknown to processor"
		case gateway.IsNotFound(err):
			return domain.StatusPending, nil
		case err != nil:
			return domain.StatusPending, err
		case st.Status == gateway.PayoutSuccess:
			o.Succeeded, o.AmountMinor, o.AmountReported = true, st.AmountMinor, true
		case st.Status == gateway.PayoutFailed || st.Status == gateway.PayoutReversed:
			o.Reason = "payout " + st.Status
		default:
			return domain.StatusPending, nil
		}
	case domain.Funding:
		v, err := r.gateway.VerifyCharge(ctx, processorRef(t))
		switch {
		case gateway.IsNotFound(err) && orphaned:
			o.Reason = "charge unknown to processor"
		case gateway.IsNotFound(err):
			return domain.StatusPending, nil
		case err != nil:
			return domain.StatusPending, err
		case v.Status == gateway.ChargeSuccess:
			o.Succeeded, o.AmountMinor, o.AmountReported = true, v.AmountMinor, true
		case v.Status == gateway.ChargeFailed:
			o.Reason = "charge failed"
		default:
			return domain.StatusPending, nil
		}
	default:
		return t.Status, nil
	}

	s, err := r.ledger.Settle(ctx, o)
	if s == nil {
		return domain.StatusPending, err
	}
	return s.Status, err
}
