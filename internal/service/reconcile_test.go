package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/gateway"
	"go.uber.org/zap"
)

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(f.store, f.sandbox, f.ledger, f.ingestor(), f.clock, ReconcileOptions{
		WithdrawalInterval: 5 * time.Minute,
		SweepInterval:      time.Hour,
		Grace:              5 * time.Minute,
		Lookback:           24 * time.Hour,
		OrphanAfter:        24 * time.Hour,
		Batch:              50,
	}, zap.NewNop())
}

func (f *fixture) withdraw(t *testing.T, account string) *domain.WithdrawResult {
	t.Helper()
	res, err := f.ledger.Withdraw(context.Background(), domain.WithdrawRequest{
		OwnerID: 1, Amount: amt(300), IdempotencyKey: "w-" + account,
		Payee: domain.Payee{Name: "Ada Obi", AccountNumber: account, BankCode: gateway.SandboxBankCode},
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	return res
}

func (f *fixture) status(t *testing.T, ref string) domain.Status {
	t.Helper()
	row, err := f.store.GetTransactionByReference(context.Background(), ref)
	if err != nil {
		t.Fatalf("lookup %s: %v", ref, err)
	}
	return row.Status
}

func TestSweepWithdrawals(t *testing.T) {
	cases := []struct {
		account string
		status  domain.Status
		balance int64
	}{
		{"0123456789", domain.StatusSuccess, 700},
		{"9876543210", domain.StatusFailed, 1000},
		{"1234567890", domain.StatusPending, 700},
	}
	for _, tc := range cases {
		t.Run(tc.account, func(t *testing.T) {
			f := newFixture(t)
			w := f.wallet(t, 1, 1000)
			r := f.reconciler()
			res := f.withdraw(t, tc.account)

			if rep := r.SweepWithdrawals(context.Background()); rep.Scanned != 0 {
				t.Fatalf("sweep must respect the grace period, scanned %d", rep.Scanned)
			}
			f.clock.Advance(6 * time.Minute)
			rep := r.SweepWithdrawals(context.Background())
			if rep.Scanned != 1 || rep.Errors != 0 {
				t.Fatalf("unexpected report: %+v", rep)
			}
			if got := f.status(t, res.Reference); got != tc.status {
				t.Fatalf("status = %s, want %s", got, tc.status)
			}
			if !f.balance(t, w.ID).Equal(amt(tc.balance)) {
				t.Fatalf("balance = %s, want %d", f.balance(t, w.ID), tc.balance)
			}
		})
	}
}

func TestSweepLeavesRowsPendingWhenProcessorUnavailable(t *testing.T) {
	f := newFixture(t)
	w := f.wallet(t, 1, 1000)
	r := f.reconciler()
	res := f.withdraw(t, "9876543210")
	f.sandbox.Fail(gateway.OpQueryPayout, domain.ErrGatewayUnavailable)
	f.clock.Advance(48 * time.Hour)

	rep := r.SweepAll(context.Background())
	if rep.Errors != 1 || rep.Failed != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if f.status(t, res.Reference) != domain.StatusPending || !f.balance(t, w.ID).Equal(amt(700)) {
		t.Fatalf("unavailable processor must not resolve the row")
	}
}

func TestSweepFailsOrphanedWithdrawalAfterCutoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.wallet(t, 1, 1000)
	r := f.reconciler()

	f.sandbox.Fail(gateway.OpCreatePayee, domain.ErrGatewayUnavailable)
	res, err := f.ledger.Withdraw(ctx, domain.WithdrawRequest{
		OwnerID: 1, Amount: amt(300), IdempotencyKey: "orphan",
		Payee: domain.Payee{Name: "Ada Obi", AccountNumber: "0123456789", BankCode: gateway.SandboxBankCode},
	})
	if res == nil || err == nil {
		t.Fatalf("expected pending result with error, got %+v %v", res, err)
	}
	f.sandbox.Fail(gateway.OpCreatePayee, nil)

	f.clock.Advance(10 * time.Minute)
	if rep := r.SweepWithdrawals(ctx); rep.Pending != 1 {
		t.Fatalf("unknown payout must stay pending before cutoff: %+v", rep)
	}
	f.clock.Advance(25 * time.Hour)
	if rep := r.SweepAll(ctx); rep.Failed != 1 {
		t.Fatalf("orphan not failed: %+v", rep)
	}
	if f.status(t, res.Reference) != domain.StatusFailed || !f.balance(t, w.ID).Equal(amt(1000)) {
		t.Fatalf("orphan not refunded: balance=%s", f.balance(t, w.ID))
	}
}

func TestSweepAllSettlesFundingAndReplaysWebhooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.wallet(t, 1, 0)
	r := f.reconciler()
	in := f.ingestor()

	polled, err := f.ledger.InitiateFunding(ctx, domain.FundRequest{OwnerID: 1, PayerEmail: "ada@example.com", Amount: amt(100)})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.sandbox.CompleteCharge(polled.Reference, 10000)

	pushed, err := f.ledger.InitiateFunding(ctx, domain.FundRequest{OwnerID: 1, PayerEmail: "ada@example.com", Amount: amt(200)})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	// Recorded but never applied, as after a crash between ack and dispatch.
	payload := []byte(fmt.Sprintf(`{"event":"charge.success","data":{"reference":%q,"amount":20000}}`, pushed.Reference))
	if _, _, err := in.Receive(ctx, payload, sign(payload)); err != nil {
		t.Fatalf("receive: %v", err)
	}

	f.clock.Advance(10 * time.Minute)
	rep := r.SweepAll(ctx)
	if rep.Webhooks != 1 || rep.Succeeded != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if !f.balance(t, w.ID).Equal(amt(300)) {
		t.Fatalf("balance = %s, want 300", f.balance(t, w.ID))
	}
}

func TestSweepPagesPastRowsStillPendingAtProcessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.wallet(t, 1, 1000)
	r := f.reconciler()
	r.opts.Batch = 2

	pay := func(key, account string) *domain.WithdrawResult {
		res, err := f.ledger.Withdraw(ctx, domain.WithdrawRequest{
			OwnerID: 1, Amount: amt(200), IdempotencyKey: key,
			Payee: domain.Payee{Name: "Ada Obi", AccountNumber: account, BankCode: gateway.SandboxBankCode},
		})
		if err != nil {
			t.Fatalf("withdraw %s: %v", key, err)
		}
		return res
	}
	for i := 0; i < 3; i++ {
		pay(fmt.Sprintf("stuck-%d", i), "1234567890")
		f.clock.Advance(time.Second)
	}
	last := pay("settles", "0123456789")
	f.clock.Advance(6 * time.Minute)

	rep := r.SweepAll(ctx)
	if rep.Scanned != 4 || rep.Pending != 3 || rep.Succeeded != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if got := f.status(t, last.Reference); got != domain.StatusSuccess {
		t.Fatalf("row behind a full page of pending rows = %s, want SUCCESS", got)
	}
	if !f.balance(t, w.ID).Equal(amt(200)) {
		t.Fatalf("balance = %s, want 200", f.balance(t, w.ID))
	}
}
