package service

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/store"
	"go.uber.org/zap"
)

// Channels through which the ledger learns a processor outcome.
const (
	ChannelVerify    = "verify"
	ChannelWebhook   = "webhook"
	ChannelReconcile = "reconcile"
	ChannelInitiate  = "initiate"
)

// Outcome is an authoritative processor verdict on one transaction.
type Outcome struct {
	// Reference is the ledger reference or the processor's reference.
	Reference string
	Category  domain.Category
	Succeeded bool
	// AmountMinor is what the processor says moved, valid when AmountReported.
	// Funding success requires a reported amount; a payout success without
	// one is accepted because the ledger sent the amount itself.
	AmountMinor    int64
	AmountReported bool
	Reason         string
	Channel        string
}

// Settle drives a PENDING funding or withdrawal row to a terminal status. It is
// the single path used by verification, webhooks, reconciliation and withdrawal
// compensation; a row that is already terminal is returned untouched.
//
// Funding: success credits the wallet, failure changes no balance.
// Withdrawal: success changes no balance, failure refunds the debit once.
// A reported amount that disagrees with the ledger fails the row and returns
// the settlement together with domain.ErrAmountMismatch.
func (l *Ledger) Settle(ctx context.Context, o Outcome) (*domain.Settlement, error) {
	if o.Category != domain.Funding && o.Category != domain.Withdrawal {
		return nil, domain.Invalid("category %s is not settled by the processor", o.Category)
	}
	found, err := l.findTransaction(ctx, o.Reference, o.Category)
	if err != nil {
		return nil, err
	}

	var (
		result   *domain.Settlement
		mismatch bool
	)
	err = l.store.WithTx(ctx, func(q store.Queries) error {
		txn, err := q.LockTransaction(ctx, found.ID)
		if err != nil {
			return err
		}
		if txn.Status.Terminal() {
			w, err := q.GetWallet(ctx, txn.WalletID)
			if err != nil {
				return err
			}
			result = &domain.Settlement{Reference: txn.Reference, Amount: txn.Amount, Status: txn.Status, NewBalance: w.Balance, Replayed: true}
			return nil
		}

		w, err := q.LockWallet(ctx, txn.WalletID)
		if err != nil {
			return err
		}

		succeeded := o.Succeeded
		mustMatch := o.AmountReported || txn.Category == domain.Funding
		if succeeded && mustMatch && !(o.AmountReported && domain.MatchesMinor(txn.Amount, o.AmountMinor, l.opts.Tolerance)) {
			mismatch, succeeded = true, false
			reported := "unreported"
			if o.AmountReported {
				reported = domain.FromMinor(o.AmountMinor).StringFixed(domain.AmountScale)
			}
			l.log.Error("processor amount mismatch",
				zap.String("reference", txn.Reference),
				zap.String("ledger_amount", txn.Amount.StringFixed(domain.AmountScale)),
				zap.String("processor_amount", reported),
			)
		}

		to := domain.StatusFailed
		if succeeded {
			to = domain.StatusSuccess
		}
		moved, err := q.TransitionStatus(ctx, txn.ID, domain.StatusPending, to)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("transaction %s left PENDING under lock", txn.Reference)
		}

		balance := w.Balance
		switch {
		case txn.Category == domain.Funding && succeeded:
			balance, err = q.AdjustBalance(ctx, w.ID, txn.Amount)
		case txn.Category == domain.Withdrawal && !succeeded:
			balance, err = q.AdjustBalance(ctx, w.ID, txn.Amount)
		}
		if err != nil {
			return err
		}

		result = &domain.Settlement{Reference: txn.Reference, Amount: txn.Amount, Status: to, NewBalance: balance}
		l.log.Info("transaction settled",
			zap.String("reference", txn.Reference),
			zap.String("category", string(txn.Category)),
			zap.Int64("wallet_id", w.ID),
			zap.String("amount", txn.Amount.StringFixed(domain.AmountScale)),
			zap.String("from", string(domain.StatusPending)),
			zap.String("to", string(to)),
			zap.String("channel", o.Channel),
			zap.String("reason", o.Reason),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	status := string(result.Status)
	if result.Replayed {
		status = "replayed"
	}
	settlements.WithLabelValues(o.Channel, string(o.Category), status).Inc()

	if mismatch {
		return result, fmt.Errorf("transaction %s: %w", result.Reference, domain.ErrAmountMismatch)
	}
	return result, nil
}
