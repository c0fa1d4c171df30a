package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/gateway"
	"github.com/punchamoorthee/walletledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Withdraw pays wallet funds out to a bank account in two steps. The debit and
// a PENDING row commit first; the processor is called with no lock held. A
// rejected payout is compensated by refunding through Settle. An unreachable
// processor leaves the row PENDING for reconciliation and returns the result
// alongside domain.ErrGatewayUnavailable.
func (l *Ledger) Withdraw(ctx context.Context, req domain.WithdrawRequest) (res *domain.WithdrawResult, err error) {
	defer func() { observe("withdraw", err) }()

	if err := domain.ValidateAmount(req.Amount, l.opts.MinAmount); err != nil {
		return nil, err
	}
	payee := domain.Payee{
		Name:          strings.TrimSpace(req.Payee.Name),
		AccountNumber: req.Payee.AccountNumber,
		BankCode:      strings.TrimSpace(req.Payee.BankCode),
	}
	if !accountNumberPattern.MatchString(payee.AccountNumber) {
		return nil, domain.Invalid("account number must be 10 digits")
	}
	if payee.BankCode == "" || payee.Name == "" {
		return nil, domain.Invalid("account name and bank code are required")
	}
	key, err := ScopedKey(domain.Withdrawal, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	hash := Fingerprint(string(domain.Withdrawal), strconv.FormatInt(req.OwnerID, 10),
		req.Amount.StringFixed(domain.AmountScale), payee.AccountNumber, payee.BankCode)
	if err := l.guard.Admit(ctx, key, hash); err != nil {
		return nil, err
	}
	w, err := l.GetWallet(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	// Step 1: reserve funds and record intent.
	ref := domain.NewReference(domain.WithdrawalPrefix, l.clock.Now())
	txn := &domain.Transaction{
		WalletID:       w.ID,
		Direction:      domain.Debit,
		Category:       domain.Withdrawal,
		Amount:         req.Amount,
		Status:         domain.StatusPending,
		Reference:      ref,
		IdempotencyKey: key,
		RequestHash:    hash,
		Description:    "Withdrawal to " + payee.AccountNumber,
		Metadata: map[string]string{
			"account_name":   payee.Name,
			"account_number": payee.AccountNumber,
			"bank_code":      payee.BankCode,
		},
	}
	var balance = w.Balance
	err = l.store.WithTx(ctx, func(q store.Queries) error {
		locked, err := activeWallet(q.LockWallet(ctx, w.ID))
		if err != nil {
			return err
		}
		if locked.Balance.LessThan(req.Amount) {
			return domain.ErrInsufficientFunds
		}
		if err := q.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		balance, err = q.AdjustBalance(ctx, w.ID, req.Amount.Neg())
		return err
	})
	if err != nil {
		return nil, l.resolveWrite(ctx, key, hash, err)
	}
	log := l.log.With(zap.String("reference", ref), zap.Int64("wallet_id", w.ID))
	log.Info("withdrawal reserved", zap.String("amount", req.Amount.StringFixed(domain.AmountScale)))

	res = &domain.WithdrawResult{Reference: ref, Amount: req.Amount, Status: domain.StatusPending, NewBalance: balance}

	// Step 2: processor calls, no lock held.
	handle, err := l.initiatePayout(ctx, payee, ref, req.Amount)
	if err != nil {
		if !errors.Is(err, domain.ErrGatewayRejected) {
			log.Warn("payout outcome unknown, left pending for reconciliation", zap.Error(err))
			return res, err
		}
		log.Warn("payout rejected, refunding", zap.Error(err))
		// Detached from the caller so a dropped client cannot skip the refund.
		// If it still fails the row stays PENDING and the orphan sweep refunds it.
		if _, serr := l.Settle(context.WithoutCancel(ctx), Outcome{
			Reference: ref, Category: domain.Withdrawal, Reason: err.Error(), Channel: ChannelInitiate,
		}); serr != nil {
			log.Error("withdrawal compensation failed", zap.Error(serr))
		}
		return nil, err
	}

	// Step 3: remember the processor handle.
	res.TransferCode = handle.TransferCode
	meta := map[string]string{"recipient_code": handle.recipientCode}
	if err := l.store.WithTx(ctx, func(q store.Queries) error {
		return q.SetProcessorReference(ctx, txn.ID, handle.TransferCode, meta)
	}); err != nil {
		log.Error("failed to record payout handle", zap.String("transfer_code", handle.TransferCode), zap.Error(err))
	}

	switch handle.Status {
	case gateway.PayoutSuccess, gateway.PayoutFailed, gateway.PayoutReversed:
		s, serr := l.Settle(ctx, Outcome{
			Reference: ref, Category: domain.Withdrawal, Succeeded: handle.Status == gateway.PayoutSuccess,
			Reason: "payout " + handle.Status, Channel: ChannelInitiate,
		})
		if serr != nil {
			log.Error("immediate payout settlement failed", zap.Error(serr))
			break
		}
		res.Status, res.NewBalance = s.Status, s.NewBalance
	}
	return res, nil
}

type payoutHandle struct {
	*gateway.PayoutHandle
	recipientCode string
}

func (l *Ledger) initiatePayout(ctx context.Context, payee domain.Payee, ref string, amount decimal.Decimal) (*payoutHandle, error) {
	recipient, err := l.gateway.CreatePayee(ctx, payee)
	if err != nil {
		return nil, err
	}
	h, err := l.gateway.InitiatePayout(ctx, gateway.PayoutRequest{
		RecipientCode: recipient.RecipientCode,
		AmountMinor:   domain.ToMinor(amount),
		Reference:     ref,
		Reason:        "Wallet withdrawal",
	})
	if err != nil {
		return nil, err
	}
	return &payoutHandle{PayoutHandle: h, recipientCode: recipient.RecipientCode}, nil
}
