package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/store"
	"go.uber.org/zap"
)

const maxDescriptionLen = 255

// Transfer moves funds between two wallets within one transaction with
// deterministic locking.
func (l *Ledger) Transfer(ctx context.Context, req domain.TransferRequest) (res *domain.TransferResult, err error) {
	defer func() { observe("transfer", err) }()

	// 1. Validation
	if err := domain.ValidateAmount(req.Amount, l.opts.MinAmount); err != nil {
		return nil, err
	}
	if !accountNumberPattern.MatchString(req.RecipientWalletNumber) {
		return nil, domain.Invalid("recipient wallet number must be 10 digits")
	}
	desc := strings.TrimSpace(req.Description)
	if len(desc) > maxDescriptionLen {
		return nil, domain.Invalid("description must be at most %d characters", maxDescriptionLen)
	}
	key, err := ScopedKey(domain.Transfer, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	// 2. Idempotency Check; the fingerprint uses request fields only
	hash := Fingerprint(string(domain.Transfer), strconv.FormatInt(req.SenderOwnerID, 10), req.RecipientWalletNumber,
		req.Amount.StringFixed(domain.AmountScale), desc)
	if err := l.guard.Admit(ctx, key, hash); err != nil {
		return nil, err
	}

	sender, err := l.GetWallet(ctx, req.SenderOwnerID)
	if err != nil {
		return nil, err
	}
	recipient, err := activeWallet(l.store.GetWalletByNumber(ctx, req.RecipientWalletNumber))
	if err != nil {
		return nil, err
	}
	if sender.ID == recipient.ID {
		return nil, domain.ErrSelfTransfer
	}

	ref := domain.NewReference(domain.TransferPrefix, l.clock.Now())
	var senderBalance = sender.Balance
	err = l.store.WithTx(ctx, func(q store.Queries) error {
		// 3. Deterministic Locking (Deadlock Prevention)
		first, second := sender.ID, recipient.ID
		if first > second {
			first, second = second, first
		}
		locked := make(map[int64]*domain.Wallet, 2)
		for _, id := range []int64{first, second} {
			w, err := activeWallet(q.LockWallet(ctx, id))
			if err != nil {
				return err
			}
			locked[id] = w
		}

		// 4. Business Logic Check
		if locked[sender.ID].Balance.LessThan(req.Amount) {
			return domain.ErrInsufficientFunds
		}

		// 5. Paired entries; the key constraint fires here on a racing replay
		debit := &domain.Transaction{
			WalletID:             sender.ID,
			Direction:            domain.Debit,
			Category:             domain.Transfer,
			Amount:               req.Amount,
			Status:               domain.StatusSuccess,
			Reference:            ref,
			IdempotencyKey:       key,
			RequestHash:          hash,
			CounterpartyWalletID: recipient.ID,
			Description:          desc,
			Metadata:             map[string]string{"recipient_wallet_number": recipient.Number},
		}
		if err := q.InsertTransaction(ctx, debit); err != nil {
			return err
		}
		credit := &domain.Transaction{
			WalletID:             recipient.ID,
			Direction:            domain.Credit,
			Category:             domain.Transfer,
			Amount:               req.Amount,
			Status:               domain.StatusSuccess,
			Reference:            domain.RecipientPrefix + ref,
			IdempotencyKey:       domain.RecipientPrefix + key,
			RequestHash:          hash,
			CounterpartyWalletID: sender.ID,
			Description:          desc,
			Metadata:             map[string]string{"sender_wallet_number": sender.Number},
		}
		if err := q.InsertTransaction(ctx, credit); err != nil {
			return err
		}

		// 6. Update Balances
		next, err := q.AdjustBalance(ctx, sender.ID, req.Amount.Neg())
		if err != nil {
			return err
		}
		if _, err := q.AdjustBalance(ctx, recipient.ID, req.Amount); err != nil {
			return err
		}
		senderBalance = next
		return nil
	})
	if err != nil {
		return nil, l.resolveWrite(ctx, key, hash, err)
	}

	l.log.Info("transfer completed",
		zap.String("reference", ref),
		zap.Int64("sender_wallet_id", sender.ID),
		zap.Int64("recipient_wallet_id", recipient.ID),
		zap.String("amount", req.Amount.StringFixed(domain.AmountScale)),
	)
	return &domain.TransferResult{
		Reference:             ref,
		Amount:                req.Amount,
		RecipientWalletNumber: recipient.Number,
		NewBalance:            senderBalance,
	}, nil
}

// resolveWrite maps storage failures of a keyed write to ledger errors.
func (l *Ledger) resolveWrite(ctx context.Context, key, hash string, err error) error {
	switch {
	case errors.Is(err, store.ErrNegativeBalance):
		return domain.ErrInsufficientFunds
	case store.IsDuplicate(err, store.ConstraintIdempotencyKey):
		return l.guard.Resolve(ctx, key, hash, err)
	}
	return err
}
