package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/punchamoorthee/walletledger/internal/clock"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/gateway"
	"github.com/punchamoorthee/walletledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const walletNumberAttempts = 10

var accountNumberPattern = regexp.MustCompile(`^[0-9]{10}$`)

type LedgerOptions struct {
	Currency    string
	MinAmount   decimal.Decimal
	Tolerance   decimal.Decimal
	CallbackURL string
}

// Ledger is the only component that mutates balances and transaction status.
type Ledger struct {
	store   store.Store
	gateway gateway.Gateway
	clock   clock.Clock
	guard   *Guard
	opts    LedgerOptions
	log     *zap.Logger

	// newWalletNumber is swapped in tests to force collisions.
	newWalletNumber func() (string, error)
}

func NewLedger(s store.Store, gw gateway.Gateway, clk clock.Clock, opts LedgerOptions, log *zap.Logger) *Ledger {
	return &Ledger{
		store:           s,
		gateway:         gw,
		clock:           clk,
		guard:           NewGuard(s),
		opts:            opts,
		log:             log.Named("ledger"),
		newWalletNumber: randomWalletNumber,
	}
}

// randomWalletNumber returns ten digits with a non-zero leading digit.
func randomWalletNumber() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9_000_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+1_000_000_000), nil
}

// CreateWallet provisions the single wallet an owner may hold.
func (l *Ledger) CreateWallet(ctx context.Context, ownerID int64) (w *domain.Wallet, err error) {
	defer func() { observe("create_wallet", err) }()

	if ownerID <= 0 {
		return nil, domain.Invalid("owner id must be positive")
	}
	for attempt := 0; attempt < walletNumberAttempts; attempt++ {
		number, err := l.newWalletNumber()
		if err != nil {
			return nil, fmt.Errorf("generate wallet number: %w", err)
		}
		taken, err := l.store.WalletNumberExists(ctx, number)
		if err != nil {
			return nil, err
		}
		if taken {
			continue
		}

		w := &domain.Wallet{OwnerID: ownerID, Number: number, Currency: l.opts.Currency, Active: true}
		err = l.store.CreateWallet(ctx, w)
		switch {
		case err == nil:
			l.log.Info("wallet created", zap.Int64("owner_id", ownerID), zap.String("wallet_number", number))
			return w, nil
		case store.IsDuplicate(err, store.ConstraintWalletNumber):
			continue
		case store.IsDuplicate(err, store.ConstraintWalletOwner):
			return nil, fmt.Errorf("owner %d already has a wallet: %w", ownerID, domain.ErrConflict)
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("wallet number after %d attempts: %w", walletNumberAttempts, domain.ErrExhaustedAttempts)
}

// GetWallet returns the owner's active wallet.
func (l *Ledger) GetWallet(ctx context.Context, ownerID int64) (*domain.Wallet, error) {
	return activeWallet(l.store.GetWalletByOwner(ctx, ownerID))
}

// DeactivateWallet closes the wallet to all further money movement.
func (l *Ledger) DeactivateWallet(ctx context.Context, ownerID int64) (err error) {
	defer func() { observe("deactivate_wallet", err) }()

	w, err := l.GetWallet(ctx, ownerID)
	if err != nil {
		return err
	}
	return l.store.WithTx(ctx, func(q store.Queries) error {
		if _, err := activeWallet(q.LockWallet(ctx, w.ID)); err != nil {
			return err
		}
		if err := q.SetWalletActive(ctx, w.ID, false); err != nil {
			return err
		}
		l.log.Info("wallet deactivated", zap.Int64("wallet_id", w.ID), zap.Int64("owner_id", ownerID))
		return nil
	})
}

func activeWallet(w *domain.Wallet, err error) (*domain.Wallet, error) {
	if err != nil {
		return nil, err
	}
	if !w.Active {
		return nil, fmt.Errorf("wallet %s: %w", w.Number, domain.ErrWalletInactive)
	}
	return w, nil
}

// InitiateFunding opens a PENDING funding row and asks the processor for a
// charge handle. Either both happen or neither does.
func (l *Ledger) InitiateFunding(ctx context.Context, req domain.FundRequest) (fi *domain.FundInitiation, err error) {
	defer func() { observe("fund_initiate", err) }()

	if err := domain.ValidateAmount(req.Amount, l.opts.MinAmount); err != nil {
		return nil, err
	}
	if req.PayerEmail == "" {
		return nil, domain.Invalid("payer email is required")
	}
	w, err := l.GetWallet(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	ref := domain.NewReference(domain.FundingPrefix, l.clock.Now())
	err = l.store.WithTx(ctx, func(q store.Queries) error {
		txn := &domain.Transaction{
			WalletID:    w.ID,
			Direction:   domain.Credit,
			Category:    domain.Funding,
			Amount:      req.Amount,
			Status:      domain.StatusPending,
			Reference:   ref,
			Description: "Wallet funding",
			Metadata:    map[string]string{"payer_email": req.PayerEmail},
		}
		if err := q.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		handle, err := l.gateway.InitiateCharge(ctx, gateway.ChargeRequest{
			Email:       req.PayerEmail,
			AmountMinor: domain.ToMinor(req.Amount),
			Reference:   ref,
			CallbackURL: l.opts.CallbackURL,
			Metadata:    map[string]string{"purpose": "Wallet Funding", "wallet_number": w.Number},
		})
		if err != nil {
			return err
		}
		if err := q.SetProcessorReference(ctx, txn.ID, handle.Reference, map[string]string{"access_code": handle.AccessCode}); err != nil {
			return err
		}
		fi = &domain.FundInitiation{
			Reference:        ref,
			Amount:           req.Amount,
			AuthorizationURL: handle.AuthorizationURL,
			AccessCode:       handle.AccessCode,
		}
		return nil
	})
	if err != nil {
		l.log.Warn("funding initiation failed", zap.String("reference", ref), zap.Error(err))
		return nil, err
	}
	l.log.Info("funding initiated",
		zap.String("reference", ref),
		zap.Int64("wallet_id", w.ID),
		zap.String("amount", req.Amount.StringFixed(domain.AmountScale)),
	)
	return fi, nil
}

// VerifyFunding asks the processor about one of the owner's funding references
// and settles it on the spot.
func (l *Ledger) VerifyFunding(ctx context.Context, ownerID int64, reference string) (s *domain.Settlement, err error) {
	defer func() { observe("fund_verify", err) }()

	w, err := l.store.GetWalletByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	txn, err := l.findTransaction(ctx, reference, domain.Funding)
	if err != nil {
		return nil, err
	}
	if txn.WalletID != w.ID {
		return nil, fmt.Errorf("transaction %s: %w", reference, domain.ErrNotFound)
	}
	if txn.Status.Terminal() {
		return &domain.Settlement{Reference: txn.Reference, Amount: txn.Amount, Status: txn.Status, NewBalance: w.Balance, Replayed: true}, nil
	}

	v, err := l.gateway.VerifyCharge(ctx, processorRef(txn))
	if err != nil {
		return nil, err
	}
	switch v.Status {
	case gateway.ChargeSuccess:
		return l.Settle(ctx, Outcome{Reference: txn.Reference, Category: domain.Funding, Succeeded: true, AmountMinor: v.AmountMinor, AmountReported: true, Channel: ChannelVerify})
	case gateway.ChargeFailed:
		return l.Settle(ctx, Outcome{Reference: txn.Reference, Category: domain.Funding, Reason: "charge " + v.Status, Channel: ChannelVerify})
	default:
		return &domain.Settlement{Reference: txn.Reference, Amount: txn.Amount, Status: domain.StatusPending, NewBalance: w.Balance}, nil
	}
}

func processorRef(t *domain.Transaction) string {
	if t.ProcessorReference != "" {
		return t.ProcessorReference
	}
	return t.Reference
}

// findTransaction accepts either the ledger reference or the processor's.
func (l *Ledger) findTransaction(ctx context.Context, reference string, c domain.Category) (*domain.Transaction, error) {
	if reference == "" {
		return nil, domain.Invalid("reference is required")
	}
	txn, err := l.store.GetTransactionByReference(ctx, reference)
	if errors.Is(err, domain.ErrNotFound) {
		txn, err = l.store.GetTransactionByProcessorReference(ctx, reference)
	}
	if err != nil {
		return nil, err
	}
	if txn.Category != c {
		return nil, fmt.Errorf("%s transaction %s: %w", c, reference, domain.ErrNotFound)
	}
	return txn, nil
}

func (l *Ledger) ListBanks(ctx context.Context) ([]gateway.Bank, error) {
	return l.gateway.ListBanks(ctx)
}

func (l *Ledger) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*gateway.ResolvedAccount, error) {
	if !accountNumberPattern.MatchString(accountNumber) {
		return nil, domain.Invalid("account number must be 10 digits")
	}
	if bankCode == "" {
		return nil, domain.Invalid("bank code is required")
	}
	return l.gateway.ResolveAccount(ctx, accountNumber, bankCode)
}
