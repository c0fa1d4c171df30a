// Package gateway is the boundary to the external settlement processor. Amounts
// crossing it are integers in the processor's smallest currency unit; nothing in
// here touches the ledger.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/punchamoorthee/walletledger/internal/domain"
)

// Operation names, used in errors, logs and metrics.
const (
	OpInitiateCharge = "initiate_charge"
	OpVerifyCharge   = "verify_charge"
	OpCreatePayee    = "create_payee"
	OpInitiatePayout = "initiate_payout"
	OpQueryPayout    = "query_payout"
	OpListBanks      = "list_banks"
	OpResolveAccount = "resolve_account"
)

// Charge statuses as reported by the processor.
const (
	ChargeSuccess   = "success"
	ChargeFailed    = "failed"
	ChargeAbandoned = "abandoned"
	ChargePending   = "pending"
)

// Payout statuses as reported by the processor.
const (
	PayoutSuccess  = "success"
	PayoutFailed   = "failed"
	PayoutReversed = "reversed"
	PayoutPending  = "pending"
)

type ChargeRequest struct {
	Email       string
	AmountMinor int64
	Reference   string
	CallbackURL string
	Metadata    map[string]string
}

type ChargeHandle struct {
	Reference        string
	AuthorizationURL string
	AccessCode       string
}

type ChargeVerification struct {
	Reference   string
	Status      string
	AmountMinor int64
	Currency    string
}

type PayeeHandle struct {
	RecipientCode string
	Name          string
}

type PayoutRequest struct {
	RecipientCode string
	AmountMinor   int64
	Reference     string
	Reason        string
}

type PayoutHandle struct {
	Reference    string
	TransferCode string
	Status       string
}

type PayoutStatus struct {
	Reference    string
	TransferCode string
	Status       string
	AmountMinor  int64
}

type Bank struct {
	Name string `json:"name"`
	Code string `json:"code"`
	Slug string `json:"slug"`
}

type ResolvedAccount struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

// Gateway is what the ledger needs from a settlement processor. Every method
// fails with an error wrapping domain.ErrGatewayUnavailable (transient) or
// domain.ErrGatewayRejected (terminal).
type Gateway interface {
	InitiateCharge(ctx context.Context, req ChargeRequest) (*ChargeHandle, error)
	VerifyCharge(ctx context.Context, reference string) (*ChargeVerification, error)
	CreatePayee(ctx context.Context, payee domain.Payee) (*PayeeHandle, error)
	InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutHandle, error)
	QueryPayout(ctx context.Context, reference string) (*PayoutStatus, error)
	ListBanks(ctx context.Context) ([]Bank, error)
	ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*ResolvedAccount, error)
}

// Error describes a failed processor call.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: %s (http %d): %v", e.Op, e.Message, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func unavailable(op string, status int, msg string) *Error {
	return &Error{Op: op, StatusCode: status, Message: msg, Err: domain.ErrGatewayUnavailable}
}

func rejected(op string, status int, msg string) *Error {
	return &Error{Op: op, StatusCode: status, Message: msg, Err: domain.ErrGatewayRejected}
}

// IsNotFound reports whether the processor rejected a lookup because it has no
// record of the reference.
func IsNotFound(err error) bool {
	var ge *Error
	if !errors.As(err, &ge) || !errors.Is(ge.Err, domain.ErrGatewayRejected) {
		return false
	}
	return ge.StatusCode == 404 || strings.Contains(strings.ToLower(ge.Message), "not found")
}
