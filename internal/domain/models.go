package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is an internal custodial account. Its balance is only ever mutated
// through deltas applied while the row is exclusively locked.
type Wallet struct {
	ID        int64           `json:"id"`
	OwnerID   int64           `json:"owner_id"`
	Number    string          `json:"wallet_number"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

type Category string

const (
	Funding    Category = "FUNDING"
	Transfer   Category = "TRANSFER"
	Withdrawal Category = "WITHDRAWAL"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Transaction is one leg in the ledger. A transfer is recorded as two rows, a
// DEBIT on the sender and a CREDIT on the recipient, each naming the other
// wallet as counterparty.
type Transaction struct {
	ID                   int64             `json:"id"`
	WalletID             int64             `json:"wallet_id"`
	Direction            Direction         `json:"direction"`
	Category             Category          `json:"category"`
	Amount               decimal.Decimal   `json:"amount"`
	Status               Status            `json:"status"`
	Reference            string            `json:"reference"`
	ProcessorReference   string            `json:"processor_reference,omitempty"`
	IdempotencyKey       string            `json:"-"`
	RequestHash          string            `json:"-"`
	CounterpartyWalletID int64             `json:"counterparty_wallet_id,omitempty"`
	Description          string            `json:"description"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Payee identifies the bank account a withdrawal pays out to.
type Payee struct {
	Name          string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
}

// WebhookEvent is the durable receipt of an authenticated processor notification.
type WebhookEvent struct {
	ID          int64      `json:"id"`
	PayloadHash string     `json:"payload_hash"`
	Kind        string     `json:"event"`
	Reference   string     `json:"reference"`
	Payload     []byte     `json:"-"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// PendingFilter selects PENDING rows for the reconciliation sweep, in id
// order. AfterID is the keyset cursor: only rows with a larger id match.
type PendingFilter struct {
	Categories    []Category
	CreatedBefore time.Time
	CreatedAfter  time.Time
	AfterID       int64
	Limit         int
}

// FundRequest asks the processor to collect money into the owner's wallet.
type FundRequest struct {
	OwnerID    int64           `json:"-"`
	PayerEmail string          `json:"-"`
	Amount     decimal.Decimal `json:"amount"`
}

// FundInitiation is what the client needs to complete the charge with the processor.
type FundInitiation struct {
	Reference        string          `json:"reference"`
	Amount           decimal.Decimal `json:"amount"`
	AuthorizationURL string          `json:"authorization_url"`
	AccessCode       string          `json:"access_code"`
}

// TransferRequest is the DTO for a wallet-to-wallet move.
type TransferRequest struct {
	SenderOwnerID         int64           `json:"-"`
	RecipientWalletNumber string          `json:"recipient_wallet_number"`
	Amount                decimal.Decimal `json:"amount"`
	Description           string          `json:"description"`
	IdempotencyKey        string          `json:"idempotency_key"`
}

type TransferResult struct {
	Reference             string          `json:"reference"`
	Amount                decimal.Decimal `json:"amount"`
	RecipientWalletNumber string          `json:"recipient_wallet_number"`
	NewBalance            decimal.Decimal `json:"new_balance"`
}

// WithdrawRequest pays wallet funds out to a bank account.
type WithdrawRequest struct {
	OwnerID        int64           `json:"-"`
	Amount         decimal.Decimal `json:"amount"`
	Payee          Payee           `json:"payee"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type WithdrawResult struct {
	Reference    string          `json:"reference"`
	Amount       decimal.Decimal `json:"amount"`
	Status       Status          `json:"status"`
	TransferCode string          `json:"transfer_code,omitempty"`
	NewBalance   decimal.Decimal `json:"new_balance"`
}

// Settlement reports the outcome of driving a transaction towards a terminal state.
type Settlement struct {
	Reference  string          `json:"reference"`
	Amount     decimal.Decimal `json:"amount"`
	Status     Status          `json:"status"`
	NewBalance decimal.Decimal `json:"new_balance"`
	// Replayed is set when the transaction was already terminal and nothing changed.
	Replayed bool `json:"replayed"`
}
