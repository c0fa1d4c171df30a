package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/punchamoorthee/walletledger/internal/domain"
)

// SandboxBankCode is the only bank the sandbox accepts payees for.
const SandboxBankCode = "057"

type sandboxAccount struct {
	name   string
	status string
}

// Payout outcome per test account number.
var sandboxAccounts = map[string]sandboxAccount{
	"0000000000": {"Paystack Test Account (Zenith Bank)", PayoutSuccess},
	"0001234567": {"Paystack Transfer Test (Zenith Bank)", PayoutSuccess},
	"0123456789": {"Test Success Account (Zenith Bank)", PayoutSuccess},
	"9999999999": {"Invalid Test Account (Zenith Bank)", PayoutFailed},
	"9876543210": {"Test Failed Account (Zenith Bank)", PayoutFailed},
	"1234567890": {"Test Pending Account (Zenith Bank)", PayoutPending},
}

var sandboxBanks = []Bank{
	{Name: "Access Bank", Code: "044", Slug: "access-bank"},
	{Name: "Guaranty Trust Bank", Code: "058", Slug: "guaranty-trust-bank"},
	{Name: "Zenith Bank", Code: SandboxBankCode, Slug: "zenith-bank"},
}

type sandboxCharge struct {
	amountMinor int64
	status      string
}

type sandboxPayout struct {
	transferCode string
	amountMinor  int64
	status       string
}

// Sandbox is an in-process processor for development and tests. Charges stay
// pending until CompleteCharge or FailCharge; payouts resolve according to the
// payee's test account when queried.
type Sandbox struct {
	mu         sync.Mutex
	seq        int
	charges    map[string]*sandboxCharge
	payouts    map[string]*sandboxPayout
	recipients map[string]string
	failures   map[string]error
	calls      map[string]int
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		charges:    make(map[string]*sandboxCharge),
		payouts:    make(map[string]*sandboxPayout),
		recipients: make(map[string]string),
		failures:   make(map[string]error),
		calls:      make(map[string]int),
	}
}

// Fail makes every subsequent call to op fail with err until cleared with a
// nil err.
func (s *Sandbox) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how many times op was invoked.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// CompleteCharge simulates the payer paying amountMinor against reference.
func (s *Sandbox) CompleteCharge(reference string, amountMinor int64) {
	s.setCharge(reference, amountMinor, ChargeSuccess)
}

func (s *Sandbox) FailCharge(reference string) {
	s.setCharge(reference, -1, ChargeFailed)
}

func (s *Sandbox) setCharge(reference string, amountMinor int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[reference]
	if !ok {
		c = &sandboxCharge{}
		s.charges[reference] = c
	}
	if amountMinor >= 0 {
		c.amountMinor = amountMinor
	}
	c.status = status
}

// SetPayoutStatus overrides what QueryPayout reports for reference.
func (s *Sandbox) SetPayoutStatus(reference, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payouts[reference]; ok {
		p.status = status
	}
}

// ForgetPayout drops the payout so the processor reports it as unknown.
func (s *Sandbox) ForgetPayout(reference string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.payouts, reference)
}

func (s *Sandbox) enter(op string) error {
	s.calls[op]++
	if err, ok := s.failures[op]; ok {
		return &Error{Op: op, Message: "injected failure", Err: err}
	}
	return nil
}

func (s *Sandbox) nextCode(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s_sandbox_%06d", prefix, s.seq)
}

func (s *Sandbox) InitiateCharge(_ context.Context, req ChargeRequest) (*ChargeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInitiateCharge); err != nil {
		return nil, err
	}
	if req.AmountMinor <= 0 {
		return nil, rejected(OpInitiateCharge, 400, "invalid amount")
	}
	if _, dup := s.charges[req.Reference]; dup {
		return nil, rejected(OpInitiateCharge, 400, "duplicate transaction reference")
	}
	s.charges[req.Reference] = &sandboxCharge{amountMinor: req.AmountMinor, status: ChargePending}
	code := s.nextCode("AC")
	return &ChargeHandle{
		Reference:        req.Reference,
		AuthorizationURL: "https://checkout.sandbox.local/" + code,
		AccessCode:       code,
	}, nil
}

func (s *Sandbox) VerifyCharge(_ context.Context, reference string) (*ChargeVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpVerifyCharge); err != nil {
		return nil, err
	}
	c, ok := s.charges[reference]
	if !ok {
		return nil, rejected(OpVerifyCharge, 404, "Transaction reference not found")
	}
	return &ChargeVerification{Reference: reference, Status: c.status, AmountMinor: c.amountMinor, Currency: "NGN"}, nil
}

func (s *Sandbox) CreatePayee(_ context.Context, payee domain.Payee) (*PayeeHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreatePayee); err != nil {
		return nil, err
	}
	acct, ok := sandboxAccounts[payee.AccountNumber]
	if !ok || payee.BankCode != SandboxBankCode {
		return nil, rejected(OpCreatePayee, 400, "invalid test account, use bank code "+SandboxBankCode)
	}
	code := s.nextCode("RCP")
	s.recipients[code] = payee.AccountNumber
	return &PayeeHandle{RecipientCode: code, Name: acct.name}, nil
}

func (s *Sandbox) InitiatePayout(_ context.Context, req PayoutRequest) (*PayoutHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInitiatePayout); err != nil {
		return nil, err
	}
	account, ok := s.recipients[req.RecipientCode]
	if !ok {
		return nil, rejected(OpInitiatePayout, 404, "recipient not found")
	}
	if _, dup := s.payouts[req.Reference]; dup {
		return nil, rejected(OpInitiatePayout, 400, "duplicate transfer reference")
	}
	p := &sandboxPayout{
		transferCode: s.nextCode("TRF"),
		amountMinor:  req.AmountMinor,
		status:       sandboxAccounts[account].status,
	}
	s.payouts[req.Reference] = p
	return &PayoutHandle{Reference: req.Reference, TransferCode: p.transferCode, Status: PayoutPending}, nil
}

func (s *Sandbox) QueryPayout(_ context.Context, reference string) (*PayoutStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpQueryPayout); err != nil {
		return nil, err
	}
	p, ok := s.payouts[reference]
	if !ok {
		return nil, rejected(OpQueryPayout, 404, "Transfer not found")
	}
	return &PayoutStatus{Reference: reference, TransferCode: p.transferCode, Status: p.status, AmountMinor: p.amountMinor}, nil
}

func (s *Sandbox) ListBanks(_ context.Context) ([]Bank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpListBanks); err != nil {
		return nil, err
	}
	return append([]Bank(nil), sandboxBanks...), nil
}

func (s *Sandbox) ResolveAccount(_ context.Context, accountNumber, bankCode string) (*ResolvedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpResolveAccount); err != nil {
		return nil, err
	}
	acct, ok := sandboxAccounts[accountNumber]
	if !ok || bankCode != SandboxBankCode {
		return nil, rejected(OpResolveAccount, 422, "Could not resolve account name")
	}
	return &ResolvedAccount{AccountNumber: accountNumber, AccountName: acct.name}, nil
}
