package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/punchamoorthee/walletledger/internal/domain"
)

func TestSandboxPayoutFollowsTestAccount(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		account string
		want    string
	}{
		{"0123456789", PayoutSuccess},
		{"9876543210", PayoutFailed},
		{"1234567890", PayoutPending},
	}
	for _, tc := range cases {
		t.Run(tc.account, func(t *testing.T) {
			s := NewSandbox()
			payee, err := s.CreatePayee(ctx, domain.Payee{Name: "x", AccountNumber: tc.account, BankCode: SandboxBankCode})
			if err != nil {
				t.Fatalf("create payee: %v", err)
			}
			if _, err := s.InitiatePayout(ctx, PayoutRequest{RecipientCode: payee.RecipientCode, AmountMinor: 100, Reference: "WTH_1"}); err != nil {
				t.Fatalf("initiate: %v", err)
			}
			st, err := s.QueryPayout(ctx, "WTH_1")
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if st.Status != tc.want {
				t.Fatalf("status = %s, want %s", st.Status, tc.want)
			}
		})
	}
}

func TestSandboxRejectsUnknownAccount(t *testing.T) {
	s := NewSandbox()
	_, err := s.CreatePayee(context.Background(), domain.Payee{AccountNumber: "5555555555", BankCode: SandboxBankCode})
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestSandboxInjectedFailure(t *testing.T) {
	s := NewSandbox()
	s.Fail(OpListBanks, domain.ErrGatewayUnavailable)
	if _, err := s.ListBanks(context.Background()); !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	s.Fail(OpListBanks, nil)
	if _, err := s.ListBanks(context.Background()); err != nil {
		t.Fatalf("list banks: %v", err)
	}
	if s.Calls(OpListBanks) != 2 {
		t.Fatalf("calls = %d", s.Calls(OpListBanks))
	}
}

func TestSandboxUnknownPayoutIsNotFound(t *testing.T) {
	_, err := NewSandbox().QueryPayout(context.Background(), "WTH_missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
