package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/punchamoorthee/walletledger/internal/domain"
	"go.uber.org/zap"
)

func newTestPaystack(t *testing.T, h http.HandlerFunc) *Paystack {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewPaystack(PaystackConfig{
		BaseURL:   srv.URL,
		SecretKey: "sk_test_abc",
		Currency:  "NGN",
		Timeout:   time.Second,
	}, zap.NewNop())
}

func TestPaystackInitiateCharge(t *testing.T) {
	p := newTestPaystack(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/initialize" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_abc" {
			t.Errorf("authorization header = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["amount"] != float64(50000) || body["reference"] != "FND_1" {
			t.Errorf("unexpected body: %v", body)
		}
		w.Write([]byte(`{"status":true,"message":"Authorization URL created","data":{"authorization_url":"https://checkout.paystack.com/abc","access_code":"abc","reference":"FND_1"}}`))
	})

	h, err := p.InitiateCharge(context.Background(), ChargeRequest{Email: "a@b.c", AmountMinor: 50000, Reference: "FND_1"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if h.Reference != "FND_1" || h.AccessCode != "abc" {
		t.Fatalf("unexpected handle: %+v", h)
	}
}

func TestPaystackVerifyCharge(t *testing.T) {
	p := newTestPaystack(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/verify/FND_1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"status":true,"message":"Verification successful","data":{"reference":"FND_1","status":"success","amount":50000,"currency":"NGN"}}`))
	})

	v, err := p.VerifyCharge(context.Background(), "FND_1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Status != ChargeSuccess || v.AmountMinor != 50000 {
		t.Fatalf("unexpected verification: %+v", v)
	}
}

func TestPaystackErrorClassification(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		want     error
		notFound bool
	}{
		{"server error", http.StatusBadGateway, `{"status":false,"message":"upstream"}`, domain.ErrGatewayUnavailable, false},
		{"rate limited", http.StatusTooManyRequests, `{}`, domain.ErrGatewayUnavailable, false},
		{"bad request", http.StatusBadRequest, `{"status":false,"message":"Invalid amount"}`, domain.ErrGatewayRejected, false},
		{"unknown transfer", http.StatusNotFound, `{"status":false,"message":"Transfer not found"}`, domain.ErrGatewayRejected, true},
		{"false flag on 200", http.StatusOK, `{"status":false,"message":"Recipient invalid"}`, domain.ErrGatewayRejected, false},
		{"garbled 200", http.StatusOK, `<html>`, domain.ErrGatewayUnavailable, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestPaystack(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			_, err := p.QueryPayout(context.Background(), "WTH_1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if IsNotFound(err) != tc.notFound {
				t.Fatalf("IsNotFound = %v, want %v", IsNotFound(err), tc.notFound)
			}
		})
	}
}

func TestPaystackTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	p := newTestPaystack(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.InitiatePayout(ctx, PayoutRequest{RecipientCode: "RCP_1", AmountMinor: 100, Reference: "WTH_1"})
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestPaystackResolveAccount(t *testing.T) {
	p := newTestPaystack(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("account_number") != "0123456789" || q.Get("bank_code") != "057" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"status":true,"message":"Account number resolved","data":{"account_number":"0123456789","account_name":"ADA OBI"}}`))
	})

	acct, err := p.ResolveAccount(context.Background(), "0123456789", "057")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if acct.AccountName != "ADA OBI" {
		t.Fatalf("unexpected account: %+v", acct)
	}
}
