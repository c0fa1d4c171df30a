package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/punchamoorthee/walletledger/internal/clock"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/gateway"
	"github.com/punchamoorthee/walletledger/internal/service"
	"github.com/punchamoorthee/walletledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	testJWTSecret     = "jwt-test-secret"
	testWebhookSecret = "whsec_test"
)

type testServer struct {
	srv     *httptest.Server
	store   *store.MemoryStore
	sandbox *gateway.Sandbox
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	s := store.NewMemoryStore(clk)
	sb := gateway.NewSandbox()
	log := zap.NewNop()
	ledger := service.NewLedger(s, sb, clk, service.LedgerOptions{
		Currency:  "NGN",
		MinAmount: decimal.NewFromInt(100),
		Tolerance: decimal.RequireFromString("0.01"),
	}, log)
	in := service.NewIngestor(s, ledger, testWebhookSecret, log)
	d := service.NewDispatcher(in, 1, 16, log)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	srv := httptest.NewServer(NewRouter(NewHandler(ledger, in, d, log), testJWTSecret))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testServer{srv: srv, store: s, sandbox: sb}
}

func token(t *testing.T, owner int64) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   owner,
		"email": fmt.Sprintf("user%d@example.com", owner),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, method, path string, owner int64, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if owner > 0 {
		req.Header.Set("Authorization", "Bearer "+token(t, owner))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// wallet creates a wallet for owner and seeds its balance directly.
func (ts *testServer) wallet(t *testing.T, owner int64, balance int64) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/wallets", owner, nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create wallet: %d %v", resp.StatusCode, body)
	}
	number := body["wallet_number"].(string)
	w, err := ts.store.GetWalletByNumber(context.Background(), number)
	if err != nil {
		t.Fatalf("lookup wallet: %v", err)
	}
	if balance > 0 {
		if _, err := ts.store.AdjustBalance(context.Background(), w.ID, decimal.NewFromInt(balance)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return number
}

func (ts *testServer) balance(t *testing.T, owner int64) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodGet, "/api/v1/wallet", owner, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get wallet: %d %v", resp.StatusCode, body)
	}
	return body["balance"].(string)
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/health", 0, nil, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
}

func TestWalletRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/api/v1/wallet", 0, nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/wallet", 0, nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}
}

func TestTransferEndpointScenario(t *testing.T) {
	ts := newTestServer(t)
	ts.wallet(t, 1, 1000)
	w2 := ts.wallet(t, 2, 0)

	body := map[string]any{"recipient_wallet_number": w2, "amount": "300"}
	hdr := map[string]string{"Idempotency-Key": "K1"}
	resp, first := ts.do(t, http.MethodPost, "/api/v1/wallet/transfer", 1, body, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("transfer: %d %v", resp.StatusCode, first)
	}
	if ts.balance(t, 1) != "700" || ts.balance(t, 2) != "300" {
		t.Fatalf("unexpected balances %s / %s", ts.balance(t, 1), ts.balance(t, 2))
	}

	resp, replay := ts.do(t, http.MethodPost, "/api/v1/wallet/transfer", 1, body, hdr)
	if resp.StatusCode != http.StatusConflict || replay["reference"] != first["reference"] {
		t.Fatalf("replay: %d %v", resp.StatusCode, replay)
	}
	if ts.balance(t, 1) != "700" {
		t.Fatalf("replay moved money")
	}

	body["amount"] = "400"
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/wallet/transfer", 1, body, hdr)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("key reuse with other intent: %d", resp.StatusCode)
	}
}

func TestTransferEndpointErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.wallet(t, 1, 1000)
	w2 := ts.wallet(t, 2, 0)

	cases := []struct {
		name string
		body any
		want int
	}{
		{"missing key", map[string]any{"recipient_wallet_number": w2, "amount": 300}, http.StatusBadRequest},
		{"malformed", []byte(`{"amount":`), http.StatusBadRequest},
		{"unknown field", map[string]any{"recipient_wallet_number": w2, "amount": 300, "idempotency_key": "x", "from": 2}, http.StatusBadRequest},
		{"insufficient", map[string]any{"recipient_wallet_number": w2, "amount": 5000, "idempotency_key": "a"}, http.StatusUnprocessableEntity},
		{"unknown recipient", map[string]any{"recipient_wallet_number": "9999999999", "amount": 300, "idempotency_key": "b"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/api/v1/wallet/transfer", 1, tc.body, nil)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tc.want, body)
			}
		})
	}
}

func TestWithdrawEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.wallet(t, 1, 1000)
	payee := map[string]string{"account_name": "Ada Obi", "account_number": "0123456789", "bank_code": "057"}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/wallet/withdraw", 1,
		map[string]any{"amount": 300, "payee": payee, "idempotency_key": "w1"}, nil)
	if resp.StatusCode != http.StatusCreated || body["status"] != string(domain.StatusPending) {
		t.Fatalf("withdraw: %d %v", resp.StatusCode, body)
	}

	ts.sandbox.Fail(gateway.OpInitiatePayout, domain.ErrGatewayUnavailable)
	resp, body = ts.do(t, http.MethodPost, "/api/v1/wallet/withdraw", 1,
		map[string]any{"amount": 200, "payee": payee, "idempotency_key": "w2"}, nil)
	if resp.StatusCode != http.StatusAccepted || body["reference"] == "" {
		t.Fatalf("unavailable processor: %d %v", resp.StatusCode, body)
	}

	ts.sandbox.Fail(gateway.OpInitiatePayout, domain.ErrGatewayRejected)
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/wallet/withdraw", 1,
		map[string]any{"amount": 100, "payee": payee, "idempotency_key": "w3"}, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("rejected payout: %d", resp.StatusCode)
	}
	if got := ts.balance(t, 1); got != "500" {
		t.Fatalf("balance = %s, want 500", got)
	}
}

func signPayload(payload []byte) string {
	mac := hmac.New(sha512.New, []byte(testWebhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPaystackWebhookFundingScenario(t *testing.T) {
	ts := newTestServer(t)
	ts.wallet(t, 1, 0)

	resp, fund := ts.do(t, http.MethodPost, "/api/v1/wallet/fund", 1, map[string]any{"amount": 500}, nil)
	if resp.StatusCode != http.StatusCreated || fund["authorization_url"] == "" {
		t.Fatalf("fund: %d %v", resp.StatusCode, fund)
	}
	payload := []byte(fmt.Sprintf(`{"event":"charge.success","data":{"reference":%q,"amount":50000}}`, fund["reference"]))

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/webhooks/paystack", 0, payload, map[string]string{"X-Paystack-Signature": "00"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature: %d", resp.StatusCode)
	}

	for i := 0; i < 2; i++ {
		resp, _ = ts.do(t, http.MethodPost, "/api/v1/webhooks/paystack", 0, payload, map[string]string{"X-Paystack-Signature": signPayload(payload)})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("delivery %d: %d", i, resp.StatusCode)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for ts.balance(t, 1) != "500" {
		if time.Now().After(deadline) {
			t.Fatalf("webhook not applied, balance=%s", ts.balance(t, 1))
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, verify := ts.do(t, http.MethodGet, "/api/v1/wallet/fund/verify/"+fund["reference"].(string), 1, nil, nil)
	if resp.StatusCode != http.StatusOK || verify["replayed"] != true || ts.balance(t, 1) != "500" {
		t.Fatalf("verify after webhook: %d %v", resp.StatusCode, verify)
	}
}

func TestPaystackWebhookMalformedAfterAuth(t *testing.T) {
	ts := newTestServer(t)
	payload := []byte(`not json`)
	resp, _ := ts.do(t, http.MethodPost, "/api/v1/webhooks/paystack", 0, payload, map[string]string{"X-Paystack-Signature": signPayload(payload)})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestBanksEndpoints(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/api/v1/banks", 1, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("banks: %d", resp.StatusCode)
	}
	resp, body := ts.do(t, http.MethodPost, "/api/v1/banks/resolve", 1, map[string]string{"account_number": "0123456789", "bank_code": "057"}, nil)
	if resp.StatusCode != http.StatusOK || body["account_name"] == "" {
		t.Fatalf("resolve: %d %v", resp.StatusCode, body)
	}
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/banks/resolve", 1, map[string]string{"account_number": "123", "bank_code": "057"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("short account number: %d", resp.StatusCode)
	}
}

func TestDeactivateWallet(t *testing.T) {
	ts := newTestServer(t)
	ts.wallet(t, 1, 0)
	resp, _ := ts.do(t, http.MethodDelete, "/api/v1/wallet", 1, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("deactivate: %d", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/wallet", 1, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deactivated wallet: %d", resp.StatusCode)
	}
}
