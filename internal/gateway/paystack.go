package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/punchamoorthee/walletledger/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

type PaystackConfig struct {
	BaseURL   string
	SecretKey string
	Currency  string
	Timeout   time.Duration
	// RPS caps outbound calls; zero disables the limiter.
	RPS float64
}

// Paystack talks to the Paystack REST API.
type Paystack struct {
	baseURL   string
	secretKey string
	currency  string
	client    *http.Client
	limiter   *rate.Limiter
	log       *zap.Logger
}

func NewPaystack(cfg PaystackConfig, log *zap.Logger) *Paystack {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), int(cfg.RPS)+1)
	}
	return &Paystack{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secretKey: cfg.SecretKey,
		currency:  cfg.Currency,
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   limiter,
		log:       log.Named("gateway"),
	}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do performs one API call. Network failures, timeouts, 429 and 5xx responses are
// unavailable; any other non-2xx response or a false status flag is a rejection.
func (p *Paystack) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return unavailable(op, 0, err.Error())
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("gateway %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn("processor call failed", zap.String("op", op), zap.Error(err))
		return unavailable(op, 0, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return unavailable(op, resp.StatusCode, "read response: "+err.Error())
	}
	p.log.Debug("processor call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return unavailable(op, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return rejected(op, resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		// A 2xx we cannot read leaves the outcome unknown.
		return unavailable(op, resp.StatusCode, "malformed response body")
	}
	if resp.StatusCode >= 400 || !env.Status {
		return rejected(op, resp.StatusCode, env.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return unavailable(op, resp.StatusCode, "malformed response data")
	}
	return nil
}

func (p *Paystack) InitiateCharge(ctx context.Context, req ChargeRequest) (*ChargeHandle, error) {
	body := map[string]any{
		"email":     req.Email,
		"amount":    req.AmountMinor,
		"reference": req.Reference,
		"currency":  p.currency,
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := p.do(ctx, OpInitiateCharge, http.MethodPost, "/transaction/initialize", body, &data); err != nil {
		return nil, err
	}
	ref := data.Reference
	if ref == "" {
		ref = req.Reference
	}
	return &ChargeHandle{Reference: ref, AuthorizationURL: data.AuthorizationURL, AccessCode: data.AccessCode}, nil
}

func (p *Paystack) VerifyCharge(ctx context.Context, reference string) (*ChargeVerification, error) {
	var data struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
	}
	path := "/transaction/verify/" + url.PathEscape(reference)
	if err := p.do(ctx, OpVerifyCharge, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return &ChargeVerification{
		Reference:   data.Reference,
		Status:      data.Status,
		AmountMinor: data.Amount,
		Currency:    data.Currency,
	}, nil
}

func (p *Paystack) CreatePayee(ctx context.Context, payee domain.Payee) (*PayeeHandle, error) {
	body := map[string]string{
		"type":           "nuban",
		"name":           payee.Name,
		"account_number": payee.AccountNumber,
		"bank_code":      payee.BankCode,
		"currency":       p.currency,
	}
	var data struct {
		RecipientCode string `json:"recipient_code"`
		Name          string `json:"name"`
	}
	if err := p.do(ctx, OpCreatePayee, http.MethodPost, "/transferrecipient", body, &data); err != nil {
		return nil, err
	}
	return &PayeeHandle{RecipientCode: data.RecipientCode, Name: data.Name}, nil
}

func (p *Paystack) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutHandle, error) {
	reason := req.Reason
	if reason == "" {
		reason = "Wallet withdrawal"
	}
	body := map[string]any{
		"source":    "balance",
		"amount":    req.AmountMinor,
		"recipient": req.RecipientCode,
		"reference": req.Reference,
		"reason":    reason,
	}
	var data struct {
		Reference    string `json:"reference"`
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
	}
	if err := p.do(ctx, OpInitiatePayout, http.MethodPost, "/transfer", body, &data); err != nil {
		return nil, err
	}
	ref := data.Reference
	if ref == "" {
		ref = req.Reference
	}
	return &PayoutHandle{Reference: ref, TransferCode: data.TransferCode, Status: data.Status}, nil
}

func (p *Paystack) QueryPayout(ctx context.Context, reference string) (*PayoutStatus, error) {
	var data struct {
		Reference    string `json:"reference"`
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
		Amount       int64  `json:"amount"`
	}
	path := "/transfer/verify/" + url.PathEscape(reference)
	if err := p.do(ctx, OpQueryPayout, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return &PayoutStatus{
		Reference:    data.Reference,
		TransferCode: data.TransferCode,
		Status:       data.Status,
		AmountMinor:  data.Amount,
	}, nil
}

func (p *Paystack) ListBanks(ctx context.Context) ([]Bank, error) {
	var banks []Bank
	path := "/bank?currency=" + url.QueryEscape(p.currency)
	if err := p.do(ctx, OpListBanks, http.MethodGet, path, nil, &banks); err != nil {
		return nil, err
	}
	return banks, nil
}

func (p *Paystack) ResolveAccount(ctx context.Context, accountNumber, bankCode string) (*ResolvedAccount, error) {
	q := url.Values{}
	q.Set("account_number", accountNumber)
	q.Set("bank_code", bankCode)
	var acct ResolvedAccount
	if err := p.do(ctx, OpResolveAccount, http.MethodGet, "/bank/resolve?"+q.Encode(), nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}
