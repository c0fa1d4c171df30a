package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/service"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	ledger   *service.Ledger
	ingest   *service.Ingestor
	dispatch *service.Dispatcher
	log      *zap.Logger
}

func NewHandler(l *service.Ledger, in *service.Ingestor, d *service.Dispatcher, log *zap.Logger) *Handler {
	return &Handler{ledger: l, ingest: in, dispatch: d, log: log.Named("api")}
}

// NewRouter mounts every endpoint. Webhooks authenticate by signature, all
// wallet routes by bearer token.
func NewRouter(h *Handler, jwtSecret string) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/webhooks/paystack", h.PaystackWebhookHandler).Methods(http.MethodPost)

	authed := apiV1.NewRoute().Subrouter()
	authed.Use(Authenticated(jwtSecret))
	authed.HandleFunc("/wallets", h.CreateWalletHandler).Methods(http.MethodPost)
	authed.HandleFunc("/wallet", h.GetWalletHandler).Methods(http.MethodGet)
	authed.HandleFunc("/wallet", h.DeactivateWalletHandler).Methods(http.MethodDelete)
	authed.HandleFunc("/wallet/fund", h.FundHandler).Methods(http.MethodPost)
	authed.HandleFunc("/wallet/fund/verify/{reference}", h.VerifyFundingHandler).Methods(http.MethodGet)
	authed.HandleFunc("/wallet/transfer", h.TransferHandler).Methods(http.MethodPost)
	authed.HandleFunc("/wallet/withdraw", h.WithdrawHandler).Methods(http.MethodPost)
	authed.HandleFunc("/banks", h.ListBanksHandler).Methods(http.MethodGet)
	authed.HandleFunc("/banks/resolve", h.ResolveAccountHandler).Methods(http.MethodPost)
	return r
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Invalid("malformed JSON body")
	}
	return nil
}

// respondWithDomainError maps the ledger's error taxonomy onto HTTP.
func (h *Handler) respondWithDomainError(w http.ResponseWriter, err error) {
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict):
		respondWithJSON(w, http.StatusConflict, map[string]string{
			"error":     "Request already processed",
			"reference": conflict.Reference,
			"status":    string(conflict.Status),
		})
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		respondWithError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload")
	case errors.Is(err, domain.ErrValidation):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAuthentication):
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
	case errors.Is(err, domain.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "Wallet or transaction not found")
	case errors.Is(err, domain.ErrConflict):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		respondWithError(w, http.StatusUnprocessableEntity, "Insufficient funds")
	case errors.Is(err, domain.ErrSelfTransfer):
		respondWithError(w, http.StatusUnprocessableEntity, "Self-transfer not allowed")
	case errors.Is(err, domain.ErrAmountMismatch):
		respondWithError(w, http.StatusUnprocessableEntity, "Amount mismatch, transaction failed")
	case errors.Is(err, domain.ErrGatewayRejected):
		respondWithError(w, http.StatusBadGateway, "Payment processor rejected the request")
	case errors.Is(err, domain.ErrGatewayUnavailable), errors.Is(err, domain.ErrExhaustedAttempts):
		respondWithError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		h.log.Error("request failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
