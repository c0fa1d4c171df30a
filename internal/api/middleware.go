package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Principal is the authenticated caller. Identity issuance happens elsewhere;
// this service only trusts the signed token.
type Principal struct {
	OwnerID int64
	Email   string
}

func principalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// Authenticated requires an HS256 bearer token carrying the owner id in sub.
func Authenticated(secret string) mux.MiddlewareFunc {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				respondWithError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
			if err != nil || !token.Valid {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			owner, ok := subject(claims["sub"])
			if !ok {
				respondWithError(w, http.StatusUnauthorized, "invalid token payload")
				return
			}
			email, _ := claims["email"].(string)

			ctx := context.WithValue(r.Context(), principalContextKey, Principal{OwnerID: owner, Email: email})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// subject accepts sub as a JSON number or a numeric string.
func subject(v any) (int64, bool) {
	switch s := v.(type) {
	case float64:
		if s <= 0 || s != float64(int64(s)) {
			return 0, false
		}
		return int64(s), true
	case string:
		id, err := strconv.ParseInt(s, 10, 64)
		return id, err == nil && id > 0
	default:
		return 0, false
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency under the route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
