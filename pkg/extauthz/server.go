// Package extauthz implements the external-authorization HTTP contract
// consumed by a hosting reverse proxy: 200 allows a request (with identity or
// credential headers attached), 401 denies it, 500 signals a broken
// deployment. The admission gate and the token-exchange broker are the two
// decision handlers served behind this contract.
package extauthz

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultTimeout bounds each outbound call to an authorization server. The
// gate and broker sit on the request path of every proxied call, so a slow
// authorization server must fail the decision rather than stall the proxy.
const DefaultTimeout = 1000 * time.Millisecond

// NewRouter wraps a decision handler in the ext-authz HTTP contract: the
// health and metrics endpoints answer locally, and every other method and
// path is authorized by the decider.
func NewRouter(decider http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
	)

	// Liveness is independent of downstream authorization-server health
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Handle("/*", decider)
	return r
}

// bearerToken extracts the token from a "Bearer <token>" Authorization
// header. The scheme match is case-insensitive; anything else is a miss.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// writeDeny renders the DENY outcome: 401 with an empty body. No diagnostic
// detail ever reaches the caller.
func writeDeny(w http.ResponseWriter) {
	w.WriteHeader(http.StatusUnauthorized)
}

// writeMisconfigured renders the distinct misconfiguration signal so
// operators can tell "system broken" from "caller unauthorized".
func writeMisconfigured(w http.ResponseWriter) {
	http.Error(w, "misconfigured", http.StatusInternalServerError)
}
