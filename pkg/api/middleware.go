package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/stormstack/controlplane/pkg/metrics"
	"github.com/stormstack/controlplane/pkg/security"
)

// authMiddleware accepts either the static control plane token (nodes and
// the engine fleet) or a signed operator token minted by issue-api-token.
// With no credentials configured the surface is open, which is the local
// development mode.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ControlPlaneToken == "" && s.cfg.APITokenSecret == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}

		if s.cfg.ControlPlaneToken != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.ControlPlaneToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		if s.cfg.APITokenSecret != "" {
			if _, err := security.Verify(token, s.cfg.APITokenSecret); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token")
	})
}

// instrumentMiddleware records per-route request counts and latencies using
// the route template, not the raw path, to keep label cardinality bounded.
func instrumentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}

		timer := metrics.NewTimer()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(timer.Duration().Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
