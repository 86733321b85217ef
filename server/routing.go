package server

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/execute"
	"github.com/teranos/chainpulse/logger"
)

// setupRoutes configures all HTTP handlers
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /execute/transfer", s.corsMiddleware(s.executionHandler(execute.KindTransfer)))
	s.mux.HandleFunc("POST /execute/contract-call", s.corsMiddleware(s.executionHandler(execute.KindContractCall)))
	s.mux.HandleFunc("POST /execute/check-and-execute", s.corsMiddleware(s.executionHandler(execute.KindCheckAndExecute)))
	s.mux.HandleFunc("POST /execute/swap", s.corsMiddleware(s.HandleSwap))
	s.mux.HandleFunc("POST /execute/batch-read", s.corsMiddleware(s.HandleBatchRead))
	s.mux.HandleFunc("GET /execute/{executionId}/status", s.corsMiddleware(s.HandleStatus))
	s.mux.HandleFunc("OPTIONS /execute/", s.corsMiddleware(func(http.ResponseWriter, *http.Request) {}))

	s.mux.HandleFunc("GET /health", s.corsMiddleware(s.HandleHealth))
	s.mux.HandleFunc("GET /rpc/failover", s.corsMiddleware(s.HandleFailoverStates))
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /ws/events", s.HandleEvents)
}

// corsMiddleware adds CORS headers for configured origins
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "Retry-After")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// checkOrigin matches the Origin header against allowed origin prefixes, so
// any port of an allowed host passes. Requests without an origin are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// logRequests tags each request with an id and logs its outcome
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		r = r.WithContext(logger.WithRequestID(r.Context(), id))

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debugw("HTTP request",
			append(requestFields(r),
				logger.FieldStatus, rec.status,
				logger.FieldDurationMS, time.Since(start).Milliseconds())...)
	})
}

func requestFields(r *http.Request) []interface{} {
	return append(logger.FieldsFromContext(r.Context()),
		logger.FieldMethod, r.Method,
		logger.FieldPath, r.URL.Path)
}
