/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Gateway HTTP router: CORS -> security headers ->
             request ID -> panic recovery -> request logger -> header
             normalization -> body size limit, then the /v1 request
             surface (chat
             completions, status, config, history, pricing) plus the
             websocket push channel for Progress Events and basic
             health endpoints.
Root Cause:  Middleware ordering and comment-numbered chain trimmed
             to the handlers this module actually has — no auth or
             per-key rate limiting, since end-user authentication is
             out of scope and the core has no concept of API keys.
Context:     One Router built once in main and handed to
             http.Server. All dependencies are constructed upstream
             and injected here; the router itself holds no state.
Suitability: L3 — routing/middleware wiring, no business logic.
──────────────────────────────────────────────────────────────
*/

package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/deepsentinel/gateway/config"
	"github.com/deepsentinel/gateway/controlplane"
	gwmw "github.com/deepsentinel/gateway/middleware"
)

// New returns a configured chi Router with the full middleware chain and
// the complete /v1 request surface mounted.
func New(cfg *config.Config, appLogger zerolog.Logger, handlers *controlplane.Handlers, broadcaster *controlplane.Broadcaster) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	// 1. CORS — must be first so preflight responses succeed.
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	// 2. Security headers.
	r.Use(gwmw.SecurityHeadersMiddleware)
	// 3. Request ID injection.
	r.Use(chimw.RequestID)
	// 4. Panic recovery — a bug in one request must never take the process
	//    down mid-stream for every other in-flight request.
	r.Use(chimw.Recoverer)
	// 5. Request logger.
	r.Use(requestLogger(appLogger))
	// 6. Header normalization.
	r.Use(gwmw.NewHeaderNormalization(appLogger).Handler)
	// 7. Body size limit.
	r.Use(maxBodySize(cfg.MaxBodyBytes))

	// --- Health endpoints (no auth: Non-goals exclude authentication) ---
	r.Get("/healthz", healthOK)
	r.Get("/ready", healthOK)

	// --- Push channel: Progress Events over websocket ---
	r.Get("/v1/stream/progress", broadcaster.ServeWS)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", handlers.ChatCompletions)
		r.Get("/status", handlers.Status)
		r.Post("/config/limit", handlers.SetLimit)
		r.Post("/config/reset", handlers.Reset)
		r.Get("/sessions/{session_id}/messages", handlers.SessionMessages)
		r.Get("/providers/pricing", handlers.Pricing)
	})

	return r
}

func healthOK(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","service":"deepsentinel-gateway"}`))
}

// maxBodySize rejects request bodies larger than maxBytes, defaulting to
// 1MB when unset.
func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
