/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Control Plane HTTP handlers: status, set-limit, reset,
             session history retrieval, price catalog dump, and the
             chat-completions entry point that drives the Streaming
             Proxy. Error-to-status-code mapping: UnknownModel -> 404,
             BudgetExceeded (pre-flight) -> 402, validation -> 400,
             upstream connect failure -> 502.
Root Cause:  JSON decode + validate + writeError shape, and SSE
             handoff to a flushing ResponseWriter.
Context:     One Handlers instance per process, holding references
             to the shared Accumulator, Catalog, session Store and
             Streaming Proxy. No per-request state lives here; it
             all lives on the Proxy's ServeChat stack.
Suitability: L3 — JSON request surface wiring, no billing-critical
             arithmetic (that lives in accumulator/streaming).
──────────────────────────────────────────────────────────────
*/

package controlplane

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/deepsentinel/gateway/accumulator"
	"github.com/deepsentinel/gateway/billing"
	"github.com/deepsentinel/gateway/pricing"
	"github.com/deepsentinel/gateway/session"
	"github.com/deepsentinel/gateway/streaming"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handlers implements the Control Plane's HTTP request surface: status,
// budget updates, reset, history retrieval, and the chat completions
// entry point.
type Handlers struct {
	accumulator *accumulator.Accumulator
	catalog     *pricing.Catalog
	sessions    *session.Store
	proxy       *streaming.Proxy
	logger      zerolog.Logger
}

// New wires a Handlers instance from the shared core components.
func New(acc *accumulator.Accumulator, catalog *pricing.Catalog, sessions *session.Store, proxy *streaming.Proxy, logger zerolog.Logger) *Handlers {
	return &Handlers{
		accumulator: acc,
		catalog:     catalog,
		sessions:    sessions,
		proxy:       proxy,
		logger:      logger.With().Str("component", "control_plane").Logger(),
	}
}

// ChatCompletions handles POST /v1/chat/completions. It validates the
// request, then hands it to the Streaming Proxy for admission, history
// prepending, and streaming.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req billing.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}

	if req.Model == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "messages must be non-empty")
		return
	}
	if req.SessionID == "" {
		// A client-supplied session_id is optional; generate one so this
		// turn still has an identity for the Session History Store and
		// Progress Events.
		req.SessionID = uuid.NewString()
	}

	result := h.proxy.ServeChat(r.Context(), w, &req)
	if result.Err == nil {
		return
	}

	if admErr, ok := result.Err.(*streaming.AdmissionError); ok {
		switch admErr.Reason {
		case "unknown_model":
			h.writeError(w, http.StatusNotFound, "unknown_model", "no price entry for model "+admErr.Detail)
		case "budget_exceeded":
			h.writeError(w, http.StatusPaymentRequired, "budget_exceeded", admErr.Detail)
		default:
			h.writeError(w, http.StatusBadRequest, "invalid_request", admErr.Detail)
		}
		return
	}

	if !result.HeadersSent {
		// The upstream connection never opened, so the SSE response was
		// never committed and a clean status code is still possible.
		h.writeError(w, http.StatusBadGateway, "upstream_error", "failed to reach upstream provider")
		return
	}

	// Mid-stream errors arrive after headers and bytes have gone out;
	// there is nothing left to write but a log line.
	h.logger.Error().Err(result.Err).Str("model", req.Model).Str("phase", string(result.Phase)).Msg("chat completion ended in error")
}

// Status handles GET /v1/status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	total, limit, breached := h.accumulator.Snapshot()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_cost": billing.ToDisplay(total),
		"limit":      billing.ToDisplay(limit),
		"breached":   breached,
	})
}

// SetLimit handles POST /v1/config/limit.
func (h *Handlers) SetLimit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit float64 `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}
	if body.Limit < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be non-negative")
		return
	}

	h.accumulator.SetLimit(billing.ToPicounits(body.Limit))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// Reset handles POST /v1/config/reset.
func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	h.accumulator.Reset()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// SessionMessages handles GET /v1/sessions/{session_id}/messages.
func (h *Handlers) SessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}

	messages := h.sessions.Get(r.Context(), sessionID)
	if messages == nil {
		messages = []billing.Message{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// Pricing handles GET /v1/providers/pricing: a read-only dump of the
// current Price Catalog snapshot for the UI client's rate display.
func (h *Handlers) Pricing(w http.ResponseWriter, r *http.Request) {
	models := h.catalog.Models()
	out := make(map[string]interface{}, len(models))
	for _, m := range models {
		price, err := h.catalog.Get(m)
		if err != nil {
			continue
		}
		out[m] = map[string]interface{}{
			"input_per_token":  billing.ToDisplay(price.InputPicounitsPerToken),
			"output_per_token": billing.ToDisplay(price.OutputPicounitsPerToken),
			"multiplier":       price.Multiplier,
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"models": out})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, errType, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error":   errType,
		"message": message,
		"at":      time.Now().UTC().Format(time.RFC3339),
	})
}
