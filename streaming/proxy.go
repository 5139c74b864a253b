/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       The Streaming Proxy: the central state machine wiring
             the tokenizer, price catalog, cost accumulator,
             progress throttler, session store, and upstream client
             together for a single chat completion request.
             Admitting -> Connecting -> Streaming -> (ClosingOk |
             ClosingBreach | ClosingError) -> Done.
Root Cause:  SSE header setup, flusher check, chunk read/write/flush
             loop, and disconnect-as-context-cancellation detection.
             The admission precheck and breach-triggered abort are
             additional states layered on top to carry a budget
             concept through the streaming path.
Context:     One Proxy instance serves many concurrent requests;
             all shared state (accumulator, catalog) is injected and
             safe for concurrent use. Per-request state (throttler,
             running totals) lives on the stack of ServeChat.
Suitability: L4 — the request's critical path, billing-correctness
             sensitive.
──────────────────────────────────────────────────────────────
*/

package streaming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deepsentinel/gateway/accumulator"
	"github.com/deepsentinel/gateway/billing"
	"github.com/deepsentinel/gateway/pricing"
	"github.com/deepsentinel/gateway/session"
	"github.com/deepsentinel/gateway/throttle"
	"github.com/deepsentinel/gateway/tokenizer"
	"github.com/deepsentinel/gateway/upstream"
	"github.com/rs/zerolog"
)

// Phase names the proxy's state machine position. Exposed for logging and
// tests, not part of any wire contract.
type Phase string

const (
	PhaseAdmitting     Phase = "admitting"
	PhaseConnecting    Phase = "connecting"
	PhaseStreaming     Phase = "streaming"
	PhaseClosingOk     Phase = "closing_ok"
	PhaseClosingBreach Phase = "closing_breach"
	PhaseClosingError  Phase = "closing_error"
	PhaseDone          Phase = "done"
)

// AdmissionError distinguishes the two pre-flight rejection reasons: an
// unknown model or a budget that's already exhausted.
type AdmissionError struct {
	Reason string // "unknown_model" or "budget_exceeded"
	Detail string
}

func (e *AdmissionError) Error() string { return fmt.Sprintf("%s: %s", e.Reason, e.Detail) }

// ProgressSink receives one ProgressEvent right after the prompt is
// charged, one per throttled tick, and exactly one final event when the
// stream closes. Implemented by the control
// plane's broadcaster; kept as an interface here so Proxy has no import
// dependency on the websocket layer.
type ProgressSink interface {
	Publish(event billing.ProgressEvent)
}

// UpstreamClient is the subset of *upstream.Client the proxy depends on.
// Declared as an interface so tests can substitute a fake upstream without
// opening a real HTTP connection.
type UpstreamClient interface {
	ChatCompletionStream(ctx context.Context, model string, messages []billing.Message) (upstream.Stream, error)
}

// Proxy is the Streaming Proxy component.
type Proxy struct {
	catalog     *pricing.Catalog
	accumulator *accumulator.Accumulator
	sessions    *session.Store
	upstream    UpstreamClient
	tokenizer   *tokenizer.Tokenizer
	sink        ProgressSink
	logger      zerolog.Logger
}

// New wires the Streaming Proxy's dependencies together.
func New(
	catalog *pricing.Catalog,
	acc *accumulator.Accumulator,
	sessions *session.Store,
	upstreamClient UpstreamClient,
	tok *tokenizer.Tokenizer,
	sink ProgressSink,
	logger zerolog.Logger,
) *Proxy {
	return &Proxy{
		catalog:     catalog,
		accumulator: acc,
		sessions:    sessions,
		upstream:    upstreamClient,
		tokenizer:   tok,
		sink:        sink,
		logger:      logger.With().Str("component", "streaming_proxy").Logger(),
	}
}

// Result summarizes how a ServeChat call ended, for handler-level logging
// and for error translation. HeadersSent distinguishes failures before the
// SSE response was committed (the handler can still write a status code)
// from failures mid-stream (nothing left to write but a log line).
type Result struct {
	Phase       Phase
	TotalTokens int64
	TotalCost   uint64 // picounits
	Breached    bool
	HeadersSent bool
	Err         error
}

// ServeChat drives one request through the full state machine and writes
// the SSE response directly to w. req.Messages is the caller-supplied
// turn; stored history is prepended here, after admission, so the
// pre-flight estimate covers only the new turn and rejected requests
// never pay the Redis round trip.
func (p *Proxy) ServeChat(ctx context.Context, w http.ResponseWriter, req *billing.ChatRequest) *Result {
	phase := PhaseAdmitting

	price, err := p.catalog.Get(req.Model)
	if err != nil {
		return &Result{Phase: phase, Err: &AdmissionError{Reason: "unknown_model", Detail: req.Model}}
	}

	newTurn := req.Messages
	promptTokens := int64(p.tokenizer.CountMessages(messageContents(req.Messages)))
	estimatedCost := uint64(promptTokens) * price.InputPicounitsPerToken
	if !p.accumulator.Precheck(estimatedCost) {
		return &Result{Phase: phase, Err: &AdmissionError{Reason: "budget_exceeded", Detail: "insufficient remaining budget for prompt"}}
	}

	p.LoadHistoryIfRequested(ctx, req)

	phase = PhaseConnecting
	stream, err := p.upstream.ChatCompletionStream(ctx, req.Model, req.Messages)
	if err != nil {
		p.logger.Error().Err(err).Str("model", req.Model).Msg("upstream connect failed")
		return &Result{Phase: PhaseClosingError, Err: err}
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return &Result{Phase: PhaseClosingError, Err: errors.New("response writer does not support flushing")}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	phase = PhaseStreaming
	start := time.Now()
	th := throttle.New(start)

	var (
		totalTokens    = promptTokens
		totalCost      uint64
		breached       bool
		assembled      string
		lastEmitTokens int64
	)
	totalCost, breached = p.accumulator.Add(estimatedCost)
	p.emitProgress(req, totalTokens-lastEmitTokens, totalTokens, totalCost, breached, start)
	lastEmitTokens = totalTokens

	// bill tokenizes and charges the content frames in data, emitting a
	// throttled progress event when one is due.
	bill := func(data []byte) {
		for _, frame := range upstream.ParseSSE(data) {
			if frame.Done || frame.Content == "" {
				continue
			}
			assembled += frame.Content

			deltaTokens := int64(p.tokenizer.Count(frame.Content))
			totalTokens += deltaTokens

			var newlyBreached bool
			totalCost, newlyBreached = p.accumulator.Add(uint64(deltaTokens) * price.OutputPicounitsPerToken)
			if newlyBreached {
				breached = true
			}

			if th.ShouldEmit(time.Now(), totalTokens, totalCost) {
				p.emitProgress(req, totalTokens-lastEmitTokens, totalTokens, totalCost, breached, time.Now())
				lastEmitTokens = totalTokens
			}
		}
	}

	// SSE lines can arrive split across reads; carry holds the trailing
	// partial line so billing only ever tokenizes whole frames. The raw
	// bytes are still forwarded downstream exactly as received.
	var carry []byte

	for {
		select {
		case <-ctx.Done():
			phase = PhaseClosingError
			th.Final(time.Now(), totalTokens, totalCost)
			p.emitProgress(req, totalTokens-lastEmitTokens, totalTokens, totalCost, breached, time.Now())
			p.finalizeSession(req.SessionID, newTurn, assembled)
			return &Result{Phase: phase, TotalTokens: totalTokens, TotalCost: totalCost, Breached: breached, HeadersSent: true, Err: ctx.Err()}

		default:
			chunk, err := stream.Next()
			if err != nil {
				if err == io.EOF {
					phase = PhaseClosingOk
					err = nil
					bill(carry)
				} else {
					phase = PhaseClosingError
				}
				th.Final(time.Now(), totalTokens, totalCost)
				p.emitProgress(req, totalTokens-lastEmitTokens, totalTokens, totalCost, breached, time.Now())
				p.finalizeSession(req.SessionID, newTurn, assembled)
				return &Result{Phase: phase, TotalTokens: totalTokens, TotalCost: totalCost, Breached: breached, HeadersSent: true, Err: err}
			}

			if _, writeErr := w.Write(chunk); writeErr != nil {
				phase = PhaseClosingError
				th.Final(time.Now(), totalTokens, totalCost)
				p.emitProgress(req, totalTokens-lastEmitTokens, totalTokens, totalCost, breached, time.Now())
				p.finalizeSession(req.SessionID, newTurn, assembled)
				return &Result{Phase: phase, TotalTokens: totalTokens, TotalCost: totalCost, Breached: breached, HeadersSent: true, Err: writeErr}
			}
			flusher.Flush()

			data := chunk
			if len(carry) > 0 {
				data = append(carry, chunk...)
				carry = nil
			}
			cut := bytes.LastIndexByte(data, '\n') + 1
			carry = append(carry, data[cut:]...)
			bill(data[:cut])

			// Checked per chunk, not per content frame, so a breach still
			// cuts the stream even when the breaching chunk's successors
			// carry no billable content.
			if breached {
				phase = PhaseClosingBreach
				p.writeBreachFrame(w, totalCost)
				flusher.Flush()
				th.Final(time.Now(), totalTokens, totalCost)
				p.emitProgress(req, totalTokens-lastEmitTokens, totalTokens, totalCost, true, time.Now())
				p.finalizeSession(req.SessionID, newTurn, assembled)
				return &Result{Phase: phase, TotalTokens: totalTokens, TotalCost: totalCost, Breached: true, HeadersSent: true}
			}
		}
	}
}

// writeBreachFrame appends a terminal SSE frame carrying the budget-breach
// error, so the client can distinguish a breach-terminated stream from a
// clean one without parsing the upstream's own frames.
func (p *Proxy) writeBreachFrame(w http.ResponseWriter, totalCost uint64) {
	_, limit, _ := p.accumulator.Snapshot()
	payload := fmt.Sprintf(`{"error":"budget_exceeded","total_cost":%g,"limit":%g}`,
		billing.ToDisplay(totalCost), billing.ToDisplay(limit))
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func (p *Proxy) emitProgress(req *billing.ChatRequest, deltaTokens, totalTokens int64, totalCost uint64, breached bool, now time.Time) {
	if p.sink == nil {
		return
	}
	if deltaTokens < 0 {
		deltaTokens = 0
	}
	_, limit, _ := p.accumulator.Snapshot()
	p.sink.Publish(billing.ProgressEvent{
		SessionID:   req.SessionID,
		Model:       req.Model,
		DeltaTokens: deltaTokens,
		TotalTokens: totalTokens,
		TotalCost:   billing.ToDisplay(totalCost),
		Limit:       billing.ToDisplay(limit),
		Breached:    breached,
		Timestamp:   now,
	})
}

// finalizeSession appends the new turn and the assistant's accumulated
// reply to history — only the turn the client sent, never the prepended
// history, which is already stored. Fire-and-forget: history persistence
// must never hold up the response that already went to the client.
func (p *Proxy) finalizeSession(sessionID string, turn []billing.Message, assembledReply string) {
	if sessionID == "" || p.sessions == nil {
		return
	}
	toAppend := append([]billing.Message{}, turn...)
	if assembledReply != "" {
		toAppend = append(toAppend, billing.Message{Role: "assistant", Content: assembledReply})
	}
	go p.sessions.Append(context.Background(), sessionID, toAppend)
}

// LoadHistoryIfRequested prepends stored history to req.Messages when
// req.LoadHistory is set, mutating req in place.
func (p *Proxy) LoadHistoryIfRequested(ctx context.Context, req *billing.ChatRequest) {
	if !req.LoadHistory || req.SessionID == "" || p.sessions == nil {
		return
	}
	history := p.sessions.Get(ctx, req.SessionID)
	if len(history) == 0 {
		return
	}
	req.Messages = append(history, req.Messages...)
}

func messageContents(messages []billing.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Content
	}
	return out
}
