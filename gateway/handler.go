// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/memgate/memgate/lib/clock"
	"github.com/memgate/memgate/lib/codec"
	"github.com/memgate/memgate/lib/llm"
	"github.com/memgate/memgate/lib/session"
)

// maxRequestBody bounds inbound JSON bodies.
const maxRequestBody = 16 << 20

// Handler serves the gateway over HTTP.
type Handler struct {
	gateway *Gateway
	server  ServerConfig
	context ContextConfig
	logging bool
	clock   clock.Clock
	logger  *slog.Logger
}

// NewHandler returns the gateway's HTTP handler with its middleware
// applied: request timing, optional request logging, and CORS.
// Compression is added by [NewServer].
func NewHandler(gateway *Gateway) http.Handler {
	handler := &Handler{
		gateway: gateway,
		server:  gateway.config.Server,
		context: gateway.config.Context,
		logging: gateway.config.Monitoring.LogRequests,
		clock:   gateway.clock,
		logger:  gateway.logger.With("component", "http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", handler.HandleChatCompletions)
	mux.HandleFunc("POST /v1/completions", handler.HandleCompletions)
	mux.HandleFunc("GET /v1/models", handler.HandleModels)
	mux.HandleFunc("GET /v1/session", handler.HandleSession)
	mux.HandleFunc("DELETE /v1/session", handler.HandleResetSession)
	mux.HandleFunc("GET /health", handler.HandleHealth)
	mux.HandleFunc("GET /stats", handler.HandleStats)
	mux.HandleFunc("/", handler.handleNotFound)

	return handler.middleware(mux)
}

// HandleChatCompletions serves POST /v1/chat/completions.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	request, err := llm.DecodeChatRequest(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		h.gateway.rejectMalformed()
		h.sendError(w, err)
		return
	}
	call := Call{Request: request, Client: h.clientAddress(r)}
	call.SessionID = h.gateway.Fingerprint(call.Client, r.Header.Get(h.context.FingerprintHeader))
	h.setSessionHeader(w, call.SessionID)

	if request.Stream {
		sse := llm.NewSSEWriter(w)
		err := h.gateway.ChatStream(r.Context(), call, func(chunk llm.ChatCompletionChunk) error {
			if err := r.Context().Err(); err != nil {
				return err
			}
			return sse.WriteData(chunk)
		})
		h.finishStream(w, r, sse, err)
		return
	}

	completion, err := h.gateway.Chat(r.Context(), call)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if r.Context().Err() != nil {
		h.gateway.MarkDetached(call.SessionID)
		return
	}
	h.writeJSON(w, completion)
}

// HandleCompletions serves POST /v1/completions.
func (h *Handler) HandleCompletions(w http.ResponseWriter, r *http.Request) {
	request, err := llm.DecodeTextRequest(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		h.gateway.rejectMalformed()
		h.sendError(w, err)
		return
	}
	call := TextCall{Request: request, Client: h.clientAddress(r)}
	call.SessionID = h.gateway.Fingerprint(call.Client, r.Header.Get(h.context.FingerprintHeader))
	h.setSessionHeader(w, call.SessionID)

	if request.Stream {
		sse := llm.NewSSEWriter(w)
		err := h.gateway.CompleteStream(r.Context(), call, func(chunk llm.TextCompletion) error {
			if err := r.Context().Err(); err != nil {
				return err
			}
			return sse.WriteData(chunk)
		})
		h.finishStream(w, r, sse, err)
		return
	}

	completion, err := h.gateway.Complete(r.Context(), call)
	if err != nil {
		h.sendError(w, err)
		return
	}
	if r.Context().Err() != nil {
		h.gateway.MarkDetached(call.SessionID)
		return
	}
	h.writeJSON(w, completion)
}

// finishStream ends an event stream. An error before the stream
// started gets a normal error response; after, it is sent in-band.
func (h *Handler) finishStream(w http.ResponseWriter, r *http.Request, sse *llm.SSEWriter, err error) {
	if err != nil && !sse.Started() {
		h.sendError(w, err)
		return
	}
	if r.Context().Err() != nil {
		return
	}
	if err != nil {
		_, body := classifyError(err)
		h.logger.Warn("stream failed after start", "path", r.URL.Path, "error", err)
		if writeErr := sse.WriteData(body); writeErr != nil {
			return
		}
	}
	if writeErr := sse.WriteDone(); writeErr != nil {
		h.logger.Debug("writing stream terminator", "error", writeErr)
	}
}

// HandleModels serves GET /v1/models.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.gateway.Models())
}

// HandleHealth serves GET /health, as CBOR when the client asks for
// it.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeNegotiated(w, r, h.gateway.Health())
}

// HandleStats serves GET /stats, as CBOR when the client asks for it.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.writeNegotiated(w, r, h.gateway.Stats())
}

// SessionView is the GET /v1/session document.
type SessionView struct {
	ID           string            `json:"id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
	TurnCount    int               `json:"turn_count"`
	TotalTurns   int               `json:"total_turns"`
	Summary      string            `json:"summary,omitempty"`
	Messages     []session.Message `json:"messages"`
}

// HandleSession serves GET /v1/session: the caller's own session.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	fingerprint := h.gateway.Fingerprint(h.clientAddress(r), r.Header.Get(h.context.FingerprintHeader))
	h.setSessionHeader(w, fingerprint)
	current, ok := h.gateway.Session(fingerprint)
	if !ok {
		h.sendStatus(w, http.StatusNotFound, ErrorTypeInvalidRequest, "no session for this client")
		return
	}
	h.writeJSON(w, SessionView{
		ID:           current.ID,
		CreatedAt:    current.CreatedAt,
		LastActiveAt: current.LastActiveAt,
		TurnCount:    current.TurnCount,
		TotalTurns:   current.TotalTurns,
		Summary:      current.Summary,
		Messages:     current.Messages,
	})
}

// HandleResetSession serves DELETE /v1/session.
func (h *Handler) HandleResetSession(w http.ResponseWriter, r *http.Request) {
	fingerprint := h.gateway.Fingerprint(h.clientAddress(r), r.Header.Get(h.context.FingerprintHeader))
	h.setSessionHeader(w, fingerprint)
	if !h.gateway.ResetSession(fingerprint) {
		h.sendStatus(w, http.StatusNotFound, ErrorTypeInvalidRequest, "no session for this client")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	h.sendStatus(w, http.StatusNotFound, ErrorTypeInvalidRequest, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
}

func (h *Handler) setSessionHeader(w http.ResponseWriter, sessionID string) {
	if h.gateway.store != nil {
		w.Header().Set("X-Session-ID", sessionID)
	}
}

// clientAddress is the caller's IP: the first X-Forwarded-For hop
// when trusted, otherwise the connection's remote address.
func (h *Handler) clientAddress(r *http.Request) string {
	if h.server.TrustForwardedFor {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// Unix socket peers have no port, and often no address.
		return r.RemoteAddr
	}
	return host
}

// sendError writes err as the error envelope with its mapped status.
func (h *Handler) sendError(w http.ResponseWriter, err error) {
	status, body := classifyError(err)
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rateLimit.RetryAfter.Seconds()))))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", "status", status, "error", err)
	}
	h.writeStatusJSON(w, status, body)
}

func (h *Handler) sendStatus(w http.ResponseWriter, status int, kind, message string) {
	h.writeStatusJSON(w, status, ErrorBody{Error: ErrorDetail{Message: message, Type: kind, Code: status}})
}

func (h *Handler) writeStatusJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		h.logger.Warn("writing JSON error response", "error", err, "status", status)
	}
}

// writeJSON encodes value as JSON into w. An encoding failure usually
// means the client went away, so it is only logged.
func (h *Handler) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		h.logger.Warn("writing JSON response", "error", err)
	}
}

// writeNegotiated writes value as CBOR if the Accept header asks for
// it, JSON otherwise.
func (h *Handler) writeNegotiated(w http.ResponseWriter, r *http.Request, value any) {
	w.Header().Add("Vary", "Accept")
	if !codec.Accepts(r.Header.Get("Accept")) {
		h.writeJSON(w, value)
		return
	}
	w.Header().Set("Content-Type", codec.ContentType)
	if err := codec.NewEncoder(w).Encode(value); err != nil {
		h.logger.Warn("writing CBOR response", "error", err)
	}
}

// middleware times every request, stamps X-Process-Time, applies CORS,
// records traffic for /stats, and logs the outcome when request
// logging is on.
func (h *Handler) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := h.clock.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK, started: started, clock: h.clock}
		defer func() {
			finished := h.clock.Now()
			elapsed := finished.Sub(started)
			// ServeMux sets Pattern on r once it has routed it.
			h.gateway.traffic.record(finished, r.Pattern, recorder.status, elapsed)
			if h.logging {
				h.logger.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", recorder.status,
					"duration", elapsed,
					"client", h.clientAddress(r),
				)
			}
		}()

		if origin := r.Header.Get("Origin"); origin != "" {
			if allowed, wildcard := h.allowOrigin(origin); allowed {
				header := w.Header()
				if wildcard {
					header.Set("Access-Control-Allow-Origin", "*")
				} else {
					header.Set("Access-Control-Allow-Origin", origin)
					header.Set("Access-Control-Allow-Credentials", "true")
					header.Add("Vary", "Origin")
				}
				if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
					header.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
						header.Set("Access-Control-Allow-Headers", requested)
					}
					recorder.WriteHeader(http.StatusNoContent)
					return
				}
			}
		}

		next.ServeHTTP(recorder, r)
	})
}

// allowOrigin reports whether origin may make cross-origin requests,
// and whether it was admitted by a "*" entry. A listed origin wins
// over the wildcard so it keeps credentialed access.
func (h *Handler) allowOrigin(origin string) (allowed, wildcard bool) {
	if slices.Contains(h.server.CORSOrigins, origin) {
		return true, false
	}
	if slices.Contains(h.server.CORSOrigins, "*") {
		return true, true
	}
	return false, false
}

// statusRecorder captures the status and stamps X-Process-Time just
// before the header is sent.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	started     time.Time
	clock       clock.Clock
}

func (recorder *statusRecorder) WriteHeader(status int) {
	if recorder.wroteHeader {
		return
	}
	recorder.wroteHeader = true
	recorder.status = status
	elapsed := recorder.clock.Now().Sub(recorder.started)
	recorder.Header().Set("X-Process-Time", strconv.FormatFloat(elapsed.Seconds(), 'f', 6, 64))
	recorder.ResponseWriter.WriteHeader(status)
}

func (recorder *statusRecorder) Write(data []byte) (int, error) {
	if !recorder.wroteHeader {
		recorder.WriteHeader(http.StatusOK)
	}
	return recorder.ResponseWriter.Write(data)
}

// Flush lets event streams through the recorder.
func (recorder *statusRecorder) Flush() {
	if !recorder.wroteHeader {
		recorder.WriteHeader(http.StatusOK)
	}
	if flusher, ok := recorder.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (recorder *statusRecorder) Unwrap() http.ResponseWriter {
	return recorder.ResponseWriter
}
