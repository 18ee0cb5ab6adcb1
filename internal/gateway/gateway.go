// Package gateway implements the private-host HTTP surface. It verifies
// that forwarded requests really came from the edge, routes them through
// the complexity classifier, and runs the engine cascade.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tanvu/inferbridge/internal/domain"
	"github.com/tanvu/inferbridge/internal/engine"
	"github.com/tanvu/inferbridge/internal/envelope"
	"github.com/tanvu/inferbridge/internal/orchestrator"
	"github.com/tanvu/inferbridge/internal/router"
	"github.com/tanvu/inferbridge/internal/server"
)

const maxBodyBytes = 1 << 20

// Recorder persists request outcomes for diagnostics and serves them
// back. Implemented by the audit store; nil disables recording and the
// audit endpoint.
type Recorder interface {
	Record(ctx context.Context, rec *AuditRecord) error
	Recent(ctx context.Context, limit int) ([]AuditRecord, error)
}

// AuditRecord is one request's routing outcome. Message bodies are
// deliberately absent.
type AuditRecord struct {
	RequestID string                 `json:"request_id"`
	ClientID  string                 `json:"client_id,omitempty"`
	Reason    string                 `json:"reason"`
	Score     float64                `json:"score"`
	Engine    string                 `json:"engine,omitempty"`
	Status    string                 `json:"status"`
	Duration  time.Duration          `json:"duration"`
	Attempts  []orchestrator.Attempt `json:"attempts"`

	// CreatedAt is stamped by the store on insert.
	CreatedAt time.Time `json:"created_at"`
}

// Handler is the gateway's HTTP surface.
type Handler struct {
	signer   *envelope.Signer
	router   *router.Router
	orch     *orchestrator.Orchestrator
	engines  []engine.Engine
	recorder Recorder
	logger   *slog.Logger
}

// New creates the gateway handler. recorder may be nil.
func New(signer *envelope.Signer, rtr *router.Router, orch *orchestrator.Orchestrator,
	engines []engine.Engine, recorder Recorder, logger *slog.Logger) *Handler {
	return &Handler{
		signer:   signer,
		router:   rtr,
		orch:     orch,
		engines:  engines,
		recorder: recorder,
		logger:   logger,
	}
}

// Routes mounts the private endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Post("/send-message", h.handleChat)
	r.Get("/health", h.handleHealth)
	if h.recorder != nil {
		r.Get("/admin/audit", h.handleAudit)
	}
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		server.WriteError(w, domain.ErrInvalidRequest("request body unreadable or too large"))
		return
	}

	// Authentication failures are rejected outright, logged with the
	// source, and never retried. The override header is part of the
	// signed material, so a verified request's override is the edge's
	// own, not a caller's.
	override := r.Header.Get(domain.HeaderEngineOverride)
	if err := h.signer.Verify(
		r.Header.Get(domain.HeaderTimestamp),
		r.Header.Get(domain.HeaderSignature),
		override,
		body,
	); err != nil {
		h.logger.Warn("rejected unauthenticated request",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		server.WriteError(w, err)
		return
	}

	var req domain.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		server.WriteError(w, domain.ErrInvalidRequest("body must be JSON with a message field"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		server.WriteError(w, domain.ErrInvalidRequest("message is required"))
		return
	}

	decision := h.router.SelectOrder(req.Message, override)
	h.logger.Info("routing decision",
		slog.String("request_id", server.GetRequestID(r.Context())),
		slog.Any("order", decision.EngineOrder),
		slog.String("reason", decision.Reason),
		slog.Float64("score", decision.ComplexityScore),
	)
	server.AddLogField(r.Context(), "route_reason", decision.Reason)

	res, attempts, err := h.orch.Execute(r.Context(), decision.EngineOrder, &engine.Request{
		Prompt:    req.Message,
		SessionID: req.SessionID,
		Lang:      r.Header.Get(domain.HeaderUserLang),
	})
	if err != nil {
		h.finish(r, decision, attempts, "", started)
		var exhausted *orchestrator.AllEnginesFailedError
		if errors.As(err, &exhausted) {
			// The trail stays in logs and the audit store; the client
			// gets the generic apology only.
			h.logger.Error("engine cascade exhausted",
				slog.String("request_id", server.GetRequestID(r.Context())),
				slog.String("trail", trailSummary(attempts)),
			)
			server.WriteError(w, domain.ErrAllEnginesFailed())
			return
		}
		server.WriteError(w, domain.ErrServer("request could not be completed"))
		return
	}

	h.finish(r, decision, attempts, res.EngineID, started)
	server.AddLogField(r.Context(), "engine", res.EngineID)
	server.WriteJSON(w, http.StatusOK, domain.ChatResponse{
		Model:     res.Model,
		Response:  res.Text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Engine:    res.EngineID,
		Status:    "success",
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	engines := make([]map[string]string, 0, len(h.engines))
	for _, e := range h.engines {
		status := "healthy"
		probeCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := e.Healthy(probeCtx); err != nil {
			status = "unreachable"
		}
		cancel()
		engines = append(engines, map[string]string{
			"id":     e.ID(),
			"status": status,
		})
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"mode":      "gateway",
		"engines":   engines,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleAudit returns the newest audit records, for operators debugging
// a cascade from the private host. This endpoint is never exposed
// through the edge.
func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			server.WriteError(w, domain.ErrInvalidRequest("limit must be a positive integer"))
			return
		}
		limit = min(n, 500)
	}

	records, err := h.recorder.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("audit query failed", slog.String("error", err.Error()))
		server.WriteError(w, domain.ErrServer("audit store unavailable"))
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// finish records the outcome in the audit store, when one is attached.
func (h *Handler) finish(r *http.Request, decision router.Decision,
	attempts []orchestrator.Attempt, engineID string, started time.Time) {
	if h.recorder == nil {
		return
	}
	status := "success"
	if engineID == "" {
		status = "failed"
	}
	rec := &AuditRecord{
		RequestID: server.GetRequestID(r.Context()),
		ClientID:  r.Header.Get(domain.HeaderUserID),
		Reason:    decision.Reason,
		Score:     decision.ComplexityScore,
		Engine:    engineID,
		Status:    status,
		Duration:  time.Since(started),
		Attempts:  attempts,
	}
	// Recording is best-effort; a full audit disk must not fail chats.
	if err := h.recorder.Record(context.WithoutCancel(r.Context()), rec); err != nil {
		h.logger.Warn("audit record failed", slog.String("error", err.Error()))
	}
}

func trailSummary(attempts []orchestrator.Attempt) string {
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		parts[i] = fmt.Sprintf("%s:%s(%dms)", a.EngineID, a.Outcome, a.Duration.Milliseconds())
	}
	return strings.Join(parts, " -> ")
}
