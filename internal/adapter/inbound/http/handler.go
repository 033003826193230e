// Package http exposes the gateway over HTTP: the analyze pipeline, agent
// status and identity endpoints, audit inspection, and operational surfaces.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/auditlog"
	"github.com/sentinelSCA/sentinel/internal/service"
)

const statsTopN = 10

// Authentication headers. Signed requests may also carry ts_unix and sig
// in the body; the headers win when both are present.
const (
	apiKeyHeader    = "X-API-Key"
	signatureHeader = "X-Signature"
	timestampHeader = "X-Timestamp-Unix"
)

// Handler routes gateway requests to the services.
type Handler struct {
	analyzer *service.Analyzer
	identity *service.Identity
	stats    *service.Stats
	audit    *auditlog.ChainStore
	metrics  *Metrics
	logger   *slog.Logger
}

// NewHandler wires the HTTP surface.
func NewHandler(
	analyzer *service.Analyzer,
	identity *service.Identity,
	stats *service.Stats,
	audit *auditlog.ChainStore,
	metrics *Metrics,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		analyzer: analyzer,
		identity: identity,
		stats:    stats,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
	}
}

// Routes builds the full middleware-wrapped mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /analyze", h.handleAnalyze)
	mux.HandleFunc("GET /api/v1/status/{agent_id}", h.handleStatus)
	mux.HandleFunc("GET /api/v1/rep/{agent_id}", h.handleRepScore)

	mux.HandleFunc("GET /audit/verify", h.handleAuditVerify)
	mux.HandleFunc("GET /audit/head", h.handleAuditHead)

	mux.HandleFunc("POST /api/v2/register", h.handleRegister)
	mux.HandleFunc("GET /api/v2/agent/{agent_id}", h.handleGetAgent)
	mux.HandleFunc("POST /api/v2/revoke", h.handleRevoke)

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /stats", h.handleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}))

	return withRequestContext(h.logger, h.metrics, mux)
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req service.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, service.ErrBadInput)
		return
	}
	req.APIKey = r.Header.Get(apiKeyHeader)
	req.ClientIP = clientIP(r)
	if ts := r.Header.Get(timestampHeader); ts != "" {
		req.TSUnix = ts
	}
	if sig := r.Header.Get(signatureHeader); sig != "" {
		req.Sig = sig
	}

	resp, err := h.analyzer.Analyze(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.DecisionsTotal.WithLabelValues(resp.Decision).Inc()
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	tsUnix := r.Header.Get(timestampHeader)
	if tsUnix == "" {
		tsUnix = r.URL.Query().Get("ts_unix")
	}
	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		sig = r.URL.Query().Get("sig")
	}
	resp, err := h.analyzer.Status(r.Context(),
		r.PathValue("agent_id"),
		tsUnix,
		sig,
		r.Header.Get(apiKeyHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRepScore(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	score, err := h.analyzer.RepScore(r.Context(), agentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":         agentID,
		"reputation_score": score,
	})
}

func (h *Handler) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	count, err := h.audit.Verify()
	if err != nil {
		h.writeJSON(w, http.StatusOK, map[string]any{
			"ok":      false,
			"entries": count,
			"error":   err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": count})
}

func (h *Handler) handleAuditHead(w http.ResponseWriter, r *http.Request) {
	head, err := h.audit.Head()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, head)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PubB64      string            `json:"pub_b64"`
		DisplayName string            `json:"display_name"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, service.ErrBadInput)
		return
	}

	agent, err := h.identity.Register(r.Context(), req.PubB64, req.DisplayName, req.Metadata)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, agent)
}

func (h *Handler) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.identity.Get(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, agent)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, service.ErrBadInput)
		return
	}
	if err := h.identity.Revoke(r.Context(), req.AgentID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"agent_id": req.AgentID, "revoked": true})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.stats.Snapshot(statsTopN))
}

// clientIP strips the port from the remote address for audit attribution.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON renders a response body.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("response encoding failed", "error", err)
	}
}

// writeError maps service failure kinds to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	reason := "internal"

	switch {
	case errors.Is(err, service.ErrBadInput):
		status, reason = http.StatusBadRequest, "bad_input"
	case errors.Is(err, service.ErrInvalidAPIKey):
		status, reason = http.StatusUnauthorized, "invalid_api_key"
	case errors.Is(err, service.ErrMissingSig):
		status, reason = http.StatusUnauthorized, "missing_signature"
	case errors.Is(err, service.ErrBadSig):
		status, reason = http.StatusUnauthorized, "bad_signature"
	case errors.Is(err, service.ErrOutsideWindow):
		status, reason = http.StatusUnauthorized, "timestamp_outside_window"
	case errors.Is(err, service.ErrAgentNotFound):
		status, reason = http.StatusNotFound, "agent_not_found"
	case errors.Is(err, service.ErrReplayDetected):
		status, reason = http.StatusConflict, "replay_detected"
	case errors.Is(err, service.ErrRateLimited):
		status, reason = http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, service.ErrGlobalFreeze):
		status, reason = http.StatusServiceUnavailable, "global_freeze"
	case errors.Is(err, service.ErrStoreUnavailable):
		status, reason = http.StatusServiceUnavailable, "store_unavailable"
	}

	if status == http.StatusInternalServerError {
		requestLogger(r.Context(), h.logger).Error("request failed", "error", err)
	} else {
		h.metrics.RejectionsTotal.WithLabelValues(reason).Inc()
	}

	h.writeJSON(w, status, map[string]string{"error": reason, "detail": err.Error()})
}
