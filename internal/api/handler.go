// Package api provides the coordinator's HTTP surface: the public REST API
// for session lifecycle, the internal API workers call back on, health,
// metrics, and SSE event streaming.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/neuroflow/internal/config"
	"github.com/zjrosen/neuroflow/internal/contextstore"
	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/log"
	"github.com/zjrosen/neuroflow/internal/metrics"
	"github.com/zjrosen/neuroflow/internal/model"
	"github.com/zjrosen/neuroflow/internal/registry"
	"github.com/zjrosen/neuroflow/internal/router"
	"github.com/zjrosen/neuroflow/internal/tracing"
	"github.com/zjrosen/neuroflow/internal/workflow"
)

// requestTimeout bounds one request end to end, including worker dispatch.
const requestTimeout = 90 * time.Second

// Handler provides HTTP endpoints for coordinator operations.
type Handler struct {
	engine   *workflow.Engine
	registry registry.Registry
	router   router.Router
	store    contextstore.Store
	paths    config.PathsConfig
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	version  string
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Engine drives session lifecycle operations (required).
	Engine *workflow.Engine
	// Registry is the live agent directory (required).
	Registry registry.Registry
	// Router dispatches messages to workers (required).
	Router router.Router
	// Store answers health probes and context reads (required).
	Store contextstore.Store
	// Paths locates downloadable pipeline outputs.
	Paths config.PathsConfig
	// Metrics serves /metrics and counts requests (optional).
	Metrics *metrics.Metrics
	// Tracer spans every request (optional).
	Tracer trace.Tracer
	// Version is reported by /health.
	Version string
}

// NewHandler creates a new API handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Engine == nil || cfg.Registry == nil || cfg.Router == nil || cfg.Store == nil {
		return nil, faults.New(faults.KindConfig, "api handler requires engine, registry, router, and store")
	}
	return &Handler{
		engine:   cfg.Engine,
		registry: cfg.Registry,
		router:   cfg.Router,
		store:    cfg.Store,
		paths:    cfg.Paths,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		version:  cfg.Version,
	}, nil
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware(h.tracer))
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions/initialize", h.Initialize)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}/status", h.Status)
		r.Post("/sessions/{id}/clarify", h.Clarify)
		r.Get("/sessions/{id}/result", h.Result)
		r.Delete("/sessions/{id}", h.DeleteSession)
		r.Get("/files/{category}/{name}", h.DownloadFile)
		r.Get("/events", h.StreamEvents)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Post("/register_agent", h.RegisterAgent)
		r.Get("/sessions/{id}/context", h.GetContext)
		r.Patch("/sessions/{id}/context", h.PatchContext)
		r.Post("/route_message", h.RouteMessage)
	})

	r.Get("/health", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	if h.metrics != nil {
		return h.metrics.InstrumentHandler(r)
	}
	return r
}

// === Request/Response Types ===

// InitializeRequest is the request body for creating a session.
type InitializeRequest struct {
	DatasetPath string `json:"dataset_path"`
}

// InitializeResponse is the response body for creating a session.
type InitializeResponse struct {
	SessionID string      `json:"session_id"`
	Stage     model.Stage `json:"workflow_stage"`
	Message   string      `json:"message"`
}

// StatusResponse is the response body for the status endpoint.
type StatusResponse struct {
	SessionID             string      `json:"session_id"`
	Stage                 model.Stage `json:"workflow_stage"`
	ProgressPercentage    int         `json:"progress_percentage"`
	StatusMessage         string      `json:"status_message"`
	CurrentAgent          string      `json:"current_agent,omitempty"`
	RequiresClarification bool        `json:"requires_clarification"`
	ClarificationPrompt   string      `json:"clarification_prompt,omitempty"`
}

// ClarifyRequest is the request body for the clarify endpoint.
type ClarifyRequest struct {
	UserInput       string            `json:"user_input,omitempty"`
	UpdatedMetadata map[string]string `json:"updated_metadata,omitempty"`
}

// ClarifyResponse is the response body for the clarify endpoint.
type ClarifyResponse struct {
	Message string      `json:"message"`
	Stage   model.Stage `json:"workflow_stage"`
}

// ResultResponse is the response body for completed sessions.
type ResultResponse struct {
	SessionID            string                  `json:"session_id"`
	NWBFilePath          string                  `json:"nwb_file_path"`
	ValidationReportPath string                  `json:"validation_report_path,omitempty"`
	OverallStatus        model.OverallStatus     `json:"overall_status"`
	LLMValidationSummary string                  `json:"llm_validation_summary,omitempty"`
	ValidationIssues     []model.ValidationIssue `json:"validation_issues"`
}

// SessionSummary is one entry in the session list.
type SessionSummary struct {
	SessionID   string      `json:"session_id"`
	Stage       model.Stage `json:"workflow_stage"`
	DatasetPath string      `json:"dataset_path,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	LastUpdated time.Time   `json:"last_updated"`
}

// ListSessionsResponse is the response body for listing sessions.
type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
	Total    int              `json:"total"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status           string   `json:"status"`
	Version          string   `json:"version"`
	AgentsRegistered []string `json:"agents_registered"`
	CacheConnected   bool     `json:"cache_connected"`
}

// RegisterAgentResponse acknowledges a worker registration.
type RegisterAgentResponse struct {
	Status string `json:"status"`
	Name   string `json:"name"`
}

// RouteMessageRequest asks the coordinator to relay a message to a worker.
type RouteMessageRequest struct {
	TargetAgent string            `json:"target_agent"`
	MessageKind model.MessageKind `json:"message_kind"`
	Payload     json.RawMessage   `json:"payload"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// === Public Handlers ===

// Initialize creates a session and dispatches metadata extraction.
// POST /api/v1/sessions/initialize
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.DatasetPath == "" {
		h.writeError(w, http.StatusUnprocessableEntity, "validation_error", "dataset_path is required", "")
		return
	}

	session, err := h.engine.Initialize(r.Context(), req.DatasetPath)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, InitializeResponse{
		SessionID: session.SessionID.String(),
		Stage:     session.Stage,
		Message:   "session created; metadata extraction dispatched",
	})
}

// Status reports workflow progress for one session.
// GET /api/v1/sessions/{id}/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Status(r.Context(), sessionID(r))
	if err != nil {
		h.writeFault(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, StatusResponse{
		SessionID:             report.SessionID.String(),
		Stage:                 report.Stage,
		ProgressPercentage:    report.ProgressPercent,
		StatusMessage:         report.Message,
		CurrentAgent:          report.CurrentAgent,
		RequiresClarification: report.RequiresUserClarification,
		ClarificationPrompt:   report.ClarificationPrompt,
	})
}

// Clarify forwards operator input to a failed session awaiting clarification.
// POST /api/v1/sessions/{id}/clarify
func (h *Handler) Clarify(w http.ResponseWriter, r *http.Request) {
	var req ClarifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	receipt, err := h.engine.Clarify(r.Context(), sessionID(r), req.UserInput, req.UpdatedMetadata)
	if err != nil {
		h.writeFault(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ClarifyResponse{
		Message: receipt.Message,
		Stage:   receipt.Stage,
	})
}

// Result returns the conversion output for a completed session.
// GET /api/v1/sessions/{id}/result
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Result(r.Context(), sessionID(r))
	if err != nil {
		h.writeFault(w, err)
		return
	}

	resp := ResultResponse{
		SessionID:        report.SessionID.String(),
		NWBFilePath:      report.NWBPath,
		ValidationIssues: []model.ValidationIssue{},
	}
	if vr := report.ValidationResults; vr != nil {
		resp.ValidationReportPath = vr.ReportPath
		resp.OverallStatus = vr.Overall
		resp.LLMValidationSummary = vr.Summary
		if len(vr.Issues) > 0 {
			resp.ValidationIssues = vr.Issues
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListSessions returns summaries of all known sessions, newest first.
// GET /api/v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.engine.List(r.Context())
	if err != nil {
		h.writeFault(w, err)
		return
	}

	resp := ListSessionsResponse{
		Sessions: make([]SessionSummary, 0, len(sessions)),
		Total:    len(sessions),
	}
	for _, s := range sessions {
		summary := SessionSummary{
			SessionID:   s.SessionID.String(),
			Stage:       s.Stage,
			CreatedAt:   s.CreatedAt,
			LastUpdated: s.LastUpdated,
		}
		if s.DatasetInfo != nil {
			summary.DatasetPath = s.DatasetInfo.Path
		}
		resp.Sessions = append(resp.Sessions, summary)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// DeleteSession removes a session. Idempotent.
// DELETE /api/v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), sessionID(r)); err != nil {
		h.writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadFile serves a produced NWB file or validation report.
// GET /api/v1/files/{category}/{name}
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	name := chi.URLParam(r, "name")

	var dir string
	switch category {
	case "nwb_files":
		dir = h.paths.NWBDir()
	case "reports":
		dir = h.paths.ReportsDir()
	default:
		h.writeError(w, http.StatusBadRequest, "validation_error",
			fmt.Sprintf("unknown file category %q", category), "")
		return
	}

	// Reject anything that could escape the output directory before touching
	// the filesystem.
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		h.writeError(w, http.StatusBadRequest, "validation_error", "invalid file name", "")
		return
	}

	path := filepath.Join(dir, name)
	http.ServeFile(w, r, path)
}

// StreamEvents streams session lifecycle events via SSE.
// GET /api/v1/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	events := h.engine.Events().Subscribe(r.Context())
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event.Payload)
			if err != nil {
				log.Error(log.CatAPI, "Failed to marshal session event", "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// Health reports coordinator liveness and dependency status.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	cacheConnected := h.store.Ping(r.Context()) == nil

	resp := HealthResponse{
		Status:           "healthy",
		Version:          h.version,
		AgentsRegistered: h.registry.Names(),
		CacheConnected:   cacheConnected,
	}
	status := http.StatusOK
	if !cacheConnected {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// === Internal Handlers ===

// RegisterAgent lets a worker self-register on boot.
// POST /internal/register_agent
func (h *Handler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var record model.AgentRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	if err := h.registry.Register(record); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}

	h.writeJSON(w, http.StatusOK, RegisterAgentResponse{
		Status: "registered",
		Name:   record.Name,
	})
}

// GetContext returns the full session object for workers.
// GET /internal/sessions/{id}/context
func (h *Handler) GetContext(w http.ResponseWriter, r *http.Request) {
	session, err := h.store.Get(r.Context(), sessionID(r))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// PatchContext applies a partial overlay submitted by a worker. Stage
// transitions are validated by the engine; illegal ones are rejected.
// PATCH /internal/sessions/{id}/context
func (h *Handler) PatchContext(w http.ResponseWriter, r *http.Request) {
	var patch model.SessionPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	session, err := h.engine.ApplyPatch(r.Context(), sessionID(r), &patch)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// RouteMessage relays a message from one worker to another through the
// coordinator, which is the only party that knows agent addresses.
// POST /internal/route_message
func (h *Handler) RouteMessage(w http.ResponseWriter, r *http.Request) {
	var req RouteMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if req.TargetAgent == "" {
		h.writeError(w, http.StatusUnprocessableEntity, "validation_error", "target_agent is required", "")
		return
	}
	if !req.MessageKind.IsValid() {
		h.writeError(w, http.StatusUnprocessableEntity, "validation_error",
			fmt.Sprintf("unknown message_kind %q", req.MessageKind), "")
		return
	}

	resp, err := h.router.Send(r.Context(), req.TargetAgent, req.MessageKind, req.Payload)
	if err != nil {
		// A worker-declined task is still the worker's answer; relay it.
		if faults.IsKind(err, faults.KindWorker) && resp != nil {
			h.writeJSON(w, http.StatusOK, resp.Fields)
			return
		}
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp.Fields)
}

// === Helpers ===

func sessionID(r *http.Request) model.SessionID {
	return model.SessionID(chi.URLParam(r, "id"))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatAPI, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// writeFault maps a kind-tagged error onto the HTTP error policy.
func (h *Handler) writeFault(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	code := "internal_error"
	if kind != "" {
		code = string(kind)
	}
	status := faults.HTTPStatus(err)
	if status >= 500 {
		log.ErrorErr(log.CatAPI, "Request failed", err)
	}
	h.writeError(w, status, code, faults.Message(err), "")
}
