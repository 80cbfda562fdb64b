package agentkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/log"
	"github.com/zjrosen/neuroflow/internal/model"
)

// Handler processes one inbound envelope and returns reply fields. A nil
// error means success; the server injects status "success". A non-nil error
// becomes a status "error" reply, it never becomes an HTTP error.
type Handler interface {
	Handle(ctx context.Context, env *model.Envelope) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *model.Envelope) (map[string]any, error)

// Handle calls the function.
func (f HandlerFunc) Handle(ctx context.Context, env *model.Envelope) (map[string]any, error) {
	return f(ctx, env)
}

// ServerConfig configures a worker message server.
type ServerConfig struct {
	// Name is the agent name advertised to the coordinator (required).
	Name string
	// Kind tags what this worker does (required).
	Kind model.AgentKind
	// Addr is the listen address (e.g., ":3001").
	Addr string
	// AdvertiseURL is the base URL registered with the coordinator. Empty
	// derives http://<host>:<port> from the bound listener.
	AdvertiseURL string
	// Coordinator registers the worker on Start (required).
	Coordinator *Client
	// Handler processes inbound envelopes (required).
	Handler Handler
	// Capabilities are advertised in the agent record.
	Capabilities []string
}

// Server is a worker's HTTP surface: POST /mcp/message and GET /health.
type Server struct {
	cfg      ServerConfig
	server   *http.Server
	listener net.Listener
	baseURL  string
}

// NewServer creates the server and binds its listener. Registration happens
// in Start, after the worker can actually receive messages.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Name == "" || !cfg.Kind.IsValid() {
		return nil, faults.New(faults.KindConfig, "worker server requires a name and a valid kind")
	}
	if cfg.Coordinator == nil || cfg.Handler == nil {
		return nil, faults.New(faults.KindConfig, "worker server requires a coordinator client and a handler")
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, faults.Wrap(faults.KindConfig, err, "listening on %s", cfg.Addr)
	}

	baseURL := cfg.AdvertiseURL
	if baseURL == "" {
		if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
			baseURL = fmt.Sprintf("http://%s:%d", "localhost", tcpAddr.Port)
		}
	}

	s := &Server{
		cfg:      cfg,
		listener: listener,
		baseURL:  baseURL,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/mcp/message", s.handleMessage)
	r.Get("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:           r,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// BaseURL returns the URL this worker registers with the coordinator.
func (s *Server) BaseURL() string {
	return s.baseURL
}

// Start registers the worker with the coordinator and serves messages. It
// blocks until the server is stopped or fails.
func (s *Server) Start(ctx context.Context) error {
	record := model.AgentRecord{
		Name:         s.cfg.Name,
		Kind:         s.cfg.Kind,
		BaseURL:      s.baseURL,
		Capabilities: s.cfg.Capabilities,
	}
	if err := s.cfg.Coordinator.Register(ctx, record); err != nil {
		_ = s.listener.Close()
		return err
	}

	log.Info(log.CatAgent, "Worker serving",
		"name", s.cfg.Name, "kind", s.cfg.Kind, "addr", s.listener.Addr().String())
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts down the server. The coordinator keeps the stale
// registry entry; lost workers surface as failed dispatches.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var env model.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeReply(w, map[string]any{"status": "error", "error": "invalid envelope: " + err.Error()})
		return
	}
	if err := env.Validate(); err != nil {
		s.writeReply(w, map[string]any{"status": "error", "error": err.Error()})
		return
	}

	log.Debug(log.CatAgent, "Message received",
		"agent", s.cfg.Name, "kind", env.Kind, "message_id", env.MessageID, "session", env.SessionID)

	if env.Kind == model.KindHealthCheck {
		s.writeReply(w, map[string]any{"status": "success", "agent_name": s.cfg.Name})
		return
	}

	fields, err := s.cfg.Handler.Handle(r.Context(), &env)
	if err != nil {
		// Worker-level failure rides the protocol, not HTTP: the worker has
		// already recorded what it could in the session context.
		log.ErrorErr(log.CatAgent, "Handler failed", err,
			"agent", s.cfg.Name, "session", env.SessionID)
		s.writeReply(w, map[string]any{"status": "error", "error": faults.Message(err)})
		return
	}

	if fields == nil {
		fields = map[string]any{}
	}
	if _, ok := fields["status"]; !ok {
		fields["status"] = "success"
	}
	s.writeReply(w, fields)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeReply(w, map[string]any{
		"status":     "healthy",
		"agent_name": s.cfg.Name,
		"agent_kind": s.cfg.Kind,
	})
}

func (s *Server) writeReply(w http.ResponseWriter, fields map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(fields); err != nil {
		log.Error(log.CatAgent, "Failed to encode reply", "error", err)
	}
}
