// Package router sends typed message envelopes to registered worker agents
// over HTTP. The router performs exactly one outbound POST per send and never
// retries; retry policy belongs to callers.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/log"
	"github.com/zjrosen/neuroflow/internal/model"
	"github.com/zjrosen/neuroflow/internal/registry"
)

// CoordinatorName is the source_agent value for coordinator-originated messages.
const CoordinatorName = "coordinator"

const (
	// DefaultTimeout bounds one send end to end. The evaluation path can run
	// free-text summaries that take minutes, so callers may override per call.
	DefaultTimeout = 60 * time.Second
	// DefaultConnectTimeout bounds dialing the worker.
	DefaultConnectTimeout = 10 * time.Second
)

// Response is the parsed JSON reply from a worker. Every worker reply carries
// at minimum a status field; task-specific fields ride along in Fields.
type Response struct {
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Fields map[string]any `json:"-"`
}

// IsError reports whether the worker declined the task.
func (r *Response) IsError() bool {
	return r.Status == "error"
}

// UnmarshalJSON keeps the full reply object available alongside the
// well-known fields.
func (r *Response) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.Fields = fields
	if s, ok := fields["status"].(string); ok {
		r.Status = s
	}
	if e, ok := fields["error"].(string); ok {
		r.Error = e
	}
	return nil
}

// SendOptions tunes a single send.
type SendOptions struct {
	// Timeout overrides the router's default request timeout when positive.
	Timeout time.Duration
}

// Router dispatches envelopes to agents resolved through the registry.
type Router interface {
	// Send constructs an envelope with a fresh message ID and POSTs it to the
	// target's /mcp/message endpoint. Exactly one attempt is made.
	Send(ctx context.Context, target string, kind model.MessageKind, payload any, opts ...SendOptions) (*Response, error)

	// ExecuteTask is a convenience that packages an agent_execute envelope.
	ExecuteTask(ctx context.Context, target string, payload model.ExecutePayload, opts ...SendOptions) (*Response, error)

	// Close releases the HTTP client pool.
	Close()
}

// Config configures a Router.
type Config struct {
	// Registry resolves target names to base URLs (required).
	Registry registry.Registry
	// Timeout is the default per-send timeout. Zero means DefaultTimeout.
	Timeout time.Duration
	// ConnectTimeout bounds dialing. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

type httpRouter struct {
	registry registry.Registry
	client   *http.Client
	timeout  time.Duration
}

// New creates a Router bound to the given registry.
func New(cfg Config) (Router, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("router requires a registry")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = DefaultConnectTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	transport.TLSHandshakeTimeout = connectTimeout
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext

	return &httpRouter{
		registry: cfg.Registry,
		client:   &http.Client{Transport: transport},
		timeout:  timeout,
	}, nil
}

// Send looks up the target, builds the envelope, and performs one POST.
func (r *httpRouter) Send(ctx context.Context, target string, kind model.MessageKind, payload any, opts ...SendOptions) (*Response, error) {
	record, ok := r.registry.Get(target)
	if !ok {
		return nil, faults.New(faults.KindNotFound, "agent %q is not registered", target)
	}

	sessionID := model.SessionID("")
	if exec, ok := payload.(model.ExecutePayload); ok {
		sessionID = model.SessionID(exec.SessionID)
	}

	envelope, err := model.NewEnvelope(CoordinatorName, target, sessionID, kind, payload)
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err, "building envelope for %s", target)
	}

	timeout := r.timeout
	if len(opts) > 0 && opts[0].Timeout > 0 {
		timeout = opts[0].Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err, "serializing envelope %s", envelope.MessageID)
	}

	url := record.BaseURL + "/mcp/message"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.KindTransport, err, "building request to %s", target)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug(log.CatRouter, "Dispatching message",
		"target", target, "kind", kind, "message_id", envelope.MessageID)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransport, err, "agent %q unreachable", target)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransport, err, "reading reply from %q", target)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, faults.New(faults.KindTransport, "agent %q replied HTTP %d", target, resp.StatusCode)
	}

	var parsed Response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, faults.Wrap(faults.KindTransport, err, "unparsable reply from %q", target)
	}

	if parsed.IsError() {
		// The worker has already written clarification state into the session;
		// the coordinator just propagates.
		return &parsed, faults.New(faults.KindWorker, "agent %q reported an error: %s", target, parsed.Error)
	}

	return &parsed, nil
}

// ExecuteTask packages an agent_execute envelope for the named action.
func (r *httpRouter) ExecuteTask(ctx context.Context, target string, payload model.ExecutePayload, opts ...SendOptions) (*Response, error) {
	if !payload.Action.IsValid() {
		return nil, faults.New(faults.KindValidation, "unknown action %q", payload.Action)
	}
	return r.Send(ctx, target, model.KindAgentExecute, payload, opts...)
}

// Close releases idle connections in the client pool.
func (r *httpRouter) Close() {
	r.client.CloseIdleConnections()
}
