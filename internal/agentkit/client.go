// Package agentkit is the worker-side protocol toolkit: registration with
// the coordinator, session context access, peer messaging through the
// coordinator, a message server, and retrying LLM access. Workers are pure
// Handler implementations on top of this package.
package agentkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/log"
	"github.com/zjrosen/neuroflow/internal/model"
)

// clientTimeout bounds one coordinator call. Context reads and writes are
// small; routing can block on the downstream worker, so this stays generous.
const clientTimeout = 90 * time.Second

// Coordinator is the coordinator surface agents program against. *Client is
// the real implementation; tests substitute fakes.
type Coordinator interface {
	GetContext(ctx context.Context, id model.SessionID) (*model.Session, error)
	UpdateContext(ctx context.Context, id model.SessionID, patch *model.SessionPatch) (*model.Session, error)
	RouteMessage(ctx context.Context, target string, kind model.MessageKind, payload any) (map[string]any, error)
}

// Completer produces LLM completions. *LLMClient is the real implementation.
type Completer interface {
	CallLLM(ctx context.Context, system, prompt string) (string, error)
}

// Client talks to the coordinator's internal API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a coordinator client for the given base URL.
func NewClient(coordinatorURL string) *Client {
	return &Client{
		baseURL: coordinatorURL,
		http:    &http.Client{Timeout: clientTimeout},
	}
}

// Register announces the worker to the coordinator. Failure here aborts
// worker startup; there is no point serving unreachable.
func (c *Client) Register(ctx context.Context, record model.AgentRecord) error {
	var ack struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/internal/register_agent", record, &ack); err != nil {
		return err
	}
	if ack.Status != "registered" {
		return faults.New(faults.KindTransport, "coordinator declined registration: %q", ack.Status)
	}
	log.Info(log.CatAgent, "Registered with coordinator", "name", record.Name, "kind", record.Kind)
	return nil
}

// GetContext fetches the full session object.
func (c *Client) GetContext(ctx context.Context, id model.SessionID) (*model.Session, error) {
	var session model.Session
	path := fmt.Sprintf("/internal/sessions/%s/context", id)
	if err := c.do(ctx, http.MethodGet, path, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateContext applies a partial overlay and returns the updated session.
func (c *Client) UpdateContext(ctx context.Context, id model.SessionID, patch *model.SessionPatch) (*model.Session, error) {
	var session model.Session
	path := fmt.Sprintf("/internal/sessions/%s/context", id)
	if err := c.do(ctx, http.MethodPatch, path, patch, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// RouteMessage relays a payload to another worker through the coordinator
// and returns the target's reply fields. Workers never talk to each other
// directly.
func (c *Client) RouteMessage(ctx context.Context, target string, kind model.MessageKind, payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err, "serializing %s payload", kind)
	}

	req := struct {
		TargetAgent string            `json:"target_agent"`
		MessageKind model.MessageKind `json:"message_kind"`
		Payload     json.RawMessage   `json:"payload"`
	}{TargetAgent: target, MessageKind: kind, Payload: raw}

	var fields map[string]any
	if err := c.do(ctx, http.MethodPost, "/internal/route_message", req, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// do performs one coordinator call, decoding the success body into out and
// mapping error bodies back onto the fault taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return faults.Wrap(faults.KindValidation, err, "serializing request to %s", path)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return faults.Wrap(faults.KindTransport, err, "building request to %s", path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindTransport, err, "coordinator unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return faults.Wrap(faults.KindTransport, err, "reading coordinator reply")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			kind := faults.Kind(apiErr.Code)
			switch kind {
			case faults.KindValidation, faults.KindNotFound, faults.KindTransport,
				faults.KindWorker, faults.KindStorage, faults.KindConfig, faults.KindInternal:
				return faults.New(kind, "%s", apiErr.Error)
			}
		}
		return faults.New(faults.KindTransport, "coordinator replied HTTP %d on %s", resp.StatusCode, path)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return faults.Wrap(faults.KindTransport, err, "unparsable coordinator reply from %s", path)
	}
	return nil
}
