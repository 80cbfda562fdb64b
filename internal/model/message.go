package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageKind discriminates the envelope payload.
type MessageKind string

const (
	KindAgentRegister  MessageKind = "agent_register"
	KindAgentExecute   MessageKind = "agent_execute"
	KindAgentResponse  MessageKind = "agent_response"
	KindContextUpdate  MessageKind = "context_update"
	KindError          MessageKind = "error"
	KindHealthCheck    MessageKind = "health_check"
	KindHealthResponse MessageKind = "health_response"
)

// IsValid returns true if this is a recognized MessageKind.
func (k MessageKind) IsValid() bool {
	switch k {
	case KindAgentRegister, KindAgentExecute, KindAgentResponse,
		KindContextUpdate, KindError, KindHealthCheck, KindHealthResponse:
		return true
	}
	return false
}

// Envelope is the wire message exchanged over POST /mcp/message.
// Payload stays raw at this layer; DecodeExecute materializes the typed
// payload for agent_execute messages.
type Envelope struct {
	MessageID   string          `json:"message_id"`
	SourceAgent string          `json:"source_agent"`
	TargetAgent string          `json:"target_agent"`
	SessionID   string          `json:"session_id,omitempty"`
	Kind        MessageKind     `json:"message_kind"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewEnvelope constructs an envelope with a fresh message ID and the
// current timestamp. The payload is marshaled immediately so a bad payload
// surfaces at send time, not on the wire.
func NewEnvelope(source, target string, sessionID SessionID, kind MessageKind, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", kind, err)
	}
	return &Envelope{
		MessageID:   uuid.New().String(),
		SourceAgent: source,
		TargetAgent: target,
		SessionID:   string(sessionID),
		Kind:        kind,
		Payload:     raw,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// Validate checks envelope structural invariants.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("envelope missing message_id")
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("unknown message_kind %q", e.Kind)
	}
	if e.TargetAgent == "" {
		return fmt.Errorf("envelope missing target_agent")
	}
	return nil
}

// Action names the task an agent_execute payload requests.
type Action string

const (
	ActionInitializeSession   Action = "initialize_session"
	ActionHandleClarification Action = "handle_clarification"
	ActionConvertDataset      Action = "convert_dataset"
	ActionValidateNWB         Action = "validate_nwb"
)

// IsValid returns true if this is a recognized Action. Unknown actions are
// rejected at the protocol boundary, never silently accepted.
func (a Action) IsValid() bool {
	switch a {
	case ActionInitializeSession, ActionHandleClarification,
		ActionConvertDataset, ActionValidateNWB:
		return true
	}
	return false
}

// ExecutePayload is the payload of an agent_execute envelope.
type ExecutePayload struct {
	Action    Action `json:"action"`
	SessionID string `json:"session_id"`

	// Clarification parameters (handle_clarification only).
	UserInput       string            `json:"user_input,omitempty"`
	UpdatedMetadata map[string]string `json:"updated_metadata,omitempty"`

	// Parameters carries any remaining task-specific values.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// DecodeExecute parses and validates the execute payload of the envelope.
func (e *Envelope) DecodeExecute() (*ExecutePayload, error) {
	if e.Kind != KindAgentExecute {
		return nil, fmt.Errorf("envelope kind is %s, not %s", e.Kind, KindAgentExecute)
	}
	var p ExecutePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decoding execute payload: %w", err)
	}
	if !p.Action.IsValid() {
		return nil, fmt.Errorf("unknown action %q", p.Action)
	}
	if p.SessionID == "" {
		return nil, fmt.Errorf("execute payload missing session_id")
	}
	return &p, nil
}

// AgentKind tags what a registered worker does.
type AgentKind string

const (
	AgentMetadata   AgentKind = "metadata"
	AgentConversion AgentKind = "conversion"
	AgentEvaluation AgentKind = "evaluation"
)

// IsValid returns true if this is a recognized AgentKind.
func (k AgentKind) IsValid() bool {
	switch k {
	case AgentMetadata, AgentConversion, AgentEvaluation:
		return true
	}
	return false
}

// AgentRecord describes a live worker process. Records live only in the
// in-memory registry and are never persisted.
type AgentRecord struct {
	Name         string    `json:"name"`
	Kind         AgentKind `json:"kind"`
	BaseURL      string    `json:"base_url"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// Validate checks that the record can be registered.
func (r *AgentRecord) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("agent record missing name")
	}
	if !r.Kind.IsValid() {
		return fmt.Errorf("agent %q has unknown kind %q", r.Name, r.Kind)
	}
	if r.BaseURL == "" {
		return fmt.Errorf("agent %q missing base_url", r.Name)
	}
	return nil
}
