// Package model defines the core domain entities for the conversion pipeline:
// the Session aggregate, its stage state machine, the per-stage result records,
// and the wire envelope exchanged between the coordinator and worker agents.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionID uniquely identifies a conversion session.
// It is a string-based type using UUID format for global uniqueness.
type SessionID string

// NewSessionID generates a new unique SessionID using UUID v4.
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// String returns the string representation of the SessionID.
func (id SessionID) String() string {
	return string(id)
}

// IsValid returns true if the SessionID is a valid UUID format.
func (id SessionID) IsValid() bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(string(id))
	return err == nil
}

// Stage represents the workflow stage of a conversion session.
// Valid transitions:
//
//	Initialized        -> CollectingMetadata, Failed
//	CollectingMetadata -> Converting, Failed
//	Converting         -> Evaluating, Failed
//	Evaluating         -> Completed, Failed
//	Completed          -> (terminal)
//	Failed             -> Converting (after clarification)
type Stage string

const (
	// StageInitialized indicates the session is created and metadata
	// extraction has been dispatched.
	StageInitialized Stage = "initialized"
	// StageCollectingMetadata indicates the metadata agent has produced
	// structured metadata and conversion is being dispatched.
	StageCollectingMetadata Stage = "collecting_metadata"
	// StageConverting indicates the conversion agent is producing the NWB file.
	StageConverting Stage = "converting"
	// StageEvaluating indicates the evaluation agent is validating the NWB file.
	StageEvaluating Stage = "evaluating"
	// StageCompleted indicates the pipeline finished and results are retrievable.
	StageCompleted Stage = "completed"
	// StageFailed indicates a worker hit an unrecoverable error; the session
	// may recover through operator clarification.
	StageFailed Stage = "failed"
)

// validTransitions defines the allowed stage transitions.
// The key is the current stage, the value is a set of valid target stages.
var validTransitions = map[Stage]map[Stage]bool{
	StageInitialized: {
		StageCollectingMetadata: true,
		StageFailed:             true,
	},
	StageCollectingMetadata: {
		StageConverting: true,
		StageFailed:     true,
	},
	StageConverting: {
		StageEvaluating: true,
		StageFailed:     true,
	},
	StageEvaluating: {
		StageCompleted: true,
		StageFailed:    true,
	},
	StageCompleted: {},
	StageFailed: {
		// Clarification re-enters the pipeline at conversion.
		StageConverting: true,
	},
}

// String returns the string representation of the Stage.
func (s Stage) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized Stage value.
func (s Stage) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if the stage is Completed. Failed is not terminal
// because a clarification can re-enter the pipeline.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted
}

// CanTransitionTo returns true if transitioning from the current stage
// to the target stage is valid.
func (s Stage) CanTransitionTo(target Stage) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// AgentRun records one worker execution against a session.
type AgentRun struct {
	AgentName string     `json:"agent_name"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Outcome   string     `json:"outcome,omitempty"` // "success" or "error"
	Error     string     `json:"error,omitempty"`
}

// Session is the root aggregate for one end-to-end conversion request.
// It is owned exclusively by the context store; workers mutate it only
// through partial overlays applied by the coordinator.
type Session struct {
	SessionID   SessionID `json:"session_id"`
	Stage       Stage     `json:"workflow_stage"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`

	CurrentAgent string     `json:"current_agent,omitempty"`
	AgentHistory []AgentRun `json:"agent_history,omitempty"`

	DatasetInfo       *DatasetInfo       `json:"dataset_info,omitempty"`
	Metadata          *MetadataResult    `json:"metadata,omitempty"`
	ConversionResults *ConversionResults `json:"conversion_results,omitempty"`
	ValidationResults *ValidationResults `json:"validation_results,omitempty"`

	RequiresUserClarification bool   `json:"requires_user_clarification"`
	ClarificationPrompt       string `json:"clarification_prompt,omitempty"`
}

// NewSession creates a session in the Initialized stage for the given dataset.
func NewSession(info *DatasetInfo) *Session {
	now := time.Now().UTC()
	return &Session{
		SessionID:   NewSessionID(),
		Stage:       StageInitialized,
		CreatedAt:   now,
		LastUpdated: now,
		DatasetInfo: info,
	}
}

// Validate checks the session's structural invariants.
func (s *Session) Validate() error {
	if !s.SessionID.IsValid() {
		return fmt.Errorf("session has invalid ID %q", s.SessionID)
	}
	if !s.Stage.IsValid() {
		return fmt.Errorf("session %s has unknown stage %q", s.SessionID, s.Stage)
	}
	if s.RequiresUserClarification && s.ClarificationPrompt == "" {
		return fmt.Errorf("session %s requires clarification but has no prompt", s.SessionID)
	}
	if s.Stage == StageCompleted {
		if s.ConversionResults == nil || s.ConversionResults.NWBPath == "" {
			return fmt.Errorf("session %s is completed without an NWB path", s.SessionID)
		}
		if s.ValidationResults == nil {
			return fmt.Errorf("session %s is completed without validation results", s.SessionID)
		}
	}
	return nil
}

// Touch advances LastUpdated. The store calls this on every mutating write.
func (s *Session) Touch() {
	s.LastUpdated = time.Now().UTC()
}
