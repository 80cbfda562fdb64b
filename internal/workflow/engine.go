// Package workflow implements the session lifecycle: initialization,
// status projection, the clarification loop, and result retrieval. The
// engine owns stage-transition enforcement; workers request changes as
// partial overlays and the engine decides whether they are legal.
package workflow

import (
	"context"
	"os"
	"time"

	"github.com/zjrosen/neuroflow/internal/contextstore"
	"github.com/zjrosen/neuroflow/internal/dataset"
	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/log"
	"github.com/zjrosen/neuroflow/internal/model"
	"github.com/zjrosen/neuroflow/internal/pubsub"
	"github.com/zjrosen/neuroflow/internal/registry"
	"github.com/zjrosen/neuroflow/internal/router"
)

// SessionEvent is published on the engine's broker whenever a session is
// created or its stage changes.
type SessionEvent struct {
	SessionID model.SessionID `json:"session_id"`
	Stage     model.Stage     `json:"workflow_stage"`
	Previous  model.Stage     `json:"previous_stage,omitempty"`
}

// progressByStage projects a stage onto a coarse completion percentage.
var progressByStage = map[model.Stage]int{
	model.StageInitialized:        10,
	model.StageCollectingMetadata: 25,
	model.StageConverting:         50,
	model.StageEvaluating:         75,
	model.StageCompleted:          100,
	model.StageFailed:             0,
}

// messageByStage is the human-readable status line per stage.
var messageByStage = map[model.Stage]string{
	model.StageInitialized:        "Session created; metadata extraction dispatched",
	model.StageCollectingMetadata: "Extracting metadata from dataset",
	model.StageConverting:         "Converting dataset to NWB",
	model.StageEvaluating:         "Validating NWB file",
	model.StageCompleted:          "Conversion pipeline completed",
	model.StageFailed:             "Pipeline failed",
}

// StatusReport is the read model returned by Status.
type StatusReport struct {
	SessionID                 model.SessionID `json:"session_id"`
	Stage                     model.Stage     `json:"workflow_stage"`
	ProgressPercent           int             `json:"progress_percent"`
	Message                   string          `json:"message"`
	CurrentAgent              string          `json:"current_agent,omitempty"`
	RequiresUserClarification bool            `json:"requires_user_clarification"`
	ClarificationPrompt       string          `json:"clarification_prompt,omitempty"`
	LastUpdated               time.Time       `json:"last_updated"`
}

// ResultReport is the read model returned by Result for completed sessions.
type ResultReport struct {
	SessionID         model.SessionID          `json:"session_id"`
	NWBPath           string                   `json:"nwb_path"`
	ValidationResults *model.ValidationResults `json:"validation_results"`
	Metadata          *model.MetadataResult    `json:"metadata,omitempty"`
}

// ClarifyReceipt acknowledges an accepted clarification.
type ClarifyReceipt struct {
	SessionID model.SessionID `json:"session_id"`
	Stage     model.Stage     `json:"workflow_stage"`
	Message   string          `json:"message"`
}

// Engine drives session lifecycle operations against the store, the agent
// registry, and the message router.
type Engine struct {
	store    contextstore.Store
	registry registry.Registry
	router   router.Router
	events   *pubsub.Broker[SessionEvent]
}

// New creates an Engine. All collaborators are required.
func New(store contextstore.Store, reg registry.Registry, rt router.Router) (*Engine, error) {
	if store == nil || reg == nil || rt == nil {
		return nil, faults.New(faults.KindConfig, "workflow engine requires store, registry, and router")
	}
	return &Engine{
		store:    store,
		registry: reg,
		router:   rt,
		events:   pubsub.NewBroker[SessionEvent](),
	}, nil
}

// Events exposes the session event broker for SSE/log listeners.
func (e *Engine) Events() *pubsub.Broker[SessionEvent] {
	return e.events
}

// Close shuts the event broker down.
func (e *Engine) Close() {
	e.events.Close()
}

// Initialize validates the dataset path, inspects the dataset, persists a new
// session, and dispatches metadata extraction. The session survives a failed
// dispatch so the operator can retry through clarification tooling; the error
// is still surfaced to the caller.
func (e *Engine) Initialize(ctx context.Context, datasetPath string) (*model.Session, error) {
	if datasetPath == "" {
		return nil, faults.New(faults.KindValidation, "dataset_path is required")
	}

	fi, err := os.Stat(datasetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.New(faults.KindValidation, "dataset path %q not found", datasetPath)
		}
		return nil, faults.Wrap(faults.KindStorage, err, "checking dataset path %q", datasetPath)
	}
	if !fi.IsDir() {
		return nil, faults.New(faults.KindValidation, "dataset path %q is not a directory", datasetPath)
	}

	info, err := dataset.Inspect(datasetPath)
	if err != nil {
		return nil, err
	}

	session := model.NewSession(info)
	if err := e.store.Create(ctx, session); err != nil {
		return nil, err
	}
	e.events.Publish(pubsub.CreatedEvent, SessionEvent{
		SessionID: session.SessionID,
		Stage:     session.Stage,
	})
	log.Info(log.CatWorkflow, "Session initialized",
		"session", session.SessionID, "format", info.Format, "files", info.FileCount)

	agent, ok := e.registry.GetByKind(model.AgentMetadata)
	if !ok {
		return session, faults.New(faults.KindWorker, "metadata worker unreachable: no metadata agent registered")
	}

	_, err = e.router.ExecuteTask(ctx, agent.Name, model.ExecutePayload{
		Action:    model.ActionInitializeSession,
		SessionID: session.SessionID.String(),
		Parameters: map[string]any{
			"dataset_path": datasetPath,
		},
	})
	if err != nil {
		log.ErrorErr(log.CatWorkflow, "Metadata dispatch failed", err, "session", session.SessionID)
		// An unreachable metadata worker at initialize surfaces as 500, not
		// as the router's usual 502.
		return session, faults.Wrap(faults.KindWorker, err, "metadata worker unreachable")
	}

	session, err = e.store.Update(ctx, session.SessionID, &model.SessionPatch{
		CurrentAgent: model.StringPtr(agent.Name),
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Status projects the session onto the status read model.
func (e *Engine) Status(ctx context.Context, id model.SessionID) (*StatusReport, error) {
	session, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	message := messageByStage[session.Stage]
	if session.Stage == model.StageFailed && session.RequiresUserClarification {
		message = "Pipeline failed; user clarification required"
	}

	return &StatusReport{
		SessionID:                 session.SessionID,
		Stage:                     session.Stage,
		ProgressPercent:           progressByStage[session.Stage],
		Message:                   message,
		CurrentAgent:              session.CurrentAgent,
		RequiresUserClarification: session.RequiresUserClarification,
		ClarificationPrompt:       session.ClarificationPrompt,
		LastUpdated:               session.LastUpdated,
	}, nil
}

// Clarify forwards operator input to the metadata agent for a failed session
// awaiting clarification. The metadata agent merges the input, clears the
// clarification flag, and re-enters the pipeline at conversion.
func (e *Engine) Clarify(ctx context.Context, id model.SessionID, userInput string, updatedMetadata map[string]string) (*ClarifyReceipt, error) {
	if userInput == "" && len(updatedMetadata) == 0 {
		return nil, faults.New(faults.KindValidation, "clarification requires user_input or updated_metadata")
	}

	session, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Stage != model.StageFailed || !session.RequiresUserClarification {
		return nil, faults.New(faults.KindValidation,
			"session %s is not awaiting clarification (stage %s)", id, session.Stage)
	}

	agent, ok := e.registry.GetByKind(model.AgentMetadata)
	if !ok {
		return nil, faults.New(faults.KindTransport, "no metadata agent registered")
	}

	_, err = e.router.ExecuteTask(ctx, agent.Name, model.ExecutePayload{
		Action:          model.ActionHandleClarification,
		SessionID:       id.String(),
		UserInput:       userInput,
		UpdatedMetadata: updatedMetadata,
	})
	if err != nil {
		return nil, err
	}

	// Re-read for the freshest stage; the agent may already have patched it.
	session, err = e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Info(log.CatWorkflow, "Clarification forwarded", "session", id, "stage", session.Stage)

	return &ClarifyReceipt{
		SessionID: id,
		Stage:     session.Stage,
		Message:   "clarification accepted",
	}, nil
}

// Result returns the conversion output for a completed session. Incomplete
// sessions are a caller error; a completed session without results is an
// invariant violation.
func (e *Engine) Result(ctx context.Context, id model.SessionID) (*ResultReport, error) {
	session, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Stage != model.StageCompleted {
		return nil, faults.New(faults.KindValidation,
			"session %s is not completed (stage %s)", id, session.Stage)
	}
	if session.ConversionResults == nil || session.ConversionResults.NWBPath == "" || session.ValidationResults == nil {
		return nil, faults.New(faults.KindInternal,
			"session %s is completed but results are missing", id)
	}

	return &ResultReport{
		SessionID:         session.SessionID,
		NWBPath:           session.ConversionResults.NWBPath,
		ValidationResults: session.ValidationResults,
		Metadata:          session.Metadata,
	}, nil
}

// ApplyPatch applies a worker-submitted overlay after enforcing the stage
// machine. Illegal transitions are rejected without touching the session.
func (e *Engine) ApplyPatch(ctx context.Context, id model.SessionID, patch *model.SessionPatch) (*model.Session, error) {
	if patch == nil || patch.IsEmpty() {
		return nil, faults.New(faults.KindValidation, "patch must change at least one field")
	}

	current, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	previous := current.Stage
	if patch.Stage != nil && *patch.Stage != previous {
		if !previous.CanTransitionTo(*patch.Stage) {
			return nil, faults.New(faults.KindValidation,
				"illegal stage transition %s -> %s for session %s", previous, *patch.Stage, id)
		}
	}

	session, err := e.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	if session.Stage != previous {
		e.events.Publish(pubsub.UpdatedEvent, SessionEvent{
			SessionID: id,
			Stage:     session.Stage,
			Previous:  previous,
		})
		log.Info(log.CatWorkflow, "Stage transition",
			"session", id, "from", previous, "to", session.Stage)
	}
	return session, nil
}

// Delete removes a session from both store layers.
func (e *Engine) Delete(ctx context.Context, id model.SessionID) error {
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.events.Publish(pubsub.DeletedEvent, SessionEvent{SessionID: id})
	return nil
}

// List returns all known sessions, newest first.
func (e *Engine) List(ctx context.Context) ([]*model.Session, error) {
	return e.store.List(ctx)
}
