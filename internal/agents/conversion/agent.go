// Package conversion implements the conversion worker. It runs the external
// converter over the dataset, records the produced NWB file in the session
// context, and hands the session to the evaluation worker.
package conversion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zjrosen/neuroflow/internal/agentkit"
	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/log"
	"github.com/zjrosen/neuroflow/internal/model"
	"github.com/zjrosen/neuroflow/internal/tools"
)

// DefaultRunTimeout bounds one background conversion run. Conversions of
// large recordings are the slowest step in the pipeline.
const DefaultRunTimeout = 30 * time.Minute

// Config wires a conversion worker.
type Config struct {
	// Name is the agent name recorded in session history.
	Name string
	// Coordinator provides session context access and peer routing.
	Coordinator agentkit.Coordinator
	// Converter runs the external format converter.
	Converter tools.Converter
	// NWBDir is the directory produced NWB files land in.
	NWBDir string
	// EvaluationAgent is the registry name validation dispatches target.
	EvaluationAgent string
	// RunTimeout bounds one background run. Zero means DefaultRunTimeout.
	RunTimeout time.Duration
	// Synchronous runs tasks inline instead of in a background goroutine.
	// Tests only.
	Synchronous bool
}

// Agent is the conversion worker.
type Agent struct {
	cfg Config
}

// New creates the worker after checking required collaborators.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" || cfg.Coordinator == nil || cfg.Converter == nil {
		return nil, faults.New(faults.KindConfig, "conversion agent requires a name, a coordinator client, and a converter")
	}
	if cfg.NWBDir == "" {
		return nil, faults.New(faults.KindConfig, "conversion agent requires an NWB output directory")
	}
	if cfg.EvaluationAgent == "" {
		cfg.EvaluationAgent = "evaluation_agent"
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	return &Agent{cfg: cfg}, nil
}

// Handle validates the task and acknowledges it immediately; the conversion
// itself runs in the background and reports through the session context.
func (a *Agent) Handle(_ context.Context, env *model.Envelope) (map[string]any, error) {
	p, err := env.DecodeExecute()
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err, "rejecting message %s", env.MessageID)
	}
	if p.Action != model.ActionConvertDataset {
		return nil, faults.New(faults.KindValidation, "conversion agent does not handle %q", p.Action)
	}

	id := model.SessionID(p.SessionID)
	if a.cfg.Synchronous {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RunTimeout)
		defer cancel()
		a.run(ctx, id)
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RunTimeout)
			defer cancel()
			a.run(ctx, id)
		}()
	}

	return map[string]any{"status": "accepted", "session_id": p.SessionID}, nil
}

func (a *Agent) run(ctx context.Context, id model.SessionID) {
	started := time.Now().UTC()

	session, err := a.cfg.Coordinator.GetContext(ctx, id)
	if err != nil {
		log.ErrorErr(log.CatAgent, "Cannot load session", err, "agent", a.cfg.Name, "session", id)
		return
	}
	if session.DatasetInfo == nil || session.DatasetInfo.Path == "" {
		a.fail(ctx, id, started, faults.New(faults.KindWorker, "session has no dataset"),
			"The session has no dataset to convert. Re-initialize it with a dataset path.")
		return
	}

	// Clarification re-entry arrives already in the converting stage; the
	// normal path enters it here.
	if session.Stage != model.StageConverting {
		if _, err := a.cfg.Coordinator.UpdateContext(ctx, id, &model.SessionPatch{
			Stage:        model.StagePtr(model.StageConverting),
			CurrentAgent: model.StringPtr(a.cfg.Name),
		}); err != nil {
			log.ErrorErr(log.CatAgent, "Cannot enter conversion", err, "agent", a.cfg.Name, "session", id)
			return
		}
	}

	if err := os.MkdirAll(a.cfg.NWBDir, 0o755); err != nil {
		a.fail(ctx, id, started, faults.Wrap(faults.KindStorage, err, "creating NWB output directory"),
			"The conversion output directory could not be created. Check the output path configuration.")
		return
	}

	outputPath := filepath.Join(a.cfg.NWBDir, id.String()+".nwb")
	out, err := a.cfg.Converter.Convert(ctx, tools.ConvertRequest{
		DatasetPath: session.DatasetInfo.Path,
		OutputPath:  outputPath,
		Format:      session.DatasetInfo.Format,
		Metadata:    session.Metadata,
	})
	if err != nil {
		patch := a.failPatch(started, err, conversionPrompt(out, err))
		if out != nil {
			patch.ConversionResults = &model.ConversionResults{
				DurationSeconds: out.DurationSeconds,
				Warnings:        out.Warnings,
				Errors:          out.Errors,
				Log:             out.Log,
			}
		}
		a.applyFail(ctx, id, err, patch)
		return
	}

	nwbPath := out.NWBPath
	if nwbPath == "" {
		nwbPath = outputPath
	}

	if _, err := a.cfg.Coordinator.UpdateContext(ctx, id, &model.SessionPatch{
		Stage: model.StagePtr(model.StageEvaluating),
		ConversionResults: &model.ConversionResults{
			NWBPath:         nwbPath,
			DurationSeconds: out.DurationSeconds,
			Warnings:        out.Warnings,
			Log:             out.Log,
		},
		AppendAgentRun: a.runRecord(started, "success", ""),
	}); err != nil {
		log.ErrorErr(log.CatAgent, "Cannot store conversion results", err, "agent", a.cfg.Name, "session", id)
		return
	}
	log.Info(log.CatAgent, "Conversion finished",
		"agent", a.cfg.Name, "session", id, "nwb", nwbPath, "duration_s", out.DurationSeconds)

	if _, err := a.cfg.Coordinator.RouteMessage(ctx, a.cfg.EvaluationAgent, model.KindAgentExecute, model.ExecutePayload{
		Action:    model.ActionValidateNWB,
		SessionID: id.String(),
	}); err != nil {
		a.fail(ctx, id, started, err,
			"Conversion succeeded but the evaluation agent is unreachable. Retry once it is back.")
	}
}

// conversionPrompt builds the operator-facing question for a failed run. The
// converter's own error list beats the generic wrapper.
func conversionPrompt(out *tools.ConvertOutput, err error) string {
	if out != nil && len(out.Errors) > 0 {
		return fmt.Sprintf("Conversion failed: %s. Correct the metadata or dataset and clarify to retry.",
			strings.Join(out.Errors, "; "))
	}
	return "Conversion failed: " + faults.Message(err) + ". Correct the metadata or dataset and clarify to retry."
}

func (a *Agent) fail(ctx context.Context, id model.SessionID, started time.Time, cause error, prompt string) {
	a.applyFail(ctx, id, cause, a.failPatch(started, cause, prompt))
}

func (a *Agent) failPatch(started time.Time, cause error, prompt string) *model.SessionPatch {
	return &model.SessionPatch{
		Stage:                     model.StagePtr(model.StageFailed),
		RequiresUserClarification: model.BoolPtr(true),
		ClarificationPrompt:       model.StringPtr(prompt),
		AppendAgentRun:            a.runRecord(started, "error", faults.Message(cause)),
	}
}

func (a *Agent) applyFail(ctx context.Context, id model.SessionID, cause error, patch *model.SessionPatch) {
	log.ErrorErr(log.CatAgent, "Run failed", cause, "agent", a.cfg.Name, "session", id)
	if _, err := a.cfg.Coordinator.UpdateContext(ctx, id, patch); err != nil {
		log.ErrorErr(log.CatAgent, "Cannot record failure", err, "agent", a.cfg.Name, "session", id)
	}
}

func (a *Agent) runRecord(started time.Time, outcome, errText string) *model.AgentRun {
	ended := time.Now().UTC()
	return &model.AgentRun{
		AgentName: a.cfg.Name,
		StartedAt: started,
		EndedAt:   &ended,
		Outcome:   outcome,
		Error:     errText,
	}
}
