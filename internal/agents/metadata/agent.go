// Package metadata implements the metadata extraction worker. It mines the
// dataset's free-text files with an LLM, writes structured metadata with
// per-field confidence into the session context, and hands the session to the
// conversion worker. It also owns the clarification merge: operator answers
// re-enter the pipeline here.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zjrosen/neuroflow/internal/agentkit"
	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/log"
	"github.com/zjrosen/neuroflow/internal/model"
)

const (
	// DefaultRunTimeout bounds one background extraction run.
	DefaultRunTimeout = 30 * time.Minute

	// perFileCap and totalCap bound how much free text goes into the prompt.
	perFileCap = 16 << 10
	totalCap   = 64 << 10
)

const systemPrompt = `You extract experimental metadata from neuroscience recording session notes.
Reply with a single JSON object, no prose, shaped as:
{"metadata": {"subject_id": "", "species": "", "age": "", "sex": "",
"session_start_time": "", "experimenter": "", "device": "", "manufacturer": "",
"recording_location": "", "session_description": ""},
"confidences": {"<field>": "high"|"medium"|"low"},
"needs_clarification": false, "clarification_prompt": ""}
Omit fields you cannot determine. Set needs_clarification to true only when the
notes are contradictory or essential fields cannot be inferred at all, and put
a concrete question for the experimenter in clarification_prompt.`

const mergeSystemPrompt = `You revise experimental metadata for a neuroscience recording session using
an experimenter's free-text correction. Reply with a single JSON object holding
only the metadata fields that should change, using keys: subject_id, species,
age, sex, session_start_time, experimenter, device, manufacturer,
recording_location, session_description. No prose.`

// Config wires a metadata worker.
type Config struct {
	// Name is the agent name recorded in session history.
	Name string
	// Coordinator provides session context access and peer routing.
	Coordinator agentkit.Coordinator
	// LLM produces completions for extraction and clarification merging.
	LLM agentkit.Completer
	// ConversionAgent is the registry name conversion dispatches target.
	ConversionAgent string
	// RunTimeout bounds one background run. Zero means DefaultRunTimeout.
	RunTimeout time.Duration
	// Synchronous runs tasks inline instead of in a background goroutine.
	// Tests only.
	Synchronous bool
}

// Agent is the metadata worker.
type Agent struct {
	cfg Config
}

// New creates the worker after checking required collaborators.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" || cfg.Coordinator == nil || cfg.LLM == nil {
		return nil, faults.New(faults.KindConfig, "metadata agent requires a name, a coordinator client, and an LLM client")
	}
	if cfg.ConversionAgent == "" {
		cfg.ConversionAgent = "conversion_agent"
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	return &Agent{cfg: cfg}, nil
}

// Handle validates the task and acknowledges it immediately. The actual work
// runs in the background; its outcome lands in the session context, not in
// this reply.
func (a *Agent) Handle(_ context.Context, env *model.Envelope) (map[string]any, error) {
	p, err := env.DecodeExecute()
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err, "rejecting message %s", env.MessageID)
	}

	var run func(ctx context.Context, id model.SessionID)
	switch p.Action {
	case model.ActionInitializeSession:
		run = a.runInitialize
	case model.ActionHandleClarification:
		run = func(ctx context.Context, id model.SessionID) {
			a.runClarification(ctx, id, p.UserInput, p.UpdatedMetadata)
		}
	default:
		return nil, faults.New(faults.KindValidation, "metadata agent does not handle %q", p.Action)
	}

	id := model.SessionID(p.SessionID)
	if a.cfg.Synchronous {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RunTimeout)
		defer cancel()
		run(ctx, id)
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RunTimeout)
			defer cancel()
			run(ctx, id)
		}()
	}

	return map[string]any{"status": "accepted", "session_id": p.SessionID}, nil
}

// extraction is the shape the LLM replies with.
type extraction struct {
	Metadata            model.MetadataResult        `json:"metadata"`
	Confidences         map[string]model.Confidence `json:"confidences"`
	NeedsClarification  bool                        `json:"needs_clarification"`
	ClarificationPrompt string                      `json:"clarification_prompt"`
}

func (a *Agent) runInitialize(ctx context.Context, id model.SessionID) {
	started := time.Now().UTC()

	session, err := a.cfg.Coordinator.GetContext(ctx, id)
	if err != nil {
		log.ErrorErr(log.CatAgent, "Cannot load session", err, "agent", a.cfg.Name, "session", id)
		return
	}

	if _, err := a.cfg.Coordinator.UpdateContext(ctx, id, &model.SessionPatch{
		Stage:        model.StagePtr(model.StageCollectingMetadata),
		CurrentAgent: model.StringPtr(a.cfg.Name),
	}); err != nil {
		log.ErrorErr(log.CatAgent, "Cannot enter metadata collection", err, "agent", a.cfg.Name, "session", id)
		return
	}

	corpus := readCorpus(session.DatasetInfo)
	result, err := a.extract(ctx, session, corpus)
	if err != nil {
		a.fail(ctx, id, started, err,
			"Metadata extraction failed: "+faults.Message(err)+". Please provide the session metadata manually.")
		return
	}

	result.Metadata.Confidences = result.Confidences
	if result.NeedsClarification {
		prompt := result.ClarificationPrompt
		if prompt == "" {
			prompt = "The session notes were ambiguous. Please provide the missing metadata."
		}
		a.askClarification(ctx, id, started, &result.Metadata, prompt)
		return
	}

	if _, err := a.cfg.Coordinator.UpdateContext(ctx, id, &model.SessionPatch{
		Metadata:       &result.Metadata,
		AppendAgentRun: a.runRecord(started, "success", ""),
	}); err != nil {
		log.ErrorErr(log.CatAgent, "Cannot store extracted metadata", err, "agent", a.cfg.Name, "session", id)
		return
	}

	a.dispatchConversion(ctx, id)
}

func (a *Agent) runClarification(ctx context.Context, id model.SessionID, userInput string, updated map[string]string) {
	started := time.Now().UTC()

	session, err := a.cfg.Coordinator.GetContext(ctx, id)
	if err != nil {
		log.ErrorErr(log.CatAgent, "Cannot load session", err, "agent", a.cfg.Name, "session", id)
		return
	}

	merged := model.MetadataResult{}
	if session.Metadata != nil {
		merged = *session.Metadata
	}
	overlayFields(&merged, updated)

	if userInput != "" {
		if err := a.mergeUserInput(ctx, &merged, userInput); err != nil {
			a.fail(ctx, id, started, err,
				"Could not apply the clarification: "+faults.Message(err)+". Please rephrase or supply fields directly.")
			return
		}
	}

	if _, err := a.cfg.Coordinator.UpdateContext(ctx, id, &model.SessionPatch{
		Stage:                     model.StagePtr(model.StageConverting),
		CurrentAgent:              model.StringPtr(a.cfg.Name),
		Metadata:                  &merged,
		RequiresUserClarification: model.BoolPtr(false),
		ClarificationPrompt:       model.StringPtr(""),
		AppendAgentRun:            a.runRecord(started, "success", ""),
	}); err != nil {
		log.ErrorErr(log.CatAgent, "Cannot store clarified metadata", err, "agent", a.cfg.Name, "session", id)
		return
	}

	a.dispatchConversion(ctx, id)
}

// extract runs the LLM over the free-text corpus and parses its JSON reply.
func (a *Agent) extract(ctx context.Context, session *model.Session, corpus string) (*extraction, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Dataset: %s\nDetected format: %s\n", session.DatasetInfo.Path, session.DatasetInfo.Format)
	if corpus == "" {
		b.WriteString("\nNo free-text metadata files were found in the dataset.\n")
	} else {
		b.WriteString("\nSession notes:\n")
		b.WriteString(corpus)
	}

	reply, err := a.cfg.LLM.CallLLM(ctx, systemPrompt, b.String())
	if err != nil {
		return nil, err
	}

	var result extraction
	if err := json.Unmarshal([]byte(stripFences(reply)), &result); err != nil {
		return nil, faults.Wrap(faults.KindWorker, err, "unparsable extraction reply")
	}
	return &result, nil
}

// mergeUserInput asks the LLM to turn a free-text correction into field
// updates and overlays them.
func (a *Agent) mergeUserInput(ctx context.Context, metadata *model.MetadataResult, userInput string) error {
	current, err := json.Marshal(metadata)
	if err != nil {
		return faults.Wrap(faults.KindInternal, err, "serializing current metadata")
	}

	prompt := fmt.Sprintf("Current metadata:\n%s\n\nExperimenter's correction:\n%s\n", current, userInput)
	reply, err := a.cfg.LLM.CallLLM(ctx, mergeSystemPrompt, prompt)
	if err != nil {
		return err
	}

	var updates map[string]string
	if err := json.Unmarshal([]byte(stripFences(reply)), &updates); err != nil {
		return faults.Wrap(faults.KindWorker, err, "unparsable merge reply")
	}
	overlayFields(metadata, updates)
	return nil
}

func (a *Agent) dispatchConversion(ctx context.Context, id model.SessionID) {
	_, err := a.cfg.Coordinator.RouteMessage(ctx, a.cfg.ConversionAgent, model.KindAgentExecute, model.ExecutePayload{
		Action:    model.ActionConvertDataset,
		SessionID: id.String(),
	})
	if err != nil {
		a.fail(ctx, id, time.Now().UTC(), err,
			"Metadata was extracted but the conversion agent is unreachable. Retry once it is back.")
		return
	}
	log.Info(log.CatAgent, "Dispatched conversion", "agent", a.cfg.Name, "session", id)
}

// askClarification parks the session in the failed stage with a question for
// the operator. Partial metadata is kept so the operator only fills gaps.
func (a *Agent) askClarification(ctx context.Context, id model.SessionID, started time.Time, partial *model.MetadataResult, prompt string) {
	patch := &model.SessionPatch{
		Stage:                     model.StagePtr(model.StageFailed),
		Metadata:                  partial,
		RequiresUserClarification: model.BoolPtr(true),
		ClarificationPrompt:       model.StringPtr(prompt),
		AppendAgentRun:            a.runRecord(started, "error", "needs clarification"),
	}
	if _, err := a.cfg.Coordinator.UpdateContext(ctx, id, patch); err != nil {
		log.ErrorErr(log.CatAgent, "Cannot record clarification request", err, "agent", a.cfg.Name, "session", id)
		return
	}
	log.Info(log.CatAgent, "Clarification requested", "agent", a.cfg.Name, "session", id)
}

// fail parks the session in the failed stage with a recoverable prompt.
func (a *Agent) fail(ctx context.Context, id model.SessionID, started time.Time, cause error, prompt string) {
	log.ErrorErr(log.CatAgent, "Run failed", cause, "agent", a.cfg.Name, "session", id)
	patch := &model.SessionPatch{
		Stage:                     model.StagePtr(model.StageFailed),
		RequiresUserClarification: model.BoolPtr(true),
		ClarificationPrompt:       model.StringPtr(prompt),
		AppendAgentRun:            a.runRecord(started, "error", faults.Message(cause)),
	}
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

// readCorpus concatenates the dataset's free-text files, capped per file and
// in total so prompts stay bounded. Unreadable files are skipped, not fatal.
func readCorpus(info *model.DatasetInfo) string {
	if info == nil || len(info.TextFiles) == 0 {
		return ""
	}

	var b strings.Builder
	for _, path := range info.TextFiles {
		if b.Len() >= totalCap {
			break
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warn(log.CatAgent, "Skipping unreadable metadata file", "path", path, "error", err)
			continue
		}
		if len(raw) > perFileCap {
			raw = raw[:perFileCap]
		}
		if remaining := totalCap - b.Len(); len(raw) > remaining {
			raw = raw[:remaining]
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", path, raw)
	}
	return b.String()
}

// overlayFields applies string field updates by wire name. Unknown keys are
// ignored so operator typos cannot corrupt the record.
func overlayFields(metadata *model.MetadataResult, updates map[string]string) {
	for key, value := range updates {
		switch key {
		case "subject_id":
			metadata.SubjectID = value
		case "species":
			metadata.Species = value
		case "age":
			metadata.Age = value
		case "sex":
			metadata.Sex = value
		case "session_start_time":
			metadata.SessionStartTime = value
		case "experimenter":
			metadata.Experimenter = value
		case "device":
			metadata.Device = value
		case "manufacturer":
			metadata.Manufacturer = value
		case "recording_location":
			metadata.RecordingLocation = value
		case "session_description":
			metadata.Description = value
		default:
			log.Warn(log.CatAgent, "Ignoring unknown metadata field", "field", key)
		}
	}
}

// stripFences removes a markdown code fence if the model wrapped its JSON.
func stripFences(reply string) string {
	trimmed := strings.TrimSpace(reply)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
