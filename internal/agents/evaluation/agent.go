// Package evaluation implements the evaluation worker. It runs the external
// NWB validator over the converted file, scores the findings, asks an LLM for
// a human-readable summary, writes the report file, and completes the session.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/neuroflow/internal/agentkit"
	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/log"
	"github.com/zjrosen/neuroflow/internal/model"
	"github.com/zjrosen/neuroflow/internal/tools"
)

// DefaultRunTimeout bounds one background validation run.
const DefaultRunTimeout = 30 * time.Minute

const summarySystemPrompt = `You summarize NWB file validation results for a neuroscientist. Write two or
three plain sentences: whether the file is usable, what the most important
issues are, and what to fix first. No markdown, no lists.`

// metadataFields is the denominator for the completeness score.
var metadataFields = []func(*model.MetadataResult) string{
	func(m *model.MetadataResult) string { return m.SubjectID },
	func(m *model.MetadataResult) string { return m.Species },
	func(m *model.MetadataResult) string { return m.Age },
	func(m *model.MetadataResult) string { return m.Sex },
	func(m *model.MetadataResult) string { return m.SessionStartTime },
	func(m *model.MetadataResult) string { return m.Experimenter },
	func(m *model.MetadataResult) string { return m.Device },
	func(m *model.MetadataResult) string { return m.Manufacturer },
	func(m *model.MetadataResult) string { return m.RecordingLocation },
	func(m *model.MetadataResult) string { return m.Description },
}

// Config wires an evaluation worker.
type Config struct {
	// Name is the agent name recorded in session history.
	Name string
	// Coordinator provides session context access.
	Coordinator agentkit.Coordinator
	// Validator runs the external NWB validator.
	Validator tools.Validator
	// LLM produces the human-readable summary.
	LLM agentkit.Completer
	// ReportsDir is the directory validation reports land in.
	ReportsDir string
	// RunTimeout bounds one background run. Zero means DefaultRunTimeout.
	RunTimeout time.Duration
	// Synchronous runs tasks inline instead of in a background goroutine.
	// Tests only.
	Synchronous bool
}

// Agent is the evaluation worker.
type Agent struct {
	cfg Config
}

// New creates the worker after checking required collaborators.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" || cfg.Coordinator == nil || cfg.Validator == nil || cfg.LLM == nil {
		return nil, faults.New(faults.KindConfig, "evaluation agent requires a name, a coordinator client, a validator, and an LLM client")
	}
	if cfg.ReportsDir == "" {
		return nil, faults.New(faults.KindConfig, "evaluation agent requires a reports directory")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	return &Agent{cfg: cfg}, nil
}

// Handle validates the task and acknowledges it immediately; the validation
// itself runs in the background and reports through the session context.
func (a *Agent) Handle(_ context.Context, env *model.Envelope) (map[string]any, error) {
	p, err := env.DecodeExecute()
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err, "rejecting message %s", env.MessageID)
	}
	if p.Action != model.ActionValidateNWB {
		return nil, faults.New(faults.KindValidation, "evaluation agent does not handle %q", p.Action)
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
	if session.ConversionResults == nil || session.ConversionResults.NWBPath == "" {
		a.fail(ctx, id, started, faults.New(faults.KindWorker, "session has no NWB file"),
			"Validation was requested before conversion produced an NWB file. Clarify to rerun the conversion.")
		return
	}

	if _, err := a.cfg.Coordinator.UpdateContext(ctx, id, &model.SessionPatch{
		CurrentAgent: model.StringPtr(a.cfg.Name),
	}); err != nil {
		log.ErrorErr(log.CatAgent, "Cannot claim session", err, "agent", a.cfg.Name, "session", id)
		return
	}

	out, err := a.cfg.Validator.Validate(ctx, tools.ValidateRequest{NWBPath: session.ConversionResults.NWBPath})
	if err != nil {
		a.fail(ctx, id, started, err,
			"NWB validation failed to run: "+faults.Message(err)+". Clarify to retry.")
		return
	}

	results := &model.ValidationResults{
		Overall:            model.StatusFromIssues(out.Issues),
		IssueCounts:        model.CountIssues(out.Issues),
		Issues:             out.Issues,
		CompletenessScore:  completenessScore(session.Metadata),
		BestPracticesScore: bestPracticesScore(out.Issues),
	}
	results.Summary = a.summarize(ctx, results)

	reportPath, err := a.writeReport(id, session, results)
	if err != nil {
		a.fail(ctx, id, started, err,
			"The validation report could not be written. Check the output path configuration and clarify to retry.")
		return
	}
	results.ReportPath = reportPath

	if _, err := a.cfg.Coordinator.UpdateContext(ctx, id, &model.SessionPatch{
		Stage:             model.StagePtr(model.StageCompleted),
		ValidationResults: results,
		AppendAgentRun:    a.runRecord(started, "success", ""),
	}); err != nil {
		log.ErrorErr(log.CatAgent, "Cannot store validation results", err, "agent", a.cfg.Name, "session", id)
		return
	}
	log.Info(log.CatAgent, "Session completed",
		"agent", a.cfg.Name, "session", id, "overall", results.Overall, "issues", len(results.Issues))
}

// summarize asks the LLM for the human-readable verdict. A summary failure
// never blocks completion; the validator's findings already stand on their own.
func (a *Agent) summarize(ctx context.Context, results *model.ValidationResults) string {
	findings, err := json.Marshal(results.Issues)
	if err != nil {
		findings = []byte("[]")
	}
	prompt := fmt.Sprintf("Overall status: %s\nCompleteness score: %.2f\nBest practices score: %.2f\nFindings:\n%s\n",
		results.Overall, results.CompletenessScore, results.BestPracticesScore, findings)

	summary, err := a.cfg.LLM.CallLLM(ctx, summarySystemPrompt, prompt)
	if err != nil {
		log.Warn(log.CatAgent, "Summary generation failed, using fallback",
			"agent", a.cfg.Name, "error", err)
		return fmt.Sprintf("Validation %s with %d findings.", results.Overall, len(results.Issues))
	}
	return summary
}

// report is the on-disk validation report.
type report struct {
	SessionID   model.SessionID          `json:"session_id"`
	NWBPath     string                   `json:"nwb_path"`
	GeneratedAt time.Time                `json:"generated_at"`
	Results     *model.ValidationResults `json:"results"`
}

func (a *Agent) writeReport(id model.SessionID, session *model.Session, results *model.ValidationResults) (string, error) {
	if err := os.MkdirAll(a.cfg.ReportsDir, 0o755); err != nil {
		return "", faults.Wrap(faults.KindStorage, err, "creating reports directory")
	}

	raw, err := json.MarshalIndent(report{
		SessionID:   id,
		NWBPath:     session.ConversionResults.NWBPath,
		GeneratedAt: time.Now().UTC(),
		Results:     results,
	}, "", "  ")
	if err != nil {
		return "", faults.Wrap(faults.KindInternal, err, "serializing validation report")
	}

	path := filepath.Join(a.cfg.ReportsDir, id.String()+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", faults.Wrap(faults.KindStorage, err, "writing validation report")
	}
	return path, nil
}

// completenessScore is the fraction of the standard metadata fields that are
// populated. No metadata at all scores zero.
func completenessScore(metadata *model.MetadataResult) float64 {
	if metadata == nil {
		return 0
	}
	populated := 0
	for _, field := range metadataFields {
		if field(metadata) != "" {
			populated++
		}
	}
	return float64(populated) / float64(len(metadataFields))
}

// bestPracticesScore starts at 1.0 and loses 0.25 per critical issue, 0.1 per
// violation, and 0.02 per suggestion, floored at zero.
func bestPracticesScore(issues []model.ValidationIssue) float64 {
	score := 1.0
	for _, issue := range issues {
		switch issue.Severity {
		case model.SeverityCritical:
			score -= 0.25
		case model.SeverityViolation:
			score -= 0.1
		case model.SeveritySuggestion:
			score -= 0.02
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

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
