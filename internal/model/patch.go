package model

import "time"

// SessionPatch is a partial overlay applied to a Session. Nil fields are left
// untouched; non-nil fields replace the session field wholesale (nested objects
// are never merged field-by-field). Patches are idempotent: applying the same
// patch twice yields the same session apart from LastUpdated.
type SessionPatch struct {
	Stage        *Stage  `json:"workflow_stage,omitempty"`
	CurrentAgent *string `json:"current_agent,omitempty"`

	DatasetInfo       *DatasetInfo       `json:"dataset_info,omitempty"`
	Metadata          *MetadataResult    `json:"metadata,omitempty"`
	ConversionResults *ConversionResults `json:"conversion_results,omitempty"`
	ValidationResults *ValidationResults `json:"validation_results,omitempty"`

	RequiresUserClarification *bool   `json:"requires_user_clarification,omitempty"`
	ClarificationPrompt       *string `json:"clarification_prompt,omitempty"`

	AppendAgentRun *AgentRun `json:"append_agent_run,omitempty"`
}

// IsEmpty returns true if the patch would not change any field.
func (p *SessionPatch) IsEmpty() bool {
	return p.Stage == nil &&
		p.CurrentAgent == nil &&
		p.DatasetInfo == nil &&
		p.Metadata == nil &&
		p.ConversionResults == nil &&
		p.ValidationResults == nil &&
		p.RequiresUserClarification == nil &&
		p.ClarificationPrompt == nil &&
		p.AppendAgentRun == nil
}

// Apply overlays the patch onto the session and refreshes LastUpdated.
func (p *SessionPatch) Apply(s *Session) {
	if p.Stage != nil {
		s.Stage = *p.Stage
	}
	if p.CurrentAgent != nil {
		s.CurrentAgent = *p.CurrentAgent
	}
	if p.DatasetInfo != nil {
		s.DatasetInfo = p.DatasetInfo
	}
	if p.Metadata != nil {
		s.Metadata = p.Metadata
	}
	if p.ConversionResults != nil {
		s.ConversionResults = p.ConversionResults
	}
	if p.ValidationResults != nil {
		s.ValidationResults = p.ValidationResults
	}
	if p.RequiresUserClarification != nil {
		s.RequiresUserClarification = *p.RequiresUserClarification
	}
	if p.ClarificationPrompt != nil {
		s.ClarificationPrompt = *p.ClarificationPrompt
	}
	if p.AppendAgentRun != nil {
		run := *p.AppendAgentRun
		s.AgentHistory = append(s.AgentHistory, run)
	}
	s.LastUpdated = time.Now().UTC()
}

// StagePtr is a convenience for building patches.
func StagePtr(s Stage) *Stage { return &s }

// StringPtr is a convenience for building patches.
func StringPtr(s string) *string { return &s }

// BoolPtr is a convenience for building patches.
func BoolPtr(b bool) *bool { return &b }
