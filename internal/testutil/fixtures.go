package testutil

import (
	"github.com/zjrosen/neuroflow/internal/model"
)

// SessionOption configures a fixture session.
type SessionOption func(*model.Session)

// NewSession builds a session fixture. The default has an Intan dataset at
// /data/rec and sits in the initialized stage.
func NewSession(opts ...SessionOption) *model.Session {
	session := model.NewSession(&model.DatasetInfo{
		Path:      "/data/rec",
		Format:    model.FormatIntan,
		FileCount: 3,
	})
	for _, opt := range opts {
		opt(session)
	}
	return session
}

// WithStage sets the workflow stage directly, bypassing transition checks.
func WithStage(stage model.Stage) SessionOption {
	return func(s *model.Session) { s.Stage = stage }
}

// WithDatasetInfo replaces the dataset description.
func WithDatasetInfo(info *model.DatasetInfo) SessionOption {
	return func(s *model.Session) { s.DatasetInfo = info }
}

// WithMetadata sets extracted metadata.
func WithMetadata(metadata *model.MetadataResult) SessionOption {
	return func(s *model.Session) { s.Metadata = metadata }
}

// WithConversionResults sets conversion output.
func WithConversionResults(results *model.ConversionResults) SessionOption {
	return func(s *model.Session) { s.ConversionResults = results }
}

// WithClarification parks the session in the failed stage awaiting an answer.
func WithClarification(prompt string) SessionOption {
	return func(s *model.Session) {
		s.Stage = model.StageFailed
		s.RequiresUserClarification = true
		s.ClarificationPrompt = prompt
	}
}
