package model

// FormatTag identifies the detected recording format of a dataset.
type FormatTag string

const (
	FormatSpikeGLX  FormatTag = "spikeglx"
	FormatOpenEphys FormatTag = "open_ephys"
	FormatIntan     FormatTag = "intan"
	FormatNeuralynx FormatTag = "neuralynx"
	FormatUnknown   FormatTag = "unknown"
)

// DatasetInfo describes the input dataset at a surface level. It is collected
// by the coordinator at initialization, before any worker runs.
type DatasetInfo struct {
	Path           string    `json:"path"`
	Format         FormatTag `json:"format"`
	TotalSizeBytes int64     `json:"total_size_bytes"`
	FileCount      int       `json:"file_count"`
	HasTextFiles   bool      `json:"has_text_metadata"`
	TextFiles      []string  `json:"text_metadata_files,omitempty"`

	ChannelCount    int     `json:"channel_count,omitempty"`
	SamplingRateHz  float64 `json:"sampling_rate_hz,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Confidence tags how sure the extraction was about a metadata field.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// MetadataResult is the structured output of the metadata extraction agent.
// All fields are optional; Confidences maps field names to how they were derived.
type MetadataResult struct {
	SubjectID         string `json:"subject_id,omitempty"`
	Species           string `json:"species,omitempty"`
	Age               string `json:"age,omitempty"`
	Sex               string `json:"sex,omitempty"`
	SessionStartTime  string `json:"session_start_time,omitempty"`
	Experimenter      string `json:"experimenter,omitempty"`
	Device            string `json:"device,omitempty"`
	Manufacturer      string `json:"manufacturer,omitempty"`
	RecordingLocation string `json:"recording_location,omitempty"`
	Description       string `json:"session_description,omitempty"`

	Confidences   map[string]Confidence `json:"confidences,omitempty"`
	ExtractionLog string                `json:"extraction_log,omitempty"`
}

// ConversionResults is the output of the conversion agent.
type ConversionResults struct {
	NWBPath         string   `json:"nwb_path"`
	DurationSeconds float64  `json:"duration_seconds"`
	Warnings        []string `json:"warnings,omitempty"`
	Errors          []string `json:"errors,omitempty"`
	Log             string   `json:"log,omitempty"`
}

// Severity classifies a validation issue.
type Severity string

const (
	SeverityCritical   Severity = "CRITICAL"
	SeverityViolation  Severity = "BEST_PRACTICE_VIOLATION"
	SeveritySuggestion Severity = "BEST_PRACTICE_SUGGESTION"
)

// ValidationIssue is a single finding from the NWB validator.
type ValidationIssue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Location string   `json:"location,omitempty"`
	Check    string   `json:"check_name,omitempty"`
}

// OverallStatus summarizes a validation run.
type OverallStatus string

const (
	StatusPassed     OverallStatus = "passed"
	StatusPassedWarn OverallStatus = "passed_with_warnings"
	StatusFailed     OverallStatus = "failed"
)

// ValidationResults is the output of the evaluation agent.
type ValidationResults struct {
	Overall            OverallStatus     `json:"overall_status"`
	IssueCounts        map[Severity]int  `json:"issue_counts,omitempty"`
	Issues             []ValidationIssue `json:"issues,omitempty"`
	CompletenessScore  float64           `json:"completeness_score"`
	BestPracticesScore float64           `json:"best_practices_score"`
	ReportPath         string            `json:"report_path,omitempty"`
	Summary            string            `json:"llm_summary,omitempty"`
}

// StatusFromIssues derives the overall status from an issue list:
// any CRITICAL issue fails the run, violations or suggestions downgrade
// a pass to passed_with_warnings.
func StatusFromIssues(issues []ValidationIssue) OverallStatus {
	status := StatusPassed
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			return StatusFailed
		case SeverityViolation, SeveritySuggestion:
			status = StatusPassedWarn
		}
	}
	return status
}

// CountIssues tallies issues by severity.
func CountIssues(issues []ValidationIssue) map[Severity]int {
	if len(issues) == 0 {
		return nil
	}
	counts := make(map[Severity]int)
	for _, issue := range issues {
		counts[issue.Severity]++
	}
	return counts
}
