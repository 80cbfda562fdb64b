// Package tools wraps the external executables the pipeline shells out to:
// the format converter that produces NWB files and the NWB validator. Both
// follow the same exec contract: request JSON on stdin, result JSON on
// stdout, diagnostics on stderr, non-zero exit on hard failure.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/log"
	"github.com/zjrosen/neuroflow/internal/model"
)

// ConvertRequest is the stdin payload for the converter.
type ConvertRequest struct {
	DatasetPath string                `json:"dataset_path"`
	OutputPath  string                `json:"output_path"`
	Format      model.FormatTag       `json:"format"`
	Metadata    *model.MetadataResult `json:"metadata,omitempty"`
}

// ConvertOutput is the stdout payload from the converter.
type ConvertOutput struct {
	Status          string   `json:"status"`
	NWBPath         string   `json:"nwb_path"`
	DurationSeconds float64  `json:"duration_seconds"`
	Warnings        []string `json:"warnings,omitempty"`
	Errors          []string `json:"errors,omitempty"`
	Log             string   `json:"log,omitempty"`
}

// Converter produces an NWB file from a dataset directory.
type Converter interface {
	Convert(ctx context.Context, req ConvertRequest) (*ConvertOutput, error)
}

// ValidateRequest is the stdin payload for the validator.
type ValidateRequest struct {
	NWBPath string `json:"nwb_path"`
}

// ValidateOutput is the stdout payload from the validator.
type ValidateOutput struct {
	Status string                  `json:"status"`
	Issues []model.ValidationIssue `json:"issues"`
}

// Validator inspects an NWB file and reports best-practice issues.
type Validator interface {
	Validate(ctx context.Context, req ValidateRequest) (*ValidateOutput, error)
}

// Compile-time checks that the real executors implement the contracts.
var (
	_ Converter = (*RealConverter)(nil)
	_ Validator = (*RealValidator)(nil)
)

// RealConverter executes the configured converter command.
type RealConverter struct {
	command string
}

// NewRealConverter creates a converter bound to the given executable.
func NewRealConverter(command string) *RealConverter {
	return &RealConverter{command: command}
}

// Convert runs the converter and parses its stdout.
func (c *RealConverter) Convert(ctx context.Context, req ConvertRequest) (*ConvertOutput, error) {
	start := time.Now()
	defer func() {
		log.Debug(log.CatAgent, "Converter finished", "dataset", req.DatasetPath, "duration", time.Since(start))
	}()

	var out ConvertOutput
	if err := runTool(ctx, c.command, req, &out); err != nil {
		return nil, err
	}
	if out.Status == "error" {
		return &out, faults.New(faults.KindWorker, "converter reported failure: %v", out.Errors)
	}
	return &out, nil
}

// RealValidator executes the configured validator command.
type RealValidator struct {
	command string
}

// NewRealValidator creates a validator bound to the given executable.
func NewRealValidator(command string) *RealValidator {
	return &RealValidator{command: command}
}

// Validate runs the validator and parses its stdout. Issues are findings,
// not failures; only a broken run is an error.
func (v *RealValidator) Validate(ctx context.Context, req ValidateRequest) (*ValidateOutput, error) {
	start := time.Now()
	defer func() {
		log.Debug(log.CatAgent, "Validator finished", "nwb", req.NWBPath, "duration", time.Since(start))
	}()

	var out ValidateOutput
	if err := runTool(ctx, v.command, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// runTool executes one command with a JSON request on stdin and parses the
// JSON reply from stdout. Stderr text wins over the bare exit error.
func runTool(ctx context.Context, command string, request, reply any) error {
	stdin, err := json.Marshal(request)
	if err != nil {
		return faults.Wrap(faults.KindValidation, err, "serializing %s request", command)
	}

	cmd := exec.CommandContext(ctx, command)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return faults.New(faults.KindWorker, "%s failed: %s", command, stderr.String())
		}
		return faults.Wrap(faults.KindWorker, err, "%s failed", command)
	}

	if err := json.Unmarshal(stdout.Bytes(), reply); err != nil {
		return faults.Wrap(faults.KindWorker, err, "parsing %s output", command)
	}
	return nil
}
