package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/model"
)

// === Helper Functions ===

// writeScript creates an executable shell script standing in for an
// external tool.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// === Converter ===

func TestConverter_ParsesOutput(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"status":"success","nwb_path":"/out/s1.nwb","duration_seconds":12.5,"warnings":["minor gap"]}'`)

	out, err := NewRealConverter(script).Convert(context.Background(), ConvertRequest{
		DatasetPath: "/data/d1",
		OutputPath:  "/out/s1.nwb",
		Format:      model.FormatSpikeGLX,
	})
	require.NoError(t, err)
	require.Equal(t, "/out/s1.nwb", out.NWBPath)
	require.Equal(t, 12.5, out.DurationSeconds)
	require.Equal(t, []string{"minor gap"}, out.Warnings)
}

func TestConverter_ReceivesRequestOnStdin(t *testing.T) {
	dir := t.TempDir()
	capture := filepath.Join(dir, "stdin.json")
	script := writeScript(t, fmt.Sprintf(`cat > %s
echo '{"status":"success","nwb_path":"/out/x.nwb"}'`, capture))

	_, err := NewRealConverter(script).Convert(context.Background(), ConvertRequest{
		DatasetPath: "/data/d1",
		OutputPath:  "/out/x.nwb",
		Format:      model.FormatOpenEphys,
		Metadata:    &model.MetadataResult{SubjectID: "mouse_001"},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(capture)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"dataset_path":"/data/d1"`)
	require.Contains(t, string(raw), `"mouse_001"`)
}

func TestConverter_ToolReportedError(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"status":"error","errors":["unsupported probe geometry"]}'`)

	out, err := NewRealConverter(script).Convert(context.Background(), ConvertRequest{DatasetPath: "/d"})
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.KindWorker))
	require.NotNil(t, out)
	require.Equal(t, []string{"unsupported probe geometry"}, out.Errors)
}

func TestConverter_StderrWinsOverExitCode(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo 'segfault in channel mapper' >&2
exit 3`)

	_, err := NewRealConverter(script).Convert(context.Background(), ConvertRequest{DatasetPath: "/d"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "segfault in channel mapper")
}

func TestConverter_UnparsableOutput(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo 'Converting... done.'`)

	_, err := NewRealConverter(script).Convert(context.Background(), ConvertRequest{DatasetPath: "/d"})
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.KindWorker))
}

func TestConverter_MissingExecutable(t *testing.T) {
	_, err := NewRealConverter("/no/such/tool").Convert(context.Background(), ConvertRequest{DatasetPath: "/d"})
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.KindWorker))
}

// === Validator ===

func TestValidator_ParsesIssues(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"status":"success","issues":[{"severity":"CRITICAL","message":"missing session_start_time"},{"severity":"BEST_PRACTICE_SUGGESTION","message":"add experimenter"}]}'`)

	out, err := NewRealValidator(script).Validate(context.Background(), ValidateRequest{NWBPath: "/out/s1.nwb"})
	require.NoError(t, err)
	require.Len(t, out.Issues, 2)
	require.Equal(t, model.SeverityCritical, out.Issues[0].Severity)
	require.Equal(t, model.StatusFailed, model.StatusFromIssues(out.Issues))
}

func TestValidator_CleanRun(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"status":"success","issues":[]}'`)

	out, err := NewRealValidator(script).Validate(context.Background(), ValidateRequest{NWBPath: "/out/s1.nwb"})
	require.NoError(t, err)
	require.Empty(t, out.Issues)
	require.Equal(t, model.StatusPassed, model.StatusFromIssues(out.Issues))
}
