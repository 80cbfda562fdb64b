package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/neuroflow/internal/config"
	"github.com/zjrosen/neuroflow/internal/contextstore"
	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/metrics"
	"github.com/zjrosen/neuroflow/internal/model"
	"github.com/zjrosen/neuroflow/internal/registry"
	"github.com/zjrosen/neuroflow/internal/router"
	"github.com/zjrosen/neuroflow/internal/workflow"
)

// === Helper Functions ===

type sentMessage struct {
	Target  string
	Kind    model.MessageKind
	Payload any
}

// stubRouter records outbound messages and replies with canned fields.
type stubRouter struct {
	mu     sync.Mutex
	sent   []sentMessage
	fields map[string]any
	err    error
}

func (s *stubRouter) Send(_ context.Context, target string, kind model.MessageKind, payload any, _ ...router.SendOptions) (*router.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.sent = append(s.sent, sentMessage{Target: target, Kind: kind, Payload: payload})
	fields := s.fields
	if fields == nil {
		fields = map[string]any{"status": "success"}
	}
	return &router.Response{Status: "success", Fields: fields}, nil
}

func (s *stubRouter) ExecuteTask(ctx context.Context, target string, payload model.ExecutePayload, opts ...router.SendOptions) (*router.Response, error) {
	return s.Send(ctx, target, model.KindAgentExecute, payload, opts...)
}

func (s *stubRouter) Close() {}

func (s *stubRouter) lastSent(t *testing.T) sentMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent)
	return s.sent[len(s.sent)-1]
}

type testAPI struct {
	server   *httptest.Server
	store    contextstore.Store
	registry registry.Registry
	router   *stubRouter
	engine   *workflow.Engine
	redis    *miniredis.Miniredis
	paths    config.PathsConfig
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := contextstore.New(context.Background(), contextstore.Config{
		CacheURL: "redis://" + mr.Addr(),
		BasePath: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.NewInMemory()
	require.NoError(t, reg.Register(model.AgentRecord{
		Name:    "metadata_agent",
		Kind:    model.AgentMetadata,
		BaseURL: "http://localhost:3001",
	}))

	rt := &stubRouter{}
	engine, err := workflow.New(store, reg, rt)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	paths := config.PathsConfig{OutputBase: t.TempDir()}
	handler, err := NewHandler(HandlerConfig{
		Engine:   engine,
		Registry: reg,
		Router:   rt,
		Store:    store,
		Paths:    paths,
		Metrics:  metrics.New(),
		Version:  "1.2.3-test",
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)

	return &testAPI{
		server:   server,
		store:    store,
		registry: reg,
		router:   rt,
		engine:   engine,
		redis:    mr,
		paths:    paths,
	}
}

func (a *testAPI) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(a.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (a *testAPI) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(a.server.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body), "body: %s", raw)
	return body
}

func newDatasetDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run1_g0_t0.imec0.ap.meta"), []byte("nSavedChans=385"), 0o644))
	return dir
}

// initializeSession creates a session through the public API.
func (a *testAPI) initializeSession(t *testing.T) string {
	t.Helper()
	resp, body := a.postJSON(t, "/api/v1/sessions/initialize", InitializeRequest{DatasetPath: newDatasetDir(t)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return body["session_id"].(string)
}

// patchContext applies an overlay through the internal API.
func (a *testAPI) patchContext(t *testing.T, id string, patch any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(patch)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPatch,
		fmt.Sprintf("%s/internal/sessions/%s/context", a.server.URL, id), bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// === Initialize ===

func TestAPI_Initialize_CreatesSession(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.postJSON(t, "/api/v1/sessions/initialize", InitializeRequest{DatasetPath: newDatasetDir(t)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["session_id"])
	require.Equal(t, "initialized", body["workflow_stage"])

	sent := a.router.lastSent(t)
	require.Equal(t, "metadata_agent", sent.Target)
	require.Equal(t, model.KindAgentExecute, sent.Kind)
}

func TestAPI_Initialize_WorkerUnreachable(t *testing.T) {
	a := newTestAPI(t)
	a.router.err = faults.New(faults.KindTransport, "dial tcp: connection refused")

	resp, body := a.postJSON(t, "/api/v1/sessions/initialize", InitializeRequest{DatasetPath: newDatasetDir(t)})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "worker", body["code"])
	require.Contains(t, body["error"], "metadata worker unreachable")
}

func TestAPI_Initialize_UnknownPath(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.postJSON(t, "/api/v1/sessions/initialize", InitializeRequest{DatasetPath: "/no/such/dataset"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "validation", body["code"])
}

func TestAPI_Initialize_SchemaViolations(t *testing.T) {
	a := newTestAPI(t)

	resp, err := http.Post(a.server.URL+"/api/v1/sessions/initialize", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_ = resp.Body.Close()

	resp, _ = a.postJSON(t, "/api/v1/sessions/initialize", map[string]any{})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

// === Status ===

func TestAPI_Status_ReportsProgress(t *testing.T) {
	a := newTestAPI(t)
	id := a.initializeSession(t)

	resp, body := a.get(t, "/api/v1/sessions/"+id+"/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, id, body["session_id"])
	require.Equal(t, "initialized", body["workflow_stage"])
	require.Equal(t, float64(10), body["progress_percentage"])
	require.NotEmpty(t, body["status_message"])
	require.Equal(t, false, body["requires_clarification"])
}

func TestAPI_Status_UnknownSession(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.get(t, "/api/v1/sessions/"+model.NewSessionID().String()+"/status")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", body["code"])
}

// === Pipeline progression through the internal API ===

func TestAPI_FullPipeline(t *testing.T) {
	a := newTestAPI(t)
	id := a.initializeSession(t)

	// Result before completion is a caller error.
	resp, _ := a.get(t, "/api/v1/sessions/"+id+"/result")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Workers advance the session one stage at a time.
	for _, stage := range []string{"collecting_metadata", "converting", "evaluating"} {
		resp := a.patchContext(t, id, map[string]any{"workflow_stage": stage})
		require.Equal(t, http.StatusOK, resp.StatusCode, "patch to %s", stage)
		_ = resp.Body.Close()
	}
	resp = a.patchContext(t, id, map[string]any{
		"workflow_stage": "completed",
		"conversion_results": map[string]any{
			"nwb_path":         "/out/nwb_files/" + id + ".nwb",
			"duration_seconds": 42.5,
		},
		"validation_results": map[string]any{
			"overall_status": "passed_with_warnings",
			"report_path":    "/out/reports/" + id + ".json",
			"llm_summary":    "Minor best-practice issues only.",
			"issues": []map[string]any{
				{"severity": "BEST_PRACTICE_VIOLATION", "message": "missing electrode metadata"},
			},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	getResp, body := a.get(t, "/api/v1/sessions/"+id+"/result")
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	require.Equal(t, "/out/nwb_files/"+id+".nwb", body["nwb_file_path"])
	require.Equal(t, "/out/reports/"+id+".json", body["validation_report_path"])
	require.Equal(t, "passed_with_warnings", body["overall_status"])
	require.Equal(t, "Minor best-practice issues only.", body["llm_validation_summary"])
	require.Len(t, body["validation_issues"], 1)

	statusResp, statusBody := a.get(t, "/api/v1/sessions/"+id+"/status")
	require.Equal(t, http.StatusOK, statusResp.StatusCode)
	require.Equal(t, float64(100), statusBody["progress_percentage"])
}

func TestAPI_PatchContext_IllegalTransition(t *testing.T) {
	a := newTestAPI(t)
	id := a.initializeSession(t)

	resp := a.patchContext(t, id, map[string]any{"workflow_stage": "completed"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	// Stage did not move.
	_, body := a.get(t, "/api/v1/sessions/"+id+"/status")
	require.Equal(t, "initialized", body["workflow_stage"])
}

// === Clarify ===

func TestAPI_Clarify_Flow(t *testing.T) {
	a := newTestAPI(t)
	id := a.initializeSession(t)

	// Clarify before failure is rejected.
	resp, _ := a.postJSON(t, "/api/v1/sessions/"+id+"/clarify", ClarifyRequest{UserInput: "hello"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The worker fails the session and asks for clarification.
	patchResp := a.patchContext(t, id, map[string]any{
		"workflow_stage":              "failed",
		"requires_user_clarification": true,
		"clarification_prompt":        "Which species was recorded?",
	})
	require.Equal(t, http.StatusOK, patchResp.StatusCode)
	_ = patchResp.Body.Close()

	_, statusBody := a.get(t, "/api/v1/sessions/"+id+"/status")
	require.Equal(t, true, statusBody["requires_clarification"])
	require.Equal(t, "Which species was recorded?", statusBody["clarification_prompt"])

	resp, body := a.postJSON(t, "/api/v1/sessions/"+id+"/clarify", ClarifyRequest{
		UserInput:       "Mus musculus",
		UpdatedMetadata: map[string]string{"species": "Mus musculus"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["message"])

	sent := a.router.lastSent(t)
	payload, ok := sent.Payload.(model.ExecutePayload)
	require.True(t, ok)
	require.Equal(t, model.ActionHandleClarification, payload.Action)
	require.Equal(t, "Mus musculus", payload.UserInput)
}

func TestAPI_Clarify_UnknownSession(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.postJSON(t, "/api/v1/sessions/"+model.NewSessionID().String()+"/clarify",
		ClarifyRequest{UserInput: "hello"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// === Sessions list and delete ===

func TestAPI_ListAndDeleteSessions(t *testing.T) {
	a := newTestAPI(t)
	id := a.initializeSession(t)

	resp, body := a.get(t, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), body["total"])

	req, err := http.NewRequest(http.MethodDelete, a.server.URL+"/api/v1/sessions/"+id, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
	_ = delResp.Body.Close()

	resp, body = a.get(t, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(0), body["total"])
}

// === Health and metrics ===

func TestAPI_Health_Healthy(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "1.2.3-test", body["version"])
	require.Equal(t, true, body["cache_connected"])
	require.Equal(t, []any{"metadata_agent"}, body["agents_registered"])
}

func TestAPI_Health_CacheDown(t *testing.T) {
	a := newTestAPI(t)
	a.redis.Close()

	resp, body := a.get(t, "/health")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "unhealthy", body["status"])
	require.Equal(t, false, body["cache_connected"])
}

func TestAPI_Metrics_Exposed(t *testing.T) {
	a := newTestAPI(t)

	resp, err := http.Get(a.server.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "neuroflow_sessions_created_total")
}

// === Internal: registration and routing ===

func TestAPI_RegisterAgent(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.postJSON(t, "/internal/register_agent", model.AgentRecord{
		Name:         "conversion_agent",
		Kind:         model.AgentConversion,
		BaseURL:      "http://localhost:3002",
		Capabilities: []string{"convert_dataset"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "registered", body["status"])
	require.Equal(t, "conversion_agent", body["name"])

	_, health := a.get(t, "/health")
	require.Contains(t, health["agents_registered"], "conversion_agent")
}

func TestAPI_RegisterAgent_RejectsInvalid(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.postJSON(t, "/internal/register_agent", model.AgentRecord{
		Name: "nameless", Kind: "mystery", BaseURL: "http://x",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_RouteMessage_RelaysResponse(t *testing.T) {
	a := newTestAPI(t)
	a.router.fields = map[string]any{"status": "success", "nwb_path": "/out/a.nwb"}

	resp, body := a.postJSON(t, "/internal/route_message", RouteMessageRequest{
		TargetAgent: "metadata_agent",
		MessageKind: model.KindContextUpdate,
		Payload:     json.RawMessage(`{"note":"done"}`),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "/out/a.nwb", body["nwb_path"])
}

func TestAPI_RouteMessage_Validation(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.postJSON(t, "/internal/route_message", RouteMessageRequest{
		TargetAgent: "", MessageKind: model.KindContextUpdate,
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = a.postJSON(t, "/internal/route_message", RouteMessageRequest{
		TargetAgent: "metadata_agent", MessageKind: "smoke_signal",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAPI_GetContext_ReturnsFullSession(t *testing.T) {
	a := newTestAPI(t)
	id := a.initializeSession(t)

	resp, body := a.get(t, "/internal/sessions/"+id+"/context")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, id, body["session_id"])
	require.NotNil(t, body["dataset_info"])
}

// === Files ===

func TestAPI_DownloadFile(t *testing.T) {
	a := newTestAPI(t)

	nwbDir := a.paths.NWBDir()
	require.NoError(t, os.MkdirAll(nwbDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nwbDir, "s1.nwb"), []byte("nwb-bytes"), 0o644))

	resp, err := http.Get(a.server.URL + "/api/v1/files/nwb_files/s1.nwb")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "nwb-bytes", string(raw))
}

func TestAPI_DownloadFile_UnknownCategory(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.get(t, "/api/v1/files/secrets/s1.nwb")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "validation_error", body["code"])
}

func TestAPI_DownloadFile_TraversalRejected(t *testing.T) {
	a := newTestAPI(t)

	handler, err := NewHandler(HandlerConfig{
		Engine:   a.engine,
		Registry: a.registry,
		Router:   a.router,
		Store:    a.store,
		Paths:    a.paths,
	})
	require.NoError(t, err)

	// Drive the handler directly so the hostile name survives URL cleaning.
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("category", "nwb_files")
	rctx.URLParams.Add("name", "../../etc/passwd")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/nwb_files/x", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	handler.DownloadFile(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
