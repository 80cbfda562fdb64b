package agentkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/model"
)

// === Helper Functions ===

// fakeCoordinator is a minimal stand-in for the coordinator internal API.
type fakeCoordinator struct {
	t        *testing.T
	server   *httptest.Server
	session  *model.Session
	register []model.AgentRecord
	patches  []model.SessionPatch
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	t.Helper()

	f := &fakeCoordinator{t: t}
	f.session = model.NewSession(&model.DatasetInfo{Path: "/data/d1", Format: model.FormatIntan})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /internal/register_agent", func(w http.ResponseWriter, r *http.Request) {
		var record model.AgentRecord
		require.NoError(t, json.NewDecoder(r.Body).Decode(&record))
		f.register = append(f.register, record)
		writeJSON(w, http.StatusOK, map[string]any{"status": "registered", "name": record.Name})
	})
	mux.HandleFunc("GET /internal/sessions/{id}/context", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != f.session.SessionID.String() {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found", "code": "not_found"})
			return
		}
		writeJSON(w, http.StatusOK, f.session)
	})
	mux.HandleFunc("PATCH /internal/sessions/{id}/context", func(w http.ResponseWriter, r *http.Request) {
		var patch model.SessionPatch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
		f.patches = append(f.patches, patch)
		patch.Apply(f.session)
		writeJSON(w, http.StatusOK, f.session)
	})
	mux.HandleFunc("POST /internal/route_message", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "echo": true})
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// === Register ===

func TestClient_Register(t *testing.T) {
	f := newFakeCoordinator(t)
	client := NewClient(f.server.URL)

	err := client.Register(context.Background(), model.AgentRecord{
		Name:    "conversion_agent",
		Kind:    model.AgentConversion,
		BaseURL: "http://localhost:3002",
	})
	require.NoError(t, err)
	require.Len(t, f.register, 1)
	require.Equal(t, "conversion_agent", f.register[0].Name)
}

func TestClient_Register_CoordinatorDown(t *testing.T) {
	client := NewClient("http://127.0.0.1:1")

	err := client.Register(context.Background(), model.AgentRecord{
		Name: "x", Kind: model.AgentMetadata, BaseURL: "http://y",
	})
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.KindTransport))
}

// === Context access ===

func TestClient_GetContext(t *testing.T) {
	f := newFakeCoordinator(t)
	client := NewClient(f.server.URL)

	session, err := client.GetContext(context.Background(), f.session.SessionID)
	require.NoError(t, err)
	require.Equal(t, f.session.SessionID, session.SessionID)
	require.Equal(t, model.FormatIntan, session.DatasetInfo.Format)
}

func TestClient_GetContext_NotFound(t *testing.T) {
	f := newFakeCoordinator(t)
	client := NewClient(f.server.URL)

	_, err := client.GetContext(context.Background(), model.NewSessionID())
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.KindNotFound))
}

func TestClient_UpdateContext(t *testing.T) {
	f := newFakeCoordinator(t)
	client := NewClient(f.server.URL)

	session, err := client.UpdateContext(context.Background(), f.session.SessionID, &model.SessionPatch{
		Stage:        model.StagePtr(model.StageCollectingMetadata),
		CurrentAgent: model.StringPtr("metadata_agent"),
	})
	require.NoError(t, err)
	require.Equal(t, model.StageCollectingMetadata, session.Stage)
	require.Len(t, f.patches, 1)
}

// === RouteMessage ===

func TestClient_RouteMessage(t *testing.T) {
	f := newFakeCoordinator(t)
	client := NewClient(f.server.URL)

	fields, err := client.RouteMessage(context.Background(), "evaluation_agent",
		model.KindAgentExecute, model.ExecutePayload{
			Action:    model.ActionValidateNWB,
			SessionID: f.session.SessionID.String(),
		})
	require.NoError(t, err)
	require.Equal(t, "success", fields["status"])
	require.Equal(t, true, fields["echo"])
}
