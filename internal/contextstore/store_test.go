package contextstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/model"
)

// === Helper Functions ===

func newTestStore(t *testing.T) (Store, *miniredis.Miniredis, string) {
	t.Helper()

	mr := miniredis.RunT(t)
	base := t.TempDir()

	store, err := New(context.Background(), Config{
		CacheURL: "redis://" + mr.Addr(),
		BasePath: base,
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, mr, base
}

func newTestSession(t *testing.T) *model.Session {
	t.Helper()
	return model.NewSession(&model.DatasetInfo{
		Path:      "/data/recording_001",
		Format:    model.FormatSpikeGLX,
		FileCount: 4,
	})
}

// === Create ===

func TestStore_Create_WritesBothLayers(t *testing.T) {
	store, mr, base := newTestStore(t)
	session := newTestSession(t)

	require.NoError(t, store.Create(context.Background(), session))

	// Cache entry exists.
	cached, err := mr.Get("session:" + session.SessionID.String())
	require.NoError(t, err)

	// Backup file exists and has equal serialized content.
	raw, err := os.ReadFile(filepath.Join(base, "sessions", session.SessionID.String()+".json"))
	require.NoError(t, err)
	require.JSONEq(t, cached, string(raw))
}

func TestStore_Create_SetsCacheTTL(t *testing.T) {
	store, mr, _ := newTestStore(t)
	session := newTestSession(t)

	require.NoError(t, store.Create(context.Background(), session))

	ttl := mr.TTL("session:" + session.SessionID.String())
	require.Equal(t, time.Hour, ttl)
}

func TestStore_Create_RejectsInvalidSession(t *testing.T) {
	store, _, _ := newTestStore(t)

	bad := newTestSession(t)
	bad.SessionID = "not-a-uuid"

	err := store.Create(context.Background(), bad)
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.KindValidation))
}

// === Get ===

func TestStore_Get_CacheHit(t *testing.T) {
	store, _, _ := newTestStore(t)
	session := newTestSession(t)
	require.NoError(t, store.Create(context.Background(), session))

	got, err := store.Get(context.Background(), session.SessionID)
	require.NoError(t, err)
	require.Equal(t, session.SessionID, got.SessionID)
	require.Equal(t, model.StageInitialized, got.Stage)
}

func TestStore_Get_MissRepopulatesCache(t *testing.T) {
	store, mr, _ := newTestStore(t)
	session := newTestSession(t)
	require.NoError(t, store.Create(context.Background(), session))

	// Evict the cache entry; the backup file remains.
	mr.Del("session:" + session.SessionID.String())

	got, err := store.Get(context.Background(), session.SessionID)
	require.NoError(t, err)
	require.Equal(t, session.SessionID, got.SessionID)

	// The fallback read must have repopulated the cache with TTL.
	require.True(t, mr.Exists("session:"+session.SessionID.String()))
	require.Equal(t, time.Hour, mr.TTL("session:"+session.SessionID.String()))
}

func TestStore_Get_AbsentReturnsNotFound(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Get(context.Background(), model.NewSessionID())
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.KindNotFound))
}

func TestStore_Get_CorruptBackupSurfacesParseError(t *testing.T) {
	store, mr, base := newTestStore(t)
	session := newTestSession(t)
	require.NoError(t, store.Create(context.Background(), session))

	mr.Del("session:" + session.SessionID.String())
	path := filepath.Join(base, "sessions", session.SessionID.String()+".json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	_, err := store.Get(context.Background(), session.SessionID)
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.KindStorage))
	require.Contains(t, err.Error(), "corrupt")
}

// === Update ===

func TestStore_Update_AppliesOverlayAndAdvancesLastUpdated(t *testing.T) {
	store, _, _ := newTestStore(t)
	session := newTestSession(t)
	require.NoError(t, store.Create(context.Background(), session))

	before := session.LastUpdated
	time.Sleep(5 * time.Millisecond)

	updated, err := store.Update(context.Background(), session.SessionID, &model.SessionPatch{
		Stage:        model.StagePtr(model.StageCollectingMetadata),
		CurrentAgent: model.StringPtr("metadata_agent"),
	})
	require.NoError(t, err)
	require.Equal(t, model.StageCollectingMetadata, updated.Stage)
	require.Equal(t, "metadata_agent", updated.CurrentAgent)
	require.True(t, updated.LastUpdated.After(before), "last_updated must strictly advance")

	// Untouched fields survive the overlay.
	require.NotNil(t, updated.DatasetInfo)
	require.Equal(t, "/data/recording_001", updated.DatasetInfo.Path)
}

func TestStore_Update_ReplacesNestedObjectsWholesale(t *testing.T) {
	store, _, _ := newTestStore(t)
	session := newTestSession(t)
	session.Metadata = &model.MetadataResult{SubjectID: "mouse_001", Species: "Mus musculus"}
	require.NoError(t, store.Create(context.Background(), session))

	updated, err := store.Update(context.Background(), session.SessionID, &model.SessionPatch{
		Metadata: &model.MetadataResult{SubjectID: "mouse_002"},
	})
	require.NoError(t, err)
	require.Equal(t, "mouse_002", updated.Metadata.SubjectID)
	require.Empty(t, updated.Metadata.Species, "nested objects are replaced, not merged")
}

func TestStore_Update_PersistsToBothLayers(t *testing.T) {
	store, _, base := newTestStore(t)
	session := newTestSession(t)
	require.NoError(t, store.Create(context.Background(), session))

	_, err := store.Update(context.Background(), session.SessionID, &model.SessionPatch{
		Stage: model.StagePtr(model.StageCollectingMetadata),
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(base, "sessions", session.SessionID.String()+".json"))
	require.NoError(t, err)

	var persisted model.Session
	require.NoError(t, json.Unmarshal(raw, &persisted))
	require.Equal(t, model.StageCollectingMetadata, persisted.Stage)
}

func TestStore_Update_UnknownSessionReturnsNotFound(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Update(context.Background(), model.NewSessionID(), &model.SessionPatch{
		Stage: model.StagePtr(model.StageFailed),
	})
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.KindNotFound))
}

// === Delete ===

func TestStore_Delete_RemovesBothLayers(t *testing.T) {
	store, mr, base := newTestStore(t)
	session := newTestSession(t)
	require.NoError(t, store.Create(context.Background(), session))

	require.NoError(t, store.Delete(context.Background(), session.SessionID))

	require.False(t, mr.Exists("session:"+session.SessionID.String()))
	_, err := os.Stat(filepath.Join(base, "sessions", session.SessionID.String()+".json"))
	require.True(t, os.IsNotExist(err))
}

func TestStore_Delete_Idempotent(t *testing.T) {
	store, _, _ := newTestStore(t)
	session := newTestSession(t)
	require.NoError(t, store.Create(context.Background(), session))

	require.NoError(t, store.Delete(context.Background(), session.SessionID))
	require.NoError(t, store.Delete(context.Background(), session.SessionID))
}

// === List ===

func TestStore_List_ReturnsNewestFirst(t *testing.T) {
	store, _, _ := newTestStore(t)

	older := newTestSession(t)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Create(context.Background(), older))

	newer := newTestSession(t)
	require.NoError(t, store.Create(context.Background(), newer))

	sessions, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, newer.SessionID, sessions[0].SessionID)
	require.Equal(t, older.SessionID, sessions[1].SessionID)
}

// === Failure semantics ===

func TestStore_CacheDown_SurfacesStorageError(t *testing.T) {
	store, mr, _ := newTestStore(t)
	session := newTestSession(t)
	require.NoError(t, store.Create(context.Background(), session))

	mr.Close()

	_, err := store.Get(context.Background(), session.SessionID)
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.KindStorage))

	require.Error(t, store.Ping(context.Background()))
}
