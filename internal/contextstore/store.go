// Package contextstore provides the durable per-session state store.
//
// Architecture:
//   - Cache (Redis) = fast primary, key "session:<id>", entries carry a TTL
//   - Backup (filesystem) = crash-safe fallback, one JSON file per session
//
// Writes go through both layers and both must succeed. Reads prefer the
// cache; a miss falls back to the backup file and repopulates the cache.
// Updates are last-writer-wins partial overlays; the workflow serializes
// writers per session so the store does not lock across operations.
package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/log"
	"github.com/zjrosen/neuroflow/internal/model"
)

// ErrSessionNotFound is returned when a session exists in neither layer.
var ErrSessionNotFound = fmt.Errorf("session not found")

// DefaultTTL is the cache entry lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

// Store is the durable session store contract.
type Store interface {
	// Create persists a new session in both layers.
	Create(ctx context.Context, session *model.Session) error

	// Get returns the session, consulting the cache first and falling back
	// to the filesystem backup. Returns ErrSessionNotFound if absent.
	Get(ctx context.Context, id model.SessionID) (*model.Session, error)

	// Update applies a partial overlay to the current session and writes
	// through both layers. LastUpdated is refreshed.
	Update(ctx context.Context, id model.SessionID, patch *model.SessionPatch) (*model.Session, error)

	// Delete removes the session from both layers. Idempotent.
	Delete(ctx context.Context, id model.SessionID) error

	// List returns all sessions found in the backup directory, newest first.
	List(ctx context.Context) ([]*model.Session, error)

	// Ping reports whether the cache is reachable.
	Ping(ctx context.Context) error

	// Close releases the cache connection.
	Close() error
}

// Config configures a Store.
type Config struct {
	// CacheURL is the Redis connection URL, e.g. "redis://localhost:6379/0".
	CacheURL string
	// BasePath is the filesystem root; sessions live at <BasePath>/sessions.
	BasePath string
	// TTL is the cache entry lifetime. Zero means DefaultTTL.
	TTL time.Duration
}

// Validate checks that all required fields are provided.
func (c *Config) Validate() error {
	if c.CacheURL == "" {
		return faults.New(faults.KindConfig, "context store cache URL is required")
	}
	if c.BasePath == "" {
		return faults.New(faults.KindConfig, "context store base path is required")
	}
	return nil
}

type redisStore struct {
	client *redis.Client
	dir    string
	ttl    time.Duration
}

// New creates a Store and verifies cache connectivity with a ping.
func New(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		return nil, faults.Wrap(faults.KindConfig, err, "invalid cache URL %q", cfg.CacheURL)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	store := &redisStore{
		client: redis.NewClient(opts),
		dir:    filepath.Join(cfg.BasePath, "sessions"),
		ttl:    ttl,
	}

	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := os.MkdirAll(store.dir, 0o755); err != nil {
		_ = store.Close()
		return nil, faults.Wrap(faults.KindStorage, err, "creating session backup directory")
	}

	log.Info(log.CatStore, "Context store ready", "dir", store.dir, "ttl", ttl)
	return store, nil
}

func cacheKey(id model.SessionID) string {
	return "session:" + string(id)
}

func (s *redisStore) filePath(id model.SessionID) string {
	return filepath.Join(s.dir, string(id)+".json")
}

// Create persists a new session in both layers.
func (s *redisStore) Create(ctx context.Context, session *model.Session) error {
	if session == nil {
		return faults.New(faults.KindValidation, "session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return faults.Wrap(faults.KindValidation, err, "invalid session")
	}
	return s.writeThrough(ctx, session)
}

// Get consults the cache first, then the filesystem backup.
func (s *redisStore) Get(ctx context.Context, id model.SessionID) (*model.Session, error) {
	raw, err := s.client.Get(ctx, cacheKey(id)).Bytes()
	switch {
	case err == nil:
		var session model.Session
		if unmarshalErr := json.Unmarshal(raw, &session); unmarshalErr != nil {
			return nil, faults.Wrap(faults.KindStorage, unmarshalErr, "corrupt cache entry for session %s", id)
		}
		log.Debug(log.CatStore, "cache hit", "session", id)
		return &session, nil
	case errors.Is(err, redis.Nil):
		// Fall through to the filesystem backup.
	default:
		return nil, faults.Wrap(faults.KindStorage, err, "cache unavailable")
	}

	session, err := s.readBackup(id)
	if err != nil {
		return nil, err
	}

	// Repopulate the cache so the next read is a hit.
	raw, err = json.Marshal(session)
	if err != nil {
		return nil, faults.Wrap(faults.KindStorage, err, "serializing session %s", id)
	}
	if err := s.client.Set(ctx, cacheKey(id), raw, s.ttl).Err(); err != nil {
		return nil, faults.Wrap(faults.KindStorage, err, "repopulating cache for session %s", id)
	}

	log.Debug(log.CatStore, "cache miss served from backup", "session", id)
	return session, nil
}

// Update applies a partial overlay and writes through both layers.
func (s *redisStore) Update(ctx context.Context, id model.SessionID, patch *model.SessionPatch) (*model.Session, error) {
	if patch == nil {
		return nil, faults.New(faults.KindValidation, "patch cannot be nil")
	}

	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	patch.Apply(session)
	if err := s.writeThrough(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Delete removes the session from both layers. Missing entries are not an error.
func (s *redisStore) Delete(ctx context.Context, id model.SessionID) error {
	if err := s.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		return faults.Wrap(faults.KindStorage, err, "deleting cache entry for session %s", id)
	}
	if err := os.Remove(s.filePath(id)); err != nil && !os.IsNotExist(err) {
		return faults.Wrap(faults.KindStorage, err, "deleting backup file for session %s", id)
	}
	return nil
}

// List scans the backup directory. The backup is the complete record; cache
// entries expire but files persist until Delete.
func (s *redisStore) List(_ context.Context) ([]*model.Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.KindStorage, err, "reading session backup directory")
	}

	var sessions []*model.Session
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := model.SessionID(entry.Name()[:len(entry.Name())-len(".json")])
		session, err := s.readBackup(id)
		if err != nil {
			log.Warn(log.CatStore, "Skipping unreadable session backup", "file", entry.Name(), "error", err)
			continue
		}
		sessions = append(sessions, session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Ping reports whether the cache is reachable.
func (s *redisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return faults.Wrap(faults.KindStorage, err, "cache unavailable")
	}
	return nil
}

// Close releases the cache connection.
func (s *redisStore) Close() error {
	return s.client.Close()
}

// writeThrough writes the session to the cache with TTL, then atomically to
// the backup file. Both writes must succeed.
func (s *redisStore) writeThrough(ctx context.Context, session *model.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return faults.Wrap(faults.KindStorage, err, "serializing session %s", session.SessionID)
	}

	if err := s.client.Set(ctx, cacheKey(session.SessionID), raw, s.ttl).Err(); err != nil {
		return faults.Wrap(faults.KindStorage, err, "writing session %s to cache", session.SessionID)
	}

	if err := s.writeBackup(session.SessionID, raw); err != nil {
		return err
	}

	return nil
}

// writeBackup writes the serialized session atomically: temp file in the
// same directory, then rename.
func (s *redisStore) writeBackup(id model.SessionID, raw []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return faults.Wrap(faults.KindStorage, err, "creating session backup directory")
	}

	tmp, err := os.CreateTemp(s.dir, string(id)+".*.tmp")
	if err != nil {
		return faults.Wrap(faults.KindStorage, err, "creating temp backup for session %s", id)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return faults.Wrap(faults.KindStorage, err, "writing backup for session %s", id)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return faults.Wrap(faults.KindStorage, err, "closing backup for session %s", id)
	}
	if err := os.Rename(tmpName, s.filePath(id)); err != nil {
		_ = os.Remove(tmpName)
		return faults.Wrap(faults.KindStorage, err, "renaming backup for session %s", id)
	}
	return nil
}

// readBackup reads and parses the backup file. Corrupt files surface a parse
// error; data is never silently discarded.
func (s *redisStore) readBackup(id model.SessionID) (*model.Session, error) {
	raw, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.Wrap(faults.KindNotFound, ErrSessionNotFound, "session %s not found", id)
		}
		return nil, faults.Wrap(faults.KindStorage, err, "reading backup for session %s", id)
	}

	var session model.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, faults.Wrap(faults.KindStorage, err, "corrupt backup file for session %s", id)
	}
	return &session, nil
}
