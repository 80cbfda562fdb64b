// Package registry provides the in-memory directory of live worker agents.
// Implementations must be thread-safe for concurrent access.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zjrosen/neuroflow/internal/log"
	"github.com/zjrosen/neuroflow/internal/model"
)

// ErrAgentNotFound is returned when a named agent is not registered.
var ErrAgentNotFound = fmt.Errorf("agent not found")

// Registry stores and queries agent records. The registry starts empty on
// coordinator startup; workers self-register on boot. There is no heartbeat;
// a lost worker surfaces via failed dispatches.
type Registry interface {
	// Register stores an agent record, upserting on name.
	Register(record model.AgentRecord) error

	// Get retrieves an agent by name. Returns the record and true if found.
	Get(name string) (model.AgentRecord, bool)

	// GetByKind retrieves the first agent of the given kind.
	GetByKind(kind model.AgentKind) (model.AgentRecord, bool)

	// List returns a defensive copy of all records, sorted by name.
	List() []model.AgentRecord

	// Names returns the sorted names of all registered agents.
	Names() []string

	// Unregister removes an agent by name. Idempotent.
	Unregister(name string)
}

// inMemoryRegistry is a mutex-protected map implementation of Registry.
type inMemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]model.AgentRecord
}

// NewInMemory creates an empty agent registry.
func NewInMemory() Registry {
	return &inMemoryRegistry{
		agents: make(map[string]model.AgentRecord),
	}
}

// Register stores an agent record, upserting on name.
func (r *inMemoryRegistry) Register(record model.AgentRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.agents[record.Name]
	r.agents[record.Name] = record

	log.Info(log.CatRegistry, "Agent registered",
		"name", record.Name, "kind", record.Kind, "url", record.BaseURL, "replaced", replaced)
	return nil
}

// Get retrieves an agent by name.
func (r *inMemoryRegistry) Get(name string) (model.AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.agents[name]
	return record, ok
}

// GetByKind retrieves the first agent of the given kind, by name order so
// the choice is deterministic when several workers of one kind register.
func (r *inMemoryRegistry) GetByKind(kind model.AgentKind) (model.AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if r.agents[name].Kind == kind {
			return r.agents[name], true
		}
	}
	return model.AgentRecord{}, false
}

// List returns a defensive copy of all records, sorted by name.
// Mutating the returned slice does not affect the registry.
func (r *inMemoryRegistry) List() []model.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]model.AgentRecord, 0, len(r.agents))
	for _, record := range r.agents {
		copied := record
		copied.Capabilities = append([]string(nil), record.Capabilities...)
		records = append(records, copied)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// Names returns the sorted names of all registered agents.
func (r *inMemoryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes an agent by name. Missing entries are not an error.
func (r *inMemoryRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.agents, name)
}
