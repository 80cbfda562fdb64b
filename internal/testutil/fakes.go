// Package testutil provides in-memory fakes and session fixtures shared by
// the worker test suites.
package testutil

import (
	"context"
	"sync"

	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/model"
)

// RoutedMessage records one RouteMessage call against the fake coordinator.
type RoutedMessage struct {
	Target  string
	Kind    model.MessageKind
	Payload model.ExecutePayload
}

// FakeCoordinator is an in-memory coordinator for worker tests. It applies
// patches directly, without the engine's transition checks, so tests can also
// assert that workers only request legal transitions.
type FakeCoordinator struct {
	mu sync.Mutex

	sessions map[model.SessionID]*model.Session
	patches  []model.SessionPatch
	routed   []RoutedMessage

	// RouteErr, GetErr, and UpdateErr inject failures when non-nil.
	RouteErr  error
	GetErr    error
	UpdateErr error

	// RouteReply is returned from RouteMessage on success.
	RouteReply map[string]any
}

// NewFakeCoordinator creates an empty fake.
func NewFakeCoordinator() *FakeCoordinator {
	return &FakeCoordinator{
		sessions:   make(map[model.SessionID]*model.Session),
		RouteReply: map[string]any{"status": "accepted"},
	}
}

// Seed stores a session, replacing any existing one with the same ID.
func (f *FakeCoordinator) Seed(session *model.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.SessionID] = session
}

// GetContext returns a copy of the stored session.
func (f *FakeCoordinator) GetContext(_ context.Context, id model.SessionID) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	session, ok := f.sessions[id]
	if !ok {
		return nil, faults.New(faults.KindNotFound, "session %s not found", id)
	}
	copied := *session
	return &copied, nil
}

// UpdateContext applies the patch and records it.
func (f *FakeCoordinator) UpdateContext(_ context.Context, id model.SessionID, patch *model.SessionPatch) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpdateErr != nil {
		return nil, f.UpdateErr
	}
	session, ok := f.sessions[id]
	if !ok {
		return nil, faults.New(faults.KindNotFound, "session %s not found", id)
	}
	f.patches = append(f.patches, *patch)
	patch.Apply(session)
	copied := *session
	return &copied, nil
}

// RouteMessage records the dispatch and returns the canned reply.
func (f *FakeCoordinator) RouteMessage(_ context.Context, target string, kind model.MessageKind, payload any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RouteErr != nil {
		return nil, f.RouteErr
	}
	p, _ := payload.(model.ExecutePayload)
	f.routed = append(f.routed, RoutedMessage{Target: target, Kind: kind, Payload: p})
	return f.RouteReply, nil
}

// Session returns the stored session for assertions.
func (f *FakeCoordinator) Session(id model.SessionID) *model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id]
}

// Patches returns all recorded patches.
func (f *FakeCoordinator) Patches() []model.SessionPatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SessionPatch(nil), f.patches...)
}

// Routed returns all recorded dispatches.
func (f *FakeCoordinator) Routed() []RoutedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RoutedMessage(nil), f.routed...)
}

// FakeCompleter replays scripted LLM replies in order and records prompts.
type FakeCompleter struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
	systems []string
}

// NewFakeCompleter creates a completer that replays the given replies. When
// the script runs out, the last reply repeats.
func NewFakeCompleter(replies ...string) *FakeCompleter {
	return &FakeCompleter{replies: replies}
}

// FailWith makes every call return the given error.
func (f *FakeCompleter) FailWith(err error) *FakeCompleter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	return f
}

// CallLLM returns the next scripted reply.
func (f *FakeCompleter) CallLLM(_ context.Context, system, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.systems = append(f.systems, system)
	f.prompts = append(f.prompts, prompt)
	if len(f.replies) == 0 {
		return "", faults.New(faults.KindWorker, "no scripted reply")
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply, nil
}

// Prompts returns the recorded user prompts.
func (f *FakeCompleter) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}
