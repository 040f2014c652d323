package commands

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

type entry struct {
	mu        sync.Mutex
	cmd       models.PendingCommand
	lifecycle *fsm.FSM
}

// expireIfDue moves a created command past its deadline to expired. Caller holds e.mu.
func (e *entry) expireIfDue(ctx context.Context, at time.Time) {
	if e.lifecycle.Can(eventExpire) && !at.Before(e.cmd.ExpiresAt) {
		if err := e.lifecycle.Event(ctx, eventExpire); err == nil {
			e.cmd.State = models.CommandStateExpired
		}
	}
}

// MemoryStore keeps commands in process memory, one state machine per command.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*entry)}
}

func (s *MemoryStore) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

func (s *MemoryStore) Save(_ context.Context, cmd models.PendingCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[cmd.ID] = &entry{cmd: cmd, lifecycle: newLifecycle(cmd.State)}
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string, result models.CommandResult, at time.Time) (Completion, error) {
	e := s.lookup(id)
	if e == nil {
		return Completion{}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.expireIfDue(ctx, at)
	switch {
	case e.lifecycle.Can(eventComplete):
		if err := e.lifecycle.Event(ctx, eventComplete); err != nil {
			return Completion{}, err
		}
		completedAt := at
		e.cmd.State = models.CommandStateResultReceived
		e.cmd.Result = &result
		e.cmd.CompletedAt = &completedAt
		return Completion{Found: true, Command: e.cmd}, nil
	case e.lifecycle.Is(string(models.CommandStateResultReceived)):
		return Completion{Found: true, AlreadyCompleted: true, Command: e.cmd}, nil
	default:
		return Completion{}, nil
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string, at time.Time) (models.PendingCommand, error) {
	e := s.lookup(id)
	if e == nil {
		return models.PendingCommand{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.expireIfDue(ctx, at)
	if e.cmd.State == models.CommandStateExpired {
		return models.PendingCommand{}, ErrNotFound
	}
	return e.cmd, nil
}

func (s *MemoryStore) Sweep(ctx context.Context, at time.Time, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		e.expireIfDue(ctx, at)
		stale := e.cmd.State == models.CommandStateExpired ||
			(e.cmd.CompletedAt != nil && !at.Before(e.cmd.CompletedAt.Add(retention)))
		e.mu.Unlock()
		if stale {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
