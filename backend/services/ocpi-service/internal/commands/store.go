package commands

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

// ErrNotFound is returned for unknown or expired commands.
var ErrNotFound = errors.New("command not found")

// Completion reports what TryComplete did. Found is false for unknown and expired commands.
type Completion struct {
	Found            bool
	AlreadyCompleted bool
	Command          models.PendingCommand
}

// Store keeps pending commands. Complete must be a compare-and-set: of two concurrent
// completions of the same command exactly one sees AlreadyCompleted == false.
type Store interface {
	Save(ctx context.Context, cmd models.PendingCommand) error
	Complete(ctx context.Context, id string, result models.CommandResult, at time.Time) (Completion, error)
	Get(ctx context.Context, id string, at time.Time) (models.PendingCommand, error)
	// Sweep drops expired commands and completed ones older than retention.
	Sweep(ctx context.Context, at time.Time, retention time.Duration) (int, error)
}

const (
	eventComplete = "complete"
	eventExpire   = "expire"
)

func newLifecycle(initial models.CommandState) *fsm.FSM {
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: eventComplete, Src: []string{string(models.CommandStateCreated)}, Dst: string(models.CommandStateResultReceived)},
			{Name: eventExpire, Src: []string{string(models.CommandStateCreated)}, Dst: string(models.CommandStateExpired)},
		},
		fsm.Callbacks{},
	)
}
