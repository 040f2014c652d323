package commands

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/metrics"
	"ocpihub/backend/services/ocpi-service/internal/models"
)

var idGenerator = uuid.NewString

// Forwarder delivers a completed command result to the upstream callback.
type Forwarder interface {
	Forward(ctx context.Context, callback models.UpstreamCallback, cmd models.PendingCommand) error
}

// DefaultRetention is how long a completed command stays readable.
const DefaultRetention = 5 * time.Minute

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	TTL             time.Duration
	Retention       time.Duration
	UpstreamTimeout time.Duration
	GCInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = 30 * time.Second
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 10 * time.Second
	}
	return c
}

// Manager correlates command result callbacks with the commands that were issued.
type Manager struct {
	store     Store
	forwarder Forwarder
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// NewManager builds manager. forwarder may be nil when no upstream is ever configured.
func NewManager(store Store, forwarder Forwarder, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		store:     store,
		forwarder: forwarder,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// TTL is how long a command waits for its result.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

// Register stores a new pending command in the created state.
func (m *Manager) Register(ctx context.Context, cmdType models.CommandType, callback *models.UpstreamCallback) (models.PendingCommand, error) {
	now := m.now()
	cmd := models.PendingCommand{
		ID:        idGenerator(),
		Type:      cmdType,
		Callback:  callback,
		State:     models.CommandStateCreated,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}
	if err := m.store.Save(ctx, cmd); err != nil {
		return models.PendingCommand{}, err
	}
	metrics.CommandsTotal.WithLabelValues(string(cmdType), "registered").Inc()
	m.logger.Info("command registered",
		zap.String("command_id", cmd.ID),
		zap.String("type", string(cmdType)),
		zap.Bool("has_callback", callback != nil),
	)
	return cmd, nil
}

// TryComplete records the result of a command. The first completion schedules one upstream
// forward; later completions of the same command are reported as AlreadyCompleted and do nothing.
func (m *Manager) TryComplete(ctx context.Context, id string, result models.CommandResult) (Completion, error) {
	c, err := m.store.Complete(ctx, id, result, m.now())
	if err != nil {
		return Completion{}, err
	}

	switch {
	case !c.Found:
		metrics.CommandsTotal.WithLabelValues("", "unknown").Inc()
		m.logger.Warn("result for unknown command", zap.String("command_id", id))
	case c.AlreadyCompleted:
		metrics.CommandsTotal.WithLabelValues(string(c.Command.Type), "duplicate").Inc()
		m.logger.Info("duplicate command result ignored", zap.String("command_id", id))
	default:
		metrics.CommandsTotal.WithLabelValues(string(c.Command.Type), "completed").Inc()
		m.logger.Info("command completed",
			zap.String("command_id", id),
			zap.String("type", string(c.Command.Type)),
			zap.String("result", string(result.Result)),
		)
		if c.Command.Callback != nil && m.forwarder != nil {
			m.forward(c.Command)
		}
	}
	return c, nil
}

// Get returns a snapshot of a live or recently completed command.
func (m *Manager) Get(ctx context.Context, id string) (models.PendingCommand, error) {
	return m.store.Get(ctx, id, m.now())
}

// forward runs off the request path, bounded by the upstream timeout and never retried.
func (m *Manager) forward(cmd models.PendingCommand) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.UpstreamTimeout)
		defer cancel()

		if err := m.forwarder.Forward(ctx, *cmd.Callback, cmd); err != nil {
			metrics.CommandForwardsTotal.WithLabelValues("failed").Inc()
			m.logger.Warn("forward command result failed",
				zap.String("command_id", cmd.ID),
				zap.String("response_url", cmd.Callback.ResponseURL),
				zap.Error(err),
			)
			return
		}
		metrics.CommandForwardsTotal.WithLabelValues("success").Inc()
		m.logger.Debug("command result forwarded", zap.String("command_id", cmd.ID))
	}()
}

// Wait blocks until in-flight forwards finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// RunGC sweeps stale commands until ctx is cancelled.
func (m *Manager) RunGC(ctx context.Context) error {
	m.logger.Info("command gc started", zap.Duration("interval", m.cfg.GCInterval), zap.Duration("retention", m.cfg.Retention))
	ticker := time.NewTicker(m.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			m.logger.Info("command gc stopped")
			return nil
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	removed, err := m.store.Sweep(ctx, m.now(), m.cfg.Retention)
	if err != nil {
		m.logger.Error("command gc failed", zap.Error(err))
		return
	}
	if removed > 0 {
		metrics.CommandsSweptTotal.Add(float64(removed))
		m.logger.Debug("stale commands removed", zap.Int("count", removed))
	}
}
