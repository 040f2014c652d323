// Package archive copies finalized CDRs to object storage.
package archive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

// Archiver stores a copy of a resource.
type Archiver interface {
	Archive(ctx context.Context, res models.VersionedResource) error
}

// Noop discards everything.
type Noop struct{}

func (Noop) Archive(context.Context, models.VersionedResource) error { return nil }

// Background runs archiving off the request path. Failures are logged and dropped.
type Background struct {
	next    Archiver
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewBackground wraps next.
func NewBackground(next Archiver, timeout time.Duration, logger *zap.Logger) *Background {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Background{next: next, timeout: timeout, logger: logger}
}

// Archive schedules the upload and returns immediately.
func (b *Background) Archive(_ context.Context, res models.VersionedResource) error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := b.next.Archive(ctx, res); err != nil {
			b.logger.Warn("archive failed", zap.String("key", res.Key.String()), zap.Error(err))
			return
		}
		b.logger.Debug("archived", zap.String("key", res.Key.String()))
	}()
	return nil
}

// Wait blocks until scheduled uploads finish.
func (b *Background) Wait() {
	b.wg.Wait()
}
