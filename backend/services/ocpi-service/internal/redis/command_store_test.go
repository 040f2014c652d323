package redisstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/commands"
	"ocpihub/backend/services/ocpi-service/internal/models"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*CommandStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCommandStore(client, time.Minute), mr
}

func pending(id string) models.PendingCommand {
	return models.PendingCommand{
		ID:        id,
		Type:      models.CommandReserveNow,
		State:     models.CommandStateCreated,
		CreatedAt: t0,
		ExpiresAt: t0.Add(30 * time.Second),
		Callback:  &models.UpstreamCallback{ResponseURL: "http://emsp.test/cb", RequestID: "r1", CorrelationID: "c1"},
	}
}

func TestCommandStoreSaveAndGet(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, pending("c1")))

	assert.Equal(t, 30*time.Second, mr.TTL("ocpi:commands:c1"))

	cmd, err := store.Get(ctx, "c1", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.CommandReserveNow, cmd.Type)
	assert.Equal(t, t0.Add(30*time.Second), cmd.ExpiresAt)
	require.NotNil(t, cmd.Callback)
	assert.Equal(t, "c1", cmd.Callback.CorrelationID)

	_, err = store.Get(ctx, "c1", t0.Add(31*time.Second))
	assert.ErrorIs(t, err, commands.ErrNotFound)
	_, err = store.Get(ctx, "missing", t0)
	assert.ErrorIs(t, err, commands.ErrNotFound)
}

func TestCommandStoreCompleteIsCompareAndSet(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, pending("c1")))

	first, err := store.Complete(ctx, "c1", models.CommandResult{Result: models.ResultAccepted}, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, first.Found)
	assert.False(t, first.AlreadyCompleted)
	assert.Equal(t, models.CommandStateResultReceived, first.Command.State)
	require.NotNil(t, first.Command.Result)
	assert.Equal(t, models.ResultAccepted, first.Command.Result.Result)
	assert.Equal(t, time.Minute, mr.TTL("ocpi:commands:c1"))

	second, err := store.Complete(ctx, "c1", models.CommandResult{Result: models.ResultRejected}, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, second.AlreadyCompleted)
	assert.Equal(t, models.ResultAccepted, second.Command.Result.Result)
}

func TestCommandStoreConcurrentCompletion(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, pending("c1")))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := store.Complete(ctx, "c1", models.CommandResult{Result: models.ResultAccepted}, t0.Add(time.Second))
			if err != nil {
				t.Errorf("complete: %v", err)
				return
			}
			if c.Found && !c.AlreadyCompleted {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestCommandStoreExpiredAndUnknown(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, pending("c1")))

	c, err := store.Complete(ctx, "c1", models.CommandResult{Result: models.ResultAccepted}, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, c.Found)

	c, err = store.Complete(ctx, "c1", models.CommandResult{Result: models.ResultAccepted}, t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, c.Found, "expired stays expired")

	c, err = store.Complete(ctx, "nope", models.CommandResult{Result: models.ResultAccepted}, t0)
	require.NoError(t, err)
	assert.False(t, c.Found)
}

func TestCommandStoreKeyExpiry(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, pending("c1")))

	mr.FastForward(31 * time.Second)
	_, err := store.Get(ctx, "c1", t0)
	assert.True(t, errors.Is(err, commands.ErrNotFound))
}

func TestCommandStoreWorksWithManager(t *testing.T) {
	store, _ := newStore(t)
	manager := commands.NewManager(store, nil, commands.Config{}, zapNop())
	ctx := context.Background()

	cmd, err := manager.Register(ctx, models.CommandStartSession, nil)
	require.NoError(t, err)
	c, err := manager.TryComplete(ctx, cmd.ID, models.CommandResult{Result: models.ResultAccepted})
	require.NoError(t, err)
	assert.True(t, c.Found)
	got, err := manager.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandStateResultReceived, got.State)
}

func TestCommandStoreZeroRetentionUsesDefault(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewCommandStore(client, 0)
	manager := commands.NewManager(store, nil, commands.Config{}, zapNop())
	ctx := context.Background()

	cmd, err := manager.Register(ctx, models.CommandStartSession, nil)
	require.NoError(t, err)
	c, err := manager.TryComplete(ctx, cmd.ID, models.CommandResult{Result: models.ResultAccepted})
	require.NoError(t, err)
	assert.True(t, c.Found)
	require.NotNil(t, c.Command.Result)
	assert.Equal(t, models.ResultAccepted, c.Command.Result.Result)
	assert.Equal(t, commands.DefaultRetention, mr.TTL("ocpi:commands:"+cmd.ID))
}

func TestCommandStoreCompletionSurvivesKeyRemoval(t *testing.T) {
	store, mr := newStore(t)
	store.retention = time.Millisecond
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, pending("c1")))

	c, err := store.Complete(ctx, "c1", models.CommandResult{Result: models.ResultAccepted}, t0.Add(time.Second))
	require.NoError(t, err)
	mr.FastForward(time.Second)
	assert.False(t, mr.Exists("ocpi:commands:c1"))

	assert.True(t, c.Found)
	assert.Equal(t, "c1", c.Command.ID)
	assert.Equal(t, models.CommandStateResultReceived, c.Command.State)
	require.NotNil(t, c.Command.Result)
	assert.Equal(t, models.ResultAccepted, c.Command.Result.Result)
	require.NotNil(t, c.Command.Callback)
	assert.Equal(t, "c1", c.Command.Callback.CorrelationID)
}

func zapNop() *zap.Logger { return zap.NewNop() }
