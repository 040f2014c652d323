package commands

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

type fakeForwarder struct {
	mu    sync.Mutex
	calls []models.PendingCommand
	err   error
	block chan struct{}
}

func (f *fakeForwarder) Forward(ctx context.Context, _ models.UpstreamCallback, cmd models.PendingCommand) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	return f.err
}

func (f *fakeForwarder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, forwarder Forwarder, cfg Config) (*Manager, *clock) {
	t.Helper()
	originalGenerator := idGenerator
	ids := []string{"cmd-1", "cmd-2", "cmd-3"}
	idGenerator = func() string {
		if len(ids) == 0 {
			return originalGenerator()
		}
		id := ids[0]
		ids = ids[1:]
		return id
	}
	t.Cleanup(func() { idGenerator = originalGenerator })

	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(NewMemoryStore(), forwarder, cfg, zap.NewNop())
	m.now = clk.Now
	return m, clk
}

var callback = &models.UpstreamCallback{ResponseURL: "http://emsp.test/cb", RequestID: "req-1", CorrelationID: "corr-1"}

func TestManagerCompletesOnceAndForwardsOnce(t *testing.T) {
	forwarder := &fakeForwarder{}
	manager, _ := newTestManager(t, forwarder, Config{})
	ctx := context.Background()

	cmd, err := manager.Register(ctx, models.CommandReserveNow, callback)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if cmd.ID != "cmd-1" || cmd.State != models.CommandStateCreated {
		t.Fatalf("unexpected command %+v", cmd)
	}

	result := models.CommandResult{Result: models.ResultAccepted}
	first, err := manager.TryComplete(ctx, cmd.ID, result)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !first.Found || first.AlreadyCompleted {
		t.Fatalf("expected first completion, got %+v", first)
	}

	second, err := manager.TryComplete(ctx, cmd.ID, models.CommandResult{Result: models.ResultRejected})
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if !second.Found || !second.AlreadyCompleted {
		t.Fatalf("expected duplicate completion, got %+v", second)
	}
	if second.Command.Result.Result != models.ResultAccepted {
		t.Fatalf("result must be write-once, got %s", second.Command.Result.Result)
	}

	manager.Wait()
	if got := forwarder.callCount(); got != 1 {
		t.Fatalf("expected exactly one forward, got %d", got)
	}
}

func TestManagerConcurrentCompletionForwardsOnce(t *testing.T) {
	forwarder := &fakeForwarder{}
	manager, _ := newTestManager(t, forwarder, Config{})
	ctx := context.Background()

	cmd, err := manager.Register(ctx, models.CommandStartSession, callback)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		firsts int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := manager.TryComplete(ctx, cmd.ID, models.CommandResult{Result: models.ResultAccepted})
			if err != nil {
				t.Errorf("complete: %v", err)
				return
			}
			if c.Found && !c.AlreadyCompleted {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	manager.Wait()

	if firsts != 1 {
		t.Fatalf("expected one winning completion, got %d", firsts)
	}
	if got := forwarder.callCount(); got != 1 {
		t.Fatalf("expected exactly one forward, got %d", got)
	}
}

func TestManagerUnknownAndExpiredCommands(t *testing.T) {
	forwarder := &fakeForwarder{}
	manager, clk := newTestManager(t, forwarder, Config{TTL: 30 * time.Second})
	ctx := context.Background()

	c, err := manager.TryComplete(ctx, "never-registered", models.CommandResult{Result: models.ResultAccepted})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if c.Found {
		t.Fatalf("unknown command must not be found")
	}

	cmd, err := manager.Register(ctx, models.CommandUnlockConnector, callback)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	clk.Advance(31 * time.Second)

	c, err = manager.TryComplete(ctx, cmd.ID, models.CommandResult{Result: models.ResultAccepted})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if c.Found {
		t.Fatalf("expired command must be treated as unknown")
	}
	if _, err := manager.Get(ctx, cmd.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	manager.Wait()
	if got := forwarder.callCount(); got != 0 {
		t.Fatalf("expected no forward, got %d", got)
	}
}

func TestManagerForwardFailureIsSwallowed(t *testing.T) {
	forwarder := &fakeForwarder{err: errors.New("upstream down")}
	manager, _ := newTestManager(t, forwarder, Config{})
	ctx := context.Background()

	cmd, err := manager.Register(ctx, models.CommandStopSession, callback)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	c, err := manager.TryComplete(ctx, cmd.ID, models.CommandResult{Result: models.ResultFailed})
	if err != nil || !c.Found {
		t.Fatalf("completion must succeed despite forward failure: %+v %v", c, err)
	}
	manager.Wait()
	if got := forwarder.callCount(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestManagerForwardDoesNotBlockCompletion(t *testing.T) {
	forwarder := &fakeForwarder{block: make(chan struct{})}
	manager, _ := newTestManager(t, forwarder, Config{UpstreamTimeout: time.Second})
	ctx := context.Background()

	cmd, err := manager.Register(ctx, models.CommandReserveNow, callback)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = manager.TryComplete(ctx, cmd.ID, models.CommandResult{Result: models.ResultAccepted})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("completion blocked on upstream forward")
	}

	close(forwarder.block)
	waitFor(t, time.Second, func() bool { return forwarder.callCount() == 1 })
	manager.Wait()
}

func TestManagerWithoutCallbackSkipsForward(t *testing.T) {
	forwarder := &fakeForwarder{}
	manager, _ := newTestManager(t, forwarder, Config{})
	ctx := context.Background()

	cmd, err := manager.Register(ctx, models.CommandCancelReservation, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := manager.TryComplete(ctx, cmd.ID, models.CommandResult{Result: models.ResultAccepted}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	manager.Wait()
	if got := forwarder.callCount(); got != 0 {
		t.Fatalf("expected no forward, got %d", got)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	manager, clk := newTestManager(t, nil, Config{TTL: 10 * time.Second, Retention: time.Minute})
	ctx := context.Background()

	done, _ := manager.Register(ctx, models.CommandStartSession, nil)
	pending, _ := manager.Register(ctx, models.CommandStartSession, nil)
	if _, err := manager.TryComplete(ctx, done.ID, models.CommandResult{Result: models.ResultAccepted}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	clk.Advance(11 * time.Second)
	manager.sweep(ctx)
	if _, err := manager.Get(ctx, pending.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired command should be swept, got %v", err)
	}
	if _, err := manager.Get(ctx, done.ID); err != nil {
		t.Fatalf("completed command should be retained: %v", err)
	}

	clk.Advance(time.Minute)
	manager.sweep(ctx)
	if _, err := manager.Get(ctx, done.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("completed command should be swept after retention, got %v", err)
	}
}

func TestRunGCStopsWithContext(t *testing.T) {
	manager, _ := newTestManager(t, nil, Config{GCInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- manager.RunGC(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("gc loop did not stop")
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
