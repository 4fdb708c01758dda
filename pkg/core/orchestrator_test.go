package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvmigrate/pkg/retry"
	"kvmigrate/pkg/scheduler"
	"kvmigrate/pkg/state"
	"kvmigrate/pkg/storage"
)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func fastRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func testOrchConfig(source, target storage.Adapter) Config {
	return Config{
		Source: source,
		Target: target,
		Scheduler: scheduler.New(scheduler.Config{
			IdleSource: &scheduler.ImmediateIdleSource{},
			Log:        quietLog(),
		}),
		Retry: fastRetry(),
		Log:   quietLog(),
	}
}

// slowSchedConfig queues work slowly enough to pause or cancel mid-run.
func slowSchedConfig(source, target storage.Adapter, tick time.Duration) Config {
	cfg := testOrchConfig(source, target)
	cfg.Scheduler = scheduler.New(scheduler.Config{
		FallbackInterval: tick,
		Log:              quietLog(),
	})
	return cfg
}

func seedSource(t *testing.T, source storage.Adapter) {
	t.Helper()
	ctx := context.Background()
	entries := map[string]string{
		"appSettings":       `{"lang":"en"}`,
		"masterRoster":      `["p1","p2"]`,
		"timerState":        `{"elapsed":0}`,
		"savedGames":        `{"g1":{}}`,
		"game_g2":           `{"home":"us"}`,
		"playerStats":       `{"p1":{}}`,
		"playerAdjustments": `[]`,
		"season_old":        `{}`,
		"tournament_old":    `{}`,
		"misc":              `1`,
	}
	for k, v := range entries {
		require.NoError(t, source.SetItem(ctx, k, v))
	}
}

// phaseRecorder captures the phase-change sequence and completion.
type phaseRecorder struct {
	mu        sync.Mutex
	phases    []Phase
	completed chan Status
	cancelled chan struct{}
	errs      []error
}

func newPhaseRecorder() *phaseRecorder {
	return &phaseRecorder{
		completed: make(chan Status, 1),
		cancelled: make(chan struct{}, 1),
	}
}

func (r *phaseRecorder) callbacks() Callbacks {
	return Callbacks{
		OnPhaseChange: func(p Phase) {
			r.mu.Lock()
			r.phases = append(r.phases, p)
			r.mu.Unlock()
		},
		OnComplete: func(s Status) { r.completed <- s },
		OnCancelled: func() {
			select {
			case r.cancelled <- struct{}{}:
			default:
			}
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *phaseRecorder) waitComplete(t *testing.T) Status {
	t.Helper()
	select {
	case s := <-r.completed:
		return s
	case <-time.After(10 * time.Second):
		t.Fatal("migration did not complete in time")
		return Status{}
	}
}

func (r *phaseRecorder) phaseList() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

func TestMigrationEndToEnd(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemoryAdapter()
	target := storage.NewMemoryAdapter()
	seedSource(t, source)

	cfg := testOrchConfig(source, target)
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	defer cfg.Scheduler.StopProcessing()

	rec := newPhaseRecorder()
	require.NoError(t, orch.Start(ctx, rec.callbacks()))

	// Critical keys must already be in the target when Start returns.
	for _, key := range []string{"appSettings", "masterRoster", "timerState"} {
		_, err := target.GetItem(ctx, key)
		require.NoError(t, err, "critical key %s missing after Start", key)
	}

	status := rec.waitComplete(t)
	assert.Equal(t, PhaseCompleted, status.Phase)
	assert.Equal(t, 10, status.TotalKeys)
	assert.Equal(t, 10, status.ProcessedKeys)
	assert.Equal(t, 0, status.FailedKeys)
	assert.InDelta(t, 100.0, status.Percentage, 0.01)
	assert.True(t, status.CriticalComplete)

	// Every source key made it across.
	sourceKeys, _ := source.Keys(ctx)
	for _, key := range sourceKeys {
		want, _ := source.GetItem(ctx, key)
		got, err := target.GetItem(ctx, key)
		require.NoError(t, err, "key %s", key)
		assert.Equal(t, want, got)
	}

	phases := rec.phaseList()
	assert.Equal(t, PhaseInitializing, phases[0])
	assert.Equal(t, PhaseClassifying, phases[1])
	assert.Equal(t, PhaseCritical, phases[2])
	assert.Contains(t, phases, PhaseImportant)
	assert.Contains(t, phases, PhaseBackground)
	assert.Equal(t, PhaseCompleted, phases[len(phases)-1])
	assert.Equal(t, PhaseCompleting, phases[len(phases)-2])
}

func TestBackgroundOnlyMigrationDoesNotBlockStart(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemoryAdapter()
	target := storage.NewMemoryAdapter()
	for _, key := range []string{"playerStats", "playerAdjustments", "misc"} {
		require.NoError(t, source.SetItem(ctx, key, `{}`))
	}

	cfg := slowSchedConfig(source, target, 30*time.Millisecond)
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	defer cfg.Scheduler.StopProcessing()

	rec := newPhaseRecorder()
	require.NoError(t, orch.Start(ctx, rec.callbacks()))

	// All three keys are background, so Start must hand them to the
	// scheduler and return before any of them lands in the target.
	keys, err := target.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "background keys migrated inside Start")

	status := rec.waitComplete(t)
	assert.Equal(t, PhaseCompleted, status.Phase)
	assert.Equal(t, 3, status.ProcessedKeys)
}

func TestSecondStartFailsFastWhileActive(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemoryAdapter()
	target := storage.NewMemoryAdapter()
	seedSource(t, source)

	// Slow scheduler keeps queued work alive past Start.
	cfg := slowSchedConfig(source, target, 20*time.Millisecond)
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	defer cfg.Scheduler.StopProcessing()

	rec := newPhaseRecorder()
	require.NoError(t, orch.Start(ctx, rec.callbacks()))

	err = orch.Start(ctx, Callbacks{})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrLockHeld)

	rec.waitComplete(t)
}

func TestLockReleasedExactlyOncePerRun(t *testing.T) {
	ctx := context.Background()

	// Empty source: the run terminates inside Start, the path where the
	// deferred cleanup and the completion transition could both release.
	cfg := testOrchConfig(storage.NewMemoryAdapter(), storage.NewMemoryAdapter())
	locks := &countingLocks{InProcessLocks: NewInProcessLocks()}
	cfg.Locks = locks
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	defer cfg.Scheduler.StopProcessing()

	rec := newPhaseRecorder()
	require.NoError(t, orch.Start(ctx, rec.callbacks()))
	rec.waitComplete(t)

	assert.Equal(t, 1, locks.count(&locks.acquires))
	assert.Equal(t, 1, locks.count(&locks.releases))

	// A second release would strip a holder acquired in between.
	assert.True(t, locks.Acquire("memory_to_memory"))
	assert.Equal(t, 1, locks.count(&locks.releases))
}

func TestStartAfterCancelRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemoryAdapter()
	target := storage.NewMemoryAdapter()
	seedSource(t, source)

	cfg := slowSchedConfig(source, target, 20*time.Millisecond)
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	defer cfg.Scheduler.StopProcessing()

	rec := newPhaseRecorder()
	require.NoError(t, orch.Start(ctx, rec.callbacks()))
	orch.Cancel()

	select {
	case <-rec.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("OnCancelled not fired")
	}

	// The same orchestrator must be able to run again after a cancel.
	rec = newPhaseRecorder()
	require.NoError(t, orch.Start(ctx, rec.callbacks()))
	status := rec.waitComplete(t)

	assert.Equal(t, PhaseCompleted, status.Phase)
	assert.Equal(t, 10, status.ProcessedKeys)
}

func TestPersistenceAndResumeSkipsProcessedKeys(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemoryAdapter()
	target := newCountingAdapter()
	seedSource(t, source)

	progressAdapter := storage.NewMemoryAdapter()
	store := state.NewStore(progressAdapter, state.StoreConfig{Log: quietLog()})

	// A prior run already migrated two keys.
	allKeys := []string{
		"appSettings", "masterRoster", "timerState", "savedGames", "game_g2",
		"playerStats", "playerAdjustments", "season_old", "tournament_old", "misc",
	}
	prior := state.NewProgress("memory_to_memory", allKeys, 0)
	prior.SetPhase(state.PhaseImportant)
	prior.MarkProcessed("playerStats", 0)
	prior.MarkProcessed("season_old", 0)
	require.NoError(t, store.Save(ctx, prior))

	cfg := testOrchConfig(source, target)
	cfg.ProgressStore = store
	cfg.EnablePersistence = true
	cfg.AutoResume = true
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	defer cfg.Scheduler.StopProcessing()

	rec := newPhaseRecorder()
	require.NoError(t, orch.Start(ctx, rec.callbacks()))
	rec.waitComplete(t)

	// Already-processed keys were not written again.
	assert.Equal(t, 0, target.writes["playerStats"])
	assert.Equal(t, 0, target.writes["season_old"])
	assert.Equal(t, 1, target.writes["appSettings"])

	// The record is removed on completion.
	loaded, err := store.Load(ctx, "memory_to_memory")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestTransientQuotaErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemoryAdapter()
	target := newCountingAdapter()
	target.failWrites("savedGames", 2, storage.ErrQuotaExceeded)
	seedSource(t, source)

	cfg := testOrchConfig(source, target)
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	defer cfg.Scheduler.StopProcessing()

	rec := newPhaseRecorder()
	require.NoError(t, orch.Start(ctx, rec.callbacks()))
	status := rec.waitComplete(t)

	assert.Equal(t, 0, status.FailedKeys)
	got, err := target.GetItem(ctx, "savedGames")
	require.NoError(t, err)
	assert.Equal(t, `{"g1":{}}`, got)
	// Two quota failures plus the successful write.
	assert.Equal(t, 3, target.writes["savedGames"])
}

func TestPermanentFailureDoesNotBlockCompletion(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemoryAdapter()
	target := newCountingAdapter()
	target.failWrites("game_g2", 1000, storage.ErrAccessDenied)
	seedSource(t, source)

	cfg := testOrchConfig(source, target)
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	defer cfg.Scheduler.StopProcessing()

	rec := newPhaseRecorder()
	require.NoError(t, orch.Start(ctx, rec.callbacks()))
	status := rec.waitComplete(t)

	assert.Equal(t, PhaseCompleted, status.Phase)
	assert.Equal(t, 1, status.FailedKeys)
	assert.Equal(t, 10, status.ProcessedKeys)

	// Non-retryable: exactly one write attempt.
	assert.Equal(t, 1, target.writes["game_g2"])
}

func TestCancelClearsRecordAndSkipsOnError(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemoryAdapter()
	target := storage.NewMemoryAdapter()
	seedSource(t, source)

	progressAdapter := storage.NewMemoryAdapter()
	store := state.NewStore(progressAdapter, state.StoreConfig{Log: quietLog()})

	cfg := slowSchedConfig(source, target, 50*time.Millisecond)
	cfg.ProgressStore = store
	cfg.EnablePersistence = true
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)

	rec := newPhaseRecorder()
	require.NoError(t, orch.Start(ctx, rec.callbacks()))
	orch.Cancel()

	select {
	case <-rec.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("OnCancelled not fired")
	}

	assert.Equal(t, PhaseCancelled, orch.Status().Phase)
	assert.Empty(t, rec.errs, "cancellation must not reach OnError")

	exists, err := store.Exists(ctx, "memory_to_memory")
	require.NoError(t, err)
	assert.False(t, exists, "cancel removes the progress record")

	// Cancelling again is a no-op.
	orch.Cancel()
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	source := storage.NewMemoryAdapter()
	target := storage.NewMemoryAdapter()
	seedSource(t, source)

	cfg := slowSchedConfig(source, target, 20*time.Millisecond)
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	defer cfg.Scheduler.StopProcessing()

	var paused, resumed bool
	var mu sync.Mutex
	rec := newPhaseRecorder()
	callbacks := rec.callbacks()
	callbacks.OnPaused = func() { mu.Lock(); paused = true; mu.Unlock() }
	callbacks.OnResumed = func() { mu.Lock(); resumed = true; mu.Unlock() }

	require.NoError(t, orch.Start(ctx, callbacks))

	orch.Pause()
	assert.Equal(t, PhasePaused, orch.Status().Phase)
	mu.Lock()
	assert.True(t, paused)
	mu.Unlock()

	orch.Resume()
	status := rec.waitComplete(t)
	assert.Equal(t, PhaseCompleted, status.Phase)
	mu.Lock()
	assert.True(t, resumed)
	mu.Unlock()
}

func TestStatusBeforeStart(t *testing.T) {
	cfg := testOrchConfig(storage.NewMemoryAdapter(), storage.NewMemoryAdapter())
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	defer cfg.Scheduler.StopProcessing()

	status := orch.Status()
	assert.Equal(t, PhaseInitializing, status.Phase)
	assert.Equal(t, 0, status.TotalKeys)
}

func TestEmptySourceCompletesImmediately(t *testing.T) {
	ctx := context.Background()
	cfg := testOrchConfig(storage.NewMemoryAdapter(), storage.NewMemoryAdapter())
	orch, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	defer cfg.Scheduler.StopProcessing()

	rec := newPhaseRecorder()
	require.NoError(t, orch.Start(ctx, rec.callbacks()))
	status := rec.waitComplete(t)

	assert.Equal(t, PhaseCompleted, status.Phase)
	assert.Equal(t, 0, status.TotalKeys)
	assert.True(t, status.CriticalComplete)
}

func TestMissingAdaptersRejected(t *testing.T) {
	_, err := NewOrchestrator(Config{})
	require.Error(t, err)
}

// countingAdapter wraps a memory adapter and counts writes per key, with
// optional injected write failures.
type countingAdapter struct {
	*storage.MemoryAdapter
	mu       sync.Mutex
	writes   map[string]int
	failKey  string
	failLeft int
	failErr  error
}

func newCountingAdapter() *countingAdapter {
	return &countingAdapter{
		MemoryAdapter: storage.NewMemoryAdapter(),
		writes:        map[string]int{},
	}
}

func (c *countingAdapter) failWrites(key string, times int, err error) {
	c.failKey = key
	c.failLeft = times
	c.failErr = err
}

func (c *countingAdapter) SetItem(ctx context.Context, key, value string) error {
	c.mu.Lock()
	c.writes[key]++
	if key == c.failKey && c.failLeft > 0 {
		c.failLeft--
		err := c.failErr
		c.mu.Unlock()
		return fmt.Errorf("injected failure for %q: %w", key, err)
	}
	c.mu.Unlock()
	return c.MemoryAdapter.SetItem(ctx, key, value)
}

var _ storage.Adapter = (*countingAdapter)(nil)

// countingLocks wraps the in-process lock table and counts acquires and
// releases.
type countingLocks struct {
	*InProcessLocks
	mu       sync.Mutex
	acquires int
	releases int
}

func (c *countingLocks) Acquire(id string) bool {
	ok := c.InProcessLocks.Acquire(id)
	if ok {
		c.mu.Lock()
		c.acquires++
		c.mu.Unlock()
	}
	return ok
}

func (c *countingLocks) Release(id string) {
	c.mu.Lock()
	c.releases++
	c.mu.Unlock()
	c.InProcessLocks.Release(id)
}

func (c *countingLocks) count(field *int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *field
}

var _ LockService = (*countingLocks)(nil)
