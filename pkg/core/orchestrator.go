// Package core drives the phased migration of a key-value dataset from a
// source adapter to a target adapter.
//
// Ordering: critical keys migrate synchronously inside Start (bounded by a
// timeout), important and background keys are handed to the idle-time
// scheduler in bucket order and the call returns. Progress is checkpointed so
// an interrupted run resumes instead of restarting.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kvmigrate/pkg/adaptive"
	"kvmigrate/pkg/classify"
	"kvmigrate/pkg/retry"
	"kvmigrate/pkg/scheduler"
	"kvmigrate/pkg/state"
	"kvmigrate/pkg/storage"
	"kvmigrate/pkg/structures"
)

// Scheduler task priorities per bucket. Critical leftovers (after the
// critical-phase timeout) outrank everything else in the queue.
const (
	taskPriorityCriticalSpill = 0
	taskPriorityImportant     = 10
	taskPriorityBackground    = 20
)

// Config holds orchestrator configuration. Source and Target are required;
// every other field has a documented default.
type Config struct {
	Source storage.Adapter
	Target storage.Adapter

	// MigrationID identifies the source/target pair for locking and progress
	// persistence. Defaults to "<source>_to_<target>".
	MigrationID string

	// Classifier buckets source keys. A fresh classifier with
	// ClassifierContext is created when nil.
	Classifier        *classify.Classifier
	ClassifierContext classify.Context

	// Scheduler runs important/background batches. Created from
	// SchedulerConfig when nil.
	Scheduler       *scheduler.Scheduler
	SchedulerConfig scheduler.Config

	// Memory recommends batch chunk sizes. Optional.
	Memory *adaptive.Monitor

	// ProgressStore persists checkpoint records. Required when
	// EnablePersistence is set.
	ProgressStore     *state.Store
	EnablePersistence bool
	// PersistInterval throttles checkpoint writes. Default 2s.
	PersistInterval time.Duration
	// AutoResume loads a prior record instead of reclassifying processed
	// keys. Default true when persistence is enabled.
	AutoResume bool

	// Retry wraps each item migration. Defaults to retry.DefaultConfig.
	Retry retry.Config

	// CriticalTimeout bounds the blocking critical phase. On expiry the
	// orchestrator records a warning and defers leftovers to the scheduler.
	// Default 5s.
	CriticalTimeout time.Duration
	// CriticalBatchSize is the batch size for the blocking phase. Default 20.
	CriticalBatchSize int
	// BackgroundBatchSize is the fallback batch size for idle-scheduled
	// phases when no memory monitor is configured. Default 10.
	BackgroundBatchSize int
	// EstimatedItemDuration sizes scheduler task estimates. Default 5ms.
	EstimatedItemDuration time.Duration

	// Locks serializes migrations per MigrationID. Defaults to an in-process
	// lock table.
	Locks LockService

	Log *logrus.Logger
}

func (c *Config) applyDefaults() error {
	if c.Source == nil || c.Target == nil {
		return fmt.Errorf("orchestrator requires source and target adapters")
	}
	if c.MigrationID == "" {
		c.MigrationID = fmt.Sprintf("%s_to_%s", c.Source.BackendName(), c.Target.BackendName())
	}
	if c.Classifier == nil {
		c.Classifier = classify.NewClassifier(c.ClassifierContext)
	}
	if c.Log == nil {
		c.Log = logrus.New()
	}
	if c.Scheduler == nil {
		schedCfg := c.SchedulerConfig
		if schedCfg.Log == nil {
			schedCfg.Log = c.Log
		}
		c.Scheduler = scheduler.New(schedCfg)
	}
	if c.EnablePersistence && c.ProgressStore == nil {
		return fmt.Errorf("persistence enabled without a progress store")
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = 2 * time.Second
	}
	if c.Retry.MaxRetries == 0 && c.Retry.InitialDelay == 0 {
		c.Retry = retry.DefaultConfig()
	}
	if c.CriticalTimeout <= 0 {
		c.CriticalTimeout = 5 * time.Second
	}
	if c.CriticalBatchSize <= 0 {
		c.CriticalBatchSize = 20
	}
	if c.BackgroundBatchSize <= 0 {
		c.BackgroundBatchSize = 10
	}
	if c.EstimatedItemDuration <= 0 {
		c.EstimatedItemDuration = 5 * time.Millisecond
	}
	if c.Locks == nil {
		c.Locks = NewInProcessLocks()
	}
	return nil
}

// Orchestrator runs one migration at a time against its source/target pair.
type Orchestrator struct {
	mu     sync.Mutex
	config Config
	log    *logrus.Logger

	runID        string
	progress     *state.Progress
	criticalKeys map[string]struct{}
	callbacks    Callbacks

	paused       bool
	cancelled    bool
	active       bool
	warnings     []string
	pendingTasks map[string]int // scheduler tasks outstanding per bucket

	batchWindow *structures.DurationWindow
	lastPersist time.Time
	chunkSize   int
	finishOnce  *sync.Once
}

// NewOrchestrator creates a migration orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		config:      cfg,
		log:         cfg.Log,
		chunkSize:   cfg.BackgroundBatchSize,
		batchWindow: structures.NewDurationWindow(10),
	}

	if cfg.Memory != nil {
		cfg.Memory.Subscribe(func(event adaptive.Event) {
			o.mu.Lock()
			o.chunkSize = event.RecommendedChunkSize
			o.mu.Unlock()
		})
	}

	return o, nil
}

// Start begins (or resumes) the migration. The critical bucket is migrated
// before Start returns; important and background buckets continue on the
// idle-time scheduler. A second Start while a run is active fails fast with a
// lock-held error.
func (o *Orchestrator) Start(ctx context.Context, callbacks Callbacks) error {
	if !o.config.Locks.Acquire(o.config.MigrationID) {
		return fmt.Errorf("migration %q already running: %w", o.config.MigrationID, storage.ErrLockHeld)
	}

	// Held past Start for the async phases. Terminal transitions release it
	// through finishRun; the deferred call covers runs that end inside Start
	// and is a no-op when finishRun already ran.
	defer func() {
		if !o.isActive() {
			o.finishRun()
		}
	}()

	o.mu.Lock()
	o.runID = uuid.New().String()
	o.callbacks = callbacks
	o.paused = false
	o.cancelled = false
	o.active = true
	o.warnings = nil
	o.batchWindow.Reset()
	o.pendingTasks = map[string]int{}
	o.finishOnce = &sync.Once{}
	o.mu.Unlock()

	o.setPhase(PhaseInitializing)

	resumed, err := o.loadOrCreateProgress(ctx)
	if err != nil {
		o.fail(fmt.Errorf("failed to initialize migration: %w", err))
		return err
	}

	classifications, err := o.classifySource(ctx, resumed)
	if err != nil {
		o.fail(fmt.Errorf("classification failed: %w", err))
		return err
	}

	var critical, important, background []classify.Classification
	for _, c := range classifications {
		if o.progress.IsProcessed(c.Key) {
			continue
		}
		switch c.Priority {
		case classify.PriorityCritical:
			critical = append(critical, c)
		case classify.PriorityImportant:
			important = append(important, c)
		default:
			background = append(background, c)
		}
	}

	o.log.WithFields(logrus.Fields{
		"migration_id": o.config.MigrationID,
		"run_id":       o.runID,
		"critical":     len(critical),
		"important":    len(important),
		"background":   len(background),
		"resumed":      resumed,
	}).Info("migration classified")

	// Blocking phase: critical data back-to-back within the timeout budget.
	o.setPhase(PhaseCritical)
	spill := o.processCritical(ctx, critical)

	if o.isCancelled() {
		return nil
	}

	// Idle-scheduled phases. Phase changes fire before the bucket's work is
	// dispatched; completion of the queue drives the final transitions.
	o.setPhase(PhaseImportant)
	o.enqueueBucket("critical", spill, taskPriorityCriticalSpill)
	o.enqueueBucket("important", important, taskPriorityImportant)

	o.mu.Lock()
	importantPending := o.pendingTasks["important"] + o.pendingTasks["critical"]
	o.mu.Unlock()
	if importantPending == 0 {
		o.setPhase(PhaseBackground)
	}
	o.enqueueBucket("background", background, taskPriorityBackground)

	o.checkCompletion()
	return nil
}

// loadOrCreateProgress loads a resumable record when auto-resume applies,
// otherwise creates a fresh one. Returns whether a prior record was loaded.
func (o *Orchestrator) loadOrCreateProgress(ctx context.Context) (bool, error) {
	if o.config.EnablePersistence && o.config.AutoResume {
		prior, err := o.config.ProgressStore.Load(ctx, o.config.MigrationID)
		if err != nil {
			return false, err
		}
		if prior != nil {
			o.mu.Lock()
			o.progress = prior
			o.mu.Unlock()
			o.log.WithFields(logrus.Fields{
				"migration_id": o.config.MigrationID,
				"processed":    prior.ProcessedCount(),
				"remaining":    prior.RemainingCount(),
			}).Info("resuming prior migration")
			return true, nil
		}
	}

	o.mu.Lock()
	o.progress = state.NewProgress(o.config.MigrationID, nil, 0)
	o.mu.Unlock()
	return false, nil
}

// classifySource reads every source key's size and buckets the key set. On
// a fresh run the progress record is initialized from the classified set; on
// resume the prior partition is kept.
func (o *Orchestrator) classifySource(ctx context.Context, resumed bool) ([]classify.Classification, error) {
	o.setPhase(PhaseClassifying)

	keys, err := o.config.Source.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list source keys: %w", err)
	}

	entries := make(map[string]int64, len(keys))
	var totalSize int64
	for _, key := range keys {
		value, err := o.config.Source.GetItem(ctx, key)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read source key %q: %w", key, err)
		}
		entries[key] = int64(len(value))
		totalSize += int64(len(value))
	}

	classifications := o.config.Classifier.ClassifyAndSort(entries)

	criticalKeys := make(map[string]struct{})
	for _, c := range classifications {
		if c.Priority == classify.PriorityCritical {
			criticalKeys[c.Key] = struct{}{}
		}
	}

	o.mu.Lock()
	o.criticalKeys = criticalKeys
	if !resumed {
		allKeys := make([]string, 0, len(classifications))
		for _, c := range classifications {
			allKeys = append(allKeys, c.Key)
		}
		o.progress = state.NewProgress(o.config.MigrationID, allKeys, totalSize)
	}
	o.mu.Unlock()

	return classifications, nil
}

// processCritical migrates the critical bucket synchronously, back-to-back,
// bounded by CriticalTimeout. Returns the unprocessed leftover when the
// budget expires.
func (o *Orchestrator) processCritical(ctx context.Context, critical []classify.Classification) []classify.Classification {
	if len(critical) == 0 {
		return nil
	}

	deadline := time.Now().Add(o.config.CriticalTimeout)

	for start := 0; start < len(critical); start += o.config.CriticalBatchSize {
		if o.isCancelled() {
			return nil
		}
		o.waitWhilePaused()

		if time.Now().After(deadline) {
			leftover := critical[start:]
			o.addWarning(fmt.Sprintf("critical phase timed out after %s with %d keys deferred", o.config.CriticalTimeout, len(leftover)))
			o.log.WithField("deferred", len(leftover)).Warn("critical phase timeout, deferring leftovers to scheduler")
			return leftover
		}

		end := start + o.config.CriticalBatchSize
		if end > len(critical) {
			end = len(critical)
		}
		o.processBatch(ctx, critical[start:end])
	}

	return nil
}

// enqueueBucket wraps a bucket into chunk-sized scheduler tasks.
func (o *Orchestrator) enqueueBucket(bucket string, items []classify.Classification, priority int) {
	if len(items) == 0 {
		return
	}

	o.mu.Lock()
	chunk := o.chunkSize
	o.mu.Unlock()
	if chunk <= 0 {
		chunk = o.config.BackgroundBatchSize
	}

	for start := 0; start < len(items); start += chunk {
		end := start + chunk
		if end > len(items) {
			end = len(items)
		}
		o.enqueueBatchTask(bucket, items[start:end], priority)
	}
}

func (o *Orchestrator) enqueueBatchTask(bucket string, batch []classify.Classification, priority int) {
	o.mu.Lock()
	o.pendingTasks[bucket]++
	o.mu.Unlock()

	o.config.Scheduler.AddTask(scheduler.Task{
		ID:                uuid.New().String(),
		Name:              fmt.Sprintf("migrate_%s_batch", bucket),
		Priority:          priority,
		EstimatedDuration: time.Duration(len(batch)) * o.config.EstimatedItemDuration,
		Run: func(ctx context.Context) error {
			o.runBatchTask(ctx, bucket, batch, priority)
			return nil
		},
	})
}

// runBatchTask migrates one scheduled batch. Pause and cancel are applied
// between items: the unprocessed remainder is re-queued at the front of its
// bucket so in-bucket ordering survives.
func (o *Orchestrator) runBatchTask(ctx context.Context, bucket string, batch []classify.Classification, priority int) {
	defer func() {
		o.mu.Lock()
		o.pendingTasks[bucket]--
		importantDone := o.pendingTasks["important"]+o.pendingTasks["critical"] == 0
		phase := o.progress.CurrentPhase()
		o.mu.Unlock()

		if importantDone && phase == PhaseImportant && !o.isCancelled() {
			o.setPhase(PhaseBackground)
		}
		o.checkCompletion()
	}()

	start := time.Now()

	for i, item := range batch {
		if o.isCancelled() {
			return
		}
		if o.isPaused() {
			o.enqueueBatchTask(bucket, batch[i:], priority-1)
			return
		}
		o.migrateItem(ctx, item)
	}

	o.recordBatch(time.Since(start))
	o.persistIfDue(ctx, false)
	o.emitProgress()
}

// processBatch migrates a batch synchronously (critical phase).
func (o *Orchestrator) processBatch(ctx context.Context, batch []classify.Classification) {
	start := time.Now()

	for _, item := range batch {
		if o.isCancelled() {
			return
		}
		o.waitWhilePaused()
		o.migrateItem(ctx, item)
	}

	o.recordBatch(time.Since(start))
	o.persistIfDue(ctx, false)
	o.emitProgress()
}

// migrateItem copies one key through the retry policy. The target is written
// only after the source value was read successfully, so a key is never
// clobbered without a readable prior value. Permanent failure records the key
// and the run continues.
func (o *Orchestrator) migrateItem(ctx context.Context, item classify.Classification) {
	err := retry.Do(ctx, o.config.Retry, func(ctx context.Context) error {
		value, err := o.config.Source.GetItem(ctx, item.Key)
		if err != nil {
			if storage.IsNotFound(err) {
				// Deleted from the source mid-migration; nothing to copy.
				return nil
			}
			return fmt.Errorf("read %q: %w", item.Key, err)
		}
		if err := o.config.Target.SetItem(ctx, item.Key, value); err != nil {
			return fmt.Errorf("write %q: %w", item.Key, err)
		}
		return nil
	})

	if err != nil {
		o.log.WithField("key", item.Key).WithError(err).Warn("key migration failed permanently")
		o.progress.MarkFailed(item.Key, err)
		return
	}

	o.progress.MarkProcessed(item.Key, item.EstimatedSize)
}

// Pause suspends processing and checkpoints progress. The persisted record
// survives a pause.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	if o.paused || !o.active {
		o.mu.Unlock()
		return
	}
	o.paused = true
	callbacks := o.callbacks
	o.mu.Unlock()

	o.config.Scheduler.PauseProcessing()
	o.persistIfDue(context.Background(), true)

	o.log.WithField("migration_id", o.config.MigrationID).Info("migration paused")
	if callbacks.OnPaused != nil {
		callbacks.OnPaused()
	}
}

// Resume restores processing after Pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if !o.paused {
		o.mu.Unlock()
		return
	}
	o.paused = false
	callbacks := o.callbacks
	o.mu.Unlock()

	o.config.Scheduler.ResumeProcessing()

	o.log.WithField("migration_id", o.config.MigrationID).Info("migration resumed")
	if callbacks.OnResumed != nil {
		callbacks.OnResumed()
	}
}

// Cancel stops the run, discards queued work and removes the persisted
// progress record. Already migrated keys stay in the target; cancellation is
// not an error and never reaches OnError.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	if o.cancelled || !o.active {
		o.mu.Unlock()
		return
	}
	o.cancelled = true
	callbacks := o.callbacks
	o.mu.Unlock()

	o.config.Scheduler.StopProcessing()

	if o.config.EnablePersistence {
		if err := o.config.ProgressStore.Clear(context.Background(), o.config.MigrationID); err != nil {
			o.log.WithError(err).Warn("failed to clear progress record on cancel")
		}
	}

	o.progress.SetPhase(PhaseCancelled)
	o.finishRun()

	o.log.WithField("migration_id", o.config.MigrationID).Info("migration cancelled")
	if callbacks.OnCancelled != nil {
		callbacks.OnCancelled()
	}
}

// SetVisible relays the tab-visibility signal to the scheduler.
func (o *Orchestrator) SetVisible(visible bool) {
	o.config.Scheduler.SetVisible(visible)
}

// Status returns a snapshot of the run.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.progress == nil {
		return Status{MigrationID: o.config.MigrationID, Phase: PhaseInitializing}
	}

	snap := o.progress.Snapshot()
	total := len(snap.ProcessedKeys) + len(snap.RemainingKeys)

	status := Status{
		MigrationID:   o.config.MigrationID,
		RunID:         o.runID,
		Phase:         snap.Phase,
		TotalKeys:     total,
		ProcessedKeys: len(snap.ProcessedKeys),
		FailedKeys:    len(snap.FailedKeys),
		TotalSize:     snap.TotalSize,
		ProcessedSize: snap.ProcessedSize,
		StartTime:     snap.StartTime,
		Warnings:      append([]string(nil), o.warnings...),
	}

	if o.paused && !isTerminal(snap.Phase) {
		status.Phase = PhasePaused
	}

	if total > 0 {
		status.Percentage = float64(len(snap.ProcessedKeys)) / float64(total) * 100
	}

	status.CriticalComplete = true
	for key := range o.criticalKeys {
		if !containsKey(snap.ProcessedKeys, key) {
			status.CriticalComplete = false
			break
		}
	}

	status.ETA = o.estimateRemainingLocked(len(snap.RemainingKeys))
	return status
}

// estimateRemainingLocked derives an ETA from the rolling average batch
// duration times the remaining batch count.
func (o *Orchestrator) estimateRemainingLocked(remaining int) time.Duration {
	avg := o.batchWindow.Average()
	if remaining == 0 || avg == 0 {
		return 0
	}

	chunk := o.chunkSize
	if chunk <= 0 {
		chunk = 1
	}
	batches := (remaining + chunk - 1) / chunk
	return avg * time.Duration(batches)
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.mu.Lock()
	callbacks := o.callbacks
	if o.progress != nil {
		o.progress.SetPhase(phase)
	}
	o.mu.Unlock()

	o.log.WithFields(logrus.Fields{
		"migration_id": o.config.MigrationID,
		"phase":        phase,
	}).Debug("phase transition")

	callbacks.phaseChange(phase)
}

// checkCompletion finishes the run once every classified key is processed.
func (o *Orchestrator) checkCompletion() {
	o.mu.Lock()
	done := o.active && !o.cancelled && o.progress != nil &&
		o.progress.RemainingCount() == 0
	pending := 0
	for _, n := range o.pendingTasks {
		pending += n
	}
	callbacks := o.callbacks
	o.mu.Unlock()

	if !done || pending > 0 {
		return
	}

	o.setPhase(PhaseCompleting)

	if o.config.EnablePersistence {
		if err := o.config.ProgressStore.Clear(context.Background(), o.config.MigrationID); err != nil {
			o.log.WithError(err).Warn("failed to clear progress record on completion")
		}
	}

	o.setPhase(PhaseCompleted)
	o.finishRun()

	status := o.Status()
	o.log.WithFields(logrus.Fields{
		"migration_id": o.config.MigrationID,
		"processed":    status.ProcessedKeys,
		"failed":       status.FailedKeys,
	}).Info("migration completed")

	if callbacks.OnComplete != nil {
		callbacks.OnComplete(status)
	}
}

// fail transitions to FAILED. The progress record is deliberately kept for
// manual recovery.
func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	callbacks := o.callbacks
	o.mu.Unlock()

	if o.progress != nil {
		o.progress.SetPhase(PhaseFailed)
	}
	o.finishRun()

	o.log.WithError(err).Error("migration failed")
	callbacks.failed(err)
}

// finishRun releases the migration lock once per run.
func (o *Orchestrator) finishRun() {
	o.mu.Lock()
	once := o.finishOnce
	o.mu.Unlock()

	if once == nil {
		return
	}
	once.Do(func() {
		o.mu.Lock()
		o.active = false
		o.mu.Unlock()
		o.config.Locks.Release(o.config.MigrationID)
	})
}

func (o *Orchestrator) emitProgress() {
	o.mu.Lock()
	callbacks := o.callbacks
	o.mu.Unlock()
	callbacks.progress(o.Status())
}

func (o *Orchestrator) persistIfDue(ctx context.Context, force bool) {
	if !o.config.EnablePersistence {
		return
	}

	o.mu.Lock()
	due := force || time.Since(o.lastPersist) >= o.config.PersistInterval
	if due {
		o.lastPersist = time.Now()
	}
	progress := o.progress
	o.mu.Unlock()

	if !due || progress == nil {
		return
	}

	if err := o.config.ProgressStore.Save(ctx, progress); err != nil {
		o.log.WithError(err).Warn("failed to checkpoint progress")
	}
}

func (o *Orchestrator) recordBatch(d time.Duration) {
	o.batchWindow.Add(d)
}

func (o *Orchestrator) addWarning(w string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.warnings = append(o.warnings, w)
}

func (o *Orchestrator) isCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

func (o *Orchestrator) isPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

func (o *Orchestrator) isActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// waitWhilePaused polls until the pause clears or the run is cancelled.
func (o *Orchestrator) waitWhilePaused() {
	for o.isPaused() && !o.isCancelled() {
		time.Sleep(20 * time.Millisecond)
	}
}

func isTerminal(phase Phase) bool {
	return phase == PhaseCompleted || phase == PhaseFailed || phase == PhaseCancelled
}

func containsKey(sorted []string, key string) bool {
	for _, k := range sorted {
		if k == key {
			return true
		}
	}
	return false
}
