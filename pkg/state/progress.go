// Package state persists migration progress so an interrupted run resumes
// instead of restarting.
package state

import (
	"sort"
	"sync"
	"time"
)

// Phase labels for the persisted record live here so the progress store does
// not depend on the orchestrator package.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseClassifying  Phase = "classifying"
	PhaseCritical     Phase = "critical"
	PhaseImportant    Phase = "important"
	PhaseBackground   Phase = "background"
	PhaseCompleting   Phase = "completing"
	PhaseCompleted    Phase = "completed"
	PhasePaused       Phase = "paused"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// ItemError records one failed key migration.
type ItemError struct {
	Key       string    `json:"key"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Progress is the durable record of one migration run. Processed and
// remaining keys partition the classified key set: a key is in exactly one of
// the two.
type Progress struct {
	mu sync.RWMutex

	MigrationID    string
	Phase          Phase
	processedKeys  map[string]struct{}
	remainingKeys  map[string]struct{}
	failedKeys     map[string]ItemError
	TotalSize      int64
	ProcessedSize  int64
	StartTime      time.Time
	LastUpdateTime time.Time
	Errors         []ItemError
}

// NewProgress creates a progress record covering the given classified keys,
// all initially remaining.
func NewProgress(migrationID string, keys []string, totalSize int64) *Progress {
	remaining := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		remaining[key] = struct{}{}
	}

	now := time.Now()
	return &Progress{
		MigrationID:    migrationID,
		Phase:          PhaseInitializing,
		processedKeys:  make(map[string]struct{}),
		remainingKeys:  remaining,
		failedKeys:     make(map[string]ItemError),
		TotalSize:      totalSize,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// MarkProcessed moves key from remaining to processed and accumulates its
// size.
func (p *Progress) MarkProcessed(key string, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.processedKeys[key]; ok {
		return
	}
	delete(p.remainingKeys, key)
	p.processedKeys[key] = struct{}{}
	p.ProcessedSize += size
	p.LastUpdateTime = time.Now()
}

// MarkFailed records a permanently failed key. The key also counts as
// processed so the run can complete around it.
func (p *Progress) MarkFailed(key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := ItemError{Key: key, Error: err.Error(), Timestamp: time.Now()}
	p.failedKeys[key] = item
	p.Errors = append(p.Errors, item)
	delete(p.remainingKeys, key)
	p.processedKeys[key] = struct{}{}
	p.LastUpdateTime = time.Now()
}

// SetPhase updates the persisted phase.
func (p *Progress) SetPhase(phase Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Phase = phase
	p.LastUpdateTime = time.Now()
}

// CurrentPhase returns the persisted phase.
func (p *Progress) CurrentPhase() Phase {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Phase
}

// IsProcessed reports whether key has already been migrated.
func (p *Progress) IsProcessed(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.processedKeys[key]
	return ok
}

// IsFailed reports whether key exhausted its retries.
func (p *Progress) IsFailed(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.failedKeys[key]
	return ok
}

// ProcessedCount returns the number of processed keys.
func (p *Progress) ProcessedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.processedKeys)
}

// RemainingCount returns the number of keys still to migrate.
func (p *Progress) RemainingCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.remainingKeys)
}

// TotalCount returns the size of the classified key set.
func (p *Progress) TotalCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.processedKeys) + len(p.remainingKeys)
}

// ProcessedKeys returns the processed keys, sorted.
func (p *Progress) ProcessedKeys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.processedKeys)
}

// RemainingKeys returns the remaining keys, sorted.
func (p *Progress) RemainingKeys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.remainingKeys)
}

// FailedKeys returns a copy of the failed-key records.
func (p *Progress) FailedKeys() map[string]ItemError {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]ItemError, len(p.failedKeys))
	for k, v := range p.failedKeys {
		out[k] = v
	}
	return out
}

// Snapshot returns a consistent serializable view of the record.
func (p *Progress) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	failed := make(map[string]ItemError, len(p.failedKeys))
	for k, v := range p.failedKeys {
		failed[k] = v
	}

	return Snapshot{
		MigrationID:    p.MigrationID,
		Phase:          p.Phase,
		ProcessedKeys:  sortedKeys(p.processedKeys),
		RemainingKeys:  sortedKeys(p.remainingKeys),
		FailedKeys:     failed,
		TotalSize:      p.TotalSize,
		ProcessedSize:  p.ProcessedSize,
		StartTime:      p.StartTime,
		LastUpdateTime: p.LastUpdateTime,
		Errors:         append([]ItemError(nil), p.Errors...),
	}
}

// Snapshot is the JSON shape of a progress record.
type Snapshot struct {
	MigrationID    string               `json:"migration_id"`
	Phase          Phase                `json:"phase"`
	ProcessedKeys  []string             `json:"processed_keys"`
	RemainingKeys  []string             `json:"remaining_keys"`
	FailedKeys     map[string]ItemError `json:"failed_keys,omitempty"`
	TotalSize      int64                `json:"total_size"`
	ProcessedSize  int64                `json:"processed_size"`
	StartTime      time.Time            `json:"start_time"`
	LastUpdateTime time.Time            `json:"last_update_time"`
	Errors         []ItemError          `json:"errors,omitempty"`
}

// Restore rebuilds a Progress from a validated snapshot.
func Restore(snap Snapshot) *Progress {
	processed := make(map[string]struct{}, len(snap.ProcessedKeys))
	for _, key := range snap.ProcessedKeys {
		processed[key] = struct{}{}
	}
	remaining := make(map[string]struct{}, len(snap.RemainingKeys))
	for _, key := range snap.RemainingKeys {
		remaining[key] = struct{}{}
	}
	failed := make(map[string]ItemError, len(snap.FailedKeys))
	for k, v := range snap.FailedKeys {
		failed[k] = v
	}

	return &Progress{
		MigrationID:    snap.MigrationID,
		Phase:          snap.Phase,
		processedKeys:  processed,
		remainingKeys:  remaining,
		failedKeys:     failed,
		TotalSize:      snap.TotalSize,
		ProcessedSize:  snap.ProcessedSize,
		StartTime:      snap.StartTime,
		LastUpdateTime: snap.LastUpdateTime,
		Errors:         append([]ItemError(nil), snap.Errors...),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
