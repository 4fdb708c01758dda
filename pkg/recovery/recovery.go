// Package recovery repairs corrupted target stores after the fact. It is
// independent of the migration flow: callers invoke it when a storage
// operation fails with a classified storage error.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kvmigrate/pkg/storage"
)

// Strategy names the repair approach chosen for an error kind.
type Strategy string

const (
	StrategyValidateAndRepair Strategy = "validate_and_repair"
	StrategyCleanupAndRebuild Strategy = "cleanup_and_rebuild"
	StrategyResetAndMigrate   Strategy = "reset_and_migrate"
)

// Reserved key prefixes. Backup keys hold last-known-good copies written by
// the application; quarantined keys preserve unrepairable records for manual
// inspection without participating in normal reads.
const (
	BackupPrefix     = "backup:"
	QuarantinePrefix = "quarantine:"
)

// Validator checks one value's structural integrity for its key namespace.
type Validator func(value string) error

// Config holds recovery configuration.
type Config struct {
	// Validators by key prefix; keys without a matching prefix use
	// DefaultValidator.
	Validators       map[string]Validator
	DefaultValidator Validator
	// CriticalKeys survive CLEANUP_AND_REBUILD.
	CriticalKeys []string
	// BreakerThreshold failures inside BreakerWindow open the circuit
	// breaker.
	BreakerThreshold int
	BreakerWindow    time.Duration
	Log              *logrus.Logger
}

// DefaultConfig returns default recovery configuration: JSON structural
// validation, 3 failures per 5 minutes to open the breaker.
func DefaultConfig() Config {
	return Config{
		DefaultValidator: ValidateJSON,
		BreakerThreshold: 3,
		BreakerWindow:    5 * time.Minute,
	}
}

// ValidateJSON is the minimal structural check: the value must be valid JSON.
func ValidateJSON(value string) error {
	if !json.Valid([]byte(value)) {
		return fmt.Errorf("value is not valid JSON")
	}
	return nil
}

// Result reports the outcome of one repair invocation.
type Result struct {
	Strategy                  Strategy      `json:"strategy"`
	Escalated                 bool          `json:"escalated"`
	Repaired                  []string      `json:"repaired,omitempty"`
	Quarantined               []string      `json:"quarantined,omitempty"`
	Removed                   []string      `json:"removed,omitempty"`
	Preserved                 []string      `json:"preserved,omitempty"`
	CircuitBreakerOpen        bool          `json:"circuit_breaker_open"`
	CircuitBreakerResetTimeMs int64         `json:"circuit_breaker_reset_time_ms,omitempty"`
	Duration                  time.Duration `json:"duration"`
}

// Repairer runs repair strategies against a target adapter.
type Repairer struct {
	mu       sync.Mutex
	target   storage.Adapter
	config   Config
	log      *logrus.Logger
	failures []time.Time
}

// NewRepairer creates a repairer for the given target store.
func NewRepairer(target storage.Adapter, cfg Config) *Repairer {
	if cfg.DefaultValidator == nil {
		cfg.DefaultValidator = ValidateJSON
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 3
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = 5 * time.Minute
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}

	return &Repairer{
		target: target,
		config: cfg,
		log:    cfg.Log,
	}
}

// StrategyFor maps a storage error kind to its repair strategy.
func StrategyFor(kind storage.ErrorKind) Strategy {
	switch kind {
	case storage.KindQuotaExceeded:
		return StrategyCleanupAndRebuild
	case storage.KindAccessDenied:
		return StrategyResetAndMigrate
	default:
		return StrategyValidateAndRepair
	}
}

// RepairCorruption selects a strategy from the triggering error and runs it,
// escalating once to RESET_AND_MIGRATE when the first strategy fails. An open
// circuit breaker short-circuits the call without attempting any repair.
func (r *Repairer) RepairCorruption(ctx context.Context, trigger error) (*Result, error) {
	if open, resetIn := r.breakerState(); open {
		r.log.WithField("reset_in", resetIn).Warn("recovery short-circuited, circuit breaker open")
		return &Result{
			CircuitBreakerOpen:        true,
			CircuitBreakerResetTimeMs: resetIn.Milliseconds(),
		}, nil
	}

	start := time.Now()
	strategy := StrategyFor(storage.ClassifyError(trigger))

	result, err := r.runStrategy(ctx, strategy)
	if err != nil && strategy != StrategyResetAndMigrate {
		r.log.WithError(err).WithField("strategy", strategy).Warn("repair strategy failed, escalating")
		result, err = r.runStrategy(ctx, StrategyResetAndMigrate)
		if result != nil {
			result.Escalated = true
		}
	}

	if err != nil {
		r.recordFailure()
		return nil, fmt.Errorf("recovery failed: %w", err)
	}

	result.Strategy = strategy
	if result.Escalated {
		result.Strategy = StrategyResetAndMigrate
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (r *Repairer) runStrategy(ctx context.Context, strategy Strategy) (*Result, error) {
	switch strategy {
	case StrategyCleanupAndRebuild:
		return r.cleanupAndRebuild(ctx)
	case StrategyResetAndMigrate:
		return r.resetAndMigrate(ctx)
	default:
		return r.validateAndRepair(ctx)
	}
}

// validateAndRepair checks every key's value against its namespace validator.
// Failing keys are restored from their backup copy when one validates, else
// quarantined and removed from the live namespace.
func (r *Repairer) validateAndRepair(ctx context.Context) (*Result, error) {
	keys, err := r.target.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list target keys: %w", err)
	}

	result := &Result{}
	for _, key := range keys {
		if strings.HasPrefix(key, BackupPrefix) || strings.HasPrefix(key, QuarantinePrefix) {
			continue
		}

		value, err := r.target.GetItem(ctx, key)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %q: %w", key, err)
		}

		if r.validatorFor(key)(value) == nil {
			continue
		}

		if r.restoreFromBackup(ctx, key) {
			result.Repaired = append(result.Repaired, key)
			continue
		}

		if err := r.quarantine(ctx, key, value); err != nil {
			return nil, err
		}
		result.Quarantined = append(result.Quarantined, key)
	}

	return result, nil
}

// cleanupAndRebuild preserves the configured allow-list of critical keys and
// discards everything else to escape a quota condition.
func (r *Repairer) cleanupAndRebuild(ctx context.Context) (*Result, error) {
	keys, err := r.target.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list target keys: %w", err)
	}

	critical := make(map[string]struct{}, len(r.config.CriticalKeys))
	for _, key := range r.config.CriticalKeys {
		critical[key] = struct{}{}
	}

	result := &Result{}
	for _, key := range keys {
		if _, ok := critical[key]; ok {
			result.Preserved = append(result.Preserved, key)
			continue
		}
		if err := r.target.RemoveItem(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to remove %q: %w", key, err)
		}
		result.Removed = append(result.Removed, key)
	}

	return result, nil
}

// resetAndMigrate treats the store as unrecoverable in place: preservable
// (still valid) keys are read out, the store is cleared, and the preserved
// keys are written back.
func (r *Repairer) resetAndMigrate(ctx context.Context) (*Result, error) {
	keys, err := r.target.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list target keys: %w", err)
	}

	preserved := make([]storage.Entry, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, QuarantinePrefix) {
			continue
		}
		value, err := r.target.GetItem(ctx, key)
		if err != nil {
			continue
		}
		if r.validatorFor(key)(value) == nil {
			preserved = append(preserved, storage.Entry{Key: key, Value: value})
		}
	}

	if err := r.target.Clear(ctx); err != nil {
		return nil, fmt.Errorf("failed to reset store: %w", err)
	}

	result := &Result{}
	for _, entry := range preserved {
		if err := r.target.SetItem(ctx, entry.Key, entry.Value); err != nil {
			return nil, fmt.Errorf("failed to restore %q: %w", entry.Key, err)
		}
		result.Preserved = append(result.Preserved, entry.Key)
	}

	return result, nil
}

// restoreFromBackup replaces key's value from its backup copy when the backup
// validates.
func (r *Repairer) restoreFromBackup(ctx context.Context, key string) bool {
	backup, err := r.target.GetItem(ctx, BackupPrefix+key)
	if err != nil {
		return false
	}
	if r.validatorFor(key)(backup) != nil {
		return false
	}
	if err := r.target.SetItem(ctx, key, backup); err != nil {
		return false
	}
	r.log.WithField("key", key).Info("restored key from backup")
	return true
}

// quarantine moves an unrepairable record under the reserved prefix.
func (r *Repairer) quarantine(ctx context.Context, key, value string) error {
	if err := r.target.SetItem(ctx, QuarantinePrefix+key, value); err != nil {
		return fmt.Errorf("failed to quarantine %q: %w", key, err)
	}
	if err := r.target.RemoveItem(ctx, key); err != nil {
		return fmt.Errorf("failed to remove %q after quarantine: %w", key, err)
	}
	r.log.WithField("key", key).Warn("quarantined unrepairable key")
	return nil
}

func (r *Repairer) validatorFor(key string) Validator {
	for prefix, v := range r.config.Validators {
		if strings.HasPrefix(key, prefix) {
			return v
		}
	}
	return r.config.DefaultValidator
}

// recordFailure notes a failed recovery attempt for the breaker window.
func (r *Repairer) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	r.failures = append(r.failures, time.Now())
}

// breakerState reports whether the breaker is open and how long until it
// resets.
func (r *Repairer) breakerState() (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	if len(r.failures) < r.config.BreakerThreshold {
		return false, 0
	}

	oldest := r.failures[len(r.failures)-r.config.BreakerThreshold]
	resetIn := r.config.BreakerWindow - time.Since(oldest)
	if resetIn < 0 {
		resetIn = 0
	}
	return true, resetIn
}

func (r *Repairer) pruneLocked() {
	cutoff := time.Now().Add(-r.config.BreakerWindow)
	kept := r.failures[:0]
	for _, t := range r.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.failures = kept
}
