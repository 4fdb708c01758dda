package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"kvmigrate/pkg/storage"
)

// progressKeyPrefix is the reserved namespace for progress records inside the
// backing adapter.
const progressKeyPrefix = "migration_progress_"

// envelopeVersion guards against loading records written by an incompatible
// schema.
const envelopeVersion = 1

// StoreConfig holds configuration for the progress store.
type StoreConfig struct {
	// MaxAge rejects records whose last update is older than this; stale
	// progress is treated as "no resumable progress". Zero disables the
	// check.
	MaxAge time.Duration
	Log    *logrus.Logger
}

// DefaultStoreConfig returns default progress store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxAge: 7 * 24 * time.Hour,
	}
}

// Store reads and writes progress records through a storage adapter.
type Store struct {
	adapter storage.Adapter
	config  StoreConfig
	log     *logrus.Logger
}

// NewStore creates a progress store on top of the given adapter.
func NewStore(adapter storage.Adapter, cfg StoreConfig) *Store {
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	return &Store{
		adapter: adapter,
		config:  cfg,
		log:     cfg.Log,
	}
}

// envelope wraps a snapshot with integrity metadata.
type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

// ProgressKey returns the adapter key a migration's record lives under.
func ProgressKey(migrationID string) string {
	return progressKeyPrefix + migrationID
}

// Save serializes the progress snapshot under the migration's reserved key.
func (s *Store) Save(ctx context.Context, progress *Progress) error {
	snap := progress.Snapshot()

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	env := envelope{
		Version:  envelopeVersion,
		Checksum: checksum(payload),
		Payload:  payload,
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode progress envelope: %w", err)
	}

	if err := s.adapter.SetItem(ctx, ProgressKey(snap.MigrationID), string(raw)); err != nil {
		return fmt.Errorf("failed to persist progress: %w", err)
	}

	return nil
}

// Load returns the persisted progress for migrationID, or nil when there is
// no resumable record. Structurally invalid, checksum-mismatched or stale
// records are rejected (nil, no error) rather than silently applied.
func (s *Store) Load(ctx context.Context, migrationID string) (*Progress, error) {
	raw, err := s.adapter.GetItem(ctx, ProgressKey(migrationID))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.log.WithField("migration_id", migrationID).Warn("rejecting unreadable progress record")
		return nil, nil
	}

	if env.Version != envelopeVersion {
		s.log.WithFields(logrus.Fields{
			"migration_id": migrationID,
			"version":      env.Version,
		}).Warn("rejecting progress record with unknown schema version")
		return nil, nil
	}

	if checksum(env.Payload) != env.Checksum {
		s.log.WithField("migration_id", migrationID).Warn("rejecting progress record with checksum mismatch")
		return nil, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		s.log.WithField("migration_id", migrationID).Warn("rejecting undecodable progress payload")
		return nil, nil
	}

	if snap.MigrationID == "" || snap.Phase == "" || snap.StartTime.IsZero() {
		s.log.WithField("migration_id", migrationID).Warn("rejecting progress record with missing fields")
		return nil, nil
	}

	if s.config.MaxAge > 0 && time.Since(snap.LastUpdateTime) > s.config.MaxAge {
		s.log.WithFields(logrus.Fields{
			"migration_id": migrationID,
			"last_update":  snap.LastUpdateTime,
		}).Warn("rejecting stale progress record")
		return nil, nil
	}

	return Restore(snap), nil
}

// Clear removes the persisted record. Called exactly once, on completion or
// cancellation; paused and failed runs keep their records.
func (s *Store) Clear(ctx context.Context, migrationID string) error {
	if err := s.adapter.RemoveItem(ctx, ProgressKey(migrationID)); err != nil {
		return fmt.Errorf("failed to clear progress: %w", err)
	}
	return nil
}

// Exists reports whether a record is present for migrationID, without
// validating it.
func (s *Store) Exists(ctx context.Context, migrationID string) (bool, error) {
	_, err := s.adapter.GetItem(ctx, ProgressKey(migrationID))
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
