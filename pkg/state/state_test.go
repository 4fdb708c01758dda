package state

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvmigrate/pkg/storage"
)

func quietStoreConfig() StoreConfig {
	cfg := DefaultStoreConfig()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	cfg.Log = log
	return cfg
}

func TestProgressPartitionInvariant(t *testing.T) {
	p := NewProgress("m1", []string{"a", "b", "c"}, 300)

	assert.Equal(t, 3, p.TotalCount())
	assert.Equal(t, 0, p.ProcessedCount())
	assert.Equal(t, 3, p.RemainingCount())

	p.MarkProcessed("a", 100)
	assert.Equal(t, 1, p.ProcessedCount())
	assert.Equal(t, 2, p.RemainingCount())
	assert.Equal(t, 3, p.TotalCount())
	assert.True(t, p.IsProcessed("a"))
	assert.False(t, p.IsProcessed("b"))

	// Marking twice does not double-count size.
	p.MarkProcessed("a", 100)
	assert.Equal(t, int64(100), p.Snapshot().ProcessedSize)
}

func TestProgressFailedKeysStillComplete(t *testing.T) {
	p := NewProgress("m1", []string{"a", "b"}, 0)

	p.MarkProcessed("a", 0)
	p.MarkFailed("b", errors.New("quota exceeded"))

	assert.Equal(t, 0, p.RemainingCount())
	assert.True(t, p.IsFailed("b"))
	assert.True(t, p.IsProcessed("b"))

	failed := p.FailedKeys()
	require.Contains(t, failed, "b")
	assert.Equal(t, "quota exceeded", failed["b"].Error)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	p := NewProgress("m1", []string{"a", "b", "c"}, 300)
	p.SetPhase(PhaseImportant)
	p.MarkProcessed("a", 100)
	p.MarkFailed("b", errors.New("boom"))

	restored := Restore(p.Snapshot())

	assert.Equal(t, "m1", restored.MigrationID)
	assert.Equal(t, PhaseImportant, restored.CurrentPhase())
	assert.Equal(t, []string{"c"}, restored.RemainingKeys())
	assert.ElementsMatch(t, []string{"a", "b"}, restored.ProcessedKeys())
	assert.True(t, restored.IsFailed("b"))
	assert.Equal(t, int64(100), restored.Snapshot().ProcessedSize)
}

func TestStoreSaveLoadClear(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemoryAdapter()
	store := NewStore(adapter, quietStoreConfig())

	p := NewProgress("m1", []string{"a", "b"}, 200)
	p.SetPhase(PhaseCritical)
	p.MarkProcessed("a", 100)

	require.NoError(t, store.Save(ctx, p))

	exists, err := store.Exists(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, exists)

	loaded, err := store.Load(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, PhaseCritical, loaded.CurrentPhase())
	assert.Equal(t, []string{"b"}, loaded.RemainingKeys())

	require.NoError(t, store.Clear(ctx, "m1"))
	loaded, err = store.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStoreLoadMissingIsNil(t *testing.T) {
	store := NewStore(storage.NewMemoryAdapter(), quietStoreConfig())

	loaded, err := store.Load(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStoreRejectsTamperedRecord(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemoryAdapter()
	store := NewStore(adapter, quietStoreConfig())

	p := NewProgress("m1", []string{"a"}, 0)
	require.NoError(t, store.Save(ctx, p))

	// Flip a byte inside the payload; the checksum no longer matches.
	raw, err := adapter.GetItem(ctx, ProgressKey("m1"))
	require.NoError(t, err)
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	payload := []byte(env["payload"])
	payload[len(payload)/2] ^= 0xff
	env["payload"] = payload
	tampered, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, adapter.SetItem(ctx, ProgressKey("m1"), string(tampered)))

	loaded, err := store.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStoreRejectsGarbageRecord(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemoryAdapter()
	store := NewStore(adapter, quietStoreConfig())

	require.NoError(t, adapter.SetItem(ctx, ProgressKey("m1"), "not an envelope"))

	loaded, err := store.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestStoreRejectsStaleRecord(t *testing.T) {
	ctx := context.Background()
	adapter := storage.NewMemoryAdapter()
	cfg := quietStoreConfig()
	cfg.MaxAge = time.Hour
	store := NewStore(adapter, cfg)

	p := NewProgress("m1", []string{"a"}, 0)
	p.LastUpdateTime = time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.Save(ctx, p))

	loaded, err := store.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
