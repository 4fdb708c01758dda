package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyCoreKeys(t *testing.T) {
	c := NewClassifier(Context{})

	for _, key := range []string{KeyAppSettings, KeyMasterRoster, KeyTimerState} {
		got := c.Classify(key, 100)
		assert.Equal(t, PriorityCritical, got.Priority, "key %s", key)
		assert.Equal(t, "core", got.Metadata["reason"])
	}
}

func TestClassifyActiveReferences(t *testing.T) {
	c := NewClassifier(Context{
		CurrentGameID:   "g123",
		CurrentSeasonID: "s456",
	})

	got := c.Classify("game_g123", 100)
	assert.Equal(t, PriorityCritical, got.Priority)
	assert.Equal(t, "active_reference", got.Metadata["reason"])

	got = c.Classify("season_s456", 100)
	assert.Equal(t, PriorityCritical, got.Priority)

	// Same key shapes without an active reference are merely important.
	got = c.Classify("game_g999", 100)
	assert.Equal(t, PriorityImportant, got.Priority)
}

func TestClassifyLargeCollectionsGoBackground(t *testing.T) {
	c := NewClassifier(Context{})

	got := c.Classify("savedGames", 256*1024)
	assert.Equal(t, PriorityBackground, got.Priority)
	assert.Equal(t, "large_collection", got.Metadata["reason"])

	// Just under the threshold keeps the saved-entity bucket.
	got = c.Classify("savedGames", 256*1024-1)
	assert.Equal(t, PriorityImportant, got.Priority)

	// Core keys stay critical regardless of size.
	got = c.Classify(KeyMasterRoster, 10*1024*1024)
	assert.Equal(t, PriorityCritical, got.Priority)
}

func TestClassifyHistoricalAndDefault(t *testing.T) {
	c := NewClassifier(Context{})

	got := c.Classify(KeyPlayerStats, 100)
	assert.Equal(t, PriorityBackground, got.Priority)
	assert.Equal(t, "historical", got.Metadata["reason"])

	got = c.Classify(KeyStatAdjustment, 100)
	assert.Equal(t, PriorityBackground, got.Priority)

	got = c.Classify("someUnknownKey", 100)
	assert.Equal(t, PriorityBackground, got.Priority)
	assert.Equal(t, "default", got.Metadata["reason"])
}

func TestClassifyDeterministic(t *testing.T) {
	c := NewClassifier(Context{CurrentGameID: "g1"})

	first := c.Classify("game_g1", 4096)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify("game_g1", 4096))
	}
}

func TestUpdateContextChangesClassification(t *testing.T) {
	c := NewClassifier(Context{})

	assert.Equal(t, PriorityImportant, c.Classify("game_g7", 10).Priority)
	c.UpdateCurrentGameID("g7")
	assert.Equal(t, PriorityCritical, c.Classify("game_g7", 10).Priority)
}

func TestClassifyAndSortOrdering(t *testing.T) {
	c := NewClassifier(Context{CurrentGameID: "g1"})

	entries := map[string]int64{
		"playerStats":  500,
		"appSettings":  50,
		"game_g1":      2000,
		"game_g2":      100,
		"savedGames":   300 * 1024,
		"masterRoster": 9000,
	}

	got := c.ClassifyAndSort(entries)
	require.Len(t, got, 6)

	// Critical first, sized descending within the bucket.
	assert.Equal(t, "masterRoster", got[0].Key)
	assert.Equal(t, "game_g1", got[1].Key)
	assert.Equal(t, "appSettings", got[2].Key)

	// Then important, then background.
	assert.Equal(t, "game_g2", got[3].Key)
	assert.Equal(t, PriorityBackground, got[4].Priority)
	assert.Equal(t, PriorityBackground, got[5].Priority)

	counts := CountByPriority(got)
	assert.Equal(t, 3, counts[PriorityCritical])
	assert.Equal(t, 1, counts[PriorityImportant])
	assert.Equal(t, 2, counts[PriorityBackground])
}

func TestClassifyAndSortStableAcrossRuns(t *testing.T) {
	c := NewClassifier(Context{})

	entries := map[string]int64{
		"game_a": 100,
		"game_b": 100,
		"game_c": 100,
	}

	first := c.ClassifyAndSort(entries)
	for i := 0; i < 5; i++ {
		again := c.ClassifyAndSort(entries)
		require.Equal(t, first, again)
	}

	// Equal priority and size fall back to lexicographic input order.
	assert.Equal(t, "game_a", first[0].Key)
	assert.Equal(t, "game_b", first[1].Key)
	assert.Equal(t, "game_c", first[2].Key)
}
