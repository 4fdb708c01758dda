// Package classify assigns migration priorities to storage keys.
//
// The key namespace comes from the team-management app whose local store is
// being migrated: app settings, the master roster, saved games, seasons,
// tournaments and per-player stat adjustments. Priorities decide whether a key
// is migrated before the app is considered ready (critical), soon after
// (important) or strictly during idle time (background).
package classify

import (
	"sort"
	"strings"
	"sync"
)

// Priority orders migration buckets. Lower values are more urgent.
type Priority int

const (
	PriorityCritical   Priority = 1 // must complete before the app is usable
	PriorityImportant  Priority = 2 // should complete soon, may briefly block
	PriorityBackground Priority = 3 // idle-time only, never blocks
)

// String returns the bucket name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityImportant:
		return "important"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Well-known key prefixes in the source store.
const (
	KeyAppSettings    = "appSettings"
	KeyMasterRoster   = "masterRoster"
	KeyTimerState     = "timerState"
	KeySavedGames     = "savedGames"
	KeySeasons        = "seasons"
	KeyTournaments    = "tournaments"
	KeyPlayerStats    = "playerStats"
	KeyStatAdjustment = "playerAdjustments"
	KeyGamePrefix     = "game_"
	KeySeasonPrefix   = "season_"
	KeyTournPrefix    = "tournament_"
)

// backgroundSizeThreshold pushes large non-critical collections to the
// background bucket regardless of their name.
const backgroundSizeThreshold = 256 * 1024

// Classification is the priority decision for one source key.
type Classification struct {
	Key           string            `json:"key"`
	Priority      Priority          `json:"priority"`
	EstimatedSize int64             `json:"estimated_size"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Context carries the ids of the currently active game, season and tournament.
// Keys referencing an active id are critical because the app needs them
// immediately after the migration.
type Context struct {
	CurrentGameID       string
	CurrentSeasonID     string
	CurrentTournamentID string
}

// Classifier classifies keys deterministically given its configured context.
type Classifier struct {
	mu  sync.RWMutex
	ctx Context
}

// NewClassifier creates a classifier with the given context.
func NewClassifier(ctx Context) *Classifier {
	return &Classifier{ctx: ctx}
}

// UpdateCurrentGameID replaces the active game id.
func (c *Classifier) UpdateCurrentGameID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx.CurrentGameID = id
}

// UpdateCurrentSeasonID replaces the active season id.
func (c *Classifier) UpdateCurrentSeasonID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx.CurrentSeasonID = id
}

// UpdateCurrentTournamentID replaces the active tournament id.
func (c *Classifier) UpdateCurrentTournamentID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx.CurrentTournamentID = id
}

// Classify assigns a priority to one key. Pure function of key, size and the
// classifier's context; no I/O.
//
// Heuristic:
//   - app settings, master roster, timer state, and any key referencing the
//     active game/season/tournament id are critical
//   - other saved games and the season/tournament registries are important
//   - per-player stats, adjustments, and any non-critical key at or above
//     256 KiB are background
func (c *Classifier) Classify(key string, size int64) Classification {
	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()

	classification := Classification{
		Key:           key,
		EstimatedSize: size,
		Metadata:      map[string]string{},
	}

	switch {
	case isCoreKey(key):
		classification.Priority = PriorityCritical
		classification.Metadata["reason"] = "core"
	case referencesActiveID(key, ctx):
		classification.Priority = PriorityCritical
		classification.Metadata["reason"] = "active_reference"
	case size >= backgroundSizeThreshold:
		classification.Priority = PriorityBackground
		classification.Metadata["reason"] = "large_collection"
	case isSavedEntityKey(key):
		classification.Priority = PriorityImportant
		classification.Metadata["reason"] = "saved_entity"
	case isHistoricalKey(key):
		classification.Priority = PriorityBackground
		classification.Metadata["reason"] = "historical"
	default:
		classification.Priority = PriorityBackground
		classification.Metadata["reason"] = "default"
	}

	return classification
}

// ClassifyAndSort classifies a batch of entries and returns them ordered by
// priority, then size descending. The sort is stable so resumed migrations
// walk the same sequence as the original run.
func (c *Classifier) ClassifyAndSort(entries map[string]int64) []Classification {
	// Deterministic input order before the stable sort.
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	classifications := make([]Classification, 0, len(keys))
	for _, key := range keys {
		classifications = append(classifications, c.Classify(key, entries[key]))
	}

	sort.SliceStable(classifications, func(i, j int) bool {
		if classifications[i].Priority != classifications[j].Priority {
			return classifications[i].Priority < classifications[j].Priority
		}
		return classifications[i].EstimatedSize > classifications[j].EstimatedSize
	})

	return classifications
}

func isCoreKey(key string) bool {
	return strings.HasPrefix(key, KeyAppSettings) ||
		strings.HasPrefix(key, KeyMasterRoster) ||
		strings.HasPrefix(key, KeyTimerState)
}

func referencesActiveID(key string, ctx Context) bool {
	if ctx.CurrentGameID != "" && strings.Contains(key, ctx.CurrentGameID) {
		return true
	}
	if ctx.CurrentSeasonID != "" && strings.Contains(key, ctx.CurrentSeasonID) {
		return true
	}
	if ctx.CurrentTournamentID != "" && strings.Contains(key, ctx.CurrentTournamentID) {
		return true
	}
	return false
}

func isSavedEntityKey(key string) bool {
	return strings.HasPrefix(key, KeySavedGames) ||
		strings.HasPrefix(key, KeyGamePrefix) ||
		strings.HasPrefix(key, KeySeasonPrefix) ||
		strings.HasPrefix(key, KeyTournPrefix) ||
		strings.HasPrefix(key, KeySeasons) ||
		strings.HasPrefix(key, KeyTournaments)
}

func isHistoricalKey(key string) bool {
	return strings.HasPrefix(key, KeyPlayerStats) ||
		strings.HasPrefix(key, KeyStatAdjustment)
}

// CountByPriority tallies a classification slice per bucket.
func CountByPriority(classifications []Classification) map[Priority]int {
	counts := make(map[Priority]int)
	for _, c := range classifications {
		counts[c.Priority]++
	}
	return counts
}
