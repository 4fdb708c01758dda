// Package adaptive monitors process memory pressure and recommends batch
// chunk sizes for the migration engine.
package adaptive

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PressureLevel orders memory pressure states.
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureModerate
	PressureHigh
	PressureCritical
)

// String returns the level name.
func (l PressureLevel) String() string {
	switch l {
	case PressureNone:
		return "none"
	case PressureModerate:
		return "moderate"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MemoryInfo is a snapshot of heap usage against the memory limit.
type MemoryInfo struct {
	UsagePercent   float64 `json:"usage_percent"`
	AllocBytes     int64   `json:"alloc_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	LimitBytes     int64   `json:"limit_bytes"`
	// Unknown is set when the platform gives no usable memory limit. The
	// monitor then assumes no pressure rather than failing.
	Unknown bool `json:"unknown"`
}

// Event is emitted to listeners on every sample and on level changes.
type Event struct {
	Level                PressureLevel `json:"level"`
	Info                 MemoryInfo    `json:"info"`
	RecommendedChunkSize int           `json:"recommended_chunk_size"`
	ShouldForceGC        bool          `json:"should_force_gc"`
	SuggestedActions     []string      `json:"suggested_actions,omitempty"`
	Timestamp            time.Time     `json:"timestamp"`
}

// Listener receives pressure events.
type Listener func(Event)

// MonitorConfig holds configuration for the memory monitor.
type MonitorConfig struct {
	// SampleInterval between pressure samples.
	SampleInterval time.Duration
	// ModeratePct/HighPct/CriticalPct are fractional usage thresholds of the
	// memory limit.
	ModeratePct float64
	HighPct     float64
	CriticalPct float64
	// MaxChunkSize is recommended under no pressure, MinChunkSize under
	// critical pressure.
	MaxChunkSize int
	MinChunkSize int
	// GCCooldown throttles forced garbage collection.
	GCCooldown time.Duration
	// LimitBytes overrides the detected memory limit (tests).
	LimitBytes int64
	Log        *logrus.Logger
}

// DefaultMonitorConfig returns default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 2 * time.Second,
		ModeratePct:    0.50,
		HighPct:        0.70,
		CriticalPct:    0.85,
		MaxChunkSize:   50,
		MinChunkSize:   2,
		GCCooldown:     5 * time.Second,
	}
}

// Monitor samples heap usage, classifies pressure and recommends chunk sizes.
type Monitor struct {
	mu        sync.RWMutex
	config    MonitorConfig
	log       *logrus.Logger
	listeners []Listener
	lastLevel PressureLevel
	lastGC    time.Time
	limit     int64
	unknown   bool
	stopChan  chan struct{}
	stopOnce  sync.Once
	started   bool
}

// NewMonitor creates a memory pressure monitor. The memory limit comes from
// GOMEMLIMIT when set; without one the monitor degrades to reporting no
// pressure.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 2 * time.Second
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = 1
	}
	if cfg.MaxChunkSize < cfg.MinChunkSize {
		cfg.MaxChunkSize = cfg.MinChunkSize
	}

	m := &Monitor{
		config:   cfg,
		log:      cfg.Log,
		stopChan: make(chan struct{}),
	}

	if cfg.LimitBytes > 0 {
		m.limit = cfg.LimitBytes
	} else if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math64MaxLimit {
		m.limit = limit
	} else {
		m.unknown = true
	}

	return m
}

// SetMemoryLimit(-1) returns MaxInt64 when no limit is configured.
const math64MaxLimit = int64(^uint64(0) >> 1)

// Subscribe registers a listener for pressure events.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Start begins periodic sampling. Safe to call once.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.sampleLoop()
}

// Stop halts sampling.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
}

func (m *Monitor) sampleLoop() {
	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sample()
		case <-m.stopChan:
			return
		}
	}
}

// CurrentInfo takes an immediate memory snapshot.
func (m *Monitor) CurrentInfo() MemoryInfo {
	if m.unknown {
		return MemoryInfo{Unknown: true}
	}

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	alloc := int64(stats.Alloc)
	info := MemoryInfo{
		AllocBytes:     alloc,
		LimitBytes:     m.limit,
		AvailableBytes: m.limit - alloc,
		UsagePercent:   float64(alloc) / float64(m.limit) * 100,
	}
	if info.AvailableBytes < 0 {
		info.AvailableBytes = 0
	}
	return info
}

// ClassifyPressure maps a usage snapshot to a pressure level.
func (m *Monitor) ClassifyPressure(info MemoryInfo) PressureLevel {
	if info.Unknown {
		return PressureNone
	}

	usage := info.UsagePercent / 100
	switch {
	case usage >= m.config.CriticalPct:
		return PressureCritical
	case usage >= m.config.HighPct:
		return PressureHigh
	case usage >= m.config.ModeratePct:
		return PressureModerate
	default:
		return PressureNone
	}
}

// RecommendedChunkSize maps a pressure level to a batch chunk size, larger
// under low pressure down to the configured minimum at critical.
func (m *Monitor) RecommendedChunkSize(level PressureLevel) int {
	max := m.config.MaxChunkSize
	min := m.config.MinChunkSize

	switch level {
	case PressureNone:
		return max
	case PressureModerate:
		if half := max / 2; half > min {
			return half
		}
		return min
	case PressureHigh:
		if quarter := max / 4; quarter > min {
			return quarter
		}
		return min
	default:
		return min
	}
}

// Sample takes one snapshot, emits an event to all listeners, and requests
// garbage collection when pressure crosses high (throttled to the cooldown).
func (m *Monitor) Sample() Event {
	info := m.CurrentInfo()
	level := m.ClassifyPressure(info)

	event := Event{
		Level:                level,
		Info:                 info,
		RecommendedChunkSize: m.RecommendedChunkSize(level),
		Timestamp:            time.Now(),
	}

	switch level {
	case PressureHigh:
		event.SuggestedActions = []string{"reduce_chunk_size"}
	case PressureCritical:
		event.SuggestedActions = []string{"reduce_chunk_size", "pause_background_work"}
	}

	m.mu.Lock()
	levelChanged := level != m.lastLevel
	m.lastLevel = level
	if level >= PressureHigh && time.Since(m.lastGC) >= m.config.GCCooldown {
		event.ShouldForceGC = true
		m.lastGC = time.Now()
	}
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if event.ShouldForceGC {
		m.forceGC()
	}

	if levelChanged {
		m.log.WithFields(logrus.Fields{
			"level":         level.String(),
			"usage_percent": info.UsagePercent,
			"chunk_size":    event.RecommendedChunkSize,
		}).Debug("memory pressure level changed")
	}

	for _, l := range listeners {
		l(event)
	}

	return event
}

func (m *Monitor) forceGC() {
	before := m.CurrentInfo()
	runtime.GC()
	debug.FreeOSMemory()
	after := m.CurrentInfo()

	if freed := before.AllocBytes - after.AllocBytes; freed > 0 {
		m.log.WithField("freed_bytes", freed).Debug("forced garbage collection")
	}
}

// CurrentLevel returns the most recently sampled pressure level.
func (m *Monitor) CurrentLevel() PressureLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastLevel
}
