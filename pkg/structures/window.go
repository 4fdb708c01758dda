package structures

import (
	"sync"
	"time"
)

// DurationWindow keeps the most recent N duration samples and exposes their
// rolling average. Used to smooth batch timings for ETA estimates.
type DurationWindow struct {
	mu      sync.RWMutex
	samples []time.Duration
	size    int
	next    int
	full    bool
}

// NewDurationWindow creates a window holding up to size samples.
func NewDurationWindow(size int) *DurationWindow {
	if size < 1 {
		size = 1
	}
	return &DurationWindow{
		samples: make([]time.Duration, size),
		size:    size,
	}
}

// Add records a sample, evicting the oldest when the window is full.
func (w *DurationWindow) Add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = d
	w.next = (w.next + 1) % w.size
	if w.next == 0 {
		w.full = true
	}
}

// Len returns the number of samples currently held.
func (w *DurationWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lenLocked()
}

func (w *DurationWindow) lenLocked() int {
	if w.full {
		return w.size
	}
	return w.next
}

// Average returns the mean of the held samples, or zero when empty.
func (w *DurationWindow) Average() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()

	n := w.lenLocked()
	if n == 0 {
		return 0
	}

	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += w.samples[i]
	}
	return sum / time.Duration(n)
}

// Reset discards all samples.
func (w *DurationWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next = 0
	w.full = false
}
