package structures

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationWindowAverage(t *testing.T) {
	w := NewDurationWindow(3)

	assert.Equal(t, 0, w.Len())
	assert.Equal(t, time.Duration(0), w.Average())

	w.Add(10 * time.Millisecond)
	w.Add(20 * time.Millisecond)
	assert.Equal(t, 2, w.Len())
	assert.Equal(t, 15*time.Millisecond, w.Average())
}

func TestDurationWindowEvictsOldest(t *testing.T) {
	w := NewDurationWindow(3)

	w.Add(100 * time.Millisecond)
	w.Add(10 * time.Millisecond)
	w.Add(10 * time.Millisecond)
	w.Add(10 * time.Millisecond) // evicts the 100ms sample

	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 10*time.Millisecond, w.Average())
}

func TestDurationWindowReset(t *testing.T) {
	w := NewDurationWindow(2)
	w.Add(time.Second)
	w.Reset()

	assert.Equal(t, 0, w.Len())
	assert.Equal(t, time.Duration(0), w.Average())
}

func TestDurationWindowMinimumSize(t *testing.T) {
	w := NewDurationWindow(0)
	w.Add(time.Second)
	w.Add(2 * time.Second)

	assert.Equal(t, 1, w.Len())
	assert.Equal(t, 2*time.Second, w.Average())
}
