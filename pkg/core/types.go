package core

import (
	"time"

	"kvmigrate/pkg/state"
)

// Phase aliases the persisted phase type so callers see one enum.
type Phase = state.Phase

const (
	PhaseInitializing = state.PhaseInitializing
	PhaseClassifying  = state.PhaseClassifying
	PhaseCritical     = state.PhaseCritical
	PhaseImportant    = state.PhaseImportant
	PhaseBackground   = state.PhaseBackground
	PhaseCompleting   = state.PhaseCompleting
	PhaseCompleted    = state.PhaseCompleted
	PhasePaused       = state.PhasePaused
	PhaseFailed       = state.PhaseFailed
	PhaseCancelled    = state.PhaseCancelled
)

// Status is the externally visible snapshot of a migration run.
type Status struct {
	MigrationID      string        `json:"migration_id"`
	RunID            string        `json:"run_id"`
	Phase            Phase         `json:"phase"`
	TotalKeys        int           `json:"total_keys"`
	ProcessedKeys    int           `json:"processed_keys"`
	FailedKeys       int           `json:"failed_keys"`
	Percentage       float64       `json:"percentage"`
	CriticalComplete bool          `json:"critical_complete"`
	TotalSize        int64         `json:"total_size"`
	ProcessedSize    int64         `json:"processed_size"`
	StartTime        time.Time     `json:"start_time"`
	ETA              time.Duration `json:"eta"`
	Warnings         []string      `json:"warnings,omitempty"`
}

// Callbacks is the contract surface exposed to the embedding application.
// Progress fires after every processed batch; phase changes fire before the
// new phase's work starts. Cancellation is terminal but never an error.
type Callbacks struct {
	OnProgress    func(Status)
	OnPhaseChange func(Phase)
	OnError       func(error)
	OnComplete    func(Status)
	OnPaused      func()
	OnResumed     func()
	OnCancelled   func()
}

func (c Callbacks) progress(status Status) {
	if c.OnProgress != nil {
		c.OnProgress(status)
	}
}

func (c Callbacks) phaseChange(phase Phase) {
	if c.OnPhaseChange != nil {
		c.OnPhaseChange(phase)
	}
}

func (c Callbacks) failed(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}
