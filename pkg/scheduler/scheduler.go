// Package scheduler runs migration work cooperatively during idle windows.
//
// Tasks execute only while an idle source grants spare time, so the host
// application never stalls behind background migration work. When no idle
// source is available the scheduler degrades to a fixed-delay timer that runs
// exactly one task per tick.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
	StateThrottled  State = "throttled"
)

// Task is one unit of scheduled work. Tasks are value objects owned by the
// scheduler once added.
type Task struct {
	ID                string
	Name              string
	Priority          int // lower is more urgent
	EstimatedDuration time.Duration
	Run               func(ctx context.Context) error
	// OnError receives the task's failure. Errors never stop the queue.
	OnError func(error)
}

// Config holds scheduler configuration.
type Config struct {
	// MinIdleTime is the smallest remaining idle budget worth starting a task
	// in.
	MinIdleTime time.Duration
	// MaxTasksPerRound bounds how many tasks run inside one idle window.
	MaxTasksPerRound int
	// PauseOnHidden pauses processing while the tab is hidden; otherwise the
	// scheduler throttles instead.
	PauseOnHidden bool
	// ThrottleDelay is the extra wait per round while throttled.
	ThrottleDelay time.Duration
	// LongTaskThreshold marks a task execution as a long task; a streak of
	// them throttles the scheduler to back off the CPU.
	LongTaskThreshold time.Duration
	// LongTaskStreak is the number of consecutive long tasks that triggers
	// throttling.
	LongTaskStreak int
	// MaxNoProgressRounds is the number of consecutive rounds without a
	// completed task before a cooldown.
	MaxNoProgressRounds int
	// CooldownDelay is the wait after repeated no-progress rounds.
	CooldownDelay time.Duration
	// FallbackInterval is the timer-fallback tick; one task runs per tick.
	FallbackInterval time.Duration
	// IdleSource grants idle windows. Nil selects the timer fallback.
	IdleSource IdleSource
	Log        *logrus.Logger
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MinIdleTime:         2 * time.Millisecond,
		MaxTasksPerRound:    10,
		PauseOnHidden:       false,
		ThrottleDelay:       500 * time.Millisecond,
		LongTaskThreshold:   50 * time.Millisecond,
		LongTaskStreak:      3,
		MaxNoProgressRounds: 5,
		CooldownDelay:       time.Second,
		FallbackInterval:    100 * time.Millisecond,
	}
}

// Stats are cumulative scheduler counters.
type Stats struct {
	TasksProcessed int64 `json:"tasks_processed"`
	TasksFailed    int64 `json:"tasks_failed"`
	TasksDeferred  int64 `json:"tasks_deferred"`
	Rounds         int64 `json:"rounds"`
	Cooldowns      int64 `json:"cooldowns"`
}

// Status is a snapshot of the scheduler.
type Status struct {
	State       State `json:"state"`
	QueueLength int   `json:"queue_length"`
	Stats       Stats `json:"stats"`
}

type queuedTask struct {
	Task
	seq uint64
}

// Scheduler is a priority-ordered cooperative task queue.
type Scheduler struct {
	mu     sync.Mutex
	config Config
	log    *logrus.Logger

	queue      []queuedTask
	nextSeq    uint64
	userPaused bool
	hidden     bool
	stats      Stats

	longTaskRun     int
	noProgressRound int

	wake     chan struct{}
	stopChan chan struct{}
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a scheduler. Processing starts automatically when the first
// task is added.
func New(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.MinIdleTime <= 0 {
		cfg.MinIdleTime = def.MinIdleTime
	}
	if cfg.MaxTasksPerRound <= 0 {
		cfg.MaxTasksPerRound = def.MaxTasksPerRound
	}
	if cfg.ThrottleDelay <= 0 {
		cfg.ThrottleDelay = def.ThrottleDelay
	}
	if cfg.LongTaskThreshold <= 0 {
		cfg.LongTaskThreshold = def.LongTaskThreshold
	}
	if cfg.LongTaskStreak <= 0 {
		cfg.LongTaskStreak = def.LongTaskStreak
	}
	if cfg.MaxNoProgressRounds <= 0 {
		cfg.MaxNoProgressRounds = def.MaxNoProgressRounds
	}
	if cfg.CooldownDelay <= 0 {
		cfg.CooldownDelay = def.CooldownDelay
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = def.FallbackInterval
	}
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:   cfg,
		log:      cfg.Log,
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// AddTask inserts a task in priority order (stable, ties broken by insertion
// order) and starts processing if the scheduler is idle.
func (s *Scheduler) AddTask(task Task) {
	s.mu.Lock()

	qt := queuedTask{Task: task, seq: s.nextSeq}
	s.nextSeq++

	// First queued task with a strictly larger priority value goes after the
	// new one; equal priorities keep insertion order.
	pos := len(s.queue)
	for i, existing := range s.queue {
		if existing.Priority > task.Priority {
			pos = i
			break
		}
	}
	s.queue = append(s.queue, queuedTask{})
	copy(s.queue[pos+1:], s.queue[pos:])
	s.queue[pos] = qt

	if !s.running {
		s.running = true
		go s.loop(s.stopChan, s.ctx)
	}
	s.mu.Unlock()

	s.signal()
}

// RemoveTask removes a queued task by id. Returns false if not found.
func (s *Scheduler) RemoveTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, qt := range s.queue {
		if qt.ID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// StartProcessing resumes processing after a pause. Adding a task already
// auto-starts the scheduler; this exists for symmetry with Pause.
func (s *Scheduler) StartProcessing() {
	s.ResumeProcessing()
}

// PauseProcessing halts task execution without losing queued work.
func (s *Scheduler) PauseProcessing() {
	s.mu.Lock()
	s.userPaused = true
	s.mu.Unlock()
}

// ResumeProcessing restores execution after PauseProcessing.
func (s *Scheduler) ResumeProcessing() {
	s.mu.Lock()
	s.userPaused = false
	s.mu.Unlock()
	s.signal()
}

// StopProcessing stops the processing goroutine and discards the queue.
// Destructive: used on cancellation. Adding a task afterwards starts a fresh
// processing goroutine.
func (s *Scheduler) StopProcessing() {
	s.mu.Lock()
	if s.running {
		s.running = false
		close(s.stopChan)
		s.cancel()
		s.stopChan = make(chan struct{})
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.queue = nil
	s.mu.Unlock()
}

// SetVisible relays the tab visibility signal. Hidden pauses or throttles
// depending on configuration; visible resumes processing if tasks remain.
func (s *Scheduler) SetVisible(visible bool) {
	s.mu.Lock()
	s.hidden = !visible
	s.mu.Unlock()

	if visible {
		s.signal()
	}
}

// Status returns the current state, queue length and cumulative stats.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		State:       s.stateLocked(),
		QueueLength: len(s.queue),
		Stats:       s.stats,
	}
}

// QueueLength returns the number of queued tasks.
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) stateLocked() State {
	switch {
	case s.userPaused, s.hidden && s.config.PauseOnHidden:
		return StatePaused
	case s.hidden, s.longTaskRun >= s.config.LongTaskStreak:
		return StateThrottled
	case len(s.queue) > 0:
		return StateProcessing
	default:
		return StateIdle
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop is the single processing goroutine. Pause is a polling wait; idle is a
// blocking wait on the wake channel. The stop channel and context are captured
// at spawn time so a restarted scheduler never races its predecessor.
func (s *Scheduler) loop(stop <-chan struct{}, ctx context.Context) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		s.mu.Lock()
		state := s.stateLocked()
		empty := len(s.queue) == 0
		s.mu.Unlock()

		switch {
		case empty:
			select {
			case <-s.wake:
			case <-stop:
				return
			}
		case state == StatePaused:
			select {
			case <-time.After(20 * time.Millisecond):
			case <-stop:
				return
			}
		case state == StateThrottled:
			select {
			case <-time.After(s.config.ThrottleDelay):
			case <-stop:
				return
			}
			s.mu.Lock()
			s.longTaskRun = 0
			s.mu.Unlock()
		default:
			s.runRound(stop, ctx)
		}
	}
}

// runRound executes tasks inside one idle window, or one task per tick on the
// timer fallback.
func (s *Scheduler) runRound(stop <-chan struct{}, ctx context.Context) {
	s.mu.Lock()
	s.stats.Rounds++
	s.mu.Unlock()

	var processed int
	if s.config.IdleSource != nil {
		processed = s.runIdleRound(ctx)
	} else {
		processed = s.runFallbackRound(stop, ctx)
	}

	s.mu.Lock()
	if processed == 0 && len(s.queue) > 0 {
		s.noProgressRound++
	} else {
		s.noProgressRound = 0
	}
	needCooldown := s.noProgressRound >= s.config.MaxNoProgressRounds
	if needCooldown {
		s.noProgressRound = 0
		s.stats.Cooldowns++
	}
	s.mu.Unlock()

	if needCooldown {
		// Idle windows are persistently too short; back off instead of
		// busy-looping.
		select {
		case <-time.After(s.config.CooldownDelay):
		case <-stop:
		}
	}
}

func (s *Scheduler) runIdleRound(ctx context.Context) int {
	deadline, err := s.config.IdleSource.NextIdle(ctx)
	if err != nil {
		return 0
	}

	processed := 0
	for processed < s.config.MaxTasksPerRound {
		remaining := deadline.TimeRemaining()
		if remaining < s.config.MinIdleTime {
			break
		}

		s.mu.Lock()
		if s.stateLocked() != StateProcessing || len(s.queue) == 0 {
			s.mu.Unlock()
			break
		}
		task := s.queue[0]
		if task.EstimatedDuration > remaining {
			// Too big for what's left of this window. Leave it at the
			// front and wait for a wider window rather than overrunning
			// the budget.
			s.stats.TasksDeferred++
			s.mu.Unlock()
			break
		}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.execute(ctx, task)
		processed++
	}

	return processed
}

func (s *Scheduler) runFallbackRound(stop <-chan struct{}, ctx context.Context) int {
	select {
	case <-time.After(s.config.FallbackInterval):
	case <-stop:
		return 0
	}

	s.mu.Lock()
	if s.stateLocked() != StateProcessing || len(s.queue) == 0 {
		s.mu.Unlock()
		return 0
	}
	task := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	s.execute(ctx, task)
	return 1
}

func (s *Scheduler) execute(ctx context.Context, task queuedTask) {
	start := time.Now()
	err := task.Run(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	if elapsed >= s.config.LongTaskThreshold {
		s.longTaskRun++
	} else {
		s.longTaskRun = 0
	}
	if err != nil {
		s.stats.TasksFailed++
	} else {
		s.stats.TasksProcessed++
	}
	s.mu.Unlock()

	if err != nil {
		s.log.WithFields(logrus.Fields{
			"task": task.Name,
			"id":   task.ID,
		}).WithError(err).Warn("scheduled task failed")
		if task.OnError != nil {
			task.OnError(err)
		}
	}
}
