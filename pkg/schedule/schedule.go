// Package schedule runs recurring maintenance jobs (nightly corruption
// scans, recurring store syncs) on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// JobKind selects what a scheduled job does.
type JobKind string

const (
	KindRecoveryScan JobKind = "recovery_scan"
	KindSync         JobKind = "sync"
)

// Job is a recurring maintenance task.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      JobKind   `json:"kind"`
	CronExpr  string    `json:"cron_expr"`
	Enabled   bool      `json:"enabled"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
	RunCount  int       `json:"run_count"`
	FailCount int       `json:"fail_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Executor runs the work behind a job.
type Executor interface {
	Execute(ctx context.Context, job *Job) error
}

// Runner manages scheduled maintenance jobs.
type Runner struct {
	mu       sync.RWMutex
	cron     *cron.Cron
	jobs     map[string]*Job
	entries  map[string]cron.EntryID
	executor Executor
	log      *logrus.Logger
	running  bool
}

// NewRunner creates a job runner.
func NewRunner(executor Executor, log *logrus.Logger) *Runner {
	if log == nil {
		log = logrus.New()
	}
	return &Runner{
		cron:     cron.New(),
		jobs:     make(map[string]*Job),
		entries:  make(map[string]cron.EntryID),
		executor: executor,
		log:      log,
	}
}

// Start starts the runner.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("schedule runner already running")
	}

	r.cron.Start()
	r.running = true
	return nil
}

// Stop stops the runner and waits for in-flight jobs.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return fmt.Errorf("schedule runner not running")
	}

	ctx := r.cron.Stop()
	<-ctx.Done()
	r.running = false
	return nil
}

// AddJob registers a new job.
func (r *Runner) AddJob(job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	cronSchedule, err := cron.ParseStandard(job.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.NextRun = cronSchedule.Next(now)

	if job.Enabled {
		entryID, err := r.cron.AddFunc(job.CronExpr, func() {
			r.executeJob(job.ID)
		})
		if err != nil {
			return fmt.Errorf("failed to add cron job: %w", err)
		}
		r.entries[job.ID] = entryID
	}

	r.jobs[job.ID] = job
	return nil
}

// RemoveJob deletes a job.
func (r *Runner) RemoveJob(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[id]; !exists {
		return fmt.Errorf("job %s not found", id)
	}

	if entryID, exists := r.entries[id]; exists {
		r.cron.Remove(entryID)
		delete(r.entries, id)
	}

	delete(r.jobs, id)
	return nil
}

// GetJob retrieves a job by id.
func (r *Runner) GetJob(id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, exists := r.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return job, nil
}

// ListJobs returns all jobs.
func (r *Runner) ListJobs() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// EnableJob enables a job.
func (r *Runner) EnableJob(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[id]
	if !exists {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Enabled {
		return nil
	}

	entryID, err := r.cron.AddFunc(job.CronExpr, func() {
		r.executeJob(id)
	})
	if err != nil {
		return fmt.Errorf("failed to enable job: %w", err)
	}

	r.entries[id] = entryID
	job.Enabled = true
	job.UpdatedAt = time.Now()
	return nil
}

// DisableJob disables a job without deleting it.
func (r *Runner) DisableJob(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[id]
	if !exists {
		return fmt.Errorf("job %s not found", id)
	}
	if !job.Enabled {
		return nil
	}

	if entryID, exists := r.entries[id]; exists {
		r.cron.Remove(entryID)
		delete(r.entries, id)
	}

	job.Enabled = false
	job.UpdatedAt = time.Now()
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (r *Runner) RunNow(id string) error {
	r.mu.RLock()
	_, exists := r.jobs[id]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", id)
	}

	go r.executeJob(id)
	return nil
}

func (r *Runner) executeJob(id string) {
	r.mu.Lock()
	job, exists := r.jobs[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	job.LastRun = time.Now()
	job.RunCount++
	r.mu.Unlock()

	err := r.executor.Execute(context.Background(), job)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		job.FailCount++
		r.log.WithFields(logrus.Fields{
			"job":  job.Name,
			"kind": job.Kind,
		}).WithError(err).Warn("scheduled job failed")
	}

	if cronSchedule, parseErr := cron.ParseStandard(job.CronExpr); parseErr == nil {
		job.NextRun = cronSchedule.Next(time.Now())
	}
}

// Stats summarizes the runner's jobs.
type Stats struct {
	TotalJobs    int       `json:"total_jobs"`
	ActiveJobs   int       `json:"active_jobs"`
	DisabledJobs int       `json:"disabled_jobs"`
	NextRun      time.Time `json:"next_run"`
}

// GetStats returns runner statistics.
func (r *Runner) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{TotalJobs: len(r.jobs)}

	var nextRun time.Time
	for _, job := range r.jobs {
		if job.Enabled {
			stats.ActiveJobs++
			if nextRun.IsZero() || job.NextRun.Before(nextRun) {
				nextRun = job.NextRun
			}
		} else {
			stats.DisabledJobs++
		}
	}

	stats.NextRun = nextRun
	return stats
}
