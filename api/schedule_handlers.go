package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"kvmigrate/pkg/models"
	"kvmigrate/pkg/recovery"
	"kvmigrate/pkg/schedule"
	"kvmigrate/pkg/storage"
	"kvmigrate/pkg/syncer"
)

var (
	scheduleRunner *schedule.Runner
	scheduleOnce   sync.Once

	// jobSpecs maps job ids to their backend specs; the runner's Job type
	// stays backend-agnostic.
	jobSpecs   = make(map[string]jobBackends)
	jobSpecsMu sync.RWMutex
)

type jobBackends struct {
	source *models.BackendSpec
	target models.BackendSpec
}

// maintenanceExecutor runs scheduled jobs against their configured backend.
type maintenanceExecutor struct{}

func (e *maintenanceExecutor) Execute(ctx context.Context, job *schedule.Job) error {
	jobSpecsMu.RLock()
	backends, ok := jobSpecs[job.ID]
	jobSpecsMu.RUnlock()
	if !ok {
		return fmt.Errorf("no backend configured for job %s", job.ID)
	}

	target, err := buildAdapter(ctx, backends.target)
	if err != nil {
		return fmt.Errorf("job %s target backend: %w", job.ID, err)
	}

	switch job.Kind {
	case schedule.KindRecoveryScan:
		cfg := recovery.DefaultConfig()
		cfg.Log = taskManager.log
		repairer := recovery.NewRepairer(target, cfg)
		_, err := repairer.RepairCorruption(ctx, storage.ErrDataCorruption)
		return err
	case schedule.KindSync:
		if backends.source == nil {
			return fmt.Errorf("sync job %s has no source backend", job.ID)
		}
		source, err := buildAdapter(ctx, *backends.source)
		if err != nil {
			return fmt.Errorf("job %s source backend: %w", job.ID, err)
		}
		_, err = syncer.New(source, target, syncer.Options{Log: taskManager.log}).Sync(ctx)
		return err
	default:
		return fmt.Errorf("unsupported job kind %q", job.Kind)
	}
}

// EnsureScheduleRunner initializes and starts the global schedule runner.
func EnsureScheduleRunner() {
	scheduleOnce.Do(func() {
		scheduleRunner = schedule.NewRunner(&maintenanceExecutor{}, taskManager.log)
		if err := scheduleRunner.Start(); err != nil {
			taskManager.log.WithError(err).Error("failed to start schedule runner")
		}
	})
}

// CreateSchedule handles POST /api/schedules.
func CreateSchedule(c *gin.Context) {
	EnsureScheduleRunner()

	var req models.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if schedule.JobKind(req.Kind) == schedule.KindSync && req.Source == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sync jobs require a source backend"})
		return
	}

	job := &schedule.Job{
		ID:       uuid.New().String(),
		Name:     req.Name,
		Kind:     schedule.JobKind(req.Kind),
		CronExpr: req.CronExpr,
		Enabled:  req.Enabled,
	}

	jobSpecsMu.Lock()
	jobSpecs[job.ID] = jobBackends{source: req.Source, target: req.Target}
	jobSpecsMu.Unlock()

	if err := scheduleRunner.AddJob(job); err != nil {
		jobSpecsMu.Lock()
		delete(jobSpecs, job.ID)
		jobSpecsMu.Unlock()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// ListSchedules handles GET /api/schedules.
func ListSchedules(c *gin.Context) {
	EnsureScheduleRunner()
	c.JSON(http.StatusOK, gin.H{"schedules": scheduleRunner.ListJobs()})
}

// GetSchedule handles GET /api/schedules/:id.
func GetSchedule(c *gin.Context) {
	EnsureScheduleRunner()

	job, err := scheduleRunner.GetJob(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// DeleteSchedule handles DELETE /api/schedules/:id.
func DeleteSchedule(c *gin.Context) {
	EnsureScheduleRunner()

	id := c.Param("id")
	if err := scheduleRunner.RemoveJob(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	jobSpecsMu.Lock()
	delete(jobSpecs, id)
	jobSpecsMu.Unlock()

	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// EnableSchedule handles POST /api/schedules/:id/enable.
func EnableSchedule(c *gin.Context) {
	EnsureScheduleRunner()

	if err := scheduleRunner.EnableJob(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": c.Param("id")})
}

// DisableSchedule handles POST /api/schedules/:id/disable.
func DisableSchedule(c *gin.Context) {
	EnsureScheduleRunner()

	if err := scheduleRunner.DisableJob(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disabled": c.Param("id")})
}

// RunScheduleNow handles POST /api/schedules/:id/run.
func RunScheduleNow(c *gin.Context) {
	EnsureScheduleRunner()

	if err := scheduleRunner.RunNow(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"running": c.Param("id")})
}

// GetSchedulerStats handles GET /api/schedules/stats.
func GetSchedulerStats(c *gin.Context) {
	EnsureScheduleRunner()
	c.JSON(http.StatusOK, scheduleRunner.GetStats())
}
