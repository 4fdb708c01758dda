package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kvmigrate/pkg/adaptive"
	"kvmigrate/pkg/classify"
	"kvmigrate/pkg/core"
	"kvmigrate/pkg/models"
	"kvmigrate/pkg/recovery"
	"kvmigrate/pkg/scheduler"
	"kvmigrate/pkg/state"
	"kvmigrate/pkg/storage"
)

// TaskManager holds running and finished migrations in memory.
type TaskManager struct {
	mu    sync.RWMutex
	tasks map[string]*TaskInfo
	locks core.LockService
	log   *logrus.Logger
}

// TaskInfo tracks one migration run.
type TaskInfo struct {
	ID           string
	Orchestrator *core.Orchestrator
	StartTime    time.Time
	Errors       []string
}

var taskManager *TaskManager

// InitTaskManager initializes the global task manager.
func InitTaskManager(log *logrus.Logger) {
	if log == nil {
		log = logrus.New()
	}
	taskManager = &TaskManager{
		tasks: make(map[string]*TaskInfo),
		locks: core.NewInProcessLocks(),
		log:   log,
	}
}

// buildAdapter constructs a storage adapter from a backend spec.
func buildAdapter(ctx context.Context, spec models.BackendSpec) (storage.Adapter, error) {
	switch spec.Type {
	case "memory":
		return storage.NewMemoryAdapter(), nil
	case "file":
		if spec.Path == "" {
			return nil, fmt.Errorf("file backend requires a path")
		}
		return storage.NewFileAdapter(spec.Path), nil
	case "s3":
		cfg := storage.DefaultS3AdapterConfig()
		cfg.Bucket = spec.Bucket
		cfg.Prefix = spec.Prefix
		if spec.Region != "" {
			cfg.Region = spec.Region
		}
		cfg.EndpointURL = spec.EndpointURL
		cfg.AccessKey = spec.AccessKey
		cfg.SecretKey = spec.SecretKey
		return storage.NewS3Adapter(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backend type %q", spec.Type)
	}
}

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "kvmigrate",
	})
}

// StartMigration creates an orchestrator for the requested backends and
// starts it. The critical phase runs before this handler returns; the rest
// continues on the idle scheduler.
func StartMigration(c *gin.Context) {
	var req models.MigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	source, err := buildAdapter(ctx, req.Source)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("source backend: %v", err)})
		return
	}
	target, err := buildAdapter(ctx, req.Target)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("target backend: %v", err)})
		return
	}

	taskID := uuid.New().String()

	monitor := adaptive.NewMonitor(adaptive.DefaultMonitorConfig())
	monitor.Start()

	cfg := core.Config{
		Source: source,
		Target: target,
		ClassifierContext: classify.Context{
			CurrentGameID:       req.CurrentGameID,
			CurrentSeasonID:     req.CurrentSeasonID,
			CurrentTournamentID: req.CurrentTournamentID,
		},
		SchedulerConfig: scheduler.Config{
			IdleSource:    scheduler.NewTickerIdleSource(0, 0),
			PauseOnHidden: req.PauseOnHidden,
			Log:           taskManager.log,
		},
		Memory: monitor,
		Locks:  taskManager.locks,
		Log:    taskManager.log,
	}
	if req.CriticalTimeoutMs > 0 {
		cfg.CriticalTimeout = time.Duration(req.CriticalTimeoutMs) * time.Millisecond
	}
	if req.Persistence {
		cfg.EnablePersistence = true
		cfg.AutoResume = true
		cfg.ProgressStore = state.NewStore(target, state.DefaultStoreConfig())
	}

	orch, err := core.NewOrchestrator(cfg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info := &TaskInfo{
		ID:           taskID,
		Orchestrator: orch,
		StartTime:    time.Now(),
	}

	taskManager.mu.Lock()
	taskManager.tasks[taskID] = info
	taskManager.mu.Unlock()

	callbacks := core.Callbacks{
		OnError: func(err error) {
			taskManager.mu.Lock()
			info.Errors = append(info.Errors, err.Error())
			taskManager.mu.Unlock()
		},
		OnComplete: func(core.Status) {
			monitor.Stop()
		},
		OnCancelled: func() {
			monitor.Stop()
		},
	}

	if err := orch.Start(context.Background(), callbacks); err != nil {
		taskManager.mu.Lock()
		delete(taskManager.tasks, taskID)
		taskManager.mu.Unlock()
		monitor.Stop()

		status := http.StatusInternalServerError
		if storage.ClassifyError(err) == storage.KindLockHeld {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, taskView(info))
}

// GetStatus returns one migration's status.
func GetStatus(c *gin.Context) {
	info, ok := lookupTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, taskView(info))
}

// ListTasks returns all known migrations.
func ListTasks(c *gin.Context) {
	taskManager.mu.RLock()
	defer taskManager.mu.RUnlock()

	tasks := make([]models.MigrationTask, 0, len(taskManager.tasks))
	for _, info := range taskManager.tasks {
		tasks = append(tasks, taskView(info))
	}

	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// PauseTask pauses a running migration.
func PauseTask(c *gin.Context) {
	info, ok := lookupTask(c)
	if !ok {
		return
	}
	info.Orchestrator.Pause()
	c.JSON(http.StatusOK, taskView(info))
}

// ResumeTask resumes a paused migration.
func ResumeTask(c *gin.Context) {
	info, ok := lookupTask(c)
	if !ok {
		return
	}
	info.Orchestrator.Resume()
	c.JSON(http.StatusOK, taskView(info))
}

// CancelTask cancels a migration and forgets it.
func CancelTask(c *gin.Context) {
	info, ok := lookupTask(c)
	if !ok {
		return
	}

	info.Orchestrator.Cancel()

	taskManager.mu.Lock()
	delete(taskManager.tasks, info.ID)
	taskManager.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"cancelled": info.ID})
}

// SetVisibility relays the host application's tab-visibility signal to every
// running migration.
func SetVisibility(c *gin.Context) {
	var body struct {
		Visible bool `json:"visible"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskManager.mu.RLock()
	defer taskManager.mu.RUnlock()

	for _, info := range taskManager.tasks {
		info.Orchestrator.SetVisible(body.Visible)
	}

	c.JSON(http.StatusOK, gin.H{"visible": body.Visible})
}

// RepairStorage runs corruption recovery against a backend.
func RepairStorage(c *gin.Context) {
	var req models.RepairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	target, err := buildAdapter(ctx, req.Target)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("target backend: %v", err)})
		return
	}

	cfg := recovery.DefaultConfig()
	cfg.CriticalKeys = req.CriticalKeys
	cfg.Log = taskManager.log
	repairer := recovery.NewRepairer(target, cfg)

	trigger := storage.WrapKind(storage.ErrorKind(req.ErrorKind), fmt.Errorf("manual repair request"))

	result, err := repairer.RepairCorruption(ctx, trigger)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func lookupTask(c *gin.Context) (*TaskInfo, bool) {
	taskID := c.Param("taskID")

	taskManager.mu.RLock()
	info, exists := taskManager.tasks[taskID]
	taskManager.mu.RUnlock()

	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return nil, false
	}
	return info, true
}

func taskView(info *TaskInfo) models.MigrationTask {
	status := info.Orchestrator.Status()

	taskManager.mu.RLock()
	errs := append([]string(nil), info.Errors...)
	taskManager.mu.RUnlock()

	return models.MigrationTask{
		TaskID:           info.ID,
		MigrationID:      status.MigrationID,
		Phase:            string(status.Phase),
		Percentage:       status.Percentage,
		ProcessedKeys:    status.ProcessedKeys,
		TotalKeys:        status.TotalKeys,
		FailedKeys:       status.FailedKeys,
		ProcessedSize:    status.ProcessedSize,
		TotalSize:        status.TotalSize,
		CriticalComplete: status.CriticalComplete,
		ETA:              status.ETA.String(),
		StartTime:        info.StartTime,
		Warnings:         status.Warnings,
		Errors:           errs,
	}
}
