package models

import "time"

// BackendSpec selects and configures a storage adapter for one side of a
// migration.
type BackendSpec struct {
	// Type is "memory", "file" or "s3".
	Type string `json:"type"`
	// Path is the store file location (file backend).
	Path string `json:"path,omitempty"`
	// S3 backend settings.
	Bucket      string `json:"bucket,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	Region      string `json:"region,omitempty"`
	EndpointURL string `json:"endpoint_url,omitempty"`
	AccessKey   string `json:"access_key,omitempty"`
	SecretKey   string `json:"secret_key,omitempty"`
}

// MigrationRequest starts a migration between two backends.
type MigrationRequest struct {
	Source BackendSpec `json:"source"`
	Target BackendSpec `json:"target"`
	// Context ids used by the priority classifier.
	CurrentGameID       string `json:"current_game_id,omitempty"`
	CurrentSeasonID     string `json:"current_season_id,omitempty"`
	CurrentTournamentID string `json:"current_tournament_id,omitempty"`
	// CriticalTimeoutMs bounds the blocking critical phase. 0 = default.
	CriticalTimeoutMs int `json:"critical_timeout_ms,omitempty"`
	// Persistence toggles progress checkpointing for this run.
	Persistence bool `json:"persistence"`
	// PauseOnHidden pauses (instead of throttles) when visibility drops.
	PauseOnHidden bool `json:"pause_on_hidden"`
}

// MigrationTask is the API view of a running or finished migration.
type MigrationTask struct {
	TaskID           string    `json:"task_id"`
	MigrationID      string    `json:"migration_id"`
	Phase            string    `json:"phase"`
	Percentage       float64   `json:"percentage"`
	ProcessedKeys    int       `json:"processed_keys"`
	TotalKeys        int       `json:"total_keys"`
	FailedKeys       int       `json:"failed_keys"`
	ProcessedSize    int64     `json:"processed_size"`
	TotalSize        int64     `json:"total_size"`
	CriticalComplete bool      `json:"critical_complete"`
	ETA              string    `json:"eta"`
	StartTime        time.Time `json:"start_time"`
	Warnings         []string  `json:"warnings,omitempty"`
	Errors           []string  `json:"errors,omitempty"`
}

// RepairRequest triggers corruption recovery against a backend.
type RepairRequest struct {
	Target BackendSpec `json:"target"`
	// ErrorKind is the classified kind that triggered the repair
	// ("data_corruption", "quota_exceeded", "access_denied").
	ErrorKind string `json:"error_kind"`
	// CriticalKeys survive a cleanup-and-rebuild pass.
	CriticalKeys []string `json:"critical_keys,omitempty"`
}

// ScheduleRequest creates a recurring maintenance job.
type ScheduleRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // "recovery_scan" or "sync"
	CronExpr string `json:"cron_expr"`
	Enabled  bool   `json:"enabled"`
	// Source is required for sync jobs and ignored for recovery scans.
	Source *BackendSpec `json:"source,omitempty"`
	Target BackendSpec  `json:"target"`
}

// ErrorResponse is the uniform API error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
