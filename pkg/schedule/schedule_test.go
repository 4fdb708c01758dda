package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu   sync.Mutex
	runs []string
	err  error
	done chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{done: make(chan struct{}, 16)}
}

func (f *fakeExecutor) Execute(ctx context.Context, job *Job) error {
	f.mu.Lock()
	f.runs = append(f.runs, job.ID)
	err := f.err
	f.mu.Unlock()
	f.done <- struct{}{}
	return err
}

func (f *fakeExecutor) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func testRunner(executor Executor) *Runner {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return NewRunner(executor, log)
}

func TestAddGetRemoveJob(t *testing.T) {
	r := testRunner(newFakeExecutor())

	job := &Job{ID: "j1", Name: "nightly scan", Kind: KindRecoveryScan, CronExpr: "0 3 * * *", Enabled: true}
	require.NoError(t, r.AddJob(job))

	assert.Error(t, r.AddJob(job), "duplicate id rejected")

	got, err := r.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, "nightly scan", got.Name)
	assert.False(t, got.NextRun.IsZero())
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, r.RemoveJob("j1"))
	_, err = r.GetJob("j1")
	assert.Error(t, err)
	assert.Error(t, r.RemoveJob("j1"))
}

func TestAddJobRejectsBadCron(t *testing.T) {
	r := testRunner(newFakeExecutor())

	err := r.AddJob(&Job{ID: "bad", CronExpr: "not a cron expr"})
	require.Error(t, err)
}

func TestRunNowExecutesJob(t *testing.T) {
	exec := newFakeExecutor()
	r := testRunner(exec)

	require.NoError(t, r.AddJob(&Job{ID: "j1", Kind: KindRecoveryScan, CronExpr: "0 3 * * *"}))
	require.NoError(t, r.RunNow("j1"))

	select {
	case <-exec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}

	job, err := r.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.RunCount)
	assert.Equal(t, 0, job.FailCount)
	assert.False(t, job.LastRun.IsZero())

	assert.Error(t, r.RunNow("missing"))
}

func TestFailedRunCountsFailure(t *testing.T) {
	exec := newFakeExecutor()
	exec.err = errors.New("backend unavailable")
	r := testRunner(exec)

	require.NoError(t, r.AddJob(&Job{ID: "j1", Kind: KindSync, CronExpr: "@hourly"}))
	require.NoError(t, r.RunNow("j1"))

	select {
	case <-exec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}

	// Counts are updated after Execute returns.
	require.Eventually(t, func() bool {
		job, err := r.GetJob("j1")
		return err == nil && job.FailCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnableDisable(t *testing.T) {
	r := testRunner(newFakeExecutor())

	require.NoError(t, r.AddJob(&Job{ID: "j1", CronExpr: "@daily", Enabled: true}))
	require.NoError(t, r.AddJob(&Job{ID: "j2", CronExpr: "@daily", Enabled: false}))

	stats := r.GetStats()
	assert.Equal(t, 2, stats.TotalJobs)
	assert.Equal(t, 1, stats.ActiveJobs)
	assert.Equal(t, 1, stats.DisabledJobs)

	require.NoError(t, r.DisableJob("j1"))
	require.NoError(t, r.DisableJob("j1")) // idempotent
	require.NoError(t, r.EnableJob("j2"))

	stats = r.GetStats()
	assert.Equal(t, 1, stats.ActiveJobs)
	assert.Equal(t, 1, stats.DisabledJobs)
	assert.False(t, stats.NextRun.IsZero())

	assert.Error(t, r.EnableJob("missing"))
	assert.Error(t, r.DisableJob("missing"))
}

func TestStartStop(t *testing.T) {
	r := testRunner(newFakeExecutor())

	require.NoError(t, r.Start())
	assert.Error(t, r.Start(), "double start rejected")
	require.NoError(t, r.Stop())
	assert.Error(t, r.Stop(), "double stop rejected")
}

func TestListJobs(t *testing.T) {
	r := testRunner(newFakeExecutor())

	require.NoError(t, r.AddJob(&Job{ID: "a", CronExpr: "@daily"}))
	require.NoError(t, r.AddJob(&Job{ID: "b", CronExpr: "@weekly"}))

	jobs := r.ListJobs()
	assert.Len(t, jobs, 2)
}
