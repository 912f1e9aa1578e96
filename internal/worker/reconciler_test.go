package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/scheduler"
	"github.com/cuongbtq/sc-remote/internal/storage"
	"github.com/cuongbtq/sc-remote/shared/logger"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *env) reconciler(config ReconcilerConfig) *Reconciler {
	return NewReconciler(e.storage, e.service, e.fake, config, logger.NewNop().Logger)
}

// dispatch submits and enqueues a job, returning it with its handle
func (e *env) dispatch(t *testing.T, key string) (*domain.Job, scheduler.Handle) {
	t.Helper()
	job := e.submit(t, key)
	require.NoError(t, e.worker.processJob(context.Background(), "worker-test-0", domain.JobMessage{JobID: job.JobID}))

	stored := e.job(t, job.JobID)
	require.True(t, stored.SchedulerHandle.Valid)
	require.NoError(t, afero.WriteFile(e.fs, "/work/"+job.JobID+"/outputs/heartbeat.gds", []byte("GDSII"), 0o644))
	return stored, scheduler.Handle(stored.SchedulerHandle.String)
}

func TestReconciler_DoneJobSucceeds(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(ReconcilerConfig{})
	job, handle := e.dispatch(t, "k1")

	e.fake.SetStatus(handle, scheduler.Status{State: scheduler.StateRunning, Elapsed: 5 * time.Minute})
	r.RunOnce(context.Background())

	running := e.job(t, job.JobID)
	assert.Equal(t, domain.JobStateRunning, running.State)
	assert.True(t, running.StartedAt.Valid)
	assert.Equal(t, "running", running.SchedulerState)

	e.fake.SetStatus(handle, scheduler.Status{State: scheduler.StateDone, Elapsed: 25 * time.Minute})
	r.RunOnce(context.Background())

	done := e.job(t, job.JobID)
	assert.Equal(t, domain.JobStateSucceeded, done.State)
	assert.Equal(t, 25.0, done.ActualCost)
	assert.Equal(t, 75.0, e.minutes(t))

	bundle, err := e.storage.GetBundle(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.BundleStatusAvailable, bundle.Status)

	// Terminal jobs are no longer polled
	r.RunOnce(context.Background())
	assert.Equal(t, 75.0, e.minutes(t))
}

func TestReconciler_DoneBetweenPolls(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(ReconcilerConfig{})
	job, handle := e.dispatch(t, "k1")

	e.fake.SetStatus(handle, scheduler.Status{State: scheduler.StateDone, Elapsed: 12 * time.Minute})
	r.RunOnce(context.Background())

	done := e.job(t, job.JobID)
	assert.Equal(t, domain.JobStateSucceeded, done.State)
	assert.True(t, done.StartedAt.Valid)
	assert.Equal(t, 88.0, e.minutes(t))
}

func TestReconciler_FailedJobRefunds(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(ReconcilerConfig{})
	job, handle := e.dispatch(t, "k1")

	e.fake.SetStatus(handle, scheduler.Status{State: scheduler.StateFailed, Reason: "exit code 1"})
	r.RunOnce(context.Background())

	failed := e.job(t, job.JobID)
	assert.Equal(t, domain.JobStateFailed, failed.State)
	assert.Equal(t, "exit code 1", failed.ErrorMessage)
	assert.Equal(t, 100.0, e.minutes(t))
}

func TestReconciler_UnknownHandleFails(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(ReconcilerConfig{})
	job, _ := e.dispatch(t, "k1")

	require.NoError(t, e.storage.SetSchedulerHandle(context.Background(), job.JobID, "ghost"))
	r.RunOnce(context.Background())

	assert.Equal(t, domain.JobStateFailed, e.job(t, job.JobID).State)
	assert.Equal(t, 100.0, e.minutes(t))
}

func TestReconciler_SchedulerUnreachable(t *testing.T) {
	tests := []struct {
		name       string
		statusErr  error
		wantState  domain.JobState
		wantMinute float64
	}{
		{
			name:       "transient error leaves the job running",
			statusErr:  errors.New("sacct: connection refused"),
			wantState:  domain.JobStateRunning,
			wantMinute: 70,
		},
		{
			name:       "exhausted retries fail the job with a full refund",
			statusErr:  fmt.Errorf("%w: sacct kept failing after 5 attempts", domain.ErrSchedulerUnavailable),
			wantState:  domain.JobStateFailed,
			wantMinute: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			r := e.reconciler(ReconcilerConfig{})
			job, handle := e.dispatch(t, "k1")

			e.fake.SetStatus(handle, scheduler.Status{State: scheduler.StateRunning, Elapsed: time.Minute})
			r.RunOnce(context.Background())
			require.Equal(t, domain.JobStateRunning, e.job(t, job.JobID).State)

			e.fake.StatusErr = tt.statusErr
			for i := 0; i < 3; i++ {
				r.RunOnce(context.Background())
			}

			got := e.job(t, job.JobID)
			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, tt.wantMinute, e.minutes(t))
			if tt.wantState == domain.JobStateFailed {
				assert.Contains(t, got.ErrorMessage, "scheduler unavailable")
			}
		})
	}
}

func TestReconciler_IgnoresBackwardsReport(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(ReconcilerConfig{})
	job, handle := e.dispatch(t, "k1")

	e.fake.SetStatus(handle, scheduler.Status{State: scheduler.StateRunning, Elapsed: time.Minute})
	r.RunOnce(context.Background())
	require.Equal(t, domain.JobStateRunning, e.job(t, job.JobID).State)

	e.fake.SetStatus(handle, scheduler.Status{State: scheduler.StatePending})
	r.RunOnce(context.Background())
	assert.Equal(t, domain.JobStateRunning, e.job(t, job.JobID).State)
}

func TestReconciler_ForwardsCancel(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(ReconcilerConfig{})
	job, handle := e.dispatch(t, "k1")

	_, err := e.service.Cancel(context.Background(), "alice", job.JobID)
	require.NoError(t, err)
	assert.False(t, e.fake.Cancelled(handle))

	r.RunOnce(context.Background())
	assert.True(t, e.fake.Cancelled(handle))

	cancelled := e.job(t, job.JobID)
	assert.Equal(t, domain.JobStateCancelled, cancelled.State)
	assert.True(t, cancelled.CancelSentAt.Valid)

	pending, err := e.storage.ListPendingCancels(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReconciler_RepublishesUndispatched(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(ReconcilerConfig{RepublishAfter: 5 * time.Minute})

	lost := e.submit(t, "lost")
	stale := e.submit(t, "stale")
	_, err := e.storage.ClaimJob(context.Background(), stale.JobID, "dead-worker")
	require.NoError(t, err)

	// Nothing is old enough yet
	r.RunOnce(context.Background())
	assert.Equal(t, 1, e.publisher.count(lost.JobID))

	r.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }
	r.RunOnce(context.Background())

	assert.Equal(t, 2, e.publisher.count(lost.JobID))
	assert.Equal(t, 2, e.publisher.count(stale.JobID))
	assert.False(t, e.job(t, stale.JobID).WorkerID.Valid)

	require.NoError(t, e.worker.processJob(context.Background(), "worker-test-1", domain.JobMessage{JobID: stale.JobID}))
	assert.True(t, e.job(t, stale.JobID).SchedulerHandle.Valid)
}

func TestReconciler_PurgesExpiredAndDeliveredBundles(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(ReconcilerConfig{DeliveredGrace: time.Hour})

	expiring, h1 := e.dispatch(t, "expiring")
	delivered, h2 := e.dispatch(t, "delivered")
	e.fake.SetStatus(h1, scheduler.Status{State: scheduler.StateDone, Elapsed: time.Minute})
	e.fake.SetStatus(h2, scheduler.Status{State: scheduler.StateDone, Elapsed: time.Minute})
	r.RunOnce(context.Background())

	e.service.MarkDelivered(context.Background(), delivered.JobID)

	r.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	r.RunOnce(context.Background())

	gone, err := e.storage.GetBundle(context.Background(), delivered.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.BundleStatusExpired, gone.Status)
	exists, err := afero.Exists(e.fs, "/bundles/"+delivered.JobID+".tar.gz")
	require.NoError(t, err)
	assert.False(t, exists)

	kept, err := e.storage.GetBundle(context.Background(), expiring.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.BundleStatusAvailable, kept.Status)

	r.now = func() time.Time { return time.Now().UTC().Add(8 * 24 * time.Hour) }
	r.RunOnce(context.Background())

	expired, err := e.storage.GetBundle(context.Background(), expiring.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.BundleStatusExpired, expired.Status)
}

func TestReconciler_ArchivesOldJobs(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(ReconcilerConfig{ArchiveAfter: 24 * time.Hour})

	job, handle := e.dispatch(t, "k1")
	e.fake.SetStatus(handle, scheduler.Status{State: scheduler.StateFailed})
	r.RunOnce(context.Background())

	r.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }
	r.RunOnce(context.Background())

	archived := e.job(t, job.JobID)
	assert.True(t, archived.ArchivedAt.Valid)

	jobs, err := e.storage.ListJobs(context.Background(), storage.JobFilter{Username: "alice", PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	r := e.reconciler(ReconcilerConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
