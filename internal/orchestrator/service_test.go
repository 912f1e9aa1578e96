package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/ledger"
	"github.com/cuongbtq/sc-remote/internal/results"
	"github.com/cuongbtq/sc-remote/internal/storage"
	"github.com/cuongbtq/sc-remote/internal/storage/storagetest"
	"github.com/cuongbtq/sc-remote/shared/logger"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakePublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakePublisher) jobIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, b := range p.bodies {
		var msg domain.JobMessage
		if err := json.Unmarshal(b, &msg); err == nil {
			ids = append(ids, msg.JobID)
		}
	}
	return ids
}

type fixture struct {
	svc       *Service
	ledger    *ledger.Ledger
	storage   *storage.Storage
	fs        afero.Fs
	publisher *fakePublisher
	clock     time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	log := logger.NewNop().Logger

	db := storagetest.NewDB(t)
	afs := afero.NewMemMapFs()

	f := &fixture{
		ledger:    ledger.New(db, ledger.Config{Logger: log, BcryptCost: bcrypt.MinCost}),
		storage:   storage.NewStorage(db, log),
		fs:        afs,
		publisher: &fakePublisher{},
		clock:     time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}

	if config.MaxTimeLimit == 0 {
		config.MaxTimeLimit = 240
	}
	if config.MaxNodes == 0 {
		config.MaxNodes = 4
	}

	store := results.NewStore(afs, results.Config{
		WorkdirRoot: "/work",
		BundleRoot:  "/bundles",
		UploadRoot:  "/uploads",
	}, log)

	f.svc = NewService(f.storage, f.ledger, store, f.publisher, config, log)
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) account(t *testing.T, username string, minutes float64, bandwidth int64) {
	t.Helper()
	_, err := f.ledger.CreateAccount(context.Background(), username, "correct-horse", minutes, bandwidth)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, username string) *domain.Account {
	t.Helper()
	account, err := f.ledger.Balance(context.Background(), username)
	require.NoError(t, err)
	return account
}

func testManifest(limit float64) domain.Manifest {
	return domain.Manifest{
		Design:           "heartbeat",
		Target:           "skywater130_demo",
		Mode:             "asic",
		ToolChain:        domain.ToolChain{Flow: "asicflow"},
		TimeLimitMinutes: limit,
	}
}

func (f *fixture) submit(t *testing.T, username, key string, limit float64) *domain.Job {
	t.Helper()
	job, created, err := f.svc.Submit(context.Background(), SubmitRequest{
		Username:       username,
		IdempotencyKey: key,
		Manifest:       testManifest(limit),
	})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func TestService_SubmitHoldsAndQueues(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 100, 0)

	job := f.submit(t, "alice", "key-1", 30)

	assert.Equal(t, domain.JobStateQueued, job.State)
	assert.Equal(t, 30.0, job.EstimatedCost)
	assert.NotEmpty(t, job.HoldID)
	assert.Equal(t, 70.0, f.balance(t, "alice").MinutesRemaining)
	assert.Equal(t, []string{job.JobID}, f.publisher.jobIDs())

	stored, err := f.svc.Poll(context.Background(), "alice", job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateQueued, stored.State)

	m, err := DecodeManifest(stored)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Nodes)
	assert.Equal(t, 30.0, m.TimeLimitMinutes)

	_, err = f.svc.Poll(context.Background(), "bob", job.JobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestService_SubmitIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 100, 0)

	first := f.submit(t, "alice", "key-1", 30)

	again, created, err := f.svc.Submit(context.Background(), SubmitRequest{
		Username:       "alice",
		IdempotencyKey: "key-1",
		Manifest:       testManifest(30),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.JobID, again.JobID)
	assert.Equal(t, 70.0, f.balance(t, "alice").MinutesRemaining)
	assert.Len(t, f.publisher.jobIDs(), 1)
}

func TestService_SubmitQuotaExceeded(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 20, 0)

	_, _, err := f.svc.Submit(context.Background(), SubmitRequest{
		Username:       "alice",
		IdempotencyKey: "key-1",
		Manifest:       testManifest(30),
	})
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)

	var quotaErr *domain.QuotaError
	require.True(t, errors.As(err, &quotaErr))
	assert.Equal(t, 20.0, quotaErr.Remaining)

	assert.Equal(t, 20.0, f.balance(t, "alice").MinutesRemaining)
	page, err := f.svc.List(context.Background(), storage.JobFilter{Username: "alice"})
	require.NoError(t, err)
	assert.Empty(t, page.Jobs)
	assert.Empty(t, f.publisher.jobIDs())
}

func TestService_SubmitValidation(t *testing.T) {
	f := newFixture(t, Config{MaxTimeLimit: 60, MaxNodes: 2})
	f.account(t, "alice", 1000, 0)

	tests := []struct {
		name   string
		key    string
		mutate func(m *domain.Manifest)
	}{
		{name: "missing idempotency key", key: "", mutate: func(*domain.Manifest) {}},
		{name: "time limit above maximum", key: "k1", mutate: func(m *domain.Manifest) { m.TimeLimitMinutes = 61 }},
		{name: "too many nodes", key: "k2", mutate: func(m *domain.Manifest) { m.Nodes = 3 }},
		{name: "design not an identifier", key: "k3", mutate: func(m *domain.Manifest) { m.Design = "heart beat" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testManifest(30)
			tt.mutate(&m)
			_, _, err := f.svc.Submit(context.Background(), SubmitRequest{Username: "alice", IdempotencyKey: tt.key, Manifest: m})
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	assert.Equal(t, 1000.0, f.balance(t, "alice").MinutesRemaining)
}

// cancelOnEOF simulates a client that disconnects once its upload is sent
type cancelOnEOF struct {
	r      io.Reader
	cancel context.CancelFunc
}

func (c *cancelOnEOF) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err == io.EOF {
		c.cancel()
	}
	return n, err
}

func TestService_SubmitAbandonedByClient(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 100, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _, err := f.svc.Submit(ctx, SubmitRequest{
		Username:       "alice",
		IdempotencyKey: "key-1",
		Manifest:       testManifest(30),
		Inputs:         &cancelOnEOF{r: strings.NewReader("inputs"), cancel: cancel},
	})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 100.0, f.balance(t, "alice").MinutesRemaining)
	outstanding, err := f.ledger.OutstandingHolds(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, outstanding)

	_, err = f.storage.GetJobByIdempotencyKey(context.Background(), "alice", "key-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	entries, _ := afero.ReadDir(f.fs, "/uploads")
	assert.Empty(t, entries)
}

func TestService_AbandonLogsUploadCleanupFailure(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, afero.WriteFile(f.fs, "/uploads/j1.tar.gz", []byte("inputs"), 0o644))

	var buf bytes.Buffer
	log, err := logger.NewWithWriter(&buf, &logger.Config{Level: "warn", Format: "json"})
	require.NoError(t, err)
	f.svc.logger = log.Logger
	f.svc.results = results.NewStore(afero.NewReadOnlyFs(f.fs), results.Config{UploadRoot: "/uploads"}, log.Logger)

	job := &domain.Job{JobID: "j1", Username: "alice", State: domain.JobStateEstimated, InputsPath: "/uploads/j1.tar.gz"}
	err = f.svc.abandon(job, context.Canceled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.JobStateCancelled, job.State)

	assert.Contains(t, buf.String(), `"msg":"Failed to remove uploaded inputs"`)
	assert.Contains(t, buf.String(), `"path":"/uploads/j1.tar.gz"`)
}

func TestService_SubmitWithInputs(t *testing.T) {
	f := newFixture(t, Config{ChargeUploads: true, MaxUploadBytes: 64})
	f.account(t, "alice", 100, 1000)

	job, _, err := f.svc.Submit(context.Background(), SubmitRequest{
		Username:       "alice",
		IdempotencyKey: "key-1",
		Manifest:       testManifest(30),
		Inputs:         strings.NewReader("0123456789"),
	})
	require.NoError(t, err)
	assert.Equal(t, "/uploads/"+job.JobID+".tar.gz", job.InputsPath)
	assert.Equal(t, int64(10), job.InputsBytes)
	assert.Equal(t, int64(990), f.balance(t, "alice").BandwidthRemaining)

	_, _, err = f.svc.Submit(context.Background(), SubmitRequest{
		Username:       "alice",
		IdempotencyKey: "key-2",
		Manifest:       testManifest(30),
		Inputs:         strings.NewReader(strings.Repeat("x", 65)),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 70.0, f.balance(t, "alice").MinutesRemaining)
}

func TestService_SubmitSurvivesPublishFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 100, 0)
	f.publisher.err = errors.New("broker down")

	job := f.submit(t, "alice", "key-1", 30)
	assert.Equal(t, domain.JobStateQueued, job.State)
	assert.Equal(t, 70.0, f.balance(t, "alice").MinutesRemaining)
}

func TestService_CancelQueuedRefundsInFull(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 100, 0)
	job := f.submit(t, "alice", "key-1", 30)

	cancelled, err := f.svc.Cancel(context.Background(), "alice", job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, cancelled.State)
	assert.True(t, cancelled.CompletedAt.Valid)
	assert.Equal(t, 100.0, f.balance(t, "alice").MinutesRemaining)

	// Cancelling again is a no-op
	again, err := f.svc.Cancel(context.Background(), "alice", job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, again.State)
	assert.Equal(t, 100.0, f.balance(t, "alice").MinutesRemaining)

	_, err = f.svc.Cancel(context.Background(), "bob", job.JobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestService_CancelRunningChargesElapsed(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 100, 0)
	job := f.submit(t, "alice", "key-1", 30)

	require.NoError(t, f.svc.MarkRunning(context.Background(), job, 2*time.Minute, "RUNNING"))
	f.advance(8 * time.Minute)

	cancelled, err := f.svc.Cancel(context.Background(), "alice", job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, cancelled.State)
	assert.InDelta(t, 10.0, cancelled.ActualCost, 1e-6)
	assert.InDelta(t, 90.0, f.balance(t, "alice").MinutesRemaining, 1e-6)
}

func TestService_CompleteSettlesActualCost(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 100, 1<<20)
	job := f.submit(t, "alice", "key-1", 30)
	assert.Equal(t, 70.0, f.balance(t, "alice").MinutesRemaining)

	require.NoError(t, afero.WriteFile(f.fs, "/work/"+job.JobID+"/outputs/heartbeat.gds", []byte("GDSII"), 0o644))

	require.NoError(t, f.svc.MarkRunning(context.Background(), job, 0, "RUNNING"))
	require.NoError(t, f.svc.Complete(context.Background(), job, 25*time.Minute, "COMPLETED"))

	assert.Equal(t, 75.0, f.balance(t, "alice").MinutesRemaining)

	done, err := f.svc.Poll(context.Background(), "alice", job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateSucceeded, done.State)
	assert.Equal(t, 25.0, done.ActualCost)

	bundle, err := f.storage.GetBundle(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.BundleStatusAvailable, bundle.Status)
	assert.Positive(t, bundle.SizeBytes)
	assert.True(t, f.clock.Add(7*24*time.Hour).Equal(bundle.ExpiresAt))

	exists, err := afero.DirExists(f.fs, "/work/"+job.JobID)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = f.svc.Cancel(context.Background(), "alice", job.JobID)
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestService_CompleteCapsAtEstimate(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 100, 0)
	job := f.submit(t, "alice", "key-1", 30)

	require.NoError(t, f.svc.MarkRunning(context.Background(), job, 0, "RUNNING"))
	require.NoError(t, f.svc.Complete(context.Background(), job, 45*time.Minute, "COMPLETED"))

	assert.Equal(t, 70.0, f.balance(t, "alice").MinutesRemaining)
}

func TestService_FailRefundsInFull(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 100, 0)
	job := f.submit(t, "alice", "key-1", 30)

	require.NoError(t, f.svc.Fail(context.Background(), job, "scheduler unavailable", ""))
	assert.Equal(t, 100.0, f.balance(t, "alice").MinutesRemaining)

	failed, err := f.svc.Poll(context.Background(), "alice", job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, failed.State)
	assert.Equal(t, "scheduler unavailable", failed.ErrorMessage)

	// A stale in-memory copy loses the race
	err = f.svc.Fail(context.Background(), job, "again", "")
	assert.ErrorIs(t, err, domain.ErrStateConflict)
	assert.Equal(t, 100.0, f.balance(t, "alice").MinutesRemaining)
}

func completedJob(t *testing.T, f *fixture, key string) *domain.Job {
	t.Helper()
	job := f.submit(t, "alice", key, 30)
	require.NoError(t, afero.WriteFile(f.fs, "/work/"+job.JobID+"/outputs/out.txt", []byte(strings.Repeat("result ", 50)), 0o644))
	require.NoError(t, f.svc.MarkRunning(context.Background(), job, 0, "RUNNING"))
	require.NoError(t, f.svc.Complete(context.Background(), job, 10*time.Minute, "COMPLETED"))
	return job
}

func TestService_OpenResultChargesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 100, 1<<20)
	job := completedJob(t, f, "key-1")

	download, err := f.svc.OpenResult(context.Background(), "alice", job.JobID)
	require.NoError(t, err)
	size := download.Bundle.SizeBytes

	data, err := io.ReadAll(download.Content)
	require.NoError(t, err)
	assert.Equal(t, size, int64(len(data)))
	assert.True(t, download.Content.Delivered())
	require.NoError(t, download.Close())

	assert.Equal(t, int64(1<<20)-size, f.balance(t, "alice").BandwidthRemaining)

	// A retried fetch is free
	again, err := f.svc.OpenResult(context.Background(), "alice", job.JobID)
	require.NoError(t, err)
	require.NoError(t, again.Close())
	assert.Equal(t, int64(1<<20)-size, f.balance(t, "alice").BandwidthRemaining)

	f.svc.MarkDelivered(context.Background(), job.JobID)
	bundle, err := f.storage.GetBundle(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.True(t, bundle.DeliveredAt.Valid)
}

func TestService_OpenResultBandwidthExceeded(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 100, 10)
	job := completedJob(t, f, "key-1")

	_, err := f.svc.OpenResult(context.Background(), "alice", job.JobID)
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)

	// The failed attempt did not consume the one-time charge
	require.NoError(t, f.ledger.Credit(context.Background(), "alice", 0, 1<<20))
	download, err := f.svc.OpenResult(context.Background(), "alice", job.JobID)
	require.NoError(t, err)
	require.NoError(t, download.Close())
	assert.Less(t, f.balance(t, "alice").BandwidthRemaining, int64(1<<20+10))
}

func TestService_OpenResultStates(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 1000, 1<<20)

	queued := f.submit(t, "alice", "queued", 30)
	_, err := f.svc.OpenResult(context.Background(), "alice", queued.JobID)
	assert.ErrorIs(t, err, domain.ErrNotReady)

	failed := f.submit(t, "alice", "failed", 30)
	require.NoError(t, f.svc.Fail(context.Background(), failed, "boom", ""))
	_, err = f.svc.OpenResult(context.Background(), "alice", failed.JobID)
	assert.ErrorIs(t, err, domain.ErrNoResult)

	_, err = f.svc.OpenResult(context.Background(), "bob", queued.JobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	expired := completedJob(t, f, "expired")
	f.advance(8 * 24 * time.Hour)
	_, err = f.svc.OpenResult(context.Background(), "alice", expired.JobID)
	assert.ErrorIs(t, err, domain.ErrExpired)
}

func TestService_OpenResultMissingFileIsExpired(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 100, 1<<20)
	job := completedJob(t, f, "key-1")

	require.NoError(t, f.fs.Remove("/bundles/"+job.JobID+".tar.gz"))
	_, err := f.svc.OpenResult(context.Background(), "alice", job.JobID)
	assert.ErrorIs(t, err, domain.ErrExpired)
}

func TestService_Archive(t *testing.T) {
	f := newFixture(t, Config{})
	f.account(t, "alice", 1000, 1<<20)

	queued := f.submit(t, "alice", "queued", 30)
	err := f.svc.Archive(context.Background(), "alice", queued.JobID)
	assert.ErrorIs(t, err, domain.ErrNotReady)

	job := completedJob(t, f, "done")
	require.NoError(t, f.svc.Archive(context.Background(), "alice", job.JobID))

	exists, err := afero.Exists(f.fs, "/bundles/"+job.JobID+".tar.gz")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = f.svc.OpenResult(context.Background(), "alice", job.JobID)
	assert.ErrorIs(t, err, domain.ErrExpired)

	page, err := f.svc.List(context.Background(), storage.JobFilter{Username: "alice"})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, queued.JobID, page.Jobs[0].JobID)
}

func TestService_List(t *testing.T) {
	f := newFixture(t, Config{DefaultPageSize: 2, MaxPageSize: 3})
	f.account(t, "alice", 1000, 0)

	var ids []string
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, f.submit(t, "alice", key, 10).JobID)
		f.advance(time.Second)
	}

	page, err := f.svc.List(context.Background(), storage.JobFilter{Username: "alice"})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, ids[4], page.Jobs[0].JobID)

	page, err = f.svc.List(context.Background(), storage.JobFilter{Username: "alice", PageSize: 50, Cursor: page.Next})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 3)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.Next)
	assert.Equal(t, ids[0], page.Jobs[2].JobID)

	_, err = f.svc.List(context.Background(), storage.JobFilter{Username: "alice", State: "DONE"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEstimate(t *testing.T) {
	f := newFixture(t, Config{DefaultTimeLimit: 45, MaxTimeLimit: 120, MaxNodes: 4})

	tests := []struct {
		name    string
		limit   float64
		nodes   int
		want    Estimate
		wantErr bool
	}{
		{name: "defaults", want: Estimate{TimeLimitMinutes: 45, Nodes: 1, Minutes: 45}},
		{name: "explicit", limit: 30, nodes: 2, want: Estimate{TimeLimitMinutes: 30, Nodes: 2, Minutes: 60}},
		{name: "fractional limit rounds up", limit: 10.2, want: Estimate{TimeLimitMinutes: 11, Nodes: 1, Minutes: 11}},
		{name: "limit at maximum", limit: 120, nodes: 4, want: Estimate{TimeLimitMinutes: 120, Nodes: 4, Minutes: 480}},
		{name: "limit above maximum", limit: 121, wantErr: true},
		{name: "nodes above maximum", limit: 10, nodes: 5, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testManifest(tt.limit)
			m.Nodes = tt.nodes
			got, err := f.svc.Estimate(&m)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, float64(tt.want.TimeLimitMinutes), m.TimeLimitMinutes)
			assert.Equal(t, tt.want.Nodes, m.Nodes)
		})
	}
}

func TestCost(t *testing.T) {
	assert.Equal(t, 25.0, Cost(25*time.Minute, 1, 30))
	assert.Equal(t, 30.0, Cost(45*time.Minute, 1, 30))
	assert.Equal(t, 20.0, Cost(10*time.Minute, 2, 60))
	assert.Equal(t, 0.5, Cost(30*time.Second, 0, 30))
	assert.Zero(t, Cost(-time.Minute, 1, 30))
}
