// Package apitest runs the orchestration API in-process on an in-memory
// database and filesystem.
package apitest

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/sc-remote/internal/api/handler"
	"github.com/cuongbtq/sc-remote/internal/api/router"
	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/ledger"
	"github.com/cuongbtq/sc-remote/internal/orchestrator"
	"github.com/cuongbtq/sc-remote/internal/results"
	"github.com/cuongbtq/sc-remote/internal/scheduler"
	"github.com/cuongbtq/sc-remote/internal/storage"
	"github.com/cuongbtq/sc-remote/internal/storage/storagetest"
	"github.com/cuongbtq/sc-remote/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// Test account credentials
const (
	Username = "alice"
	Secret   = "correct-horse"
	WorkRoot = "/work"
)

// Publisher records published job ids
type Publisher struct {
	mu  sync.Mutex
	ids []string
}

// PublishWithRetry implements orchestrator.Publisher
func (p *Publisher) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, msg.JobID)
	return nil
}

// IDs returns every published job id in order
func (p *Publisher) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

// Options tweak a test server
type Options struct {
	Minutes     float64
	Bandwidth   int64
	RateLimiter *router.RateLimiter
	Config      orchestrator.Config
}

// Server is a running API backed by throwaway state
type Server struct {
	*httptest.Server
	Service   *orchestrator.Service
	Ledger    *ledger.Ledger
	Storage   *storage.Storage
	FS        afero.Fs
	Publisher *Publisher
}

// NewServer starts an API server with one funded account
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop().Logger

	db := storagetest.NewDB(t)
	s := &Server{
		Ledger:    ledger.New(db, ledger.Config{Logger: log, BcryptCost: bcrypt.MinCost}),
		Storage:   storage.NewStorage(db, log),
		FS:        afero.NewMemMapFs(),
		Publisher: &Publisher{},
	}

	if opts.Config.MaxTimeLimit == 0 {
		opts.Config.MaxTimeLimit = 240
	}
	if opts.Config.MaxNodes == 0 {
		opts.Config.MaxNodes = 4
	}
	if opts.Config.MaxUploadBytes == 0 {
		opts.Config.MaxUploadBytes = 1 << 20
	}

	store := results.NewStore(s.FS, results.Config{
		WorkdirRoot: WorkRoot,
		BundleRoot:  "/bundles",
		UploadRoot:  "/uploads",
	}, log)
	s.Service = orchestrator.NewService(s.Storage, s.Ledger, store, s.Publisher, opts.Config, log)

	_, err := s.Ledger.CreateAccount(context.Background(), Username, Secret, opts.Minutes, opts.Bandwidth)
	require.NoError(t, err)

	engine := router.SetupRouter(&router.Dependencies{
		Dependencies: handler.Dependencies{Logger: log, Service: s.Service},
		Auth:         s.Ledger,
		RateLimiter:  opts.RateLimiter,
		ServiceName:  "sc-remote-api-test",
	})
	s.Server = httptest.NewServer(engine)
	t.Cleanup(s.Server.Close)
	return s
}

// Complete runs a queued job to SUCCEEDED as if the scheduler reported it
// done after elapsed, with files as its outputs.
func (s *Server) Complete(t testing.TB, jobID string, elapsed time.Duration, files map[string]string) {
	t.Helper()
	ctx := context.Background()

	outputs := scheduler.OutputsPath(WorkRoot, jobID)
	for name, content := range files {
		require.NoError(t, afero.WriteFile(s.FS, path.Join(outputs, name), []byte(content), 0o644))
	}

	job, err := s.Storage.GetJobByID(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, s.Service.MarkRunning(ctx, job, elapsed, "running"))
	require.NoError(t, s.Service.Complete(ctx, job, elapsed, "done"))
}

// Start moves a queued job to RUNNING
func (s *Server) Start(t testing.TB, jobID string, elapsed time.Duration) {
	t.Helper()
	job, err := s.Storage.GetJobByID(context.Background(), jobID)
	require.NoError(t, err)
	require.NoError(t, s.Service.MarkRunning(context.Background(), job, elapsed, "running"))
}

// Minutes returns the test account's remaining compute minutes
func (s *Server) Minutes(t testing.TB) float64 {
	t.Helper()
	account, err := s.Ledger.Balance(context.Background(), Username)
	require.NoError(t, err)
	return account.MinutesRemaining
}

// Bandwidth returns the test account's remaining bandwidth
func (s *Server) Bandwidth(t testing.TB) int64 {
	t.Helper()
	account, err := s.Ledger.Balance(context.Background(), Username)
	require.NoError(t, err)
	return account.BandwidthRemaining
}

// Fail ends a queued or running job as FAILED with reason
func (s *Server) Fail(t testing.TB, jobID, reason string) {
	t.Helper()
	job, err := s.Storage.GetJobByID(context.Background(), jobID)
	require.NoError(t, err)
	require.NoError(t, s.Service.Fail(context.Background(), job, reason, "failed"))
}
