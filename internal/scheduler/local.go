package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// LocalConfig holds settings for running jobs on the worker host
type LocalConfig struct {
	WorkdirRoot string
	Command     string
	Shell       string
}

type localJob struct {
	cancel   context.CancelFunc
	state    State
	reason   string
	started  time.Time
	finished time.Time
}

// Local runs job scripts as child processes of the worker. It keeps no
// state across restarts, so handles from a previous process are unknown.
type Local struct {
	config LocalConfig
	fs     afero.Fs
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[Handle]*localJob
	now  func() time.Time
}

// NewLocal creates a Local scheduler. fs must be the OS filesystem.
func NewLocal(config LocalConfig, fs afero.Fs, logger *slog.Logger) *Local {
	if config.Command == "" {
		config.Command = "sc"
	}
	if config.Shell == "" {
		config.Shell = "bash"
	}

	return &Local{
		config: config,
		fs:     fs,
		logger: logger,
		jobs:   make(map[Handle]*localJob),
		now:    time.Now,
	}
}

// Enqueue writes the job script and starts it in the background
func (l *Local) Enqueue(ctx context.Context, sub Submission) (Handle, error) {
	dir, err := prepareWorkDir(l.fs, l.config.WorkdirRoot, sub)
	if err != nil {
		return "", err
	}

	script, err := renderScript(sub, dir, l.config.Command, "", "")
	if err != nil {
		return "", err
	}

	scriptPath := path.Join(dir, ScriptFile)
	if err := afero.WriteFile(l.fs, scriptPath, script, 0o755); err != nil {
		return "", fmt.Errorf("failed to write job script: %w", err)
	}

	handle := Handle("local-" + sub.JobID)

	// The job outlives the dispatching request
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if sub.TimeLimitMinutes > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), time.Duration(sub.TimeLimitMinutes)*time.Minute)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	job := &localJob{cancel: cancel, state: StateRunning, started: l.now()}

	l.mu.Lock()
	if _, exists := l.jobs[handle]; exists {
		l.mu.Unlock()
		cancel()
		return handle, nil
	}
	l.jobs[handle] = job
	l.mu.Unlock()

	cmd := exec.CommandContext(runCtx, l.config.Shell, scriptPath)
	cmd.Dir = dir
	if err := cmd.Start(); err != nil {
		cancel()
		l.finish(handle, StateFailed, err.Error())
		return handle, nil
	}

	l.logger.Info("Job started locally",
		slog.String("job_id", sub.JobID),
		slog.Int("pid", cmd.Process.Pid),
	)

	go func() {
		err := cmd.Wait()
		cancel()
		if err != nil {
			l.finish(handle, StateFailed, err.Error())
			return
		}
		l.finish(handle, StateDone, "")
	}()

	return handle, nil
}

func (l *Local) finish(handle Handle, state State, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[handle]
	if !ok || job.state == StateDone || job.state == StateFailed {
		return
	}
	job.state = state
	job.reason = reason
	job.finished = l.now()
}

// Status reports a local job's state
func (l *Local) Status(_ context.Context, handle Handle) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[handle]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}

	end := job.finished
	if end.IsZero() {
		end = l.now()
	}
	return Status{State: job.state, Elapsed: end.Sub(job.started), Reason: job.reason}, nil
}

// Cancel kills a local job
func (l *Local) Cancel(_ context.Context, handle Handle) error {
	l.mu.Lock()
	job, ok := l.jobs[handle]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}

	l.finish(handle, StateFailed, "cancelled")
	job.cancel()
	return nil
}
