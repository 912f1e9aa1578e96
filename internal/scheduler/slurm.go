package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// SlurmConfig holds Slurm CLI settings
type SlurmConfig struct {
	Account     string
	Partition   string
	WorkdirRoot string
	Command     string
	SbatchPath  string
	SacctPath   string
	ScancelPath string
}

// Runner executes an external command and returns its stdout
type Runner func(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec
func ExecRunner(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Slurm drives a Slurm cluster through sbatch, sacct and scancel
type Slurm struct {
	config SlurmConfig
	fs     afero.Fs
	run    Runner
	logger *slog.Logger
}

// NewSlurm creates a Slurm scheduler. fs must be visible to the compute nodes.
func NewSlurm(config SlurmConfig, fs afero.Fs, run Runner, logger *slog.Logger) *Slurm {
	if config.SbatchPath == "" {
		config.SbatchPath = "sbatch"
	}
	if config.SacctPath == "" {
		config.SacctPath = "sacct"
	}
	if config.ScancelPath == "" {
		config.ScancelPath = "scancel"
	}
	if config.Command == "" {
		config.Command = "sc"
	}
	if run == nil {
		run = ExecRunner
	}

	return &Slurm{
		config: config,
		fs:     fs,
		run:    run,
		logger: logger,
	}
}

// Enqueue renders the job script and submits it with sbatch
func (s *Slurm) Enqueue(ctx context.Context, sub Submission) (Handle, error) {
	dir, err := prepareWorkDir(s.fs, s.config.WorkdirRoot, sub)
	if err != nil {
		return "", err
	}

	script, err := renderScript(sub, dir, s.config.Command, s.config.Account, s.config.Partition)
	if err != nil {
		return "", err
	}

	// sbatch reads the script from stdin when no file is given
	out, err := s.run(ctx, bytes.NewReader(script), s.config.SbatchPath, "--parsable")
	if err != nil {
		return "", fmt.Errorf("sbatch failed: %w", err)
	}

	// --parsable prints "jobid" or "jobid;cluster"
	id := strings.TrimSpace(string(out))
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", fmt.Errorf("unexpected sbatch output %q", strings.TrimSpace(string(out)))
	}

	s.logger.Info("Job submitted to Slurm",
		slog.String("job_id", sub.JobID),
		slog.String("slurm_job_id", id),
		slog.String("partition", s.config.Partition),
	)

	return Handle(id), nil
}

// Status asks sacct for the allocation's state and elapsed time
func (s *Slurm) Status(ctx context.Context, handle Handle) (Status, error) {
	out, err := s.run(ctx, nil, s.config.SacctPath,
		"-j", string(handle), "-X", "-n", "-P", "-o", "JobID,State,Elapsed")
	if err != nil {
		return Status{}, fmt.Errorf("sacct failed: %w", err)
	}
	return parseSacct(string(handle), string(out))
}

// Cancel asks scancel to stop the allocation
func (s *Slurm) Cancel(ctx context.Context, handle Handle) error {
	if _, err := s.run(ctx, nil, s.config.ScancelPath, string(handle)); err != nil {
		return fmt.Errorf("scancel failed: %w", err)
	}

	s.logger.Info("Slurm job cancelled",
		slog.String("slurm_job_id", string(handle)),
	)
	return nil
}

// parseSacct reads `sacct -X -n -P -o JobID,State,Elapsed` output
func parseSacct(id, out string) (Status, error) {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) < 3 || fields[0] != id {
			continue
		}

		elapsed, err := parseElapsed(fields[2])
		if err != nil {
			return Status{}, err
		}

		raw := strings.Fields(fields[1])
		if len(raw) == 0 {
			return Status{}, fmt.Errorf("empty slurm state for job %s", id)
		}
		return Status{State: mapSlurmState(raw[0]), Elapsed: elapsed, Reason: fields[1]}, nil
	}

	// sacct may not list a job for a few seconds after sbatch returns
	return Status{State: StatePending}, nil
}

func mapSlurmState(state string) State {
	switch strings.TrimSuffix(state, "+") {
	case "PENDING", "REQUEUED", "REQUEUE_HOLD", "REQUEUE_FED", "RESV_DEL_HOLD", "SUSPENDED", "CONFIGURING":
		return StatePending
	case "RUNNING", "COMPLETING", "STAGE_OUT", "SIGNALING", "RESIZING":
		return StateRunning
	case "COMPLETED":
		return StateDone
	default:
		// FAILED, TIMEOUT, CANCELLED, NODE_FAIL, OUT_OF_MEMORY, PREEMPTED, BOOT_FAIL, DEADLINE
		return StateFailed
	}
}

var errBadElapsed = errors.New("malformed slurm elapsed time")

// parseElapsed reads Slurm's [DD-[HH:]]MM:SS format
func parseElapsed(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}

	var days int
	if i := strings.IndexByte(v, '-'); i >= 0 {
		d, err := strconv.Atoi(v[:i])
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errBadElapsed, v)
		}
		days = d
		v = v[i+1:]
	}

	parts := strings.Split(v, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", errBadElapsed, v)
	}

	nums := make([]int, 3)
	offset := 3 - len(parts)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errBadElapsed, v)
		}
		nums[offset+i] = n
	}

	return time.Duration(days)*24*time.Hour +
		time.Duration(nums[0])*time.Hour +
		time.Duration(nums[1])*time.Minute +
		time.Duration(nums[2])*time.Second, nil
}
