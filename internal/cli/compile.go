package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cuongbtq/sc-remote/internal/client"
	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/results"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

type compileOptions struct {
	remote       bool
	inputs       string
	output       string
	key          string
	detach       bool
	keep         bool
	maxUnpack    int64
	pollInterval time.Duration
}

func newCompileCommand(app *App) *cobra.Command {
	opts := compileOptions{}

	cmd := &cobra.Command{
		Use:   "compile <manifest.json>",
		Short: "Compile a design on the remote server",
		Long: `Submits the manifest, and the inputs directory if given, as a remote job.
The command then waits for the job to finish and unpacks its results into
<output>/<job-id>.

Local compilation is driven by the siliconcompiler front end; this command
only handles --remote runs.`,
		Example: `  sc compile --remote heartbeat.json --inputs ./src
  sc compile --remote heartbeat.json --detach`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.remote {
				return usagef("local compilation runs through the siliconcompiler front end; pass --remote to compile on the server")
			}
			if opts.pollInterval <= 0 {
				opts.pollInterval = app.PollInterval
			}
			return app.compile(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.remote, "remote", false, "Run the compilation on the configured server")
	cmd.Flags().StringVar(&opts.inputs, "inputs", "", "Directory of design sources to upload")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "build", "Directory to unpack results into")
	cmd.Flags().StringVar(&opts.key, "idempotency-key", "", "Reuse the key of an earlier attempt instead of submitting twice")
	cmd.Flags().BoolVar(&opts.detach, "detach", false, "Return after submitting instead of waiting")
	cmd.Flags().BoolVar(&opts.keep, "keep-bundle", false, "Keep the downloaded .tar.gz next to the results")
	cmd.Flags().Int64Var(&opts.maxUnpack, "max-unpack-bytes", 0, maxUnpackUsage)
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", 0, "Time between status checks (default 10s)")
	return cmd
}

// readManifest loads and checks a manifest file
func (a *App) readManifest(path string) (*domain.Manifest, error) {
	data, err := afero.ReadFile(a.Fs, path)
	if err != nil {
		return nil, usageError(err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m domain.Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, usagef("%s: %v", path, err)
	}
	if m.Design == "" || m.Target == "" || m.ToolChain.Flow == "" {
		return nil, usagef("%s: design, target and tool_chain.flow are required", path)
	}
	if err := m.Check(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

func (a *App) compile(ctx context.Context, manifestPath string, opts compileOptions) error {
	manifest, err := a.readManifest(manifestPath)
	if err != nil {
		return err
	}

	c, _, err := a.connect()
	if err != nil {
		return err
	}

	var inputs io.Reader
	if opts.inputs != "" {
		info, err := a.Fs.Stat(opts.inputs)
		if err != nil {
			return usageError(err)
		}
		if !info.IsDir() {
			return usagef("--inputs %s is not a directory", opts.inputs)
		}

		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(results.Archive(a.Fs, opts.inputs, pw))
		}()
		defer pr.Close()
		inputs = pr
	}

	key := opts.key
	if key == "" {
		key = client.NewIdempotencyKey()
	}
	job, err := c.Submit(ctx, manifest, inputs, key)
	if err != nil {
		return err
	}

	headerColor.Fprintf(a.Out, "Submitted job %s ", job.JobID)
	fmt.Fprintf(a.Out, "(%s, estimated %.1f minutes)\n", manifest.Design, job.EstimatedCost)
	if opts.detach {
		fmt.Fprintf(a.Out, "Follow it with: sc status %s\n", job.JobID)
		return nil
	}

	job, err = a.wait(ctx, c, job, opts.pollInterval)
	if err != nil {
		if ctx.Err() != nil {
			warnColor.Fprintf(a.Err, "Job %s keeps running on the server; stop it with: sc cancel %s\n", job.JobID, job.JobID)
		}
		return err
	}

	if domain.JobState(job.State) != domain.JobStateSucceeded {
		return &JobError{JobID: job.JobID, State: job.State, Message: job.ErrorMessage}
	}
	goodColor.Fprintf(a.Out, "Job %s succeeded, charged %.1f minutes\n", job.JobID, job.ActualCost)
	return a.download(ctx, c, job.JobID, opts.output, opts.keep, opts.maxUnpack)
}

// wait polls until the job is terminal, printing every state change. The
// last known snapshot is returned alongside any error.
func (a *App) wait(ctx context.Context, c *client.Client, job *client.Job, interval time.Duration) (*client.Job, error) {
	last := ""
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if seen := job.State + "/" + job.SchedulerState; seen != last {
			last = seen
			fmt.Fprintf(a.Out, "[%s] ", time.Now().Format(time.TimeOnly))
			stateColor(job.State).Fprint(a.Out, job.State)
			if job.SchedulerState != "" {
				fmt.Fprintf(a.Out, " (scheduler: %s)", job.SchedulerState)
			}
			fmt.Fprintln(a.Out)
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}

		next, err := c.Poll(ctx, job.JobID)
		if err != nil {
			return job, err
		}
		job = next
	}
}
