package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/cuongbtq/sc-remote/internal/client"
	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newPingCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the credentials and show the remaining quota",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, rec, err := app.connect()
			if err != nil {
				return err
			}
			balance, err := c.Validate(cmd.Context())
			if err != nil {
				return err
			}

			headerColor.Fprintf(app.Out, "%s @ %s\n", balance.Username, rec.Address)
			minutes := goodColor
			if balance.MinutesRemaining <= 0 {
				minutes = badColor
			}
			bandwidth := goodColor
			if balance.BandwidthRemaining <= 0 {
				bandwidth = badColor
			}
			labelColor.Fprint(app.Out, "Compute minutes remaining:   ")
			minutes.Fprintf(app.Out, "%.1f\n", balance.MinutesRemaining)
			labelColor.Fprint(app.Out, "Results bandwidth remaining: ")
			bandwidth.Fprintf(app.Out, "%s\n", formatBytes(balance.BandwidthRemaining))
			return nil
		},
	}
}

func newStatusCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "status <job-id>",
		Short:   "Show one job",
		Example: "  sc status 3f0c2a4e-7d1b-4b8e-9a55-0c1d2e3f4a5b",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := app.connect()
			if err != nil {
				return err
			}
			job, err := c.Poll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(app.Out, job)
			return nil
		},
	}
}

func newJobsCommand(app *App) *cobra.Command {
	var (
		opts client.ListOptions
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List your jobs, newest first",
		Example: `  sc jobs
  sc jobs --state RUNNING
  sc jobs --all`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.State != "" && !domain.JobState(opts.State).Valid() {
				return usagef("unknown state %q", opts.State)
			}
			c, _, err := app.connect()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB ID\tSTATE\tESTIMATED\tCHARGED\tSUBMITTED")
			for {
				page, err := c.List(cmd.Context(), opts)
				if err != nil {
					return err
				}
				for i := range page.Jobs {
					job := &page.Jobs[i]
					fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.1f\t%s\n",
						job.JobID, job.State, job.EstimatedCost, job.ActualCost, job.SubmittedAt)
				}
				opts.Cursor = page.NextCursor
				if opts.Cursor == "" || !all {
					break
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if opts.Cursor != "" {
				fmt.Fprintf(app.Out, "\nMore jobs: sc jobs --cursor %s\n", opts.Cursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.State, "state", "", "Only list jobs in this state")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 20, "Jobs per page")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "Continue a previous listing")
	cmd.Flags().BoolVar(&all, "all", false, "Follow every page")
	return cmd
}

func newCancelCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Stop a job and release its reserved minutes",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := app.connect()
			if err != nil {
				return err
			}
			job, err := c.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(app.Out, job)
			return nil
		},
	}
}

func newFetchCommand(app *App) *cobra.Command {
	var (
		output    string
		keep      bool
		maxUnpack int64
	)

	cmd := &cobra.Command{
		Use:   "fetch <job-id>",
		Short: "Download and unpack a finished job's results",
		Long: `Downloads the result bundle of a SUCCEEDED job and unpacks it into
<output>/<job-id>. The first download is charged against your results
bandwidth; interrupted downloads resume without a second charge.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := app.connect()
			if err != nil {
				return err
			}
			return app.download(cmd.Context(), c, args[0], output, keep, maxUnpack)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", ".", "Directory to unpack into")
	cmd.Flags().BoolVar(&keep, "keep-bundle", false, "Keep the downloaded .tar.gz next to the results")
	cmd.Flags().Int64Var(&maxUnpack, "max-unpack-bytes", 0, maxUnpackUsage)
	return cmd
}

const maxUnpackUsage = "Refuse to unpack more than this many bytes (default 100x the bundle size, at least 64 MiB)"

// download fetches a bundle into outputDir and unpacks at most maxUnpack
// bytes of it
func (a *App) download(ctx context.Context, c *client.Client, jobID, outputDir string, keep bool, maxUnpack int64) error {
	if err := a.Fs.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	bundlePath := filepath.Join(outputDir, jobID+".tar.gz")
	f, err := a.Fs.OpenFile(bundlePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	bundle, err := c.Fetch(ctx, jobID, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = a.Fs.Remove(bundlePath)
		return err
	}

	dest := filepath.Join(outputDir, jobID)
	if err := client.Unpack(a.Fs, bundlePath, dest, maxUnpack); err != nil {
		// The bundle stays for inspection
		return fmt.Errorf("failed to unpack %s: %w", bundlePath, err)
	}
	if !keep {
		if err := a.Fs.Remove(bundlePath); err != nil {
			return err
		}
	}

	goodColor.Fprintf(a.Out, "Results unpacked to %s ", dest)
	fmt.Fprintf(a.Out, "(%s, sha256 %s)\n", formatBytes(bundle.SizeBytes), bundle.SHA256)
	return nil
}

func stateColor(state string) *color.Color {
	switch domain.JobState(state) {
	case domain.JobStateSucceeded:
		return goodColor
	case domain.JobStateFailed:
		return badColor
	case domain.JobStateCancelled:
		return warnColor
	default:
		return headerColor
	}
}

func printJob(w io.Writer, job *client.Job) {
	row := func(label, value string) {
		if value == "" {
			return
		}
		labelColor.Fprintf(w, "%-16s", label)
		fmt.Fprintln(w, value)
	}

	labelColor.Fprintf(w, "%-16s", "Job")
	fmt.Fprintln(w, job.JobID)
	labelColor.Fprintf(w, "%-16s", "State")
	stateColor(job.State).Fprintln(w, job.State)
	row("Scheduler", job.SchedulerState)
	row("Estimated", fmt.Sprintf("%.1f minutes", job.EstimatedCost))
	if job.Terminal() {
		row("Charged", fmt.Sprintf("%.1f minutes", job.ActualCost))
	}
	row("Submitted", job.SubmittedAt)
	row("Started", job.StartedAt)
	row("Completed", job.CompletedAt)
	row("Error", job.ErrorMessage)
}
