// Package cli implements the sc command line: credential setup, remote
// compilation and job management against an orchestration service.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cuongbtq/sc-remote/internal/client"
	"github.com/cuongbtq/sc-remote/internal/credentials"
	"github.com/cuongbtq/sc-remote/shared/logger"
	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

// App carries the process resources the commands use
type App struct {
	Fs           afero.Fs
	In           io.Reader
	Out          io.Writer
	Err          io.Writer
	PollInterval time.Duration

	// Client is the template for every client the commands create;
	// Credentials and Logger are filled in per invocation.
	Client client.Config

	credentialsPath string
	debug           bool
	logger          *slog.Logger
}

// NewApp returns an App bound to the real terminal and filesystem
func NewApp() *App {
	return &App{
		Fs:           afero.NewOsFs(),
		In:           os.Stdin,
		Out:          os.Stdout,
		Err:          os.Stderr,
		PollInterval: 10 * time.Second,
		Client:       client.Config{RetryMax: 4},
	}
}

// NewRootCommand builds the sc command tree
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "sc",
		Short: "Run siliconcompiler builds on a remote server",
		Long: `sc submits compilation jobs to a remote orchestration service, tracks
them while they run and downloads their result bundles.

Credentials are read from ~/.sc/credentials (or $SC_CREDENTIALS); create
them with 'sc configure'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := app.setup(); err != nil {
				return err
			}
			app.logCommand(cmd, args)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&app.credentialsPath, "credentials", "", "Path to the credentials file (default ~/.sc/credentials)")
	root.PersistentFlags().BoolVar(&app.debug, "debug", false, "Log requests and retries to stderr")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	root.AddCommand(
		newConfigureCommand(app),
		newPingCommand(app),
		newCompileCommand(app),
		newStatusCommand(app),
		newJobsCommand(app),
		newCancelCommand(app),
		newFetchCommand(app),
	)
	return root
}

// Execute runs the command line and returns the process exit code
func Execute(ctx context.Context, app *App, args []string) int {
	root := NewRootCommand(app)
	root.SetArgs(args)
	root.SetIn(app.In)
	root.SetOut(app.Out)
	root.SetErr(app.Err)

	if err := root.ExecuteContext(ctx); err != nil {
		badColor.Fprintf(app.Err, "Error: %v\n", err)
		return ExitCode(err)
	}
	return ExitOK
}

func (a *App) setup() error {
	level := "warn"
	if a.debug {
		level = "debug"
	}
	log, err := logger.NewWithWriter(a.Err, &logger.Config{
		Level:      level,
		Format:     "console",
		TimeFormat: time.TimeOnly,
		NoColor:    color.NoColor,
	})
	if err != nil {
		return err
	}
	a.logger = log.Logger
	return nil
}

// logCommand records the invocation at debug level with secrets masked
func (a *App) logCommand(cmd *cobra.Command, args []string) {
	if !a.debug {
		return
	}
	line := []string{cmd.CommandPath()}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch {
		case f.Name == "debug":
		case f.Name == "secret":
			line = append(line, "--secret=****")
		case f.Value.Type() == "bool":
			line = append(line, "--"+f.Name)
		default:
			line = append(line, "--"+f.Name+"="+f.Value.String())
		}
	})
	line = append(line, args...)
	a.logger.Debug("Running command", slog.String("command", strings.Join(line, " ")))
}

func (a *App) store() (*credentials.Store, error) {
	path := a.credentialsPath
	if path == "" {
		var err error
		if path, err = credentials.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return credentials.NewStore(a.Fs, path), nil
}

// connect loads the credentials and creates a client
func (a *App) connect() (*client.Client, *credentials.Record, error) {
	store, err := a.store()
	if err != nil {
		return nil, nil, err
	}
	rec, err := store.Load()
	if err != nil {
		return nil, nil, err
	}

	cfg := a.Client
	cfg.Credentials = rec
	cfg.Logger = a.logger
	c, err := client.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return c, rec, nil
}

// exactArgs is cobra.ExactArgs reported as a usage error
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
