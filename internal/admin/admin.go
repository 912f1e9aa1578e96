// Package admin implements sc-admin, the operator tool that manages
// accounts and quota directly in the ledger database.
package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/ledger"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Exit codes
const (
	ExitOK       = 0
	ExitError    = 1
	ExitUsage    = 2
	ExitNotFound = 6
)

var (
	goodColor = color.New(color.FgGreen)
	badColor  = color.New(color.FgRed)
	warnColor = color.New(color.FgYellow)
)

// Opener connects to the ledger described by a config file. The returned
// func releases the connection.
type Opener func(ctx context.Context, configPath string) (*ledger.Ledger, func() error, error)

// App carries the resources of one sc-admin invocation
type App struct {
	Out  io.Writer
	Err  io.Writer
	Open Opener

	// DefaultConfig is used when --config is not given
	DefaultConfig string

	configPath string
}

type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// ExitCode maps a command error to the process exit code
func ExitCode(err error) int {
	var usage *usageError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &usage), errors.Is(err, domain.ErrValidation):
		return ExitUsage
	case errors.Is(err, domain.ErrAccountNotFound):
		return ExitNotFound
	default:
		return ExitError
	}
}

// Execute runs sc-admin and returns the process exit code
func Execute(ctx context.Context, app *App, args []string) int {
	root := NewRootCommand(app)
	root.SetArgs(args)
	root.SetOut(app.Out)
	root.SetErr(app.Err)

	if err := root.ExecuteContext(ctx); err != nil {
		badColor.Fprintf(app.Err, "Error: %v\n", err)
		return ExitCode(err)
	}
	return ExitOK
}

// NewRootCommand builds the sc-admin command tree
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "sc-admin",
		Short:         "Manage sc-remote accounts and quota",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&app.configPath, "config", app.DefaultConfig, "Path to the service configuration file")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.AddCommand(
		newCreateUserCommand(app),
		newSetSecretCommand(app),
		newCreditCommand(app),
		newAccountsCommand(app),
	)
	return root
}

// withLedger opens the ledger for the duration of fn
func (a *App) withLedger(ctx context.Context, fn func(l *ledger.Ledger) error) error {
	l, closeFn, err := a.Open(ctx, a.configPath)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(l)
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

// secretOrGenerated returns the given secret or a fresh random one
func secretOrGenerated(secret string) (string, bool) {
	if secret != "" {
		return secret, false
	}
	return uuid.NewString(), true
}

func newCreateUserCommand(app *App) *cobra.Command {
	var (
		secret    string
		minutes   float64
		bandwidth int64
	)

	cmd := &cobra.Command{
		Use:     "create-user <username>",
		Short:   "Open an account with an initial balance",
		Example: "  sc-admin create-user alice --minutes 600 --bandwidth 10737418240",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, generated := secretOrGenerated(secret)
			return app.withLedger(cmd.Context(), func(l *ledger.Ledger) error {
				account, err := l.CreateAccount(cmd.Context(), args[0], s, minutes, bandwidth)
				if err != nil {
					return err
				}
				goodColor.Fprintf(app.Out, "Created account %s ", account.Username)
				fmt.Fprintf(app.Out, "(%.1f minutes, %d bytes)\n", account.MinutesRemaining, account.BandwidthRemaining)
				if generated {
					printSecret(app.Out, s)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Account secret (generated when omitted)")
	cmd.Flags().Float64Var(&minutes, "minutes", 0, "Initial compute minutes")
	cmd.Flags().Int64Var(&bandwidth, "bandwidth", 0, "Initial results bandwidth in bytes")
	return cmd
}

func newSetSecretCommand(app *App) *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "set-secret <username>",
		Short: "Rotate an account's secret",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, generated := secretOrGenerated(secret)
			return app.withLedger(cmd.Context(), func(l *ledger.Ledger) error {
				if err := l.SetSecret(cmd.Context(), args[0], s); err != nil {
					return err
				}
				goodColor.Fprintf(app.Out, "Secret of %s replaced\n", args[0])
				if generated {
					printSecret(app.Out, s)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "New secret (generated when omitted)")
	return cmd
}

func newCreditCommand(app *App) *cobra.Command {
	var (
		minutes   float64
		bandwidth int64
	)

	cmd := &cobra.Command{
		Use:     "credit <username>",
		Short:   "Add compute minutes or results bandwidth to an account",
		Example: "  sc-admin credit alice --minutes 120",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if minutes == 0 && bandwidth == 0 {
				return &usageError{err: errors.New("nothing to credit; pass --minutes or --bandwidth")}
			}
			return app.withLedger(cmd.Context(), func(l *ledger.Ledger) error {
				if err := l.Credit(cmd.Context(), args[0], minutes, bandwidth); err != nil {
					return err
				}
				account, err := l.Balance(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				goodColor.Fprintf(app.Out, "%s now has %.1f minutes and %d bytes\n",
					account.Username, account.MinutesRemaining, account.BandwidthRemaining)
				return nil
			})
		},
	}

	cmd.Flags().Float64Var(&minutes, "minutes", 0, "Compute minutes to add")
	cmd.Flags().Int64Var(&bandwidth, "bandwidth", 0, "Results bandwidth bytes to add")
	return cmd
}

func newAccountsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List accounts with their balances and outstanding holds",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withLedger(cmd.Context(), func(l *ledger.Ledger) error {
				accounts, err := l.ListAccounts(cmd.Context())
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USERNAME\tMINUTES\tHELD\tBANDWIDTH\tUPDATED")
				for _, account := range accounts {
					held, err := l.OutstandingHolds(cmd.Context(), account.Username)
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%d\t%s\n",
						account.Username, account.MinutesRemaining, held, account.BandwidthRemaining,
						account.UpdatedAt.UTC().Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}

func printSecret(w io.Writer, secret string) {
	warnColor.Fprintln(w, "Generated secret (shown once):")
	fmt.Fprintln(w, secret)
}
