package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cuongbtq/sc-remote/internal/client"
	"github.com/cuongbtq/sc-remote/internal/credentials"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newConfigureCommand(app *App) *cobra.Command {
	var (
		flags  credentials.Record
		verify bool
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Store the server address and credentials",
		Long: `Prompts for the server address, username and secret and writes them to
the credentials file, readable only by you. Values given as flags are not
prompted for, so scripts can pass all three.`,
		Example: `  sc configure
  sc configure --address https://sc.example.com --username alice --secret "$SC_SECRET"`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.store()
			if err != nil {
				return err
			}

			current := &credentials.Record{}
			if existing, err := store.Load(); err == nil {
				current = existing
			}

			p := newPrompter(app)
			rec := flags
			if !cmd.Flags().Changed("address") {
				if rec.Address, err = p.ask("Server address", current.Address); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("username") {
				if rec.Username, err = p.ask("Username", current.Username); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("secret") {
				if rec.Secret, err = p.secret("Secret", current.Secret); err != nil {
					return err
				}
			}
			rec.Address = strings.TrimRight(strings.TrimSpace(rec.Address), "/")

			if err := rec.Validate(); err != nil {
				return err
			}

			if verify {
				cfg := app.Client
				cfg.Credentials = &rec
				cfg.Logger = app.logger
				c, err := client.New(cfg)
				if err != nil {
					return err
				}
				balance, err := c.Validate(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(app.Out, "Authenticated as %s, %.1f compute minutes remaining\n", balance.Username, balance.MinutesRemaining)
			}

			if err := store.Save(&rec); err != nil {
				return err
			}
			goodColor.Fprintf(app.Out, "Credentials saved to %s\n", store.Path())
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.Address, "address", "", "Server address, e.g. https://sc.example.com")
	cmd.Flags().StringVar(&flags.Username, "username", "", "Account username")
	cmd.Flags().StringVar(&flags.Secret, "secret", "", "Account secret")
	cmd.Flags().BoolVar(&verify, "verify", false, "Check the credentials against the server before saving")
	return cmd
}

// prompter reads answers from the user, hiding secrets on a terminal
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	tty *os.File
}

func newPrompter(app *App) *prompter {
	p := &prompter{in: bufio.NewReader(app.In), out: app.Out}
	if f, ok := app.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.tty = f
	}
	return p
}

func (p *prompter) ask(label, current string) (string, error) {
	if current != "" {
		labelColor.Fprintf(p.out, "%s [%s]: ", label, current)
	} else {
		labelColor.Fprintf(p.out, "%s: ", label)
	}
	return p.readLine(current)
}

func (p *prompter) secret(label, current string) (string, error) {
	if current != "" {
		labelColor.Fprintf(p.out, "%s [keep current]: ", label)
	} else {
		labelColor.Fprintf(p.out, "%s: ", label)
	}

	if p.tty == nil {
		return p.readLine(current)
	}
	raw, err := term.ReadPassword(int(p.tty.Fd()))
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s, nil
	}
	return current, nil
}

func (p *prompter) readLine(current string) (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if s := strings.TrimSpace(line); s != "" {
		return s, nil
	}
	return current, nil
}
