// Package cli implements the parscade command-line client.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/app"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/config"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/logger"
)

type rootFlags struct {
	envFile    string
	jsonOutput bool
}

// NewRootCommand builds the parscade command tree.
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "parscade",
		Short:         "Parscade account and upload client",
		Long:          "parscade signs in to Parscade, manages the local session and uploads documents.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "Load environment variables from this file first")
	root.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "Output as JSON")

	root.AddCommand(
		newSignInCommand(flags),
		newSignUpCommand(flags),
		newSignOutCommand(flags),
		newStatusCommand(flags),
		newResendConfirmationCommand(flags),
		newForgotPasswordCommand(flags),
		newResetPasswordCommand(flags),
		newUploadCommand(flags),
		newWatchCommand(flags),
	)
	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// openApp loads configuration and wires the client. Logs go to stderr as
// text so stdout stays clean for command output.
func (f *rootFlags) openApp(cmd *cobra.Command) (*app.App, error) {
	var files []string
	if f.envFile != "" {
		files = append(files, f.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.SessionFile == "" {
		path, err := defaultSessionFile()
		if err != nil {
			return nil, err
		}
		cfg.SessionFile = path
	}

	errOut := cmd.ErrOrStderr()
	log := logger.NewWithWriter("parscade-cli", cfg.LogLevel, logger.FormatText, errOut)
	return app.NewApp(cmd.Context(), cfg, log, app.WithNavigator(func(target string) {
		fmt.Fprintf(errOut, "Your session has ended. Sign in again to continue (%s).\n", target)
	}))
}

// withApp runs fn against a wired client and shuts it down afterwards.
func (f *rootFlags) withApp(cmd *cobra.Command, fn func(a *app.App) error) (err error) {
	a, err := f.openApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if serr := a.Shutdown(); serr != nil && err == nil {
			err = serr
		}
	}()
	return fn(a)
}

// print writes v as a JSON line when --json is set, otherwise human text.
func (f *rootFlags) print(w io.Writer, v any, human func(io.Writer)) error {
	if f.jsonOutput {
		return json.NewEncoder(w).Encode(v)
	}
	human(w)
	return nil
}

func defaultSessionFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "parscade", "session.json"), nil
}

// prompter reads answers line by line from the command's input.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(cmd *cobra.Command) *prompter {
	return &prompter{in: bufio.NewReader(cmd.InOrStdin()), out: cmd.ErrOrStderr()}
}

func (p *prompter) ask(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("no input for %q", strings.TrimSuffix(strings.TrimSpace(label), ":"))
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// orAsk returns value when set and prompts otherwise.
func (p *prompter) orAsk(value, label string) (string, error) {
	if value != "" {
		return value, nil
	}
	return p.ask(label)
}
