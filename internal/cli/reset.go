package cli

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/app"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/recovery"
)

// maxResetPrompts bounds how often an interactive reset asks again after a
// form error.
const maxResetPrompts = 3

// terminalPage is the recovery.Page for a link pasted into the terminal.
type terminalPage struct {
	mu         sync.Mutex
	u          *url.URL
	redirected chan string
}

func newTerminalPage(u *url.URL) *terminalPage {
	return &terminalPage{u: u, redirected: make(chan string, 1)}
}

func (p *terminalPage) URL() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.u == nil {
		return nil
	}
	c := *p.u
	return &c
}

func (p *terminalPage) ReplaceURL(u *url.URL) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.u = u
}

func (p *terminalPage) Redirect(target string) {
	select {
	case p.redirected <- target:
	default:
	}
}

// ResetOutput is the JSON form of a finished reset.
type ResetOutput struct {
	Status       string `json:"status"`
	AutoLoggedIn bool   `json:"auto_logged_in"`
	Redirect     string `json:"redirect"`
}

func newResetPasswordCommand(flags *rootFlags) *cobra.Command {
	var password, confirm string

	cmd := &cobra.Command{
		Use:   "reset-password <link>",
		Short: "Set a new password from a reset link",
		Long: "reset-password opens the link from a password reset email and sets a new password.\n" +
			"Pass the page address without tokens to reset the password of the signed-in account.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link, err := url.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid link: %w", err)
			}

			return flags.withApp(cmd, func(a *app.App) error {
				ctx := cmd.Context()
				page := newTerminalPage(link)
				flow := a.NewResetFlow(page)
				defer flow.Close()

				st := flow.Boot(ctx)
				if st.Phase != recovery.PhaseReady {
					return errors.New(st.Error)
				}

				p := newPrompter(cmd)
				interactive := password == ""
				for attempt := 1; ; attempt++ {
					pw, err := p.orAsk(password, "New password: ")
					if err != nil {
						return err
					}
					cf, err := p.orAsk(confirm, "Confirm password: ")
					if err != nil {
						return err
					}

					st = flow.Submit(ctx, recovery.Form{Password: pw, ConfirmPassword: cf})
					if st.Phase == recovery.PhaseComplete {
						break
					}
					if st.Phase == recovery.PhaseReady && st.Recovery == recovery.RetryResubmit &&
						interactive && attempt < maxResetPrompts {
						fmt.Fprintln(cmd.ErrOrStderr(), st.Error)
						continue
					}
					return errors.New(st.Error)
				}

				var target string
				select {
				case target = <-page.redirected:
				case <-ctx.Done():
					target = flow.CompleteRecoveryFlow(ctx)
				}

				out := ResetOutput{Status: string(recovery.PhaseComplete), AutoLoggedIn: st.AutoLoggedIn, Redirect: target}
				return flags.print(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintln(w, "Password updated. Sign in with your new password.")
				})
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "New password (prompted when omitted)")
	cmd.Flags().StringVar(&confirm, "confirm", "", "Password confirmation (prompted when omitted)")
	return cmd
}
