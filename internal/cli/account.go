package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/app"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/auth"
	apperrors "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/errors"
)

// authWait bounds how long a command waits for the provider's sign-in event.
const authWait = 15 * time.Second

const msgResetRequested = "If an account exists for that email, a password reset link is on its way."

// StatusOutput is the JSON form of the auth state.
type StatusOutput struct {
	Authenticated  bool       `json:"authenticated"`
	EmailConfirmed bool       `json:"email_confirmed"`
	User           *auth.User `json:"user,omitempty"`
	Message        string     `json:"message,omitempty"`
}

func statusOutput(s auth.State) StatusOutput {
	return StatusOutput{
		Authenticated:  s.IsAuthenticated,
		EmailConfirmed: s.IsEmailConfirmed,
		User:           s.User,
		Message:        s.Error,
	}
}

func formatStatusHuman(w io.Writer, s auth.State) {
	if !s.IsAuthenticated {
		fmt.Fprintln(w, "Not signed in.")
		if s.Error != "" {
			fmt.Fprintln(w, s.Error)
		}
		return
	}
	fmt.Fprintf(w, "Signed in as %s <%s>\n", s.User.DisplayName(), s.User.Email)
	fmt.Fprintf(w, "Plan: %s\n", s.User.Plan)
	if !s.IsEmailConfirmed {
		fmt.Fprintln(w, "Email not confirmed yet. Run 'parscade resend-confirmation' if the message never arrived.")
	}
}

// displayError prefers the message the auth state carries over err.
func displayError(m *auth.Manager, err error) error {
	if msg := m.State().Error; msg != "" {
		return errors.New(msg)
	}
	return err
}

// awaitSignedIn waits for the provider event that completes a sign-in.
func awaitSignedIn(ctx context.Context, m *auth.Manager) (auth.State, error) {
	ctx, cancel := context.WithTimeout(ctx, authWait)
	defer cancel()
	s, err := m.Await(ctx, func(s auth.State) bool { return s.IsAuthenticated })
	if err != nil {
		return s, fmt.Errorf("waiting for sign-in to complete: %w", err)
	}
	return s, nil
}

func newSignInCommand(flags *rootFlags) *cobra.Command {
	var identifier, password string

	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with an email address or username",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrompter(cmd)
			id, err := p.orAsk(identifier, "Email or username: ")
			if err != nil {
				return err
			}
			pw, err := p.orAsk(password, "Password: ")
			if err != nil {
				return err
			}

			return flags.withApp(cmd, func(a *app.App) error {
				ctx := cmd.Context()
				if err := a.Auth.Start(ctx); err != nil {
					return err
				}
				if err := a.Auth.SignIn(ctx, id, pw); err != nil {
					return displayError(a.Auth, err)
				}
				s, err := awaitSignedIn(ctx, a.Auth)
				if err != nil {
					return err
				}
				return flags.print(cmd.OutOrStdout(), statusOutput(s), func(w io.Writer) { formatStatusHuman(w, s) })
			})
		},
	}
	cmd.Flags().StringVarP(&identifier, "user", "u", "", "Email address or username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (prompted when omitted)")
	return cmd
}

func newSignUpCommand(flags *rootFlags) *cobra.Command {
	var email, password, fullName, username string

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrompter(cmd)
			em, err := p.orAsk(email, "Email: ")
			if err != nil {
				return err
			}
			pw, err := p.orAsk(password, "Password: ")
			if err != nil {
				return err
			}

			return flags.withApp(cmd, func(a *app.App) error {
				ctx := cmd.Context()
				if err := a.Auth.Start(ctx); err != nil {
					return err
				}
				if err := a.Auth.SignUp(ctx, em, pw, fullName, username); err != nil {
					return displayError(a.Auth, err)
				}

				s := a.Auth.State()
				if !s.IsAuthenticated && s.Error == "" {
					var err error
					if s, err = awaitSignedIn(ctx, a.Auth); err != nil {
						return err
					}
				}
				return flags.print(cmd.OutOrStdout(), statusOutput(s), func(w io.Writer) { formatStatusHuman(w, s) })
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (prompted when omitted)")
	cmd.Flags().StringVar(&fullName, "name", "", "Full name")
	cmd.Flags().StringVar(&username, "username", "", "Username")
	return cmd
}

func newSignOutCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out and forget the local session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withApp(cmd, func(a *app.App) error {
				ctx := cmd.Context()
				if err := a.Auth.Start(ctx); err != nil {
					return err
				}
				a.Auth.SignOut(ctx)
				s := a.Auth.State()
				return flags.print(cmd.OutOrStdout(), statusOutput(s), func(w io.Writer) {
					fmt.Fprintln(w, "Signed out.")
				})
			})
		},
	}
}

func newStatusCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"whoami"},
		Short:   "Show who is signed in",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withApp(cmd, func(a *app.App) error {
				if err := a.Auth.Start(cmd.Context()); err != nil {
					return err
				}
				s := a.Auth.State()
				return flags.print(cmd.OutOrStdout(), statusOutput(s), func(w io.Writer) { formatStatusHuman(w, s) })
			})
		},
	}
}

// MessageOutput is the JSON form of commands that only report a notice.
type MessageOutput struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

func newResendConfirmationCommand(flags *rootFlags) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "resend-confirmation",
		Short: "Send the sign-up confirmation email again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			em, err := newPrompter(cmd).orAsk(email, "Email: ")
			if err != nil {
				return err
			}
			return flags.withApp(cmd, func(a *app.App) error {
				if err := a.Auth.ResendConfirmationEmail(cmd.Context(), em); err != nil {
					return err
				}
				out := MessageOutput{Email: em, Message: "Confirmation email sent."}
				return flags.print(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "Confirmation email sent to %s.\n", em)
				})
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	return cmd
}

func newForgotPasswordCommand(flags *rootFlags) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "forgot-password",
		Short: "Request a password reset link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			em, err := newPrompter(cmd).orAsk(email, "Email: ")
			if err != nil {
				return err
			}
			return flags.withApp(cmd, func(a *app.App) error {
				msg, err := a.Backend.RequestPasswordReset(cmd.Context(), em)
				if err != nil {
					return errors.New(apperrors.UserMessage(err))
				}
				if msg == "" {
					msg = msgResetRequested
				}
				out := MessageOutput{Email: em, Message: msg}
				return flags.print(cmd.OutOrStdout(), out, func(w io.Writer) { fmt.Fprintln(w, msg) })
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	return cmd
}
