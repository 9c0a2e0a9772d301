package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/auth"
)

func newWatchCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the session alive and print auth changes until interrupted",
		Long: "watch starts the client, including the ops endpoint when OPS_HTTP_PORT is set,\n" +
			"and prints every auth state change. Sign-outs broadcast by other clients end the session here too.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := flags.openApp(cmd)
			if err != nil {
				return err
			}

			states, unsubscribe := a.Auth.Subscribe()
			defer unsubscribe()

			done := make(chan error, 1)
			go func() { done <- a.Run(cmd.Context()) }()

			out := cmd.OutOrStdout()
			for {
				select {
				case s, ok := <-states:
					if !ok {
						return <-done
					}
					if s.IsLoading {
						continue
					}
					if err := flags.print(out, statusOutput(s), func(w io.Writer) { formatWatchLine(w, s) }); err != nil {
						return err
					}
				case err := <-done:
					return err
				}
			}
		},
	}
}

func formatWatchLine(w io.Writer, s auth.State) {
	ts := time.Now().Format(time.TimeOnly)
	switch {
	case s.IsAuthenticated:
		fmt.Fprintf(w, "%s signed in as %s\n", ts, s.User.DisplayName())
	case s.Error != "":
		fmt.Fprintf(w, "%s %s\n", ts, s.Error)
	default:
		fmt.Fprintf(w, "%s not signed in\n", ts)
	}
}
