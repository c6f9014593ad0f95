package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/k3vm/clop/internal/port"
	"github.com/k3vm/clop/internal/protocol"
)

// NewStopCmd creates the 'stop' command for cancelling running jobs
// Args: targets (at least one)
// Flags: --remove (bool, default: false) - also drop the results from the app
func NewStopCmd(a *App) *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "stop <file-or-url>...",
		Short: "Stop optimising files or URLs",
		Long: `Ask the Clop app to stop processing the given files or URLs.

The request is fire-and-forget: the command returns as soon as the app
has received it, without waiting for the jobs to wind down.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			replyTimeout, _ := cfg.ReplyTimeoutDuration()
			requests := port.New(cfg.SocketDir, port.OptimisationName, replyTimeout)

			targets, err := stopTargets(args)
			if err != nil {
				return &ExitError{Code: ExitValidation, Err: err}
			}

			if err := sendStop(requests, targets, remove); err != nil {
				if errors.Is(err, port.ErrUnreachable) {
					return &ExitError{Code: ExitNotRunning, Err: fmt.Errorf("clop app is not running: %w", err)}
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for %d items\n", len(targets))
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "Also remove the results from the app")

	return cmd
}

// stopTargets resolves args the way jobs were submitted: URLs as given,
// paths made absolute.
func stopTargets(args []string) ([]string, error) {
	targets := make([]string, 0, len(args))
	for _, arg := range args {
		if protocol.IsRemote(arg) {
			targets = append(targets, arg)
			continue
		}
		abs, err := filepath.Abs(protocol.TargetKey(arg))
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", arg, err)
		}
		targets = append(targets, abs)
	}
	return targets, nil
}
