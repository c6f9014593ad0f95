package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/k3vm/clop/internal/protocol"
)

// NewDownscaleCmd creates the 'downscale' command
// Args: files, folders or URLs
// Flags: shared batch flags plus --factor (default 0.5)
func NewDownscaleCmd(a *App) *cobra.Command {
	var (
		flags  commonFlags
		factor float64
	)

	cmd := &cobra.Command{
		Use:   "downscale [file-or-url]...",
		Short: "Make images and videos smaller",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if factor <= 0 || factor > 1 {
				return &ExitError{Code: ExitValidation, Err: fmt.Errorf("invalid factor %v: must be in (0, 1]", factor)}
			}

			return a.submit(cmd, job{
				operation: "downscaling",
				items:     args,
				flags:     flags,
				build: func(req *protocol.Request) {
					req.DownscaleFactor = &factor
				},
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().Float64Var(&factor, "factor", 0.5,
		"Resize factor (1.0 means no resize, 0.5 means half the size)")

	return cmd
}
