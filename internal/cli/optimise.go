package cli

import (
	"github.com/spf13/cobra"

	"github.com/k3vm/clop/internal/protocol"
)

// NewOptimiseCmd creates the 'optimise' command
// Args: files, folders or URLs
// Flags: shared batch flags plus --aggressive, --change-playback-speed-factor,
// --downscale-factor and --crop
func NewOptimiseCmd(a *App) *cobra.Command {
	var (
		flags       commonFlags
		aggressive  bool
		speedFactor float64
		downscale   float64
		crop        string
	)

	cmd := &cobra.Command{
		Use:     "optimise [file-or-url]...",
		Aliases: []string{"optimize"},
		Short:   "Optimise images, videos and PDFs",
		Long: `Optimise images, videos, PDFs or URLs with the Clop app.

Folders are expanded to the images, videos and PDFs they contain. Progress
is drawn on stderr and the results are printed to stdout as JSON once every
item is done.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var size *protocol.CropSize
			if crop != "" {
				parsed, err := protocol.ParseCropSize(crop)
				if err != nil {
					return &ExitError{Code: ExitValidation, Err: err}
				}
				size = &parsed
			}

			return a.submit(cmd, job{
				operation: "optimisation",
				items:     args,
				flags:     flags,
				build: func(req *protocol.Request) {
					req.AggressiveOptimisation = aggressive
					req.Size = size
					if cmd.Flags().Changed("change-playback-speed-factor") {
						req.ChangePlaybackSpeedFactor = &speedFactor
					}
					if cmd.Flags().Changed("downscale-factor") {
						req.DownscaleFactor = &downscale
					}
				},
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVarP(&aggressive, "aggressive", "a", false, "Use aggressive optimisation")
	cmd.Flags().Float64Var(&speedFactor, "change-playback-speed-factor", 1,
		"Speed up videos by a factor (2 means twice as fast, 0.5 means 2x slower)")
	cmd.Flags().Float64Var(&downscale, "downscale-factor", 1,
		"Make images and videos smaller by a factor (0.5 means half the size)")
	cmd.Flags().StringVar(&crop, "crop", "", "Downscale and crop to a size, e.g. 1200x630")

	return cmd
}
