package cli

import (
	"github.com/spf13/cobra"

	"github.com/k3vm/clop/internal/protocol"
)

// cropDownscaleFactor is sent with crop requests; the app downscales before
// cropping.
const cropDownscaleFactor = 0.9

// NewCropCmd creates the 'crop' command
// Args: files, folders or URLs
// Flags: shared batch flags plus --size (required) and --long-edge
func NewCropCmd(a *App) *cobra.Command {
	var (
		flags    commonFlags
		size     string
		longEdge bool
	)

	cmd := &cobra.Command{
		Use:   "crop --size WxH [file-or-url]...",
		Short: "Downscale and crop images, videos and PDFs to a size",
		Long: `Downscale and crop images, videos, PDFs or URLs to a specific size.

Cropping 100x120 to 50x50 first downscales to 50x60, then crops to 50x50.
Use 0 for width or height to keep the aspect ratio (e.g. 128x0 or 0x720).

With --long-edge and a single number, the longer side is cropped to that
number: --long-edge --size 1920 turns 2400x1350 into 1920x1080 and
1350x2400 into 1080x1920.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := protocol.ParseCropSize(size)
			if err != nil {
				return &ExitError{Code: ExitValidation, Err: err}
			}
			cropSize := parsed.WithLongEdge(longEdge)
			factor := cropDownscaleFactor

			return a.submit(cmd, job{
				operation: "cropping",
				items:     args,
				flags:     flags,
				build: func(req *protocol.Request) {
					req.Size = &cropSize
					req.DownscaleFactor = &factor
				},
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&size, "size", "", "Size to crop to, e.g. 1200x630 or 1920")
	cmd.Flags().BoolVarP(&longEdge, "long-edge", "l", false, "Crop the longer side to a single number --size")
	_ = cmd.MarkFlagRequired("size")

	return cmd
}
