package cli

import (
	"io"
	"log"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/k3vm/clop/internal/config"
)

// App represents the CLI application with all wired dependencies
type App struct {
	// Root command
	rootCmd *cobra.Command

	// Configuration (loaded lazily by commands that talk to the app)
	configPath string
	cfg        *config.Config
	cfgErr     error
	cfgOnce    sync.Once

	// Runtime state
	verbose bool

	// isTerminal decides whether live progress can be drawn on w
	isTerminal func(w io.Writer) bool

	// signalHook, when set, sees every signal handler right after it starts
	signalHook func(*SignalHandler)

	// Version information
	versionInfo VersionInfo
}

// VersionInfo holds build metadata set via ldflags.
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

// New creates a new CLI application
func New() *App {
	app := &App{
		isTerminal: isTerminal,
	}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the version string for the version command
func (a *App) SetVersion(version, commit, date string) {
	a.versionInfo = VersionInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}
}

// setupRootCmd configures the root Cobra command
func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "clop",
		Short: "Optimise images, videos and PDFs with the Clop app",
		Long: `clop sends files and URLs to the running Clop app for optimisation,
cropping or downscaling, shows live progress and prints the results as JSON.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.setupLogging(cmd.ErrOrStderr(), a.verbose)
		},
	}

	// Add persistent flags
	a.rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false,
		"Verbose output")
	a.rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "",
		"Config file (default ~/.clop/config.yaml)")

	a.rootCmd.AddCommand(
		NewOptimiseCmd(a),
		NewCropCmd(a),
		NewDownscaleCmd(a),
		NewStopCmd(a),
		NewVersionCmd(a),
	)
}

// config loads the configuration once.
func (a *App) config() (*config.Config, error) {
	a.cfgOnce.Do(func() {
		path := a.configPath
		if path == "" {
			var err error
			if path, err = config.DefaultPath(); err != nil {
				a.cfgErr = err
				return
			}
		}
		a.cfg, a.cfgErr = config.LoadConfig(path)
		if a.cfgErr == nil && a.cfg.LogLevel == "debug" {
			a.setupLogging(a.rootCmd.ErrOrStderr(), true)
		}
	})
	return a.cfg, a.cfgErr
}

// setupLogging routes the standard logger to w when enabled and discards it
// otherwise, so log lines never mix with the progress frame by default.
func (a *App) setupLogging(w io.Writer, enabled bool) {
	log.SetPrefix("clop: ")
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	if enabled {
		log.SetOutput(w)
	} else {
		log.SetOutput(io.Discard)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
