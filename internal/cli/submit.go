package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/spf13/cobra"

	"github.com/k3vm/clop/internal/agent"
	"github.com/k3vm/clop/internal/batch"
	"github.com/k3vm/clop/internal/config"
	"github.com/k3vm/clop/internal/inputs"
	"github.com/k3vm/clop/internal/port"
	"github.com/k3vm/clop/internal/progress"
	"github.com/k3vm/clop/internal/protocol"
	"github.com/k3vm/clop/internal/report"
)

// commonFlags are shared by every command that submits a batch.
type commonFlags struct {
	gui        bool
	noProgress bool
	async      bool
	recursive  bool
	copy       bool
	skipErrors bool
}

// register adds the shared flags to cmd.
func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.gui, "gui", "g", false, "Show the floating result (the usual Clop UI)")
	cmd.Flags().BoolVarP(&f.noProgress, "no-progress", "n", false, "Don't print progress to stderr")
	cmd.Flags().BoolVar(&f.async, "async", false, "Queue the items and return without waiting")
	cmd.Flags().BoolVarP(&f.recursive, "recursive", "r", false, "Include files in subfolders when a folder is given")
	cmd.Flags().BoolVarP(&f.copy, "copy", "c", false, "Copy the file to the clipboard after processing")
	cmd.Flags().BoolVarP(&f.skipErrors, "skip-errors", "s", false, "Skip missing files instead of failing")
}

// job describes one batch submission.
type job struct {
	// operation names the batch in user-facing messages, e.g. "optimisation"
	operation string
	items     []string
	flags     commonFlags

	// build fills in the operation specific request fields
	build func(req *protocol.Request)
}

// submit runs the whole client flow for j: collect inputs, make sure the app
// is running, send one request and, unless async, wait for every target to
// complete before printing the result.
func (a *App) submit(cmd *cobra.Command, j job) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}

	targets, err := inputs.Collect(j.items, inputs.Options{
		Recursive:  j.flags.recursive,
		SkipErrors: j.flags.skipErrors,
	})
	if err != nil {
		return &ExitError{Code: ExitValidation, Err: err}
	}
	if len(targets) == 0 {
		return &ExitError{Code: ExitValidation, Err: errors.New("no images, videos or PDFs to process")}
	}

	replyTimeout, _ := cfg.ReplyTimeoutDuration()
	settleDelay, _ := cfg.SettleDelayDuration()
	requests := port.New(cfg.SocketDir, port.OptimisationName, replyTimeout)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := agent.New(requests, cfg.App.Command, settleDelay).EnsureRunning(ctx); err != nil {
		if errors.Is(err, agent.ErrNotRunning) {
			return &ExitError{Code: ExitNotRunning, Err: fmt.Errorf("clop app is not running: %w", err)}
		}
		return err
	}

	req := newRequest(targets, j.flags)
	if j.build != nil {
		j.build(&req)
	}
	data, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	log.Printf("request %s: %d items for %s", req.ID, len(targets), j.operation)

	if j.flags.async {
		return a.queue(cmd, requests, data, len(targets), j)
	}
	return a.wait(ctx, cmd, cfg, requests, data, targets, j)
}

// newRequest builds the request fields shared by every operation.
func newRequest(targets []string, flags commonFlags) protocol.Request {
	urls := make([]string, len(targets))
	for i, target := range targets {
		urls[i] = protocol.WireURL(target)
	}
	return protocol.Request{
		ID:                 protocol.NewRequestID(),
		URLs:               urls,
		HideFloatingResult: !flags.gui,
		CopyToClipboard:    flags.copy,
		Source:             protocol.SourceCLI,
	}
}

// queue sends the request fire-and-forget and returns.
func (a *App) queue(cmd *cobra.Command, requests *port.Port, data []byte, count int, j job) error {
	if err := requests.SendAndForget(data); err != nil {
		if errors.Is(err, port.ErrUnreachable) {
			return &ExitError{Code: ExitNotRunning, Err: fmt.Errorf("clop app is not running: %w", err)}
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Queued %d items for %s\n", count, j.operation)
	if !j.flags.gui {
		fmt.Fprintln(cmd.ErrOrStderr(), "Use the `--gui` flag to see progress")
	}
	return nil
}

// wait sends the request and blocks until every target has a response or an
// error, drawing progress on stderr when it is a terminal.
func (a *App) wait(ctx context.Context, cmd *cobra.Command, cfg *config.Config, requests *port.Port, data []byte, targets []string, j job) error {
	replyTimeout, _ := cfg.ReplyTimeoutDuration()
	pollInterval, _ := cfg.PollIntervalDuration()
	responses := port.New(cfg.SocketDir, port.ResponseName, replyTimeout)

	// Track before anything is sent so that no early response is dropped.
	tracker := batch.NewTracker(targets)

	listener, err := responses.Listen(tracker.HandleMessage)
	if errors.Is(err, port.ErrInUse) {
		return fmt.Errorf("another clop command is already waiting for results, use --async or wait for it to finish: %w", err)
	}
	if err != nil {
		return fmt.Errorf("listen for responses: %w", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler := NewSignalHandler(cancel)
	stopOnSignal(handler, requests, tracker)
	handler.Start()
	defer handler.Stop()
	if a.signalHook != nil {
		a.signalHook(handler)
	}

	stderr := cmd.ErrOrStderr()
	var reporter *report.Reporter
	stopProgress := func() {}
	if !j.flags.noProgress && a.isTerminal(stderr) {
		reporter, stopProgress = a.startProgress(stderr, cfg, tracker)
		defer stopProgress()
		reporter.Redraw()
	}

	if handler.Stopping() {
		return &ExitError{Code: ExitInterrupted, Err: errors.New("interrupted")}
	}
	if _, err := requests.SendAndWait(ctx, data); err != nil {
		switch {
		case errors.Is(err, port.ErrTimeout):
			log.Printf("warning: app did not acknowledge request within %v, still waiting for results", replyTimeout)
		case errors.Is(err, port.ErrUnreachable):
			return &ExitError{Code: ExitNotRunning, Err: fmt.Errorf("clop app is not running: %w", err)}
		case handler.Stopping() || errors.Is(err, context.Canceled):
			return &ExitError{Code: ExitInterrupted, Err: errors.New("interrupted")}
		default:
			return fmt.Errorf("send request: %w", err)
		}
	}

	if err := tracker.AwaitCompletion(ctx, pollInterval); err != nil {
		if handler.Stopping() || errors.Is(err, context.Canceled) {
			return &ExitError{Code: ExitInterrupted, Err: errors.New("interrupted")}
		}
		return err
	}

	// Nothing may redraw once the result is printed: drain the in-flight
	// response handlers and detach live progress first.
	listener.Close()
	stopProgress()
	if reporter != nil {
		reporter.Redraw()
	}
	return report.PrintResult(cmd.OutOrStdout(), tracker.Snapshot())
}

// startProgress wires live progress: every file target gets a row fed by
// the progress directory, and every completion redraws the frame once. The
// returned stop function detaches progress and may be called repeatedly.
func (a *App) startProgress(stderr io.Writer, cfg *config.Config, tracker *batch.Tracker) (*report.Reporter, func()) {
	source, err := progress.NewFileSource(cfg.ProgressDir)
	if err != nil {
		log.Printf("live progress unavailable: %v", err)
		reporter := report.New(stderr, tracker, nil)
		tracker.SetReleaser(redrawReleaser{reporter: reporter})
		return reporter, func() {}
	}

	agg := progress.NewAggregator(source)
	reporter := report.New(stderr, tracker, agg)
	agg.OnChange(reporter.Redraw)
	tracker.SetReleaser(redrawReleaser{agg: agg, reporter: reporter})

	for _, target := range tracker.Targets() {
		if protocol.IsRemote(target) {
			continue
		}
		if err := agg.Subscribe(target); err != nil {
			log.Printf("progress for %s unavailable: %v", target, err)
		}
	}

	var once sync.Once
	return reporter, func() {
		once.Do(func() {
			agg.OnChange(nil)
			for _, target := range tracker.Targets() {
				agg.Release(target)
			}
			source.Close()
		})
	}
}

// redrawReleaser ends live progress for a completed target and makes sure
// the frame is redrawn exactly once per completion.
type redrawReleaser struct {
	agg      *progress.Aggregator
	reporter *report.Reporter
}

func (r redrawReleaser) Release(target string) {
	if r.agg != nil && r.agg.Unsubscribe(target) {
		return
	}
	r.reporter.Redraw()
}
