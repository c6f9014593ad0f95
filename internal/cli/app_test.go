package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k3vm/clop/internal/port"
	"github.com/k3vm/clop/internal/progress"
	"github.com/k3vm/clop/internal/protocol"
)

var pngData = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

func socketDir(t *testing.T) string {
	t.Helper()
	// t.TempDir can exceed the unix socket path limit on macOS.
	dir, err := os.MkdirTemp("/tmp", "clop-cli-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// fakeApp stands in for the background optimiser: it listens on the request
// port and answers on the response port.
type fakeApp struct {
	t           *testing.T
	socketDir   string
	progressDir string
	requests    *port.Port
	responses   *port.Port
	ln          *port.Listener

	// respond is called on its own goroutine for every optimisation request
	respond func(app *fakeApp, req protocol.Request)

	// replyDelay delays the acknowledgement of optimisation requests
	replyDelay time.Duration

	mu    sync.Mutex
	reqs  []protocol.Request
	stops []protocol.StopRequest
}

func newFakeApp(t *testing.T) *fakeApp {
	t.Helper()
	dir := socketDir(t)
	return &fakeApp{
		t:           t,
		socketDir:   dir,
		progressDir: filepath.Join(t.TempDir(), "progress"),
		requests:    port.New(dir, port.OptimisationName, time.Second),
		responses:   port.New(dir, port.ResponseName, time.Second),
	}
}

func (f *fakeApp) start() {
	f.t.Helper()
	ln, err := f.requests.Listen(f.handle)
	require.NoError(f.t, err)
	f.ln = ln
	f.t.Cleanup(func() { ln.Close() })
}

func (f *fakeApp) handle(data []byte) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}

	if _, ok := fields["ids"]; ok {
		var stop protocol.StopRequest
		if json.Unmarshal(data, &stop) == nil {
			f.mu.Lock()
			f.stops = append(f.stops, stop)
			f.mu.Unlock()
		}
		return nil
	}

	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil
	}
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if f.respond != nil {
		go f.respond(f, req)
	}
	time.Sleep(f.replyDelay)
	return []byte(`{"queued":true}`)
}

func (f *fakeApp) requestsSeen() []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Request(nil), f.reqs...)
}

func (f *fakeApp) stopsSeen() []protocol.StopRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.StopRequest(nil), f.stops...)
}

func (f *fakeApp) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Errorf("marshal: %v", err)
		return
	}
	if err := f.responses.SendAndForget(data); err != nil {
		f.t.Errorf("send response: %v", err)
	}
}

func (f *fakeApp) succeed(wireURL string) {
	path := protocol.TargetKey(wireURL)
	f.send(protocol.Response{
		ForURL:   wireURL,
		Path:     path,
		OldBytes: 2000,
		NewBytes: 1000,
	})
}

func (f *fakeApp) fail(wireURL, msg string) {
	f.send(protocol.ResponseError{ForURL: wireURL, Error: msg})
}

// writeConfig points the CLI at the fake app.
func (f *fakeApp) writeConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf(`socket_dir: %s
progress_dir: %s
app:
  command: ["true"]
  settle_delay: 0s
timeouts:
  reply: 2s
poll_interval: 20ms
%s`, f.socketDir, f.progressDir, extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeImages(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(paths[i], pngData, 0644))
	}
	return paths
}

type runResult struct {
	stdout string
	stderr string
	err    error
}

func clearClopEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"CLOP_SOCKET_DIR", "CLOP_PROGRESS_DIR", "CLOP_APP_COMMAND", "CLOP_LOG_LEVEL"} {
		t.Setenv(name, "")
	}
}

// run executes the CLI with args. terminal decides whether stderr counts as
// a terminal.
func run(t *testing.T, configPath string, terminal bool, hook func(*SignalHandler), args ...string) runResult {
	t.Helper()
	clearClopEnv(t)

	app := New()
	app.isTerminal = func(io.Writer) bool { return terminal }
	app.signalHook = hook

	var stdout, stderr bytes.Buffer
	app.rootCmd.SetOut(&stdout)
	app.rootCmd.SetErr(&stderr)
	app.rootCmd.SetArgs(append(args, "--config", configPath))

	err := app.Execute()
	return runResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func decodeResult(t *testing.T, out string) protocol.Result {
	t.Helper()
	var result protocol.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result), "stdout: %q", out)
	return result
}

func TestOptimise_BlockingCollectsEveryOutcome(t *testing.T) {
	app := newFakeApp(t)
	app.respond = func(f *fakeApp, req protocol.Request) {
		for _, u := range req.URLs {
			if strings.HasSuffix(u, "bad.png") {
				f.fail(u, "unsupported format")
			} else {
				f.succeed(u)
			}
		}
	}
	app.start()

	files := writeImages(t, "a.png", "b.png", "bad.png")
	res := run(t, app.writeConfig(t, ""), false, nil, append([]string{"optimise"}, files...)...)
	require.NoError(t, res.err)
	assert.Equal(t, ExitOK, ExitCode(res.err))

	assert.Equal(t, 1, strings.Count(res.stdout, "\n"), "result must be printed once")
	result := decodeResult(t, res.stdout)
	require.Len(t, result.Done, 2)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, files[0], result.Done[0].Path)
	assert.Equal(t, files[1], result.Done[1].Path)
	assert.Equal(t, "unsupported format", result.Failed[0].Error)

	reqs := app.requestsSeen()
	require.Len(t, reqs, 1)
	assert.Equal(t, protocol.SourceCLI, reqs[0].Source)
	assert.True(t, reqs[0].HideFloatingResult)
	assert.Len(t, reqs[0].URLs, 3)
	assert.Empty(t, res.stderr, "no progress without a terminal")
}

func TestOptimise_ResponsesBeforeAcknowledgement(t *testing.T) {
	app := newFakeApp(t)
	app.replyDelay = 200 * time.Millisecond
	app.respond = func(f *fakeApp, req protocol.Request) {
		for _, u := range req.URLs {
			f.succeed(u)
		}
	}
	app.start()

	files := writeImages(t, "a.png", "b.png")
	res := run(t, app.writeConfig(t, ""), false, nil, append([]string{"optimise"}, files...)...)
	require.NoError(t, res.err)
	assert.Len(t, decodeResult(t, res.stdout).Done, 2)
}

func TestOptimise_AcknowledgementTimeoutKeepsWaiting(t *testing.T) {
	app := newFakeApp(t)
	app.replyDelay = 400 * time.Millisecond
	app.respond = func(f *fakeApp, req protocol.Request) {
		time.Sleep(600 * time.Millisecond)
		for _, u := range req.URLs {
			f.succeed(u)
		}
	}
	app.start()

	files := writeImages(t, "slow.png")
	cfg := app.writeConfig(t, "")
	// Shorter than the fake app takes to acknowledge.
	content, err := os.ReadFile(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg, bytes.Replace(content, []byte("reply: 2s"), []byte("reply: 100ms"), 1), 0644))

	res := run(t, cfg, false, nil, append([]string{"optimise"}, files...)...)
	require.NoError(t, res.err)
	assert.Len(t, decodeResult(t, res.stdout).Done, 1)
}

func TestOptimise_ProgressFrame(t *testing.T) {
	app := newFakeApp(t)
	app.respond = func(f *fakeApp, req protocol.Request) {
		for _, u := range req.URLs {
			target := protocol.TargetKey(u)
			if err := progress.Publish(f.progressDir, target, 0.5, "Optimising"); err != nil {
				f.t.Errorf("publish: %v", err)
			}
		}
		time.Sleep(200 * time.Millisecond)
		for _, u := range req.URLs {
			progress.Retire(f.progressDir, protocol.TargetKey(u))
			f.succeed(u)
		}
	}
	app.start()

	files := writeImages(t, "a.png", "b.png")
	res := run(t, app.writeConfig(t, ""), true, nil, append([]string{"optimise"}, files...)...)
	require.NoError(t, res.err)

	assert.Contains(t, res.stderr, "Processed 0 of 2 | Success: 0 | Failed: 0")
	assert.Contains(t, res.stderr, "Processed 2 of 2 | Success: 2 | Failed: 0")
	assert.Contains(t, res.stderr, "a.png: ")
	assert.Contains(t, res.stderr, "\x1b[1A\x1b[2K")

	// The last frame has no rows left.
	frames := strings.Split(res.stderr, "\x1b[1A\x1b[2K")
	last := frames[len(frames)-1]
	assert.Equal(t, "Processed 2 of 2 | Success: 2 | Failed: 0\n", last)
	assert.Len(t, decodeResult(t, res.stdout).Done, 2)
}

func TestOptimise_NoProgressFlag(t *testing.T) {
	app := newFakeApp(t)
	app.respond = func(f *fakeApp, req protocol.Request) {
		for _, u := range req.URLs {
			f.succeed(u)
		}
	}
	app.start()

	files := writeImages(t, "a.png")
	res := run(t, app.writeConfig(t, ""), true, nil, "optimise", "--no-progress", files[0])
	require.NoError(t, res.err)
	assert.NotContains(t, res.stderr, "Processed")
}

func TestOptimise_AsyncQueues(t *testing.T) {
	app := newFakeApp(t)
	app.start()

	files := writeImages(t, "1.png", "2.png", "3.png", "4.png", "5.png")
	res := run(t, app.writeConfig(t, ""), true, nil, append([]string{"optimise", "--async"}, files...)...)
	require.NoError(t, res.err)

	assert.Equal(t, "Queued 5 items for optimisation\n", res.stdout)
	assert.Contains(t, res.stderr, "Use the `--gui` flag to see progress")

	assert.Eventually(t, func() bool { return len(app.requestsSeen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, app.requestsSeen()[0].URLs, 5)
}

func TestOptimise_AsyncWithGUI(t *testing.T) {
	app := newFakeApp(t)
	app.start()

	files := writeImages(t, "a.png")
	res := run(t, app.writeConfig(t, ""), false, nil, "optimise", "--async", "--gui", files[0])
	require.NoError(t, res.err)
	assert.NotContains(t, res.stderr, "--gui")

	assert.Eventually(t, func() bool { return len(app.requestsSeen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, app.requestsSeen()[0].HideFloatingResult)
}

func TestOptimise_RequestFlags(t *testing.T) {
	app := newFakeApp(t)
	app.start()

	files := writeImages(t, "a.png")
	res := run(t, app.writeConfig(t, ""), false, nil, "optimise", "--async",
		"-a", "-c", "--crop", "1200x630", "--downscale-factor", "0.75",
		"--change-playback-speed-factor", "2", files[0], "https://example.com/v.mp4")
	require.NoError(t, res.err)

	assert.Eventually(t, func() bool { return len(app.requestsSeen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	req := app.requestsSeen()[0]
	assert.True(t, req.AggressiveOptimisation)
	assert.True(t, req.CopyToClipboard)
	require.NotNil(t, req.Size)
	assert.Equal(t, 1200, req.Size.Width)
	assert.Equal(t, 630, req.Size.Height)
	require.NotNil(t, req.DownscaleFactor)
	assert.Equal(t, 0.75, *req.DownscaleFactor)
	require.NotNil(t, req.ChangePlaybackSpeedFactor)
	assert.Equal(t, 2.0, *req.ChangePlaybackSpeedFactor)
	assert.Equal(t, []string{protocol.WireURL(files[0]), "https://example.com/v.mp4"}, req.URLs)
	assert.Len(t, req.ID, 8)
}

func TestOptimise_OptionalFactorsOmitted(t *testing.T) {
	app := newFakeApp(t)
	app.start()

	files := writeImages(t, "a.png")
	res := run(t, app.writeConfig(t, ""), false, nil, "optimise", "--async", files[0])
	require.NoError(t, res.err)

	assert.Eventually(t, func() bool { return len(app.requestsSeen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	req := app.requestsSeen()[0]
	assert.Nil(t, req.Size)
	assert.Nil(t, req.DownscaleFactor)
	assert.Nil(t, req.ChangePlaybackSpeedFactor)
	assert.False(t, req.AggressiveOptimisation)
}

func TestCrop_Request(t *testing.T) {
	app := newFakeApp(t)
	app.start()

	files := writeImages(t, "a.png")
	res := run(t, app.writeConfig(t, ""), false, nil, "crop", "--async", "--size", "1920", "-l", files[0])
	require.NoError(t, res.err)
	assert.Equal(t, "Queued 1 items for cropping\n", res.stdout)

	assert.Eventually(t, func() bool { return len(app.requestsSeen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	req := app.requestsSeen()[0]
	require.NotNil(t, req.Size)
	assert.Equal(t, protocol.CropSize{Width: 1920, Height: 1920, LongEdge: true}, *req.Size)
	require.NotNil(t, req.DownscaleFactor)
	assert.Equal(t, 0.9, *req.DownscaleFactor)
}

func TestCrop_InvalidSize(t *testing.T) {
	app := newFakeApp(t)
	files := writeImages(t, "a.png")

	res := run(t, app.writeConfig(t, ""), false, nil, "crop", "--size", "huge", files[0])
	assert.Equal(t, ExitValidation, ExitCode(res.err))
}

func TestCrop_SizeRequired(t *testing.T) {
	app := newFakeApp(t)
	files := writeImages(t, "a.png")

	res := run(t, app.writeConfig(t, ""), false, nil, "crop", files[0])
	assert.Error(t, res.err)
}

func TestDownscale_Request(t *testing.T) {
	app := newFakeApp(t)
	app.start()

	files := writeImages(t, "a.png")
	res := run(t, app.writeConfig(t, ""), false, nil, "downscale", "--async", files[0])
	require.NoError(t, res.err)
	assert.Equal(t, "Queued 1 items for downscaling\n", res.stdout)

	assert.Eventually(t, func() bool { return len(app.requestsSeen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	req := app.requestsSeen()[0]
	require.NotNil(t, req.DownscaleFactor)
	assert.Equal(t, 0.5, *req.DownscaleFactor)
	assert.Nil(t, req.Size)
}

func TestDownscale_InvalidFactor(t *testing.T) {
	app := newFakeApp(t)
	files := writeImages(t, "a.png")

	res := run(t, app.writeConfig(t, ""), false, nil, "downscale", "--factor", "3", files[0])
	assert.Equal(t, ExitValidation, ExitCode(res.err))
}

func TestSubmit_MissingFile(t *testing.T) {
	app := newFakeApp(t)
	app.start()

	res := run(t, app.writeConfig(t, ""), false, nil, "optimise", filepath.Join(t.TempDir(), "missing.png"))
	assert.Equal(t, ExitValidation, ExitCode(res.err))
	assert.Contains(t, res.err.Error(), "does not exist")
	assert.Empty(t, app.requestsSeen())
}

func TestSubmit_NothingToProcess(t *testing.T) {
	app := newFakeApp(t)
	app.start()

	notes := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("hello"), 0644))

	res := run(t, app.writeConfig(t, ""), false, nil, "optimise", notes)
	assert.Equal(t, ExitValidation, ExitCode(res.err))
	assert.Empty(t, app.requestsSeen())
}

func TestSubmit_AppNotRunning(t *testing.T) {
	app := newFakeApp(t)

	var mu sync.Mutex
	var received []string
	spy, err := app.responses.Listen(func(data []byte) []byte {
		mu.Lock()
		received = append(received, string(data))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer spy.Close()

	files := writeImages(t, "a.png")
	res := run(t, app.writeConfig(t, ""), false, nil, "optimise", files[0])
	assert.Equal(t, ExitNotRunning, ExitCode(res.err))
	assert.Empty(t, res.stdout)

	_, statErr := os.Stat(app.requests.Path())
	assert.True(t, os.IsNotExist(statErr), "nothing may bind the request port")
	assert.True(t, app.responses.Reachable(), "the response port must be left alone")
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, received)
}

func TestSubmit_ResponsePortInUse(t *testing.T) {
	app := newFakeApp(t)
	app.start()

	other, err := app.responses.Listen(func([]byte) []byte { return nil })
	require.NoError(t, err)
	defer other.Close()

	files := writeImages(t, "a.png")
	res := run(t, app.writeConfig(t, ""), false, nil, "optimise", files[0])
	require.ErrorIs(t, res.err, port.ErrInUse)
	assert.Equal(t, ExitFailure, ExitCode(res.err))
	assert.Empty(t, res.stdout)
	assert.Empty(t, app.requestsSeen())
	assert.True(t, app.responses.Reachable(), "the other command keeps its response port")
}

func TestSubmit_InterruptBeforeSendSubmitsNothing(t *testing.T) {
	app := newFakeApp(t)
	app.start()

	hook := func(h *SignalHandler) {
		h.signals <- os.Interrupt
		for !h.Stopping() {
			time.Sleep(time.Millisecond)
		}
	}

	files := writeImages(t, "a.png", "b.png")
	res := run(t, app.writeConfig(t, ""), false, hook, append([]string{"optimise"}, files...)...)
	assert.Equal(t, ExitInterrupted, ExitCode(res.err))
	assert.Empty(t, res.stdout)

	assert.Eventually(t, func() bool { return len(app.stopsSeen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, app.requestsSeen())
}

func TestSubmit_InterruptSendsStop(t *testing.T) {
	app := newFakeApp(t)
	app.start()

	hook := func(h *SignalHandler) {
		go func() {
			for len(app.requestsSeen()) == 0 {
				time.Sleep(5 * time.Millisecond)
			}
			h.signals <- os.Interrupt
		}()
	}

	files := writeImages(t, "a.png", "b.png")
	res := run(t, app.writeConfig(t, ""), false, hook, append([]string{"optimise"}, files...)...)
	assert.Equal(t, ExitInterrupted, ExitCode(res.err))
	assert.Empty(t, res.stdout)

	assert.Eventually(t, func() bool { return len(app.stopsSeen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	stop := app.stopsSeen()[0]
	assert.ElementsMatch(t, []string{protocol.WireURL(files[0]), protocol.WireURL(files[1])}, stop.IDs)
	assert.False(t, stop.Remove)
}

func TestStop_SendsRequest(t *testing.T) {
	app := newFakeApp(t)
	app.start()

	res := run(t, app.writeConfig(t, ""), false, nil, "stop", "--remove", "/tmp/a.png", "https://example.com/b.jpg")
	require.NoError(t, res.err)
	assert.Equal(t, "Stop requested for 2 items\n", res.stdout)

	assert.Eventually(t, func() bool { return len(app.stopsSeen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	stop := app.stopsSeen()[0]
	assert.Equal(t, []string{"file:///tmp/a.png", "https://example.com/b.jpg"}, stop.IDs)
	assert.True(t, stop.Remove)
}

func TestStop_AppNotRunning(t *testing.T) {
	app := newFakeApp(t)

	res := run(t, app.writeConfig(t, ""), false, nil, "stop", "/tmp/a.png")
	assert.Equal(t, ExitNotRunning, ExitCode(res.err))
}

func TestStop_RequiresTargets(t *testing.T) {
	app := newFakeApp(t)

	res := run(t, app.writeConfig(t, ""), false, nil, "stop")
	assert.Error(t, res.err)
}

func TestConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval: never\n"), 0644))

	files := writeImages(t, "a.png")
	res := run(t, path, false, nil, "optimise", files[0])
	assert.Equal(t, ExitValidation, ExitCode(res.err))
}
