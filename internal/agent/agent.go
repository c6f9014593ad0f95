// Package agent makes sure the background app is accepting requests before
// the CLI sends anything to it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"syscall"
	"time"
)

// ErrNotRunning is returned when the background app cannot be reached, even
// after trying to launch it.
var ErrNotRunning = errors.New("background app is not running")

const (
	probeRetries    = 5
	firstProbeDelay = 100 * time.Millisecond
)

// Prober reports whether the app's request endpoint accepts connections.
// *port.Port satisfies it.
type Prober interface {
	Reachable() bool
}

// Agent launches the background app on demand.
type Agent struct {
	probe       Prober
	command     []string
	settleDelay time.Duration

	// start is swapped out in tests
	start func(argv []string) error
}

// New creates an Agent that probes probe and launches command when the app
// is not reachable.
func New(probe Prober, command []string, settleDelay time.Duration) *Agent {
	return &Agent{
		probe:       probe,
		command:     command,
		settleDelay: settleDelay,
		start:       startDetached,
	}
}

// EnsureRunning returns nil when the app is reachable. Otherwise it launches
// the app, waits for it to settle and probes again with backoff. It returns
// an error wrapping ErrNotRunning if the app never becomes reachable.
func (a *Agent) EnsureRunning(ctx context.Context) error {
	if a.probe.Reachable() {
		return nil
	}
	if len(a.command) == 0 {
		return ErrNotRunning
	}

	log.Printf("agent: launching %v", a.command)
	if err := a.start(a.command); err != nil {
		return fmt.Errorf("%w: launch %s: %v", ErrNotRunning, a.command[0], err)
	}

	if err := sleep(ctx, a.settleDelay); err != nil {
		return err
	}

	// Backoff: 100ms, 200ms, 400ms, 800ms, 1600ms after the settle delay
	delay := firstProbeDelay
	for i := 0; i < probeRetries; i++ {
		if a.probe.Reachable() {
			log.Printf("agent: app reachable after %d probes", i+1)
			return nil
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}

	if a.probe.Reachable() {
		return nil
	}
	return ErrNotRunning
}

// startDetached starts argv in its own process group so Ctrl+C in the
// terminal does not reach the app, then releases it.
func startDetached(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	// Launchers such as open(1) exit right away; reap them so no zombie is
	// left behind while the CLI runs.
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("agent: launcher exited: %v", err)
		}
	}()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
