package cli

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/k3vm/clop/internal/batch"
	"github.com/k3vm/clop/internal/port"
	"github.com/k3vm/clop/internal/protocol"
)

// SignalHandler turns SIGINT/SIGTERM into a cooperative stop: the batch
// context is cancelled and the shutdown callbacks run once, in order.
type SignalHandler struct {
	signals    chan os.Signal
	shutdown   chan struct{}
	stopCh     chan struct{} // closed by Stop to signal goroutine to exit
	done       chan struct{} // closed when goroutine exits
	stopOnce   sync.Once
	stopping   atomic.Bool
	cancel     context.CancelFunc
	onShutdown []func()
	mu         sync.Mutex
}

// NewSignalHandler creates a signal handler with the given context cancel
func NewSignalHandler(cancel context.CancelFunc) *SignalHandler {
	return &SignalHandler{
		signals:    make(chan os.Signal, 1),
		shutdown:   make(chan struct{}),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		cancel:     cancel,
		onShutdown: make([]func(), 0),
	}
}

// Start begins listening for signals
func (h *SignalHandler) Start() {
	h.StartWithNotify(true)
}

// StartWithNotify begins listening for signals, optionally registering with OS signal handling.
// Pass false for notify in unit tests to avoid global signal state interactions.
func (h *SignalHandler) StartWithNotify(notify bool) {
	if notify {
		signal.Notify(h.signals, syscall.SIGINT, syscall.SIGTERM)
	}

	started := make(chan struct{})
	go func() {
		defer close(h.done)
		close(started)

		select {
		case sig := <-h.signals:
			log.Printf("received signal: %v", sig)
			h.stopping.Store(true)

			// Callbacks first: the stop request must go out before the
			// batch unwinds and closes its listener.
			h.mu.Lock()
			callbacks := make([]func(), len(h.onShutdown))
			copy(callbacks, h.onShutdown)
			h.mu.Unlock()

			for _, fn := range callbacks {
				fn()
			}

			if h.cancel != nil {
				h.cancel()
			}
			close(h.shutdown)
		case <-h.stopCh:
			return
		}
	}()

	<-started
}

// OnShutdown registers a callback to run on shutdown
func (h *SignalHandler) OnShutdown(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onShutdown = append(h.onShutdown, fn)
}

// Stopping reports whether a signal has been received.
func (h *SignalHandler) Stopping() bool {
	return h.stopping.Load()
}

// Stop stops the signal handler and cleans up
func (h *SignalHandler) Stop() {
	signal.Stop(h.signals)
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	// Bounded wait: the goroutine may be running callbacks
	select {
	case <-h.done:
	case <-time.After(100 * time.Millisecond):
	}
}

// stopOnSignal makes h ask the app to stop every job the tracker knows about.
// No acknowledgement is awaited.
func stopOnSignal(h *SignalHandler, requests *port.Port, tracker *batch.Tracker) {
	h.OnShutdown(func() {
		if err := sendStop(requests, tracker.Targets(), false); err != nil {
			log.Printf("stop request not delivered: %v", err)
		}
	})
}

// sendStop fires a stop request for targets at the request port.
func sendStop(requests *port.Port, targets []string, remove bool) error {
	ids := make([]string, len(targets))
	for i, target := range targets {
		ids[i] = protocol.WireURL(target)
	}

	data, err := protocol.Encode(protocol.StopRequest{IDs: ids, Remove: remove})
	if err != nil {
		return err
	}
	return requests.SendAndForget(data)
}
