// Package batch correlates asynchronous optimisation responses with the jobs
// submitted by one CLI invocation.
package batch

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/k3vm/clop/internal/protocol"
)

// DefaultPollInterval is how often AwaitCompletion re-checks the batch.
const DefaultPollInterval = 100 * time.Millisecond

// Releaser ends live progress reporting for a target. Implementations must
// tolerate targets that have no live progress.
type Releaser interface {
	Release(target string)
}

// entry is the state of one tracked job.
type entry struct {
	response *protocol.Response
	failure  *protocol.ResponseError
}

// Tracker owns the job state of one batch. All access goes through its
// methods; the map is never exposed.
type Tracker struct {
	mu       sync.Mutex
	targets  []string
	entries  map[string]*entry
	releaser Releaser
}

// NewTracker reserves empty state for every target. It must be called before
// the request is sent so that no early response is lost. Duplicate targets
// share one entry, so the last response recorded for them wins.
func NewTracker(targets []string) *Tracker {
	t := &Tracker{
		targets: make([]string, 0, len(targets)),
		entries: make(map[string]*entry, len(targets)),
	}
	for _, target := range targets {
		if _, ok := t.entries[target]; ok {
			continue
		}
		t.targets = append(t.targets, target)
		t.entries[target] = &entry{}
	}
	return t
}

// SetReleaser registers the component that owns live progress records.
func (t *Tracker) SetReleaser(r Releaser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaser = r
}

// Targets returns every tracked target in submission order, resolved or not.
// Duplicates are listed once.
func (t *Tracker) Targets() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.targets))
	copy(out, t.targets)
	return out
}

// RecordSuccess stores a success response for its target and releases the
// target's live progress. Recording the same response twice leaves the state
// unchanged. A previous failure for the target is replaced. Responses for
// targets outside the batch are dropped: the response channel may carry
// traffic for other invocations.
func (t *Tracker) RecordSuccess(resp protocol.Response) {
	target := resp.Target()

	t.mu.Lock()
	e, ok := t.entries[target]
	if !ok {
		t.mu.Unlock()
		log.Printf("dropping response for untracked target %s", target)
		return
	}
	e.response = &resp
	e.failure = nil
	releaser := t.releaser
	t.mu.Unlock()

	log.Printf("got response for %s (%d -> %d bytes)", target, resp.OldBytes, resp.NewBytes)
	if releaser != nil {
		releaser.Release(target)
	}
}

// RecordFailure stores an error response for its target, replacing any
// previous success.
func (t *Tracker) RecordFailure(resp protocol.ResponseError) {
	target := resp.Target()

	t.mu.Lock()
	e, ok := t.entries[target]
	if !ok {
		t.mu.Unlock()
		log.Printf("dropping error for untracked target %s", target)
		return
	}
	e.failure = &resp
	e.response = nil
	releaser := t.releaser
	t.mu.Unlock()

	log.Printf("got error response for %s: %s", target, resp.Error)
	if releaser != nil {
		releaser.Release(target)
	}
}

// HandleMessage decodes a raw payload from the response channel and records
// it. Payloads that are neither shape are dropped. It never replies.
func (t *Tracker) HandleMessage(data []byte) []byte {
	switch msg := protocol.Decode(data).(type) {
	case protocol.Response:
		t.RecordSuccess(msg)
	case protocol.ResponseError:
		t.RecordFailure(msg)
	default:
		log.Printf("dropping unrecognized message (%d bytes)", len(data))
	}
	return nil
}

// Counts returns the number of succeeded and failed jobs and the batch size.
func (t *Tracker) Counts() (done, failed, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countsLocked()
}

func (t *Tracker) countsLocked() (done, failed, total int) {
	for _, e := range t.entries {
		switch {
		case e.response != nil:
			done++
		case e.failure != nil:
			failed++
		}
	}
	return done, failed, len(t.targets)
}

// IsComplete reports whether every target has a response or an error.
func (t *Tracker) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	done, failed, total := t.countsLocked()
	return done+failed == total
}

// AwaitCompletion blocks until IsComplete is true, re-checking every interval.
// It returns ctx.Err() if ctx is done first.
func (t *Tracker) AwaitCompletion(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !t.IsComplete() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Snapshot returns the recorded outcomes sorted by target.
func (t *Tracker) Snapshot() protocol.Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := protocol.Result{
		Done:   []protocol.Response{},
		Failed: []protocol.ResponseError{},
	}
	for _, e := range t.entries {
		switch {
		case e.response != nil:
			result.Done = append(result.Done, *e.response)
		case e.failure != nil:
			result.Failed = append(result.Failed, *e.failure)
		}
	}

	sort.Slice(result.Done, func(i, j int) bool {
		return result.Done[i].Target() < result.Done[j].Target()
	})
	sort.Slice(result.Failed, func(i, j int) bool {
		return result.Failed[i].Target() < result.Failed[j].Target()
	})
	return result
}
