// Package progress aggregates live per-file progress published by the
// background optimiser.
package progress

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
)

// Update is one event from a progress source.
type Update struct {
	// Fraction is the completed share of the job in [0,1].
	Fraction float64

	// Description is an optional human-readable phase.
	Description string

	// Retired means the source stopped publishing progress for the target.
	Retired bool
}

// Subscription is the handle of one registration with a Source. Close must
// be called exactly when reporting for the target ends.
type Subscription interface {
	Close() error
}

// Source publishes progress for file-backed targets.
type Source interface {
	Subscribe(target string, fn func(Update)) (Subscription, error)
}

// Record is the live progress of one target.
type Record struct {
	Target      string
	Fraction    float64
	Description string
}

type subscription struct {
	gen    uint64
	handle Subscription
	record Record
}

// Aggregator keeps one live Record per subscribed target and asks for a
// redraw whenever the set of records or any fraction changes.
type Aggregator struct {
	source Source

	mu      sync.Mutex
	subs    map[string]*subscription
	nextGen uint64
	redraw  func()
}

// NewAggregator creates an aggregator reading from source.
func NewAggregator(source Source) *Aggregator {
	return &Aggregator{
		source: source,
		subs:   make(map[string]*subscription),
	}
}

// OnChange sets the function called after every change. It is never called
// while the aggregator's lock is held.
func (a *Aggregator) OnChange(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.redraw = fn
}

// Subscribe starts tracking progress for target. The target shows up at 0%
// right away. Subscribing an already subscribed target is a no-op.
func (a *Aggregator) Subscribe(target string) error {
	a.mu.Lock()
	if _, ok := a.subs[target]; ok {
		a.mu.Unlock()
		return nil
	}
	a.nextGen++
	gen := a.nextGen
	a.subs[target] = &subscription{gen: gen, record: Record{Target: target}}
	a.mu.Unlock()

	handle, err := a.source.Subscribe(target, func(u Update) {
		a.apply(target, gen, u)
	})
	if err != nil {
		a.mu.Lock()
		if s, ok := a.subs[target]; ok && s.gen == gen {
			delete(a.subs, target)
		}
		a.mu.Unlock()
		return fmt.Errorf("subscribe to progress of %s: %w", target, err)
	}

	a.mu.Lock()
	s, ok := a.subs[target]
	live := ok && s.gen == gen
	if live {
		s.handle = handle
	}
	a.mu.Unlock()

	if !live {
		// Released while the source was registering us.
		closeHandle(target, handle)
		return nil
	}

	a.notify()
	return nil
}

// Unsubscribe releases the progress handle of target and removes its row. It
// reports whether anything was released; without a subscription it does
// nothing, so completion and source retirement may race to call it.
func (a *Aggregator) Unsubscribe(target string) bool {
	return a.release(target, 0)
}

// Release implements batch.Releaser.
func (a *Aggregator) Release(target string) {
	a.Unsubscribe(target)
}

// Rows returns the live records sorted by target.
func (a *Aggregator) Rows() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows := make([]Record, 0, len(a.subs))
	for _, s := range a.subs {
		rows = append(rows, s.record)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Target < rows[j].Target })
	return rows
}

// Len returns the number of live records.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

// apply handles an update delivered for subscription generation gen; updates
// for an older generation of the same target are ignored.
func (a *Aggregator) apply(target string, gen uint64, u Update) {
	if u.Retired {
		a.release(target, gen)
		return
	}

	a.mu.Lock()
	s, ok := a.subs[target]
	if !ok || s.gen != gen {
		a.mu.Unlock()
		return
	}
	s.record.Fraction = clamp(u.Fraction)
	s.record.Description = u.Description
	a.mu.Unlock()

	a.notify()
}

// release removes the subscription of target. A non-zero gen only releases
// that generation.
func (a *Aggregator) release(target string, gen uint64) bool {
	a.mu.Lock()
	s, ok := a.subs[target]
	if !ok || (gen != 0 && s.gen != gen) {
		a.mu.Unlock()
		return false
	}
	delete(a.subs, target)
	handle := s.handle
	a.mu.Unlock()

	if handle != nil {
		closeHandle(target, handle)
	}
	a.notify()
	return true
}

func (a *Aggregator) notify() {
	a.mu.Lock()
	fn := a.redraw
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func closeHandle(target string, h Subscription) {
	if err := h.Close(); err != nil {
		log.Printf("release progress handle for %s: %v", target, err)
	}
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
