// Package timers implements a keyed one-shot scheduler. Scheduling under a
// key replaces whatever was pending under it, so callers never have to
// remember to cancel the previous timer themselves.
package timers

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/livehelp/internal/clock"
	"github.com/ent0n29/livehelp/internal/logging"
)

// Func is a scheduled callback. A returned error is logged; it is never
// retried.
type Func func() error

type pending struct {
	gen   uint64
	timer clock.Timer
	fn    Func
}

// Registry maps keys to pending callbacks. Callbacks run one at a time,
// each at most once; a cancelled or replaced callback never runs.
type Registry struct {
	clock clock.Clock
	log   zerolog.Logger

	mu      sync.Mutex
	gen     uint64
	pending map[string]*pending

	exec sync.Mutex
}

func New(clk clock.Clock, log zerolog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		clock:   clk,
		log:     log,
		pending: make(map[string]*pending),
	}
}

// Schedule registers fn to run after delay, replacing any callback
// already pending under key.
func (r *Registry) Schedule(key string, delay time.Duration, fn Func) {
	if delay <= 0 {
		// Never run inline: the caller may be a callback holding exec.
		delay = time.Nanosecond
	}

	r.mu.Lock()
	if prev, ok := r.pending[key]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	r.gen++
	gen := r.gen
	p := &pending{gen: gen, fn: fn}
	r.pending[key] = p
	r.mu.Unlock()

	t := r.clock.AfterFunc(delay, func() { r.fire(key, gen) })

	r.mu.Lock()
	if cur, ok := r.pending[key]; ok && cur == p {
		p.timer = t
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	// Replaced or cancelled before the timer handle was stored.
	t.Stop()
}

// Cancel removes the callback pending under key. It reports whether one
// was pending.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked(key)
}

// CancelPrefix cancels every key starting with prefix and returns how
// many were pending.
func (r *Registry) CancelPrefix(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.pending {
		if strings.HasPrefix(key, prefix) && r.cancelLocked(key) {
			n++
		}
	}
	return n
}

// Pending reports whether a callback is scheduled under key.
func (r *Registry) Pending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key]
	return ok
}

// Len returns the number of pending callbacks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stop cancels everything.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.pending {
		r.cancelLocked(key)
	}
}

func (r *Registry) cancelLocked(key string) bool {
	p, ok := r.pending[key]
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(r.pending, key)
	return true
}

func (r *Registry) fire(key string, gen uint64) {
	r.mu.Lock()
	p, ok := r.pending[key]
	if !ok || p.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	r.mu.Unlock()

	r.exec.Lock()
	defer r.exec.Unlock()
	if err := run(p.fn); err != nil {
		r.log.Error().
			Err(err).
			Str(logging.FieldTimerKey, key).
			Str(logging.FieldEvent, "timer.callback_failed").
			Msg("scheduled callback failed")
	}
}

func run(fn Func) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
