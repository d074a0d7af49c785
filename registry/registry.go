// Package registry keeps per-association resources keyed by association id.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ReleaseFunc disposes of a value after it left the registry. It is called
// without the registry lock held.
type ReleaseFunc[V any] func(key string, value V)

type entry[V any] struct {
	value    V
	lastUsed time.Time
}

// Registry is a concurrency-safe map with idle expiry.
type Registry[V any] struct {
	release ReleaseFunc[V]
	clock   clock.Clock
	logger  *slog.Logger
	onSweep func(n int)

	mu      sync.Mutex
	entries map[string]*entry[V]
}

// Option configures a Registry.
type Option[V any] func(*Registry[V])

// WithClock replaces the wall clock, mainly for tests.
func WithClock[V any](c clock.Clock) Option[V] {
	return func(r *Registry[V]) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger[V any](logger *slog.Logger) Option[V] {
	return func(r *Registry[V]) { r.logger = logger }
}

// WithSweepHook is called with the number of entries each sweep removed.
func WithSweepHook[V any](fn func(n int)) Option[V] {
	return func(r *Registry[V]) { r.onSweep = fn }
}

// New creates a registry. release may be nil.
func New[V any](release ReleaseFunc[V], opts ...Option[V]) *Registry[V] {
	r := &Registry[V]{
		release: release,
		clock:   clock.New(),
		logger:  slog.Default(),
		entries: make(map[string]*entry[V]),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsActive reports whether key is registered.
func (r *Registry[V]) IsActive(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Get returns the value for key and refreshes its last use.
func (r *Registry[V]) Get(key string) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	e.lastUsed = r.clock.Now()
	return e.value, true
}

// Put stores value under key. A replaced value is released.
func (r *Registry[V]) Put(key string, value V) {
	r.mu.Lock()
	old, replaced := r.entries[key]
	r.entries[key] = &entry[V]{value: value, lastUsed: r.clock.Now()}
	r.mu.Unlock()

	if replaced {
		r.dispose(key, old.value)
	}
}

// Remove deletes key and releases its value. It reports whether key was present.
func (r *Registry[V]) Remove(key string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if ok {
		r.dispose(key, e.value)
	}
	return ok
}

// Take deletes key without releasing its value and returns it.
func (r *Registry[V]) Take(key string) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(r.entries, key)
	return e.value, true
}

// Touch refreshes the last use of key.
func (r *Registry[V]) Touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.lastUsed = r.clock.Now()
	}
}

// Len returns the number of entries.
func (r *Registry[V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the registered keys in sorted order.
func (r *Registry[V]) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Sweep removes and releases every entry unused for longer than idle.
func (r *Registry[V]) Sweep(idle time.Duration) int {
	cutoff := r.clock.Now().Add(-idle)

	type stale struct {
		key   string
		value V
	}
	var expired []stale

	r.mu.Lock()
	for k, e := range r.entries {
		if e.lastUsed.Before(cutoff) {
			expired = append(expired, stale{k, e.value})
			delete(r.entries, k)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.logger.Info("Releasing idle entry", "association_id", s.key, "idle_timeout", idle)
		r.dispose(s.key, s.value)
	}
	if r.onSweep != nil && len(expired) > 0 {
		r.onSweep(len(expired))
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (r *Registry[V]) Run(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		return
	}
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(idle)
		}
	}
}

// Close removes and releases every entry.
func (r *Registry[V]) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry[V])
	r.mu.Unlock()

	for k, e := range entries {
		r.dispose(k, e.value)
	}
}

func (r *Registry[V]) dispose(key string, value V) {
	if r.release != nil {
		r.release(key, value)
	}
}
