// Package resilience tracks which external dependencies are reachable so
// callers can fall back to local behaviour instead of failing.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/accountforge/control_plane/clock"
	"github.com/itskum47/accountforge/control_plane/observability"
)

// Dependency names an external service the orchestrator can run without.
type Dependency string

const (
	DependencyRedis Dependency = "redis"
	DependencyStore Dependency = "store"
)

// DependencyStatus is the last known state of one dependency.
type DependencyStatus struct {
	Available bool      `json:"available"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

// DegradedMode manages graceful degradation when dependencies fail. It is
// safe for concurrent use.
type DegradedMode struct {
	mu     sync.RWMutex
	deps   map[Dependency]*DependencyStatus
	clock  clock.Clock
	logger *slog.Logger
}

// NewDegradedMode creates a tracker in which every dependency starts out
// available.
func NewDegradedMode(c clock.Clock, logger *slog.Logger) *DegradedMode {
	if logger == nil {
		logger = slog.Default()
	}
	return &DegradedMode{
		deps:   make(map[Dependency]*DependencyStatus),
		clock:  clock.OrReal(c),
		logger: logger,
	}
}

// Track registers dep as available so it shows up in Status before its
// first failure.
func (d *DegradedMode) Track(dep Dependency) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.deps[dep]; !ok {
		d.deps[dep] = &DependencyStatus{Available: true, Since: d.clock.Now()}
		observability.DependencyAvailable.WithLabelValues(string(dep)).Set(1)
	}
}

// MarkUnavailable records a failure. Only the transition is logged.
func (d *DegradedMode) MarkUnavailable(dep Dependency, err error) {
	d.mu.Lock()
	st := d.statusLocked(dep)
	wasAvailable := st.Available
	if err != nil {
		st.LastError = err.Error()
	}
	if wasAvailable {
		st.Available = false
		st.Since = d.clock.Now()
	}
	d.mu.Unlock()

	if wasAvailable {
		observability.DependencyAvailable.WithLabelValues(string(dep)).Set(0)
		d.logger.Warn("dependency unavailable, entering degraded mode", "dependency", dep, "error", err)
	}
}

// MarkAvailable records a success. Only the transition is logged.
func (d *DegradedMode) MarkAvailable(dep Dependency) {
	d.mu.Lock()
	st := d.statusLocked(dep)
	recovered := !st.Available
	if recovered {
		st.Available = true
		st.Since = d.clock.Now()
		st.LastError = ""
	}
	degraded := d.degradedLocked()
	d.mu.Unlock()

	if recovered {
		observability.DependencyAvailable.WithLabelValues(string(dep)).Set(1)
		d.logger.Info("dependency recovered", "dependency", dep, "still_degraded", degraded)
	}
}

func (d *DegradedMode) statusLocked(dep Dependency) *DependencyStatus {
	st, ok := d.deps[dep]
	if !ok {
		st = &DependencyStatus{Available: true, Since: d.clock.Now()}
		d.deps[dep] = st
	}
	return st
}

// Available reports whether dep is believed reachable.
func (d *DegradedMode) Available(dep Dependency) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.deps[dep]
	return !ok || st.Available
}

// DownFor returns how long dep has been unavailable, or 0 if it is up.
func (d *DegradedMode) DownFor(dep Dependency) time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.deps[dep]
	if !ok || st.Available {
		return 0
	}
	return d.clock.Now().Sub(st.Since)
}

// IsDegraded reports whether any dependency is unavailable.
func (d *DegradedMode) IsDegraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.degradedLocked()
}

func (d *DegradedMode) degradedLocked() bool {
	for _, st := range d.deps {
		if !st.Available {
			return true
		}
	}
	return false
}

// Status returns a copy of every tracked dependency's state.
func (d *DegradedMode) Status() map[Dependency]DependencyStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[Dependency]DependencyStatus, len(d.deps))
	for dep, st := range d.deps {
		out[dep] = *st
	}
	return out
}

// Unavailable lists the dependencies currently down, sorted.
func (d *DegradedMode) Unavailable() []Dependency {
	d.mu.RLock()
	var out []Dependency
	for dep, st := range d.deps {
		if !st.Available {
			out = append(out, dep)
		}
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WithFallback runs primary and, if it fails, records dep as unavailable
// and runs fallback. A primary success marks dep available again.
func (d *DegradedMode) WithFallback(
	ctx context.Context,
	dep Dependency,
	primary func(context.Context) error,
	fallback func(context.Context) error,
) error {
	err := primary(ctx)
	if err == nil {
		d.MarkAvailable(dep)
		return nil
	}
	d.MarkUnavailable(dep, err)
	observability.DegradedFallbacks.WithLabelValues(string(dep)).Inc()

	if fallbackErr := fallback(ctx); fallbackErr != nil {
		return fmt.Errorf("both primary and fallback failed: %w", fallbackErr)
	}
	return nil
}
