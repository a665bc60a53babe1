package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/accountforge/control_plane/clock"
)

// Request asks for one grant on a scope. Scope keys are account or proxy
// ids; ceilings and windows are supplied by the caller.
type Request struct {
	Key     string
	Ceiling int
	Window  time.Duration
}

// Limiter grants requests without blocking.
type Limiter interface {
	// Acquire grants every request or none of them.
	Acquire(ctx context.Context, reqs ...Request) (bool, error)
}

// SlidingWindow keeps a log of grant timestamps per scope. A request is
// granted iff fewer than Ceiling grants fall within the trailing Window.
type SlidingWindow struct {
	clock  clock.Clock
	mu     sync.Mutex // guards scopes; never held while a scope lock is taken
	scopes map[string]*scope
}

type scope struct {
	mu        sync.Mutex
	grants    []time.Time // ascending
	retention time.Duration
}

// NewSlidingWindow creates an in-process limiter.
func NewSlidingWindow(c clock.Clock) *SlidingWindow {
	return &SlidingWindow{
		clock:  clock.OrReal(c),
		scopes: make(map[string]*scope),
	}
}

// TryAcquire records a grant on key if the window has room.
func (l *SlidingWindow) TryAcquire(key string, ceiling int, window time.Duration) bool {
	return l.TryAcquireAll(Request{Key: key, Ceiling: ceiling, Window: window})
}

// TryAcquireAll grants all requests atomically: a denial on any scope leaves
// every scope untouched. Scope locks are taken in key order.
func (l *SlidingWindow) TryAcquireAll(reqs ...Request) bool {
	if len(reqs) == 0 {
		return true
	}

	keys := make([]string, 0, len(reqs))
	seen := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		if !seen[r.Key] {
			seen[r.Key] = true
			keys = append(keys, r.Key)
		}
	}
	sort.Strings(keys)

	locked := make(map[string]*scope, len(keys))
	for _, k := range keys {
		sc := l.scope(k)
		sc.mu.Lock()
		locked[k] = sc
	}
	defer func() {
		for _, sc := range locked {
			sc.mu.Unlock()
		}
	}()

	now := l.clock.Now()
	for _, r := range reqs {
		sc := locked[r.Key]
		if r.Window > sc.retention {
			sc.retention = r.Window
		}
		sc.prune(now)
		if r.Ceiling <= 0 || sc.count(now, r.Window) >= r.Ceiling {
			return false
		}
	}
	for _, k := range keys {
		locked[k].grants = append(locked[k].grants, now)
	}
	return true
}

// Acquire implements Limiter.
func (l *SlidingWindow) Acquire(_ context.Context, reqs ...Request) (bool, error) {
	return l.TryAcquireAll(reqs...), nil
}

// Forget drops the window for key.
func (l *SlidingWindow) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.scopes, key)
}

// Count returns the grants inside the trailing window for key.
func (l *SlidingWindow) Count(key string, window time.Duration) int {
	l.mu.Lock()
	sc, ok := l.scopes[key]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.count(l.clock.Now(), window)
}

// Scopes returns how many keys currently hold a window.
func (l *SlidingWindow) Scopes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.scopes)
}

func (l *SlidingWindow) scope(key string) *scope {
	l.mu.Lock()
	defer l.mu.Unlock()
	sc, ok := l.scopes[key]
	if !ok {
		sc = &scope{}
		l.scopes[key] = sc
	}
	return sc
}

// prune drops grants older than the longest window ever asked of this scope.
func (sc *scope) prune(now time.Time) {
	i := 0
	for i < len(sc.grants) && now.Sub(sc.grants[i]) >= sc.retention {
		i++
	}
	if i > 0 {
		sc.grants = append(sc.grants[:0], sc.grants[i:]...)
	}
}

func (sc *scope) count(now time.Time, window time.Duration) int {
	n := 0
	for i := len(sc.grants) - 1; i >= 0; i-- {
		if now.Sub(sc.grants[i]) >= window {
			break
		}
		n++
	}
	return n
}
