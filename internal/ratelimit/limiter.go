// Package ratelimit implements a process-local fixed-window request limiter.
//
// Windows are kept in memory and are not shared between server instances; a
// multi-instance deployment needs a shared TTL counter store instead.
package ratelimit

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FallbackIdentity is used when no client identity can be derived, which
// collapses every such caller into one shared window.
const FallbackIdentity = "unknown"

var (
	errInvalidLimit  = errors.New("ratelimit: limit must be positive")
	errInvalidWindow = errors.New("ratelimit: window must be positive")
	errMissingName   = errors.New("ratelimit: name is required")

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citypulse_ratelimit_decisions_total",
		Help: "Rate limiter decisions, labeled by limiter and outcome",
	}, []string{"limiter", "decision"})

	trackedWindows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "citypulse_ratelimit_windows",
		Help: "Number of identities with a tracked window",
	}, []string{"limiter"})
)

// Config describes a limiter.
type Config struct {
	Name   string
	Limit  int
	Window time.Duration
	Clock  func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// FixedWindow counts requests per identity inside fixed windows.
type FixedWindow struct {
	name   string
	limit  int
	length time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewFixedWindow validates cfg and returns a limiter.
func NewFixedWindow(cfg Config) (*FixedWindow, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errMissingName
	}
	if cfg.Limit <= 0 {
		return nil, errInvalidLimit
	}
	if cfg.Window <= 0 {
		return nil, errInvalidWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &FixedWindow{
		name:    name,
		limit:   cfg.Limit,
		length:  cfg.Window,
		clock:   clock,
		windows: make(map[string]*window),
	}, nil
}

// Name returns the limiter name used in metrics and logs.
func (l *FixedWindow) Name() string {
	return l.name
}

// Window returns the configured window length.
func (l *FixedWindow) Window() time.Duration {
	return l.length
}

// Allow records a request for identity and reports whether it fits the
// current window. Denied requests do not advance the counter.
func (l *FixedWindow) Allow(identity string) bool {
	key := strings.TrimSpace(identity)
	if key == "" {
		key = FallbackIdentity
	}
	now := l.clock()

	l.mu.Lock()
	current, ok := l.windows[key]
	if !ok || now.After(current.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.length)}
		tracked := len(l.windows)
		l.mu.Unlock()
		trackedWindows.WithLabelValues(l.name).Set(float64(tracked))
		decisionsTotal.WithLabelValues(l.name, "allow").Inc()
		return true
	}
	if current.count >= l.limit {
		l.mu.Unlock()
		decisionsTotal.WithLabelValues(l.name, "deny").Inc()
		return false
	}
	current.count++
	l.mu.Unlock()
	decisionsTotal.WithLabelValues(l.name, "allow").Inc()
	return true
}

// RetryAfter returns how long identity must wait before its window resets.
func (l *FixedWindow) RetryAfter(identity string) time.Duration {
	key := strings.TrimSpace(identity)
	if key == "" {
		key = FallbackIdentity
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.windows[key]
	if !ok {
		return 0
	}
	remaining := current.resetAt.Sub(l.clock())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Sweep drops windows that have already expired and returns how many were removed.
func (l *FixedWindow) Sweep() int {
	now := l.clock()
	l.mu.Lock()
	removed := 0
	for key, current := range l.windows {
		if now.After(current.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	tracked := len(l.windows)
	l.mu.Unlock()
	trackedWindows.WithLabelValues(l.name).Set(float64(tracked))
	return removed
}

// Len returns the number of tracked identities.
func (l *FixedWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
