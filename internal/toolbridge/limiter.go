// Package toolbridge implements the external tool-bridge contract of
// spec.md §6: a request/response JSON protocol for directory listing, file
// reads, and pattern search against the target project, plus the
// concurrency and rate-limit envelope spec.md §5 requires around it.
package toolbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when the sliding window or queue depth
// cap is exceeded; callers may retry later (spec.md §7).
var ErrRateLimitExceeded = errors.New("RATE_LIMIT_EXCEEDED")

// LimiterConfig mirrors spec.md §5's defaults.
type LimiterConfig struct {
	MaxConcurrent int           // semaphore weight, default 10
	WindowCalls   int           // sliding-window cap, default 120
	Window        time.Duration // sliding-window size, default 60s
	MaxQueueDepth int           // default 50
}

// DefaultLimiterConfig returns spec.md §5's stated defaults.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MaxConcurrent: 10,
		WindowCalls:   120,
		Window:        60 * time.Second,
		MaxQueueDepth: 50,
	}
}

// Limiter bounds concurrent out-of-process tool-bridge calls by (i) a
// semaphore, (ii) a sliding-window rate cap, and (iii) a queue depth cap.
// Once the hard caps pass and a slot is held, a token-bucket rate.Limiter
// (rate WindowCalls per Window, burst WindowCalls) paces the call; it runs
// after the sliding-window check, so it does not keep a burst from tripping
// the window cap.
type Limiter struct {
	cfg      LimiterConfig
	sem      *semaphore.Weighted
	smoother *rate.Limiter

	mu      sync.Mutex
	window  []time.Time // call timestamps within the last cfg.Window
	queued  int
}

// New builds a Limiter from cfg.
func New(cfg LimiterConfig) *Limiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.WindowCalls <= 0 {
		cfg.WindowCalls = 120
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 50
	}
	smoothRate := rate.Limit(float64(cfg.WindowCalls) / cfg.Window.Seconds())
	return &Limiter{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		smoother: rate.NewLimiter(smoothRate, cfg.WindowCalls),
	}
}

// Acquire blocks for a concurrency slot, honoring the sliding window and
// queue depth cap, and returns a release func that must be called exactly
// once. It fails fast with ErrRateLimitExceeded without blocking on the
// semaphore if the hard caps are already exceeded.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.checkAndReserve(); err != nil {
		return nil, err
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		l.release()
		return nil, fmt.Errorf("toolbridge: acquire concurrency slot: %w", err)
	}
	l.smoother.Wait(ctx) //nolint:errcheck // best-effort smoothing, hard cap already enforced

	released := false
	return func() {
		if released {
			return
		}
		released = true
		l.sem.Release(1)
		l.release()
	}, nil
}

func (l *Limiter) checkAndReserve() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.queued >= l.cfg.MaxQueueDepth {
		return ErrRateLimitExceeded
	}

	now := time.Now()
	cutoff := now.Add(-l.cfg.Window)
	kept := l.window[:0]
	for _, t := range l.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.window = kept

	if len(l.window) >= l.cfg.WindowCalls {
		return ErrRateLimitExceeded
	}

	l.window = append(l.window, now)
	l.queued++
	return nil
}

func (l *Limiter) release() {
	l.mu.Lock()
	l.queued--
	l.mu.Unlock()
}
