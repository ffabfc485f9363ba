// Package schedule decides how long the capture loop sleeps between
// iterations.
package schedule

import (
	"sync"
	"time"
)

// Defaults for the adaptive policy.
const (
	DefaultMinDelay      = 250 * time.Millisecond
	DefaultMaxDelay      = 2 * time.Second
	DefaultWindow        = 5
	DefaultBackoffFactor = 1.5
)

// Config tunes the adaptive policy.
type Config struct {
	MinDelay      time.Duration
	MaxDelay      time.Duration
	Window        int     // idle iterations before backing off
	BackoffFactor float64 // multiplier applied per idle iteration once the window is idle
}

// DefaultConfig returns the standard policy.
func DefaultConfig() Config {
	return Config{
		MinDelay:      DefaultMinDelay,
		MaxDelay:      DefaultMaxDelay,
		Window:        DefaultWindow,
		BackoffFactor: DefaultBackoffFactor,
	}
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	return c
}

// Adaptive shortens the interval while the screen is changing and backs off
// while it is static.
type Adaptive struct {
	cfg     Config
	mu      sync.Mutex
	history []bool // ring of recent had-dirty outcomes
	next    int
	filled  int
	delay   time.Duration
}

// NewAdaptive creates a policy starting at the minimum delay.
func NewAdaptive(cfg Config) *Adaptive {
	cfg = cfg.withDefaults()
	return &Adaptive{
		cfg:     cfg,
		history: make([]bool, cfg.Window),
		delay:   cfg.MinDelay,
	}
}

// Observe records one completed iteration and returns the delay before the
// next one.
func (a *Adaptive) Observe(hadDirty bool) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history[a.next] = hadDirty
	a.next = (a.next + 1) % len(a.history)
	a.filled = min(a.filled+1, len(a.history))

	switch {
	case hadDirty:
		a.delay = a.cfg.MinDelay
	case a.idle():
		a.delay = min(time.Duration(float64(a.delay)*a.cfg.BackoffFactor), a.cfg.MaxDelay)
	}
	return a.delay
}

func (a *Adaptive) idle() bool {
	if a.filled < len(a.history) {
		return false
	}
	for _, dirty := range a.history {
		if dirty {
			return false
		}
	}
	return true
}

// Current returns the delay without recording anything.
func (a *Adaptive) Current() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delay
}

// Reset forgets the history and returns to the minimum delay.
func (a *Adaptive) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.history)
	a.next, a.filled = 0, 0
	a.delay = a.cfg.MinDelay
}
