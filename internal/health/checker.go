// Package health answers "is the system healthy" with at most one probe in
// flight and a cached verdict between probes.
package health

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// HealthyWindow is how long a verdict is reused once any probe has
	// ever succeeded.
	HealthyWindow = 15 * time.Second
	// WarmupWindow is how long a verdict is reused before the first success.
	WarmupWindow = 1 * time.Second
)

// Probe reports whether the system is healthy. It must honour ctx.
type Probe func(ctx context.Context) bool

// All combines probes; every one must pass. Probes run sequentially and stop
// at the first failure.
func All(probes ...Probe) Probe {
	return func(ctx context.Context) bool {
		for _, p := range probes {
			if !p(ctx) {
				return false
			}
		}
		return true
	}
}

type stateKind int

const (
	stateInitial stateKind = iota
	stateChecking
	stateCached
)

// flight is one probe run shared by every caller that arrives while it is in
// progress. healthy is written before done is closed.
type flight struct {
	done    chan struct{}
	healthy bool
}

type Checker struct {
	probe   Probe
	timeout time.Duration
	now     func() time.Time

	mu          sync.Mutex
	state       stateKind
	inflight    *flight
	healthy     bool
	checkedAt   time.Time
	everHealthy bool
}

type Option func(*Checker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// New builds a checker. timeout bounds each probe run; zero means none.
func New(probe Probe, timeout time.Duration, opts ...Option) *Checker {
	c := &Checker{
		probe:   probe,
		timeout: timeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Check returns the cached verdict while it is inside its window, joins the
// in-flight probe if there is one, and otherwise starts a new probe and waits
// for it. If ctx ends first the caller gets false; the probe keeps running
// for everyone else.
func (c *Checker) Check(ctx context.Context) bool {
	c.mu.Lock()
	switch c.state {
	case stateCached:
		if c.now().Sub(c.checkedAt) < c.windowLocked() {
			healthy := c.healthy
			c.mu.Unlock()
			return healthy
		}
		c.startLocked()
	case stateInitial:
		c.startLocked()
	case stateChecking:
	}
	f := c.inflight
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.healthy
	case <-ctx.Done():
		return false
	}
}

func (c *Checker) windowLocked() time.Duration {
	if c.everHealthy {
		return HealthyWindow
	}
	return WarmupWindow
}

func (c *Checker) startLocked() {
	f := &flight{done: make(chan struct{})}
	c.state = stateChecking
	c.inflight = f
	go c.run(f)
}

func (c *Checker) run(f *flight) {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	healthy := c.safeProbe(ctx)

	c.mu.Lock()
	firstSuccess := healthy && !c.everHealthy
	c.state = stateCached
	c.inflight = nil
	c.healthy = healthy
	c.checkedAt = c.now()
	if healthy {
		c.everHealthy = true
	}
	c.mu.Unlock()

	f.healthy = healthy
	close(f.done)

	entry := log.WithFields(log.Fields{"healthy": healthy, "took": time.Since(start)})
	switch {
	case firstSuccess:
		entry.Info("health: system healthy")
	case !healthy:
		entry.Warn("health: probe failed")
	default:
		entry.Debug("health: probe ok")
	}
}

// safeProbe converts a panicking probe into an unhealthy verdict so waiters
// are always released.
func (c *Checker) safeProbe(ctx context.Context) (healthy bool) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("health: probe panicked")
			healthy = false
		}
	}()
	return c.probe(ctx)
}
