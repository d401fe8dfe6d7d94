// Package pacer implements the adaptive concurrency controller from
// spec.md §4.5. It is a direct repurposing of rclone's lib/pacer: that
// package paces *retries* against a remote API (attack on failure, decay
// on success, bounded by a token-dispenser semaphore of in-flight
// connections — see tokens_test.go's NewTokenDispenser). arsync has no
// remote API and no retries to pace; what it shares with a copy engine
// under fd pressure is the shape of the problem — a bounded resource
// (here, open (src_fd, dst_fd) pairs) that must shrink under a specific
// failure signal (EMFILE/ENFILE) and recover gradually once the signal
// stops recurring. The token-dispenser idea is kept, as a counter
// guarded by a mutex and sync.Cond rather than a channel; the
// retry-backoff Calculator is replaced with a halve/grow rule.
package pacer

import (
	"context"
	"sync"
	"time"

	"github.com/jmalicki/arsync/internal/xerr"
)

const defaultCooldown = 2 * time.Second

// recoveryStreak is how many consecutive successful releases outside a
// cooldown window are required before the limit grows by one — spec.md
// §4.5's "recovers gradually on success", not "on the very first success
// after a cooldown expires".
const recoveryStreak = 4

// Permit is the InFlightPermit token from spec.md §3: one permit
// gates the creation of one (src_fd, dst_fd) pair.
type Permit struct {
	release func()
}

// Release returns the permit to the controller. Safe to call once.
func (p *Permit) Release() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
}

// Controller is the bounded semaphore over in-flight file operations
// described in spec.md §4.5.
type Controller struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inFlight int
	current  int
	baseline int
	floor    int

	cooldownUntil time.Time
	cooldown      time.Duration
	successStreak int
}

// New creates a controller with baseline as both the starting and the
// recovery-target limit. floor is the minimum it will ever shrink to
// (never zero — a controller that can reach zero can never recover).
func New(baseline int) *Controller {
	if baseline < 1 {
		baseline = 1
	}
	floor := baseline / 8
	if floor < 1 {
		floor = 1
	}
	c := &Controller{
		current:  baseline,
		baseline: baseline,
		floor:    floor,
		cooldown: defaultCooldown,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// CurrentLimit returns the live in-flight ceiling, for observability.
func (c *Controller) CurrentLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// InFlight returns the number of outstanding permits.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Acquire blocks until in_flight < current_limit, then admits one more
// task, per spec.md §4.5. It respects ctx cancellation.
func (c *Controller) Acquire(ctx context.Context) (*Permit, error) {
	c.mu.Lock()
	for c.inFlight >= c.current {
		if ctx.Err() != nil {
			c.mu.Unlock()
			return nil, ctx.Err()
		}
		// sync.Cond has no context-aware wait; a watcher goroutine
		// broadcasts on cancellation so Wait() doesn't block forever.
		done := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
			close(done)
		})
		c.cond.Wait()
		stop()
		select {
		case <-done:
		default:
		}
		if ctx.Err() != nil {
			c.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	c.inFlight++
	c.mu.Unlock()

	released := false
	var once sync.Once
	return &Permit{release: func() {
		once.Do(func() {
			released = true
			_ = released
			c.release()
		})
	}}, nil
}

func (c *Controller) release() {
	c.mu.Lock()
	c.inFlight--
	c.maybeGrowLocked()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// ReportError inspects err and, if it is an EMFILE/ENFILE condition,
// halves the current limit (never below floor) and opens a cooldown
// window during which no growth occurs — spec.md §4.5. Errors of any
// other kind are ignored here; the caller still surfaces them normally.
func (c *Controller) ReportError(err error) {
	if !xerr.IsEMFILE(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	newLimit := c.current / 2
	if newLimit < c.floor {
		newLimit = c.floor
	}
	c.current = newLimit
	c.cooldownUntil = time.Now().Add(c.cooldown)
	c.successStreak = 0
}

// maybeGrowLocked implements linear recovery: outside the cooldown
// window, once current is below baseline, a run of recoveryStreak
// consecutive successful releases nudges the limit up by one. Must be
// called with mu held.
func (c *Controller) maybeGrowLocked() {
	if c.current >= c.baseline {
		c.successStreak = 0
		return
	}
	if time.Now().Before(c.cooldownUntil) {
		c.successStreak = 0
		return
	}
	c.successStreak++
	if c.successStreak >= recoveryStreak {
		c.current++
		c.successStreak = 0
	}
}
