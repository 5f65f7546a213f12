package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ArpitJ1993/CHEATS-APP/internal/backoff"
	"github.com/ArpitJ1993/CHEATS-APP/internal/logging"
)

// sleepFunc is injected into the controller and engine so tests can
// record requested delays instead of waiting them out.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LoopbackController owns the enable/disable lifecycle of the system
// audio intercept. Enable is idempotent and carries a small retry budget
// of its own; Disable is best-effort and never fails loudly.
type LoopbackController struct {
	surface *Surface
	policy  backoff.Policy
	sleep   sleepFunc
	log     *slog.Logger

	mu        sync.Mutex
	enabled   bool
	attempted bool
}

// NewLoopbackController builds a controller over the host surface.
func NewLoopbackController(surface *Surface, policy backoff.Policy) *LoopbackController {
	return &LoopbackController{
		surface: surface,
		policy:  policy,
		sleep:   sleepCtx,
		log:     logging.L("capture"),
	}
}

// Validate reports whether the host can run the intercept at all.
func (c *LoopbackController) Validate() error {
	if c.surface == nil || c.surface.EnableLoopback == nil || c.surface.DisableLoopback == nil {
		return fmt.Errorf("loopback intercept: %w", ErrAPIUnavailable)
	}
	return nil
}

// Enable turns the intercept on. Safe to call repeatedly: a retrying
// engine re-asserts the intercept on every attempt because a failed
// capture may mean it never attached, and hosts tolerate enabling an
// already-enabled intercept. The enable call itself races the driver it
// flips on, so it retries a couple of times with a short jittered delay
// before giving up.
func (c *LoopbackController) Enable(ctx context.Context) error {
	if err := c.Validate(); err != nil {
		return err
	}

	attempts := c.policy.EnableAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.policy.Jitter(c.policy.EnableDelay)); err != nil {
				return err
			}
		}

		c.mu.Lock()
		c.attempted = true
		c.mu.Unlock()

		if err := c.surface.EnableLoopback(ctx); err != nil {
			lastErr = err
			c.log.Warn("loopback enable failed", "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		c.mu.Lock()
		c.enabled = true
		c.mu.Unlock()
		return nil
	}
	return fmt.Errorf("enable loopback intercept: %w", lastErr)
}

// Disable turns the intercept off. Failures are logged and swallowed so
// teardown can never fail, and calling it when Enable was never attempted
// is a no-op. The flags reset so a later engine run starts clean.
func (c *LoopbackController) Disable(ctx context.Context) {
	c.mu.Lock()
	attempted := c.attempted
	c.enabled = false
	c.attempted = false
	c.mu.Unlock()

	// A half-failed enable may have left partial routing behind, so any
	// attempt at all earns a disable call.
	if !attempted || c.surface == nil || c.surface.DisableLoopback == nil {
		return
	}
	if err := c.surface.DisableLoopback(ctx); err != nil {
		c.log.Warn("loopback disable failed", "error", err)
	}
}

// Enabled reports whether the intercept is currently on.
func (c *LoopbackController) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}
