package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy holds every delay knob used while acquiring system audio. Delays
// are computed here and slept by the caller, so tests can inject a fake
// sleep and assert on the requested durations.
type Policy struct {
	// MaxAttempts bounds full capture attempts before giving up.
	MaxAttempts int

	// BaseDelay scales linearly with the attempt number for ordinary
	// retryable failures: attempt 1 waits BaseDelay, attempt 2 waits twice
	// that, and so on.
	BaseDelay time.Duration

	// SlowStep replaces BaseDelay for failures where the audio driver
	// rejected the request outright. Those tend to be initialization-order
	// races that need noticeably longer to clear.
	SlowStep time.Duration

	// FirstSettle and LaterSettle separate the intercept enable call from
	// the capture attempt. The first settle is the longest because the
	// driver has just been switched on.
	FirstSettle time.Duration
	LaterSettle time.Duration

	// EnableAttempts and EnableDelay bound the small internal retry budget
	// of the enable call itself.
	EnableAttempts int
	EnableDelay    time.Duration

	// JitterFrac randomizes enable retry delays by ±fraction to keep
	// repeated runs from hammering the driver in lockstep. Zero disables
	// jitter.
	JitterFrac float64
}

// Default returns the policy used when config supplies nothing.
func Default() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		SlowStep:       1 * time.Second,
		FirstSettle:    1500 * time.Millisecond,
		LaterSettle:    500 * time.Millisecond,
		EnableAttempts: 2,
		EnableDelay:    250 * time.Millisecond,
		JitterFrac:     0.2,
	}
}

// Linear returns the delay before retrying after an ordinary failure.
func (p Policy) Linear(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * p.BaseDelay
}

// Slow returns the delay before retrying after a driver rejection.
func (p Policy) Slow(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * p.SlowStep
}

// Settle returns the pause between enabling the intercept and capturing.
func (p Policy) Settle(attempt int) time.Duration {
	if attempt <= 1 {
		return p.FirstSettle
	}
	return p.LaterSettle
}

// Jitter adds ±JitterFrac random jitter to a duration.
func (p Policy) Jitter(d time.Duration) time.Duration {
	return applyJitter(d, p.JitterFrac)
}

func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
