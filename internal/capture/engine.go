package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ArpitJ1993/CHEATS-APP/internal/backoff"
	"github.com/ArpitJ1993/CHEATS-APP/internal/logging"
)

// State enumerates the phases of a capture run.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateEnabling
	StateSettling
	StateAttempting
	StateVerifying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateEnabling:
		return "enabling"
	case StateSettling:
		return "settling"
	case StateAttempting:
		return "attempting"
	case StateVerifying:
		return "verifying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition records one state change, including the delay slept while
// entering the new state.
type Transition struct {
	From    State
	To      State
	Attempt int
	Delay   time.Duration
	Err     error
}

// Outcome is the terminal result of a capture run.
type Outcome struct {
	Stream   *Stream
	Strategy string
	Attempts int
	Err      error
}

// disableTimeout bounds the teardown disable call so a wedged driver
// cannot hang shutdown. Teardown uses a fresh context because it must run
// even after the run context is cancelled.
const disableTimeout = 5 * time.Second

const maxTransitions = 64

// Engine drives the enable, settle, capture, verify loop for system
// audio acquisition through the loopback intercept.
type Engine struct {
	surface    *Surface
	controller *LoopbackController
	policy     backoff.Policy
	sleep      sleepFunc
	log        *slog.Logger

	mu          sync.Mutex
	state       State
	transitions []Transition
}

// NewEngine builds an engine over the host surface.
func NewEngine(surface *Surface, policy backoff.Policy) *Engine {
	controller := NewLoopbackController(surface, policy)
	return &Engine{
		surface:    surface,
		controller: controller,
		policy:     policy,
		sleep:      sleepCtx,
		log:        logging.L("capture"),
	}
}

// State returns the current machine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Transitions returns a copy of the recorded state changes, capped at the
// most recent maxTransitions entries.
func (e *Engine) Transitions() []Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transition, len(e.transitions))
	copy(out, e.transitions)
	return out
}

func (e *Engine) transition(to State, attempt int, delay time.Duration, err error) {
	e.mu.Lock()
	from := e.state
	e.state = to
	tr := Transition{From: from, To: to, Attempt: attempt, Delay: delay, Err: err}
	if len(e.transitions) >= maxTransitions {
		copy(e.transitions, e.transitions[1:])
		e.transitions[len(e.transitions)-1] = tr
	} else {
		e.transitions = append(e.transitions, tr)
	}
	e.mu.Unlock()

	e.log.Debug("capture state",
		slog.String("from", from.String()),
		slog.String(logging.KeyState, to.String()),
		slog.Int(logging.KeyAttempt, attempt),
	)
}

// Run drives the machine to a terminal state and returns the outcome.
// The loopback intercept is disabled exactly once before Run returns, on
// every exit path.
func (e *Engine) Run(ctx context.Context) Outcome {
	e.mu.Lock()
	e.state = StateIdle
	e.transitions = e.transitions[:0]
	e.mu.Unlock()

	var disableOnce sync.Once
	defer disableOnce.Do(e.disable)

	e.transition(StateValidating, 0, 0, nil)
	if e.surface == nil || e.surface.DisplayMedia == nil {
		return e.fail(0, fmt.Errorf("display media capture: %w", ErrAPIUnavailable))
	}
	if err := e.controller.Validate(); err != nil {
		return e.fail(0, err)
	}

	var lastErr error
	retryDelay := time.Duration(0)
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return e.fail(attempt-1, err)
		}

		stream, err := e.attempt(ctx, attempt, retryDelay)
		if err == nil {
			e.transition(StateSucceeded, attempt, 0, nil)
			e.log.Info("system audio captured",
				slog.Int(logging.KeyAttempt, attempt),
				slog.Int("audioTracks", len(stream.AudioTracks())),
			)
			return Outcome{
				Stream:   stream,
				Strategy: StrategyLoopbackIntercept,
				Attempts: attempt,
			}
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return e.fail(attempt, err)
		}
		class := Classify(err)
		if !class.Retryable() {
			return e.fail(attempt, err)
		}
		if attempt == e.policy.MaxAttempts {
			break
		}

		retryDelay = e.retryDelay(class, attempt)
		e.log.Warn("capture attempt failed, retrying",
			slog.Int(logging.KeyAttempt, attempt),
			slog.String("class", class.String()),
			slog.Duration("delay", retryDelay),
			slog.Any(logging.KeyError, err),
		)
		if serr := e.sleep(ctx, retryDelay); serr != nil {
			return e.fail(attempt, serr)
		}
	}

	return e.fail(e.policy.MaxAttempts, &ExhaustedError{
		Attempts: e.policy.MaxAttempts,
		LastErr:  lastErr,
	})
}

// attempt runs one enable, settle, capture, verify pass. entryDelay is
// the retry delay slept before this attempt, recorded on the enabling
// transition so the whole history reads in order.
func (e *Engine) attempt(ctx context.Context, attempt int, entryDelay time.Duration) (*Stream, error) {
	// Re-enabling between retries is deliberate. Enable is idempotent and
	// the intercept may have been torn down by whatever failed last time.
	e.transition(StateEnabling, attempt, entryDelay, nil)
	if err := e.controller.Enable(ctx); err != nil {
		return nil, err
	}

	settle := e.policy.Settle(attempt)
	e.transition(StateSettling, attempt, settle, nil)
	if err := e.sleep(ctx, settle); err != nil {
		return nil, err
	}

	e.transition(StateAttempting, attempt, 0, nil)
	stream, err := e.surface.DisplayMedia(ctx, CaptureOptions{Video: true, Audio: true})
	if err != nil {
		return nil, err
	}

	e.transition(StateVerifying, attempt, 0, nil)
	if err := e.verify(stream); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// verify checks the acquired stream and strips it down to audio. A
// missing video track means the grant silently failed and is worth a
// retry; a missing audio track is survivable because the meeting may
// just be silent, so the session still starts and server VAD decides.
func (e *Engine) verify(stream *Stream) error {
	if len(stream.VideoTracks()) == 0 {
		return errors.New("display capture returned no video track, grant likely rejected")
	}
	if len(stream.AudioTracks()) == 0 {
		e.log.Warn("display capture returned no audio track, system captions may stay empty")
	}
	for _, vt := range stream.VideoTracks() {
		vt.Stop()
		stream.RemoveTrack(vt)
	}
	return nil
}

func (e *Engine) retryDelay(class Class, attempt int) time.Duration {
	if class == ClassNotSupported {
		return e.policy.Slow(attempt)
	}
	return e.policy.Linear(attempt)
}

func (e *Engine) fail(attempts int, err error) Outcome {
	e.transition(StateFailed, attempts, 0, err)
	e.log.Error("system audio capture failed",
		slog.Int("attempts", attempts),
		slog.Any(logging.KeyError, err),
	)
	return Outcome{Strategy: StrategyLoopbackIntercept, Attempts: attempts, Err: err}
}

func (e *Engine) disable() {
	ctx, cancel := context.WithTimeout(context.Background(), disableTimeout)
	defer cancel()
	e.controller.Disable(ctx)
}
