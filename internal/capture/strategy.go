package capture

import (
	"context"
	"fmt"

	"github.com/ArpitJ1993/CHEATS-APP/internal/backoff"
)

// Strategy names for the two ways system audio is acquired.
const (
	// StrategyDirectEnumeration opens a native loopback input like any
	// other microphone. No intercept, no retry machine.
	StrategyDirectEnumeration = "direct_enumeration"
	// StrategyLoopbackIntercept routes system output into a capturable
	// input first, then display-captures it. Fragile, hence the engine.
	StrategyLoopbackIntercept = "loopback_intercept"
)

// SelectStrategy picks the acquisition strategy by capability, not by OS
// name. A host exposing a native loopback input skips the intercept
// machinery entirely.
func SelectStrategy(surface *Surface) string {
	if surface != nil && surface.LoopbackDevice != nil {
		return StrategyDirectEnumeration
	}
	return StrategyLoopbackIntercept
}

// AcquireSystemAudio acquires the system audio stream using whichever
// strategy the host supports.
func AcquireSystemAudio(ctx context.Context, surface *Surface, policy backoff.Policy) Outcome {
	if SelectStrategy(surface) == StrategyDirectEnumeration {
		return acquireDirect(ctx, surface)
	}
	return NewEngine(surface, policy).Run(ctx)
}

// acquireDirect opens the native loopback device in a single attempt.
// Native loopback does not race driver initialization the way the
// intercept does, so there is nothing to retry.
func acquireDirect(ctx context.Context, surface *Surface) Outcome {
	out := Outcome{Strategy: StrategyDirectEnumeration, Attempts: 1}

	device, err := surface.LoopbackDevice(ctx)
	if err != nil {
		out.Err = fmt.Errorf("enumerate loopback device: %w", err)
		return out
	}
	if surface.Microphone == nil {
		out.Err = fmt.Errorf("open loopback device: %w", ErrAPIUnavailable)
		return out
	}

	stream, err := surface.Microphone(ctx, device)
	if err != nil {
		out.Err = fmt.Errorf("open loopback device %q: %w", device, err)
		return out
	}
	out.Stream = stream
	return out
}

// AcquireMicrophone opens the named microphone, or the default when the
// name is empty. The microphone path never involves the intercept.
func AcquireMicrophone(ctx context.Context, surface *Surface, device string) (*Stream, error) {
	if surface == nil || surface.Microphone == nil {
		return nil, fmt.Errorf("microphone capture: %w", ErrAPIUnavailable)
	}
	return surface.Microphone(ctx, device)
}
