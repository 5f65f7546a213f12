package capture

import (
	"errors"
	"fmt"
	"strings"
)

// Class buckets a capture failure by how the retry engine reacts to it.
type Class int

const (
	// ClassRetryableOther covers transient failures with no better
	// diagnosis. Retried with a linear per-attempt delay.
	ClassRetryableOther Class = iota
	// ClassNotSupported means the platform media layer rejected the
	// request outright. Usually an initialization-order race inside the
	// audio driver, so it gets the longer per-attempt delay.
	ClassNotSupported
	// ClassAPIUnavailable means the capability does not exist on this
	// host at all. Never retried.
	ClassAPIUnavailable
	// ClassSignaling marks errors born in the realtime transport layer.
	// Not capture faults; never retried here.
	ClassSignaling
)

func (c Class) String() string {
	switch c {
	case ClassRetryableOther:
		return "retryable"
	case ClassNotSupported:
		return "not_supported"
	case ClassAPIUnavailable:
		return "api_unavailable"
	case ClassSignaling:
		return "signaling"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Retryable reports whether the engine runs another attempt after a
// failure of this class.
func (c Class) Retryable() bool {
	return c == ClassRetryableOther || c == ClassNotSupported
}

var (
	// ErrAPIUnavailable marks a capability the host media layer does not
	// expose at all.
	ErrAPIUnavailable = errors.New("capture api unavailable on this host")

	// ErrNotSupported marks a request the media layer refused.
	ErrNotSupported = errors.New("capture request not supported")

	// ErrNoLoopbackDevice means no system-audio loopback input exists.
	ErrNoLoopbackDevice = errors.New("no loopback capture device found")
)

// signalingFault is implemented by errors from the realtime layer so this
// package can recognize them without importing it.
type signalingFault interface {
	SignalingFault() bool
}

// Classify maps an error onto the retry taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryableOther
	}
	if errors.Is(err, ErrAPIUnavailable) {
		return ClassAPIUnavailable
	}
	var sf signalingFault
	if errors.As(err, &sf) && sf.SignalingFault() {
		return ClassSignaling
	}
	if errors.Is(err, ErrNotSupported) || errors.Is(err, ErrNoLoopbackDevice) {
		return ClassNotSupported
	}
	// Raw driver errors don't wrap our sentinels; fall back to the
	// message the platform layer produced.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not supported") || strings.Contains(msg, "notsupported") {
		return ClassNotSupported
	}
	return ClassRetryableOther
}

// ExhaustedError reports that every capture attempt failed. The message
// spells out the known failure modes because the underlying driver errors
// are rarely actionable on their own.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf(
		"system audio capture failed after %d attempts"+
			" (likely causes: screen recording permission missing,"+
			" audio driver in a bad state,"+
			" intercept enabled after capture had already started,"+
			" driver needed more settle time,"+
			" or a virtual audio device version mismatch): %v",
		e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }
