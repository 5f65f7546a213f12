package capture

import "context"

// DeviceKind names what a capture device produces.
type DeviceKind string

const (
	DeviceMicrophone DeviceKind = "microphone"
	DeviceLoopback   DeviceKind = "loopback"
	DeviceDisplay    DeviceKind = "display"
)

// Device identifies one capture endpoint offered by the host.
type Device struct {
	ID      string
	Label   string
	Kind    DeviceKind
	Default bool
}

// CaptureOptions mirrors a display-capture request. Video stays true even
// for audio-only use: display grants are anchored to a video surface and
// hosts reject audio-only requests.
type CaptureOptions struct {
	Video bool
	Audio bool
}

// Surface is the capability surface of the host media layer. A nil field
// means the host cannot do that operation at all, which the engine treats
// as fatal rather than retryable.
type Surface struct {
	// EnableLoopback routes system output into a capturable input.
	EnableLoopback func(ctx context.Context) error

	// DisableLoopback undoes EnableLoopback. Hosts make it safe to call
	// after a partial or failed enable.
	DisableLoopback func(ctx context.Context) error

	// DisplayMedia acquires a display stream, audio riding along when the
	// intercept routed it there.
	DisplayMedia func(ctx context.Context, opts CaptureOptions) (*Stream, error)

	// Microphone opens the named input device, or the default when the
	// name is empty.
	Microphone func(ctx context.Context, device string) (*Stream, error)

	// LoopbackDevice returns the id of a native system-audio input on
	// hosts that expose one. Non-nil means no intercept is needed.
	LoopbackDevice func(ctx context.Context) (string, error)

	// ListDevices enumerates capture endpoints for diagnostics.
	ListDevices func(ctx context.Context) ([]Device, error)
}
