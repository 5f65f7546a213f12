//go:build !windows && !linux && !darwin

package capture

// NewHost returns an empty surface on platforms with no capture
// bindings. Every capability is nil, which acquisition reports as
// unavailable rather than retrying.
func NewHost(opts HostOptions) *Surface {
	return &Surface{}
}
