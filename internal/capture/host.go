package capture

// HostOptions configures the platform capture host.
type HostOptions struct {
	// FFmpegPath overrides the ffmpeg binary on hosts that capture
	// through it. Empty means look it up on PATH.
	FFmpegPath string
}
