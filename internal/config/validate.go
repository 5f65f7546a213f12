package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would cause panics are clamped to safe defaults.
// Other validation errors are logged as warnings but do not prevent startup.
// A missing API key is deliberately not an error here; doctor reports it and
// run fails with a clearer message at negotiation time.
func (c *Config) Validate() []error {
	var errs []error

	if c.APIRoot != "" {
		u, err := url.Parse(c.APIRoot)
		if err != nil {
			errs = append(errs, fmt.Errorf("api_root %q is not a valid URL: %w", c.APIRoot, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("api_root scheme must be http or https, got %q", u.Scheme))
		}
	}

	if c.APIKey != "" {
		for _, r := range c.APIKey {
			if unicode.IsControl(r) {
				errs = append(errs, fmt.Errorf("api_key contains control characters"))
				break
			}
		}
	}

	if c.Negotiation != "token" && c.Negotiation != "direct" {
		errs = append(errs, fmt.Errorf("negotiation %q is not valid (use token or direct), using token", c.Negotiation))
		c.Negotiation = "token"
	}

	if c.VADThreshold < 0 {
		errs = append(errs, fmt.Errorf("vad_threshold %v is below minimum 0, clamping", c.VADThreshold))
		c.VADThreshold = 0
	} else if c.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad_threshold %v exceeds maximum 1, clamping", c.VADThreshold))
		c.VADThreshold = 1
	}

	if c.PrefixPaddingMs < 0 {
		errs = append(errs, fmt.Errorf("prefix_padding_ms %d is below minimum 0, clamping", c.PrefixPaddingMs))
		c.PrefixPaddingMs = 0
	} else if c.PrefixPaddingMs > 5000 {
		errs = append(errs, fmt.Errorf("prefix_padding_ms %d exceeds maximum 5000, clamping", c.PrefixPaddingMs))
		c.PrefixPaddingMs = 5000
	}

	if c.SilenceDurationMs < 0 {
		errs = append(errs, fmt.Errorf("silence_duration_ms %d is below minimum 0, clamping", c.SilenceDurationMs))
		c.SilenceDurationMs = 0
	} else if c.SilenceDurationMs > 10000 {
		errs = append(errs, fmt.Errorf("silence_duration_ms %d exceeds maximum 10000, clamping", c.SilenceDurationMs))
		c.SilenceDurationMs = 10000
	}

	// Clamp retry knobs to a safe range so the engine can never spin hot
	// or sleep unboundedly.
	if c.CaptureMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("capture_max_attempts %d is below minimum 1, clamping", c.CaptureMaxAttempts))
		c.CaptureMaxAttempts = 1
	} else if c.CaptureMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("capture_max_attempts %d exceeds maximum 10, clamping", c.CaptureMaxAttempts))
		c.CaptureMaxAttempts = 10
	}

	for _, knob := range []struct {
		name  string
		value *int
	}{
		{"capture_base_delay_ms", &c.CaptureBaseDelayMs},
		{"capture_slow_step_ms", &c.CaptureSlowStepMs},
		{"capture_first_settle_ms", &c.CaptureFirstSettleMs},
		{"capture_later_settle_ms", &c.CaptureLaterSettleMs},
	} {
		if *knob.value < 0 {
			errs = append(errs, fmt.Errorf("%s %d is below minimum 0, clamping", knob.name, *knob.value))
			*knob.value = 0
		} else if *knob.value > 30000 {
			errs = append(errs, fmt.Errorf("%s %d exceeds maximum 30000, clamping", knob.name, *knob.value))
			*knob.value = 30000
		}
	}

	if c.FeedListen != "" {
		if _, _, err := net.SplitHostPort(c.FeedListen); err != nil {
			errs = append(errs, fmt.Errorf("feed_listen %q is not host:port: %w", c.FeedListen, err))
		}
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	// Log validation errors as warnings
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
