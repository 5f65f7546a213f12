//go:build darwin

package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/ArpitJ1993/CHEATS-APP/internal/logging"
)

// blackholeDevice is the virtual output that makes system audio
// capturable on macOS. CoreAudio has no render loopback, so the
// intercept switches the default output to it and captures its input
// side.
const blackholeDevice = "BlackHole 2ch"

type darwinHost struct {
	ffmpeg string

	mu         sync.Mutex
	prevOutput string
	switched   bool
}

// NewHost builds the macOS capture surface. All audio goes through
// ffmpeg's avfoundation demuxer; the intercept rides on
// SwitchAudioSource and BlackHole.
func NewHost(opts HostOptions) *Surface {
	h := &darwinHost{ffmpeg: ffmpegBinary(opts)}
	return &Surface{
		EnableLoopback:  h.enableLoopback,
		DisableLoopback: h.disableLoopback,
		DisplayMedia:    h.displayMedia,
		Microphone:      h.microphone,
		ListDevices:     h.listDevices,
	}
}

func (h *darwinHost) microphone(ctx context.Context, device string) (*Stream, error) {
	if device == "" {
		device = "default"
	}
	track, err := startFFmpegTrack(h.ffmpeg,
		[]string{"-f", "avfoundation", "-i", ":" + device},
		"audio-microphone", "microphone")
	if err != nil {
		return nil, wrapToolErr(err)
	}
	return NewStream("stream-microphone", track), nil
}

// enableLoopback points the default output at BlackHole, remembering
// the previous device so disable can restore it.
func (h *darwinHost) enableLoopback(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.switched {
		return nil
	}

	prev, err := exec.CommandContext(ctx, "SwitchAudioSource", "-c", "-t", "output").Output()
	if err != nil {
		return wrapToolErr(fmt.Errorf("query current output: %w", err))
	}

	err = exec.CommandContext(ctx, "SwitchAudioSource", "-t", "output", "-s", blackholeDevice).Run()
	if err != nil {
		// BlackHole missing reads as "not found" from the switcher.
		return fmt.Errorf("switch output to %s: %w: %v", blackholeDevice, ErrNoLoopbackDevice, err)
	}

	h.prevOutput = strings.TrimSpace(string(prev))
	h.switched = true
	logging.L("capture.darwin").Debug("output routed to virtual device", "previous", h.prevOutput)
	return nil
}

// disableLoopback restores the previous default output. Safe after a
// partial or failed enable.
func (h *darwinHost) disableLoopback(ctx context.Context) error {
	h.mu.Lock()
	prev := h.prevOutput
	switched := h.switched
	h.prevOutput = ""
	h.switched = false
	h.mu.Unlock()
	if !switched || prev == "" {
		return nil
	}

	if err := exec.CommandContext(ctx, "SwitchAudioSource", "-t", "output", "-s", prev).Run(); err != nil {
		return fmt.Errorf("restore output %q: %w", prev, err)
	}
	return nil
}

func (h *darwinHost) displayMedia(ctx context.Context, opts CaptureOptions) (*Stream, error) {
	if !opts.Audio {
		return nil, fmt.Errorf("display capture without audio: %w", ErrNotSupported)
	}

	var tracks []*Track
	if opts.Video {
		tracks = append(tracks, NewTrack(TrackVideo, "video-display", "display", nil))
	}

	audio, err := startFFmpegTrack(h.ffmpeg,
		[]string{"-f", "avfoundation", "-i", ":" + blackholeDevice},
		"audio-display", "system audio")
	if err != nil {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, wrapToolErr(err)
	}
	tracks = append(tracks, audio)
	return NewStream("stream-display", tracks...), nil
}

// avfDeviceLine matches one device row of avfoundation's device listing,
// e.g. `[AVFoundation indev @ 0x...] [0] MacBook Pro Microphone`.
var avfDeviceLine = regexp.MustCompile(`\[(\d+)\]\s+(.+)$`)

// listDevices parses the avfoundation device listing. ffmpeg prints it
// to stderr and exits nonzero, so the exit code is ignored.
func (h *darwinHost) listDevices(ctx context.Context) ([]Device, error) {
	cmd := exec.CommandContext(ctx, h.ffmpeg,
		"-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", "")
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, wrapToolErr(err)
	}

	var devices []Device
	inAudio := false
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "audio devices"):
			inAudio = true
		case strings.Contains(line, "video devices"):
			inAudio = false
		case inAudio:
			m := avfDeviceLine.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			name := strings.TrimSpace(m[2])
			kind := DeviceMicrophone
			if strings.Contains(name, "BlackHole") {
				kind = DeviceLoopback
			}
			devices = append(devices, Device{ID: name, Label: name, Kind: kind})
		}
	}
	cmd.Wait()
	return devices, nil
}

// wrapToolErr maps a missing binary onto the unavailable sentinel.
func wrapToolErr(err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrAPIUnavailable, err)
	}
	return err
}
