//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/ArpitJ1993/CHEATS-APP/internal/logging"
)

// interceptSource is the PulseAudio source the intercept creates over
// the default sink monitor. The display capture opens it by name.
const interceptSource = "cheats_intercept"

// linuxHost routes system audio through a remapped monitor source. The
// module index from load-module is what unload-module needs, so the
// host is stateful across enable and disable.
type linuxHost struct {
	ffmpeg string

	mu        sync.Mutex
	moduleIdx string
}

// NewHost builds the Linux capture surface. Microphone input goes
// through ffmpeg's pulse demuxer; system audio needs the intercept
// because no loopback input exists until one is created.
func NewHost(opts HostOptions) *Surface {
	h := &linuxHost{ffmpeg: ffmpegBinary(opts)}
	return &Surface{
		EnableLoopback:  h.enableLoopback,
		DisableLoopback: h.disableLoopback,
		DisplayMedia:    h.displayMedia,
		Microphone:      h.microphone,
		ListDevices:     h.listDevices,
	}
}

func (h *linuxHost) microphone(ctx context.Context, device string) (*Stream, error) {
	if device == "" {
		device = "default"
	}
	track, err := startFFmpegTrack(h.ffmpeg,
		[]string{"-f", "pulse", "-i", device},
		"audio-microphone", "microphone")
	if err != nil {
		return nil, wrapPulseErr(err)
	}
	return NewStream("stream-microphone", track), nil
}

// enableLoopback remaps the default sink monitor into a named capture
// source. The remap is what makes system output appear as an input.
func (h *linuxHost) enableLoopback(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.moduleIdx != "" {
		return nil
	}

	out, err := exec.CommandContext(ctx, "pactl", "load-module", "module-remap-source",
		"master=@DEFAULT_MONITOR@",
		"source_name="+interceptSource,
		"source_properties=device.description="+interceptSource,
	).Output()
	if err != nil {
		return wrapPulseErr(fmt.Errorf("load-module module-remap-source: %w", err))
	}
	h.moduleIdx = strings.TrimSpace(string(out))
	logging.L("capture.linux").Debug("intercept source loaded", "module", h.moduleIdx)
	return nil
}

// disableLoopback unloads the remap module. Safe to call when no module
// was ever loaded, and after a partial enable.
func (h *linuxHost) disableLoopback(ctx context.Context) error {
	h.mu.Lock()
	idx := h.moduleIdx
	h.moduleIdx = ""
	h.mu.Unlock()
	if idx == "" {
		return nil
	}

	if err := exec.CommandContext(ctx, "pactl", "unload-module", idx).Run(); err != nil {
		return fmt.Errorf("unload-module %s: %w", idx, err)
	}
	return nil
}

// displayMedia captures the intercept source. The video track carries no
// frames; it exists because a display grant is anchored to one, and the
// engine strips it before the stream leaves the package.
func (h *linuxHost) displayMedia(ctx context.Context, opts CaptureOptions) (*Stream, error) {
	if !opts.Audio {
		return nil, fmt.Errorf("display capture without audio: %w", ErrNotSupported)
	}

	var tracks []*Track
	if opts.Video {
		tracks = append(tracks, NewTrack(TrackVideo, "video-display", "display", nil))
	}

	audio, err := startFFmpegTrack(h.ffmpeg,
		[]string{"-f", "pulse", "-i", interceptSource},
		"audio-display", "system audio")
	if err != nil {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, wrapPulseErr(err)
	}
	tracks = append(tracks, audio)
	return NewStream("stream-display", tracks...), nil
}

func (h *linuxHost) listDevices(ctx context.Context) ([]Device, error) {
	out, err := exec.CommandContext(ctx, "pactl", "list", "short", "sources").Output()
	if err != nil {
		return nil, wrapPulseErr(fmt.Errorf("list sources: %w", err))
	}

	var devices []Device
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := fields[1]
		kind := DeviceMicrophone
		if strings.HasSuffix(name, ".monitor") || name == interceptSource {
			kind = DeviceLoopback
		}
		devices = append(devices, Device{ID: name, Label: name, Kind: kind})
	}
	return devices, nil
}

// wrapPulseErr maps a missing binary onto the unavailable sentinel so
// the engine fails fast instead of retrying a host with no audio stack.
func wrapPulseErr(err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrAPIUnavailable, err)
	}
	return err
}
