//go:build darwin || linux

package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"

	"github.com/ArpitJ1993/CHEATS-APP/internal/logging"
)

// ffmpegBinary resolves the configured ffmpeg path.
func ffmpegBinary(opts HostOptions) string {
	if opts.FFmpegPath != "" {
		return opts.FFmpegPath
	}
	return "ffmpeg"
}

// startFFmpegTrack spawns ffmpeg with the given input arguments, asks it
// for s16le 8kHz mono on stdout, and pushes the encoded 20ms frames into
// a new audio track. Stopping the track kills the child.
func startFFmpegTrack(bin string, inputArgs []string, id, label string) (*Track, error) {
	args := append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, inputArgs...)
	args = append(args,
		"-f", "s16le",
		"-ar", "8000",
		"-ac", "1",
		"pipe:1",
	)

	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	track := NewTrack(TrackAudio, id, label, func() {
		cmd.Process.Kill()
	})

	log := logging.L("ffmpeg")
	go func() {
		defer cmd.Wait()
		ds := newDownsampler(targetRate, track.Push)
		r := bufio.NewReaderSize(stdout, 4096)
		var sample [2]byte
		for {
			select {
			case <-track.Done():
				return
			default:
			}
			if _, err := io.ReadFull(r, sample[:]); err != nil {
				if !track.Stopped() {
					log.Warn("capture ended", "label", label, logging.KeyError, err)
				}
				return
			}
			s16 := int16(binary.LittleEndian.Uint16(sample[:]))
			ds.writeSample(float64(s16) / 32768.0)
		}
	}()

	return track, nil
}
