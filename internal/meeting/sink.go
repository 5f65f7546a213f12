package meeting

import (
	"log/slog"

	"github.com/ArpitJ1993/CHEATS-APP/internal/logging"
)

// LogSink writes transcripts and status changes to the structured log.
// It is always attached so a headless run still produces captions.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink builds a log sink.
func NewLogSink() *LogSink {
	return &LogSink{log: logging.L("transcript")}
}

func (s *LogSink) OnTranscript(ev TranscriptEvent) {
	if ev.Partial {
		s.log.Debug("partial",
			slog.String(logging.KeyRole, string(ev.Role)),
			slog.String("text", ev.Text),
		)
		return
	}
	attrs := []any{
		slog.String(logging.KeyRole, string(ev.Role)),
		slog.String("text", ev.Text),
	}
	if ev.HasLatency {
		attrs = append(attrs, slog.Int64(logging.KeyDurationMs, ev.Latency.Milliseconds()))
	}
	s.log.Info("final", attrs...)
}

func (s *LogSink) OnStatus(status Status) {
	s.log.Info("session status",
		slog.String("microphone", status.Microphone.State),
		slog.String("systemAudio", status.SystemAudio.State),
	)
}
