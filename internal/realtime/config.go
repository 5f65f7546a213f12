package realtime

// TurnDetection configures the server-side voice activity detector. The
// silence duration doubles as the latency baseline offset: the server
// reports speech_stopped only after the full silence window has elapsed.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// Transcription names the recognition model and language.
type Transcription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// NoiseReduction selects the input noise reduction mode.
type NoiseReduction struct {
	Type string `json:"type"`
}

// SessionConfig is the transcription session template shared by both
// roles. It marshals to the broker request body in token mode and to the
// session field of the multipart exchange in direct mode.
type SessionConfig struct {
	InputAudioFormat         string          `json:"input_audio_format"`
	InputAudioTranscription  Transcription   `json:"input_audio_transcription"`
	TurnDetection            *TurnDetection  `json:"turn_detection,omitempty"`
	InputAudioNoiseReduction *NoiseReduction `json:"input_audio_noise_reduction,omitempty"`
}

// NewSessionConfig builds the template for the given model and VAD knobs.
// The audio format is pinned to g711_ulaw because the capture layer
// produces 8kHz μ-law frames end to end.
func NewSessionConfig(model, language string, threshold float64, prefixPaddingMs, silenceDurationMs int) SessionConfig {
	return SessionConfig{
		InputAudioFormat: "g711_ulaw",
		InputAudioTranscription: Transcription{
			Model:    model,
			Language: language,
		},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         threshold,
			PrefixPaddingMs:   prefixPaddingMs,
			SilenceDurationMs: silenceDurationMs,
		},
		InputAudioNoiseReduction: &NoiseReduction{Type: "near_field"},
	}
}
