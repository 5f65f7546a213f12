package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/ArpitJ1993/CHEATS-APP/internal/backoff"
)

type Config struct {
	APIRoot     string `mapstructure:"api_root"`
	APIKey      string `mapstructure:"api_key"`
	Negotiation string `mapstructure:"negotiation"` // "token" or "direct"
	Model       string `mapstructure:"model"`
	Language    string `mapstructure:"language"`
	Profile     string `mapstructure:"profile"`

	VADThreshold      float64 `mapstructure:"vad_threshold"`
	PrefixPaddingMs   int     `mapstructure:"prefix_padding_ms"`
	SilenceDurationMs int     `mapstructure:"silence_duration_ms"`

	CaptureMaxAttempts   int `mapstructure:"capture_max_attempts"`
	CaptureBaseDelayMs   int `mapstructure:"capture_base_delay_ms"`
	CaptureSlowStepMs    int `mapstructure:"capture_slow_step_ms"`
	CaptureFirstSettleMs int `mapstructure:"capture_first_settle_ms"`
	CaptureLaterSettleMs int `mapstructure:"capture_later_settle_ms"`

	FeedListen string `mapstructure:"feed_listen"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`
	FFmpegPath string `mapstructure:"ffmpeg_path"`
	MicDevice  string `mapstructure:"mic_device"`
}

func Default() *Config {
	retry := backoff.Default()
	return &Config{
		APIRoot:              "https://api.openai.com",
		Negotiation:          "token",
		Model:                "gpt-4o-mini-transcribe",
		VADThreshold:         0.5,
		PrefixPaddingMs:      300,
		SilenceDurationMs:    500,
		CaptureMaxAttempts:   retry.MaxAttempts,
		CaptureBaseDelayMs:   int(retry.BaseDelay / time.Millisecond),
		CaptureSlowStepMs:    int(retry.SlowStep / time.Millisecond),
		CaptureFirstSettleMs: int(retry.FirstSettle / time.Millisecond),
		CaptureLaterSettleMs: int(retry.LaterSettle / time.Millisecond),
		FeedListen:           "127.0.0.1:8573",
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cheats")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(Dir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CHEATS")

	// Register every key so env overrides reach Unmarshal.
	viper.SetDefault("api_root", cfg.APIRoot)
	viper.SetDefault("api_key", cfg.APIKey)
	viper.SetDefault("negotiation", cfg.Negotiation)
	viper.SetDefault("model", cfg.Model)
	viper.SetDefault("language", cfg.Language)
	viper.SetDefault("profile", cfg.Profile)
	viper.SetDefault("vad_threshold", cfg.VADThreshold)
	viper.SetDefault("prefix_padding_ms", cfg.PrefixPaddingMs)
	viper.SetDefault("silence_duration_ms", cfg.SilenceDurationMs)
	viper.SetDefault("capture_max_attempts", cfg.CaptureMaxAttempts)
	viper.SetDefault("capture_base_delay_ms", cfg.CaptureBaseDelayMs)
	viper.SetDefault("capture_slow_step_ms", cfg.CaptureSlowStepMs)
	viper.SetDefault("capture_first_settle_ms", cfg.CaptureFirstSettleMs)
	viper.SetDefault("capture_later_settle_ms", cfg.CaptureLaterSettleMs)
	viper.SetDefault("feed_listen", cfg.FeedListen)
	viper.SetDefault("log_level", cfg.LogLevel)
	viper.SetDefault("log_format", cfg.LogFormat)
	viper.SetDefault("ffmpeg_path", cfg.FFmpegPath)
	viper.SetDefault("mic_device", cfg.MicDevice)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RetryPolicy converts the capture knobs into a backoff policy.
func (c *Config) RetryPolicy() backoff.Policy {
	p := backoff.Default()
	p.MaxAttempts = c.CaptureMaxAttempts
	p.BaseDelay = time.Duration(c.CaptureBaseDelayMs) * time.Millisecond
	p.SlowStep = time.Duration(c.CaptureSlowStepMs) * time.Millisecond
	p.FirstSettle = time.Duration(c.CaptureFirstSettleMs) * time.Millisecond
	p.LaterSettle = time.Duration(c.CaptureLaterSettleMs) * time.Millisecond
	return p
}

// Dir returns the OS-appropriate config directory.
func Dir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Cheats")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "cheats")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "cheats")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "cheats")
	}
}
