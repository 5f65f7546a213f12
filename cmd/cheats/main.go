package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ArpitJ1993/CHEATS-APP/internal/capture"
	"github.com/ArpitJ1993/CHEATS-APP/internal/config"
	"github.com/ArpitJ1993/CHEATS-APP/internal/diag"
	"github.com/ArpitJ1993/CHEATS-APP/internal/feed"
	"github.com/ArpitJ1993/CHEATS-APP/internal/logging"
	"github.com/ArpitJ1993/CHEATS-APP/internal/meeting"
	"github.com/ArpitJ1993/CHEATS-APP/internal/realtime"
)

var (
	version   = "0.1.0"
	cfgFile   string
	logLevel  string
	logFormat string
	profile   string
)

var rootCmd = &cobra.Command{
	Use:   "cheats",
	Short: "Live meeting captions",
	Long:  `Cheats - live meeting captions from microphone and system audio for Windows, macOS, and Linux`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start captioning",
	Run: func(cmd *cobra.Command, args []string) {
		runMeeting()
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that this host can capture and transcribe",
	Run: func(cmd *cobra.Command, args []string) {
		runDoctor()
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio capture devices",
	Run: func(cmd *cobra.Command, args []string) {
		listDevices()
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List session profiles",
	Run: func(cmd *cobra.Command, args []string) {
		listProfiles()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cheats v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is cheats.yaml in the config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json)")
	runCmd.Flags().StringVar(&profile, "profile", "", "session profile to apply")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads, validates and profiles the config, then initializes
// logging from it. Validation clamps rather than fails.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Validate()

	if profile != "" {
		cfg.Profile = profile
	}
	if cfg.Profile != "" {
		profiles, err := config.LoadProfiles("")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load profiles: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.ApplyProfile(cfg.Profile, profiles); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
	return cfg
}

func runMeeting() {
	cfg := loadConfig()
	log := logging.L("main")

	surface := capture.NewHost(capture.HostOptions{FFmpegPath: cfg.FFmpegPath})
	signaler := realtime.NewSignaler(cfg.APIRoot, cfg.APIKey, realtime.Mode(cfg.Negotiation))
	session := realtime.NewSessionConfig(cfg.Model, cfg.Language,
		cfg.VADThreshold, cfg.PrefixPaddingMs, cfg.SilenceDurationMs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := feed.NewHub()
	go func() {
		if err := hub.ListenAndServe(ctx, cfg.FeedListen); err != nil {
			log.Error("feed server stopped", logging.KeyError, err)
		}
	}()
	defer hub.Close()

	orc := meeting.New(meeting.Options{
		Surface:   surface,
		Policy:    cfg.RetryPolicy(),
		Signaler:  signaler,
		Session:   session,
		MicDevice: cfg.MicDevice,
		Sinks:     []meeting.Sink{meeting.NewLogSink(), hub},
	})

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		orc.Stop()
		cancel()
		<-sigChan
		log.Warn("forced exit")
		os.Exit(1)
	}()

	log.Info("starting meeting", "model", cfg.Model, "feed", cfg.FeedListen)
	if err := orc.Run(ctx); err != nil {
		log.Error("meeting ended with error", logging.KeyError, err)
		os.Exit(1)
	}
}

func runDoctor() {
	cfg := loadConfig()
	surface := capture.NewHost(capture.HostOptions{FFmpegPath: cfg.FFmpegPath})

	report := diag.Run(context.Background(), cfg, surface)
	fmt.Print(report.Format())
	if !report.OK() {
		os.Exit(1)
	}
}

func listDevices() {
	cfg := loadConfig()
	surface := capture.NewHost(capture.HostOptions{FFmpegPath: cfg.FFmpegPath})

	if surface.ListDevices == nil {
		fmt.Fprintln(os.Stderr, "Device enumeration is not available on this host.")
		os.Exit(1)
	}
	devices, err := surface.ListDevices(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list devices: %v\n", err)
		os.Exit(1)
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %-12s %s\n", marker, d.Kind, d.ID)
	}
}

func listProfiles() {
	profiles, err := config.LoadProfiles("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load profiles: %v\n", err)
		os.Exit(1)
	}
	if len(profiles) == 0 {
		fmt.Printf("No profiles defined (looked for profiles.yaml in %s).\n", config.Dir())
		return
	}
	for _, name := range config.ProfileNames(profiles) {
		p := profiles[name]
		fmt.Printf("%s:", name)
		if p.Model != "" {
			fmt.Printf(" model=%s", p.Model)
		}
		if p.Language != "" {
			fmt.Printf(" language=%s", p.Language)
		}
		if p.VADThreshold != nil {
			fmt.Printf(" vad_threshold=%v", *p.VADThreshold)
		}
		if p.PrefixPaddingMs != nil {
			fmt.Printf(" prefix_padding_ms=%d", *p.PrefixPaddingMs)
		}
		if p.SilenceDurationMs != nil {
			fmt.Printf(" silence_duration_ms=%d", *p.SilenceDurationMs)
		}
		fmt.Println()
	}
}
