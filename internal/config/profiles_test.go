package config

import (
	"os"
	"path/filepath"
	"testing"
)

const profilesYAML = `
standup:
  model: gpt-4o-transcribe
  language: en
  silence_duration_ms: 300
interview:
  vad_threshold: 0.7
`

func writeProfiles(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	if err := os.WriteFile(path, []byte(profilesYAML), 0600); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
	return dir
}

func TestLoadProfiles(t *testing.T) {
	dir := writeProfiles(t)

	profiles, err := LoadProfiles(dir)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("loaded %d profiles, want 2", len(profiles))
	}

	standup, ok := profiles["standup"]
	if !ok {
		t.Fatal("standup profile missing")
	}
	if standup.Model != "gpt-4o-transcribe" {
		t.Fatalf("standup model = %q, want gpt-4o-transcribe", standup.Model)
	}
	if standup.SilenceDurationMs == nil || *standup.SilenceDurationMs != 300 {
		t.Fatalf("standup silence_duration_ms = %v, want 300", standup.SilenceDurationMs)
	}
	if standup.VADThreshold != nil {
		t.Fatalf("standup vad_threshold should be unset, got %v", *standup.VADThreshold)
	}
}

func TestLoadProfilesMissingFile(t *testing.T) {
	profiles, err := LoadProfiles(t.TempDir())
	if err != nil {
		t.Fatalf("missing profiles.yaml should not error: %v", err)
	}
	if len(profiles) != 0 {
		t.Fatalf("expected empty profile map, got %d entries", len(profiles))
	}
}

func TestApplyProfileOverlaysOnlySetFields(t *testing.T) {
	dir := writeProfiles(t)
	profiles, err := LoadProfiles(dir)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}

	cfg := Default()
	baseModel := cfg.Model
	if err := cfg.ApplyProfile("interview", profiles); err != nil {
		t.Fatalf("ApplyProfile: %v", err)
	}

	if cfg.VADThreshold != 0.7 {
		t.Fatalf("VADThreshold = %v, want 0.7", cfg.VADThreshold)
	}
	if cfg.Model != baseModel {
		t.Fatalf("Model = %q, profile without model should keep %q", cfg.Model, baseModel)
	}
	if cfg.SilenceDurationMs != Default().SilenceDurationMs {
		t.Fatalf("SilenceDurationMs changed to %d without being set", cfg.SilenceDurationMs)
	}
}

func TestApplyProfileUnknownName(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyProfile("nope", map[string]Profile{"standup": {}})
	if err == nil {
		t.Fatal("expected error for unknown profile")
	}
}
