package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile is a named partial session setup layered over the base config.
// Pointer fields distinguish "unset" from an explicit zero.
type Profile struct {
	Model             string   `yaml:"model"`
	Language          string   `yaml:"language"`
	VADThreshold      *float64 `yaml:"vad_threshold"`
	PrefixPaddingMs   *int     `yaml:"prefix_padding_ms"`
	SilenceDurationMs *int     `yaml:"silence_duration_ms"`
}

// LoadProfiles reads profiles.yaml from the config dir. A missing file is
// not an error; it just means no profiles are defined.
func LoadProfiles(dir string) (map[string]Profile, error) {
	if dir == "" {
		dir = Dir()
	}
	path := filepath.Join(dir, "profiles.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Profile{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	profiles := make(map[string]Profile)
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return profiles, nil
}

// ApplyProfile overlays the named profile onto the config. Unset profile
// fields leave the config value alone.
func (c *Config) ApplyProfile(name string, profiles map[string]Profile) error {
	p, ok := profiles[name]
	if !ok {
		return fmt.Errorf("profile %q not found (have %v)", name, ProfileNames(profiles))
	}

	if p.Model != "" {
		c.Model = p.Model
	}
	if p.Language != "" {
		c.Language = p.Language
	}
	if p.VADThreshold != nil {
		c.VADThreshold = *p.VADThreshold
	}
	if p.PrefixPaddingMs != nil {
		c.PrefixPaddingMs = *p.PrefixPaddingMs
	}
	if p.SilenceDurationMs != nil {
		c.SilenceDurationMs = *p.SilenceDurationMs
	}
	return nil
}

// ProfileNames returns the defined profile names, sorted.
func ProfileNames(profiles map[string]Profile) []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
