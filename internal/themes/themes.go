/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package themes is the filesystem theme supplier: one sub-directory per
// theme holding audio files plus an optional theme.yaml, and a presets
// directory of partial settings overlays. Reloads are explicit; nothing
// here watches the filesystem.
package themes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/friendsincode/sonorium/internal/models"
)

// ErrUnknownTheme is returned for a theme reference with no directory.
var ErrUnknownTheme = errors.New("unknown theme")

// ErrUnknownPreset is returned for a preset reference with no file.
var ErrUnknownPreset = errors.New("unknown preset")

var audioExtensions = map[string]struct{}{
	".wav":  {},
	".mp3":  {},
	".ogg":  {},
	".oga":  {},
	".aiff": {},
	".aif":  {},
}

// TrackOverride is a partial settings patch; nil fields are left untouched.
type TrackOverride struct {
	Volume       *float64 `yaml:"volume"`
	Presence     *float64 `yaml:"presence"`
	PlaybackMode *string  `yaml:"playback_mode"`
	SeamlessLoop *bool    `yaml:"seamless_loop"`
	Exclusive    *bool    `yaml:"exclusive"`
	Muted        *bool    `yaml:"muted"`
}

// Apply overlays the non-nil fields onto the settings.
func (o TrackOverride) Apply(s models.TrackSettings) models.TrackSettings {
	if o.Volume != nil {
		s.Volume = *o.Volume
	}
	if o.Presence != nil {
		s.Presence = *o.Presence
	}
	if o.PlaybackMode != nil {
		s.PlaybackMode = models.PlaybackMode(*o.PlaybackMode)
	}
	if o.SeamlessLoop != nil {
		s.SeamlessLoop = *o.SeamlessLoop
	}
	if o.Exclusive != nil {
		s.Exclusive = *o.Exclusive
	}
	if o.Muted != nil {
		s.Muted = *o.Muted
	}
	return s
}

// themeFile mirrors theme.yaml.
type themeFile struct {
	Options struct {
		LongFileThresholdS  float64 `yaml:"long_file_threshold_s"`
		ShortFileThresholdS float64 `yaml:"short_file_threshold_s"`
		PresencePeriodS     float64 `yaml:"presence_period_s"`
		PresenceFadeS       float64 `yaml:"presence_fade_s"`
		Seed                int64   `yaml:"seed"`
	} `yaml:"options"`
	Tracks map[string]TrackOverride `yaml:"tracks"`
}

// presetFile mirrors a preset overlay YAML.
type presetFile struct {
	Tracks map[string]TrackOverride `yaml:"tracks"`
}

// Supplier resolves theme and preset references against a root directory.
type Supplier struct {
	root    string
	presets string
	logger  zerolog.Logger
}

// NewSupplier creates a supplier rooted at themesRoot. Presets live in the
// "_presets" sub-directory of the root.
func NewSupplier(themesRoot string, logger zerolog.Logger) *Supplier {
	return &Supplier{
		root:    themesRoot,
		presets: filepath.Join(themesRoot, "_presets"),
		logger:  logger.With().Str("component", "themes").Logger(),
	}
}

// ListThemes returns the available theme references, sorted.
func (s *Supplier) ListThemes() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read themes root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), "_") && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListPresets returns the available preset references, sorted.
func (s *Supplier) ListPresets() ([]string, error) {
	entries, err := os.ReadDir(s.presets)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read presets dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && (strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			out = append(out, strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml"))
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListFiles returns the ordered track list of a theme with settings from
// theme.yaml applied over the defaults, plus the theme's options.
func (s *Supplier) ListFiles(themeRef string) ([]models.TrackFile, models.ThemeOptions, error) {
	return s.Resolve(themeRef, "")
}

// PresetOverlay parses a preset overlay keyed by track filename.
func (s *Supplier) PresetOverlay(presetRef string) (map[string]TrackOverride, error) {
	if strings.ContainsAny(presetRef, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, presetRef)
	}
	path := filepath.Join(s.presets, presetRef+".yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		data, err = os.ReadFile(filepath.Join(s.presets, presetRef+".yml"))
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, presetRef)
		}
		return nil, fmt.Errorf("read preset %q: %w", presetRef, err)
	}
	var pf presetFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse preset %q: %w", presetRef, err)
	}
	return pf.Tracks, nil
}

// Resolve returns the track list of a theme with theme.yaml settings and,
// when presetRef is non-empty, the preset overlay applied on top.
func (s *Supplier) Resolve(themeRef, presetRef string) ([]models.TrackFile, models.ThemeOptions, error) {
	if strings.ContainsAny(themeRef, `/\`) || themeRef == "" {
		return nil, models.ThemeOptions{}, fmt.Errorf("%w: %q", ErrUnknownTheme, themeRef)
	}
	dir := filepath.Join(s.root, themeRef)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, models.ThemeOptions{}, fmt.Errorf("%w: %q", ErrUnknownTheme, themeRef)
	}

	tf, err := s.readThemeFile(dir)
	if err != nil {
		return nil, models.ThemeOptions{}, err
	}

	var overlay map[string]TrackOverride
	if presetRef != "" {
		overlay, err = s.PresetOverlay(presetRef)
		if err != nil {
			return nil, models.ThemeOptions{}, err
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, models.ThemeOptions{}, fmt.Errorf("read theme %q: %w", themeRef, err)
	}

	var files []models.TrackFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if _, ok := audioExtensions[strings.ToLower(filepath.Ext(name))]; !ok {
			continue
		}
		settings := models.DefaultTrackSettings()
		if o, ok := tf.Tracks[name]; ok {
			settings = o.Apply(settings)
		}
		if o, ok := overlay[name]; ok {
			settings = o.Apply(settings)
		}
		files = append(files, models.TrackFile{
			Path:     filepath.Join(dir, name),
			Settings: settings,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	opts := models.ThemeOptions{
		LongFileThreshold:  secondsDuration(tf.Options.LongFileThresholdS),
		ShortFileThreshold: secondsDuration(tf.Options.ShortFileThresholdS),
		PresencePeriod:     secondsDuration(tf.Options.PresencePeriodS),
		PresenceFade:       secondsDuration(tf.Options.PresenceFadeS),
		Seed:               tf.Options.Seed,
	}
	s.logger.Debug().Str("theme", themeRef).Str("preset", presetRef).Int("tracks", len(files)).Msg("theme resolved")
	return files, opts, nil
}

func (s *Supplier) readThemeFile(dir string) (themeFile, error) {
	var tf themeFile
	data, err := os.ReadFile(filepath.Join(dir, "theme.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return tf, nil
		}
		return tf, fmt.Errorf("read theme.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return tf, fmt.Errorf("parse theme.yaml: %w", err)
	}
	return tf, nil
}

func secondsDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
