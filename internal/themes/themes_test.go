/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package themes

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestSupplier(t *testing.T) (*Supplier, string) {
	t.Helper()
	root := t.TempDir()
	return NewSupplier(root, zerolog.Nop()), root
}

func TestListThemesSkipsSpecialDirs(t *testing.T) {
	s, root := newTestSupplier(t)
	for _, dir := range []string{"forest", "ocean", "_presets", ".hidden"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, filepath.Join(root, "notes.txt"), "not a theme")

	got, err := s.ListThemes()
	if err != nil {
		t.Fatalf("ListThemes: %v", err)
	}
	want := []string{"forest", "ocean"}
	if len(got) != len(want) {
		t.Fatalf("themes %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("themes %v, want %v", got, want)
		}
	}
}

func TestListPresets(t *testing.T) {
	s, root := newTestSupplier(t)
	writeFile(t, filepath.Join(root, "_presets", "night.yaml"), "tracks: {}")
	writeFile(t, filepath.Join(root, "_presets", "storm.yml"), "tracks: {}")
	writeFile(t, filepath.Join(root, "_presets", "readme.md"), "ignored")

	got, err := s.ListPresets()
	if err != nil {
		t.Fatalf("ListPresets: %v", err)
	}
	if len(got) != 2 || got[0] != "night" || got[1] != "storm" {
		t.Fatalf("presets %v, want [night storm]", got)
	}
}

func TestListPresetsMissingDirIsEmpty(t *testing.T) {
	s, _ := newTestSupplier(t)
	got, err := s.ListPresets()
	if err != nil {
		t.Fatalf("ListPresets without dir: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("presets %v, want none", got)
	}
}

func TestResolveAppliesThemeSettings(t *testing.T) {
	s, root := newTestSupplier(t)
	writeFile(t, filepath.Join(root, "forest", "birds.wav"), "")
	writeFile(t, filepath.Join(root, "forest", "wind.ogg"), "")
	writeFile(t, filepath.Join(root, "forest", "cover.jpg"), "")
	writeFile(t, filepath.Join(root, "forest", "theme.yaml"), `
options:
  long_file_threshold_s: 120
  seed: 42
tracks:
  birds.wav:
    volume: 0.4
    playback_mode: sparse
    exclusive: true
`)

	files, opts, err := s.Resolve("forest", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2 audio files", len(files))
	}
	// Sorted by path: birds.wav before wind.ogg.
	birds := files[0]
	if filepath.Base(birds.Path) != "birds.wav" {
		t.Fatalf("first file %s, want birds.wav", birds.Path)
	}
	if birds.Settings.Volume != 0.4 || birds.Settings.PlaybackMode != models.ModeSparse || !birds.Settings.Exclusive {
		t.Fatalf("birds settings %+v, want theme overrides applied", birds.Settings)
	}

	wind := files[1]
	def := models.DefaultTrackSettings()
	if wind.Settings != def {
		t.Fatalf("wind settings %+v, want defaults %+v", wind.Settings, def)
	}

	if opts.LongFileThreshold != 120*time.Second || opts.Seed != 42 {
		t.Fatalf("options %+v, want 120s threshold and seed 42", opts)
	}
}

func TestResolveAppliesPresetOnTop(t *testing.T) {
	s, root := newTestSupplier(t)
	writeFile(t, filepath.Join(root, "forest", "birds.wav"), "")
	writeFile(t, filepath.Join(root, "forest", "theme.yaml"), `
tracks:
  birds.wav:
    volume: 0.4
    presence: 0.9
`)
	writeFile(t, filepath.Join(root, "_presets", "night.yaml"), `
tracks:
  birds.wav:
    volume: 0.1
    muted: true
`)

	files, _, err := s.Resolve("forest", "night")
	if err != nil {
		t.Fatalf("Resolve with preset: %v", err)
	}
	got := files[0].Settings
	if got.Volume != 0.1 || !got.Muted {
		t.Fatalf("settings %+v, want preset volume 0.1 and muted", got)
	}
	if got.Presence != 0.9 {
		t.Fatalf("presence %v, want theme value 0.9 untouched by preset", got.Presence)
	}
}

func TestResolveUnknownTheme(t *testing.T) {
	s, _ := newTestSupplier(t)
	tests := []string{"missing", "", "../escape", `sub\dir`}
	for _, ref := range tests {
		if _, _, err := s.Resolve(ref, ""); !errors.Is(err, ErrUnknownTheme) {
			t.Errorf("Resolve(%q) = %v, want ErrUnknownTheme", ref, err)
		}
	}
}

func TestResolveUnknownPreset(t *testing.T) {
	s, root := newTestSupplier(t)
	writeFile(t, filepath.Join(root, "forest", "birds.wav"), "")

	if _, _, err := s.Resolve("forest", "missing"); !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("got %v, want ErrUnknownPreset", err)
	}
	if _, err := s.PresetOverlay("../escape"); !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("path traversal preset ref not rejected: %v", err)
	}
}

func TestResolveThemeWithoutMetadata(t *testing.T) {
	s, root := newTestSupplier(t)
	writeFile(t, filepath.Join(root, "plain", "a.mp3"), "")
	writeFile(t, filepath.Join(root, "plain", "b.aiff"), "")

	files, opts, err := s.Resolve("plain", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	def := models.DefaultTrackSettings()
	for _, f := range files {
		if f.Settings != def {
			t.Fatalf("settings %+v, want defaults", f.Settings)
		}
	}
	if opts != (models.ThemeOptions{}) {
		t.Fatalf("options %+v, want zero without theme.yaml", opts)
	}
}

func TestTrackOverrideApplyPartial(t *testing.T) {
	vol := 0.25
	muted := true
	o := TrackOverride{Volume: &vol, Muted: &muted}

	got := o.Apply(models.DefaultTrackSettings())
	if got.Volume != 0.25 || !got.Muted {
		t.Fatalf("override not applied: %+v", got)
	}
	if got.Presence != 0.5 || got.PlaybackMode != models.ModeAuto {
		t.Fatalf("unset fields changed: %+v", got)
	}
}
