/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package models holds the shared data types exchanged between the engine
// layers and the control surface.
package models

import "time"

// PlaybackMode selects the per-track state machine.
type PlaybackMode string

const (
	ModeAuto       PlaybackMode = "auto"
	ModeContinuous PlaybackMode = "continuous"
	ModeSparse     PlaybackMode = "sparse"
	ModePresence   PlaybackMode = "presence"
)

// Valid reports whether the mode is one of the recognized values.
func (m PlaybackMode) Valid() bool {
	switch m {
	case ModeAuto, ModeContinuous, ModeSparse, ModePresence:
		return true
	}
	return false
}

// TrackSettings are the per-file knobs consumed read-only by the engine.
// A snapshot is taken at theme load; live edits require a reload.
type TrackSettings struct {
	Volume       float64      `yaml:"volume" json:"volume"`
	Presence     float64      `yaml:"presence" json:"presence"`
	PlaybackMode PlaybackMode `yaml:"playback_mode" json:"playback_mode"`
	SeamlessLoop bool         `yaml:"seamless_loop" json:"seamless_loop"`
	Exclusive    bool         `yaml:"exclusive" json:"exclusive"`
	Muted        bool         `yaml:"muted" json:"muted"`
}

// DefaultTrackSettings returns the settings applied when a theme file has no
// explicit entry.
func DefaultTrackSettings() TrackSettings {
	return TrackSettings{
		Volume:       1.0,
		Presence:     0.5,
		PlaybackMode: ModeAuto,
	}
}

// TrackFile pairs a source file with its resolved settings snapshot.
type TrackFile struct {
	Path     string
	Settings TrackSettings
}

// ThemeOptions are per-theme tuning knobs read from theme metadata.
// Zero values mean "use engine defaults".
type ThemeOptions struct {
	LongFileThreshold  time.Duration
	ShortFileThreshold time.Duration
	PresencePeriod     time.Duration
	PresenceFade       time.Duration
	Seed               int64
}

// ChannelState enumerates the channel lifecycle.
type ChannelState string

const (
	ChannelIdle          ChannelState = "idle"
	ChannelLoading       ChannelState = "loading"
	ChannelPlaying       ChannelState = "playing"
	ChannelTransitioning ChannelState = "transitioning"
)

// ChannelSnapshot is the control-plane view of one channel.
type ChannelSnapshot struct {
	ChannelID     int          `json:"channel_id"`
	State         ChannelState `json:"state"`
	CurrentTheme  string       `json:"current_theme,omitempty"`
	Version       uint64       `json:"version"`
	ListenerCount int          `json:"listener_count"`
	FramePosition int64        `json:"frame_position"`
}

// Session binds external playback intent to a channel.
type Session struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Theme          string   `json:"theme"`
	Preset         string   `json:"preset,omitempty"`
	Volume         float64  `json:"volume"`
	SpeakerTargets []string `json:"speaker_targets"`
	Playing        bool     `json:"playing"`
	ChannelID      int      `json:"channel_id,omitempty"`
}
