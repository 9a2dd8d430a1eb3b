/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playout implements the per-theme audio engine: one player per
// track file, an exclusion coordinator for exclusive-tagged tracks, and a
// mixer that sums player batches into the canonical PCM stream.
package playout

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/clock"
	"github.com/friendsincode/sonorium/internal/models"
)

// ErrNoPlayableFiles is returned when every track in a theme failed to
// probe or open.
var ErrNoPlayableFiles = errors.New("theme has no playable files")

// Params carries the engine tuning shared by a mixer and its players.
type Params struct {
	SampleRate int
	Channels   int

	LoopCrossfade      time.Duration
	LongFileThreshold  time.Duration
	ShortFileThreshold time.Duration

	SparseMinInterval time.Duration
	SparseMaxInterval time.Duration
	SparseVariance    float64

	MinGapAfterExclusive  time.Duration
	InitialExclusiveDelay time.Duration

	PresencePeriod time.Duration
	PresenceFade   time.Duration

	Seed       int64
	MasterGain float64

	OnDecodeFailure func(path string, err error)
}

// ApplyThemeOptions overlays per-theme metadata onto the engine defaults.
func (p Params) ApplyThemeOptions(opts models.ThemeOptions) Params {
	if opts.LongFileThreshold > 0 {
		p.LongFileThreshold = opts.LongFileThreshold
	}
	if opts.ShortFileThreshold > 0 {
		p.ShortFileThreshold = opts.ShortFileThreshold
	}
	if opts.PresencePeriod > 0 {
		p.PresencePeriod = opts.PresencePeriod
	}
	if opts.PresenceFade > 0 {
		p.PresenceFade = opts.PresenceFade
	}
	if opts.Seed != 0 {
		p.Seed = opts.Seed
	}
	return p
}

// Mixer sums the players of one loaded theme into a single stream. Pull is
// the only producer of mixer time: each call advances the frame clock by
// the batch length.
type Mixer struct {
	mu      sync.Mutex
	clk     *clock.FrameClock
	coord   *ExclusionCoordinator
	players []*Player
	params  Params
	gain    float64
	scratch []float32
	logger  zerolog.Logger
}

// NewMixer builds one player per track file and wires exclusive tracks to a
// shared coordinator. Players that fail to probe stay registered as silent;
// the mixer itself only errors when no file is playable at all.
func NewMixer(files []models.TrackFile, opener SourceOpener, params Params, logger zerolog.Logger) (*Mixer, error) {
	clk := clock.New()
	coord := NewExclusionCoordinator(clk, params.SampleRate, params.MinGapAfterExclusive, params.InitialExclusiveDelay)

	m := &Mixer{
		clk:    clk,
		coord:  coord,
		params: params,
		gain:   params.MasterGain,
		logger: logger.With().Str("component", "mixer").Logger(),
	}
	if m.gain <= 0 {
		m.gain = 1
	}

	alive := 0
	for i, f := range files {
		p := NewPlayer(i, f, params, coord, opener, logger)
		m.players = append(m.players, p)
		if !p.Failed() {
			alive++
		}
	}
	if alive == 0 {
		m.Close()
		return nil, ErrNoPlayableFiles
	}

	m.logger.Info().Int("tracks", len(files)).Int("playable", alive).Msg("mixer ready")
	return m, nil
}

// Pull fills dst with the next mixed batch and advances the frame clock.
// Active players are normalized by 1/sqrt(n) so dense themes do not clip;
// silent players do not count toward n.
func (m *Mixer) Pull(dst []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range dst {
		dst[i] = 0
	}
	if cap(m.scratch) < len(dst) {
		m.scratch = make([]float32, len(dst))
	}
	scratch := m.scratch[:len(dst)]

	active := 0
	for _, p := range m.players {
		if p.Pull(scratch) {
			active++
		}
		for i := range dst {
			dst[i] += scratch[i]
		}
	}

	norm := float32(m.gain)
	if active > 1 {
		norm /= float32(math.Sqrt(float64(active)))
	}
	if norm != 1 {
		for i := range dst {
			dst[i] *= norm
		}
	}

	m.clk.Advance(int64(len(dst) / m.params.Channels))
}

// SetMasterGain updates the output gain applied after normalization.
func (m *Mixer) SetMasterGain(gain float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gain < 0 {
		gain = 0
	}
	m.gain = gain
}

// MasterGain returns the current output gain.
func (m *Mixer) MasterGain() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gain
}

// Clock exposes the mixer's frame clock.
func (m *Mixer) Clock() *clock.FrameClock { return m.clk }

// Frames returns the total frames produced so far.
func (m *Mixer) Frames() int64 { return m.clk.Frames() }

// PlayerModes reports the resolved mode per track, keyed by player id.
func (m *Mixer) PlayerModes() map[string]models.PlaybackMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	modes := make(map[string]models.PlaybackMode, len(m.players))
	for _, p := range m.players {
		modes[p.id] = p.mode
	}
	return modes
}

// Close releases every player's decoders.
func (m *Mixer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.players {
		p.Close()
	}
}
