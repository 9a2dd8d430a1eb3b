/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package session binds external playback intent to channels: resolving
// theme and preset references, acquiring a channel from the pool, and
// emitting speaker fan-out events.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/channel"
	"github.com/friendsincode/sonorium/internal/config"
	"github.com/friendsincode/sonorium/internal/eventbus"
	"github.com/friendsincode/sonorium/internal/events"
	"github.com/friendsincode/sonorium/internal/models"
	"github.com/friendsincode/sonorium/internal/playout"
	"github.com/friendsincode/sonorium/internal/telemetry"
	"github.com/friendsincode/sonorium/internal/themes"
)

// ErrUnknownSession is returned for a session id with no record.
var ErrUnknownSession = errors.New("unknown session")

// ErrUnknownChannel is returned for a channel id outside the pool.
var ErrUnknownChannel = errors.New("unknown channel")

// Controller owns the session registry and the play/stop lifecycle.
type Controller struct {
	mu         sync.Mutex
	sessions   map[string]*models.Session
	masterGain float64

	cfg      *config.Config
	pool     *channel.Pool
	supplier *themes.Supplier
	opener   playout.SourceOpener
	bus      *events.Bus
	external eventbus.Publisher
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// NewController creates the session controller.
func NewController(cfg *config.Config, pool *channel.Pool, supplier *themes.Supplier, opener playout.SourceOpener, bus *events.Bus, external eventbus.Publisher, metrics *telemetry.Metrics, logger zerolog.Logger) *Controller {
	return &Controller{
		sessions:   make(map[string]*models.Session),
		masterGain: cfg.MasterGain,
		cfg:        cfg,
		pool:     pool,
		supplier: supplier,
		opener:   opener,
		bus:      bus,
		external: external,
		metrics:  metrics,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// Create registers a new session. Volume defaults to 1 when unset.
func (c *Controller) Create(s models.Session) *models.Session {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Volume == 0 {
		s.Volume = 1.0
	}
	s.Playing = false
	s.ChannelID = 0

	c.mu.Lock()
	c.sessions[s.ID] = &s
	c.mu.Unlock()

	c.logger.Info().Str("session_id", s.ID).Str("name", s.Name).Msg("session created")
	out := s
	return &out
}

// Get returns a copy of the session.
func (c *Controller) Get(id string) (*models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	out := *s
	return &out, nil
}

// List returns copies of all sessions.
func (c *Controller) List() []models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, *s)
	}
	return out
}

// Update patches the session. When it is playing and the theme or preset
// changed, the bound channel reloads with a crossfade.
func (c *Controller) Update(id string, patch models.Session) (*models.Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	themeChanged := patch.Theme != "" && patch.Theme != s.Theme
	presetChanged := patch.Preset != "" && patch.Preset != s.Preset
	if patch.Name != "" {
		s.Name = patch.Name
	}
	if patch.Theme != "" {
		s.Theme = patch.Theme
	}
	if patch.Preset != "" {
		s.Preset = patch.Preset
	}
	if patch.Volume > 0 {
		s.Volume = patch.Volume
	}
	if patch.SpeakerTargets != nil {
		s.SpeakerTargets = patch.SpeakerTargets
	}
	playing := s.Playing
	c.mu.Unlock()

	if playing && (themeChanged || presetChanged) {
		if err := c.Play(id); err != nil {
			return nil, err
		}
	}
	return c.Get(id)
}

// Delete stops the session if playing and removes it.
func (c *Controller) Delete(id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	playing := ok && s.Playing
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	if playing {
		if err := c.Stop(id); err != nil {
			return err
		}
	}
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
	c.logger.Info().Str("session_id", id).Msg("session deleted")
	return nil
}

// Play resolves the session's theme, obtains a channel, loads the theme
// and announces the stream to speaker integrations.
func (c *Controller) Play(id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	themeRef, presetRef := s.Theme, s.Preset
	c.mu.Unlock()

	files, opts, err := c.supplier.Resolve(themeRef, presetRef)
	if err != nil {
		return err
	}

	ch, err := c.pool.Acquire(id)
	if err != nil {
		return err
	}

	params := c.buildParams(opts)
	if err := ch.LoadTheme(themeRef, files, params, c.opener); err != nil {
		return err
	}

	c.mu.Lock()
	wasPlaying := s.Playing
	s.Playing = true
	s.ChannelID = ch.ID
	payload := c.fanoutPayloadLocked(s, "play")
	c.mu.Unlock()

	if !wasPlaying {
		c.metrics.SessionsActive.Inc()
	}
	c.emit(events.EventSessionPlay, payload)
	c.logger.Info().Str("session_id", id).Str("theme", themeRef).Int("channel_id", ch.ID).Msg("session playing")
	return nil
}

// Stop unbinds the session's channel and announces the stop. The channel
// keeps serving attached listeners until the reaper idles it.
func (c *Controller) Stop(id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownSession, id)
	}
	wasPlaying := s.Playing
	s.Playing = false
	payload := c.fanoutPayloadLocked(s, "stop")
	s.ChannelID = 0
	c.mu.Unlock()

	c.pool.Release(id)
	if wasPlaying {
		c.metrics.SessionsActive.Dec()
		c.emit(events.EventSessionStop, payload)
	}
	c.logger.Info().Str("session_id", id).Msg("session stopped")
	return nil
}

// StopAll stops every playing session.
func (c *Controller) StopAll() {
	c.mu.Lock()
	var ids []string
	for id, s := range c.sessions {
		if s.Playing {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		if err := c.Stop(id); err != nil {
			c.logger.Warn().Err(err).Str("session_id", id).Msg("stop failed")
		}
	}
}

// LoadChannelTheme loads a theme directly onto a channel, bypassing the
// session layer. Used by the channel control endpoints.
func (c *Controller) LoadChannelTheme(channelID int, themeRef, presetRef string) error {
	ch := c.pool.Get(channelID)
	if ch == nil {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	files, opts, err := c.supplier.Resolve(themeRef, presetRef)
	if err != nil {
		return err
	}
	return ch.LoadTheme(themeRef, files, c.buildParams(opts), c.opener)
}

// StopChannel stops a channel directly.
func (c *Controller) StopChannel(channelID int) error {
	ch := c.pool.Get(channelID)
	if ch == nil {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	ch.Stop()
	return nil
}

// MasterGain returns the engine-wide output gain.
func (c *Controller) MasterGain() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masterGain
}

// SetMasterGain updates the gain for live mixers and future theme loads.
func (c *Controller) SetMasterGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	c.mu.Lock()
	c.masterGain = gain
	c.mu.Unlock()
	c.pool.SetMasterGain(gain)
}

// buildParams derives mixer tuning from config overlaid with theme options.
func (c *Controller) buildParams(opts models.ThemeOptions) playout.Params {
	p := playout.Params{
		SampleRate:            c.cfg.SampleRate,
		Channels:              c.cfg.Channels,
		LoopCrossfade:         c.cfg.LoopCrossfade,
		LongFileThreshold:     c.cfg.LongFileThreshold,
		ShortFileThreshold:    c.cfg.ShortFileThreshold,
		SparseMinInterval:     c.cfg.SparseMinInterval,
		SparseMaxInterval:     c.cfg.SparseMaxInterval,
		SparseVariance:        c.cfg.SparseVariance,
		MinGapAfterExclusive:  c.cfg.MinGapAfterExclusive,
		InitialExclusiveDelay: c.cfg.InitialExclusiveDelay,
		Seed:                  time.Now().UnixNano(),
		MasterGain:            c.MasterGain(),
		OnDecodeFailure: func(path string, err error) {
			c.metrics.DecodeFailures.Inc()
			c.bus.Publish(events.EventDecodeFailure, events.Payload{
				"path":  path,
				"error": err.Error(),
			})
		},
	}
	return p.ApplyThemeOptions(opts)
}

func (c *Controller) fanoutPayloadLocked(s *models.Session, action string) events.Payload {
	return events.Payload{
		"session_id":      s.ID,
		"action":          action,
		"stream_url":      c.cfg.StreamURL(s.ChannelID),
		"speaker_targets": append([]string(nil), s.SpeakerTargets...),
		"volume":          s.Volume,
	}
}

// emit publishes on the in-process bus and, fire-and-forget, externally.
func (c *Controller) emit(eventType events.EventType, payload events.Payload) {
	c.bus.Publish(eventType, payload)
	if err := c.external.Publish(eventType, payload); err != nil {
		c.logger.Warn().Err(err).Str("event", string(eventType)).Msg("external publish failed")
	}
}
