/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package channel maintains the long-lived PCM producers behind the stream
// endpoints: each Channel runs one frame-batch loop, fans batches out to
// its listeners, and crossfades between theme mixers on load.
package channel

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/audio"
	"github.com/friendsincode/sonorium/internal/clock"
	"github.com/friendsincode/sonorium/internal/events"
	"github.com/friendsincode/sonorium/internal/models"
	"github.com/friendsincode/sonorium/internal/playout"
	"github.com/friendsincode/sonorium/internal/telemetry"
)

// batchInterval is the producer tick; one batch is 20 ms of audio.
const batchInterval = 20 * time.Millisecond

// EncoderFactory builds one compressed-stream encoder per listener.
type EncoderFactory func() (audio.FrameEncoder, error)

// Config carries the per-channel wiring shared by the whole pool.
type Config struct {
	SampleRate int
	Channels   int
	Bitrate    int

	TransitionWindow time.Duration
	ListenerBuffer   time.Duration
	DeadAfterDrop    time.Duration

	NewEncoder EncoderFactory
}

// Channel owns one ever-advancing PCM stream identity. Theme loads swap
// the underlying mixer behind an equal-power crossfade; listeners attach
// and detach without interrupting the stream.
type Channel struct {
	ID int

	mu       sync.Mutex
	state    models.ChannelState
	version  uint64
	themeRef string

	current  *playout.Mixer
	outgoing *playout.Mixer
	xfadePos int64

	framePos   int64
	listeners  map[*Listener]struct{}
	lastActive time.Time
	session    string

	cfg     Config
	bus     *events.Bus
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	cancel chan struct{}
	done   chan struct{}
}

// NewChannel creates an idle channel.
func NewChannel(id int, cfg Config, bus *events.Bus, metrics *telemetry.Metrics, logger zerolog.Logger) *Channel {
	return &Channel{
		ID:         id,
		state:      models.ChannelIdle,
		listeners:  make(map[*Listener]struct{}),
		lastActive: time.Now(),
		cfg:        cfg,
		bus:        bus,
		metrics:    metrics,
		logger:     logger.With().Str("component", "channel").Int("channel_id", id).Logger(),
	}
}

func (c *Channel) batchFrames() int {
	return c.cfg.SampleRate / int(time.Second/batchInterval)
}

func (c *Channel) channelLabel() string { return strconv.Itoa(c.ID) }

// LoadTheme builds a mixer for the given track files and installs it. From
// idle the channel starts playing immediately; from playing it begins a
// crossfade transition; during a transition the outgoing mixer is
// discarded, the in-flight target becomes the outgoing leg and the fade
// restarts toward the new mixer.
func (c *Channel) LoadTheme(themeRef string, files []models.TrackFile, params playout.Params, opener playout.SourceOpener) error {
	c.mu.Lock()
	wasIdle := c.state == models.ChannelIdle
	if wasIdle {
		c.state = models.ChannelLoading
	}
	c.mu.Unlock()

	mixer, err := playout.NewMixer(files, opener, params, c.logger)
	if err != nil {
		c.mu.Lock()
		if wasIdle && c.state == models.ChannelLoading {
			c.state = models.ChannelIdle
		}
		c.mu.Unlock()
		return fmt.Errorf("load theme %q: %w", themeRef, err)
	}

	c.mu.Lock()
	c.version++
	c.themeRef = themeRef
	c.lastActive = time.Now()

	switch c.state {
	case models.ChannelIdle, models.ChannelLoading:
		c.current = mixer
		c.state = models.ChannelPlaying
		c.startProducerLocked()
		c.metrics.ChannelsActive.Inc()
	case models.ChannelPlaying:
		c.outgoing = c.current
		c.current = mixer
		c.xfadePos = 0
		c.state = models.ChannelTransitioning
	case models.ChannelTransitioning:
		// Collapse: the prior incoming becomes the outgoing leg.
		c.outgoing.Close()
		c.outgoing = c.current
		c.current = mixer
		c.xfadePos = 0
	}
	version := c.version
	c.mu.Unlock()

	c.metrics.ThemeTransitions.WithLabelValues(c.channelLabel()).Inc()
	c.bus.Publish(events.EventChannelThemeLoaded, events.Payload{
		"channel_id": c.ID,
		"theme":      themeRef,
		"version":    version,
	})
	c.logger.Info().Str("theme", themeRef).Uint64("version", version).Msg("theme loaded")
	return nil
}

// Stop detaches the mixers, closes every listener stream and returns the
// channel to idle.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.state == models.ChannelIdle {
		c.mu.Unlock()
		return
	}
	c.version++
	c.state = models.ChannelIdle
	c.themeRef = ""
	if c.outgoing != nil {
		c.outgoing.Close()
		c.outgoing = nil
	}
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}
	for l := range c.listeners {
		l.terminate()
	}
	c.listeners = make(map[*Listener]struct{})
	c.metrics.Listeners.WithLabelValues(c.channelLabel()).Set(0)
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		close(cancel)
		<-done
	}

	c.metrics.ChannelsActive.Dec()
	c.bus.Publish(events.EventChannelStopped, events.Payload{"channel_id": c.ID})
	c.logger.Info().Msg("channel stopped")
}

func (c *Channel) startProducerLocked() {
	if c.cancel != nil {
		return
	}
	c.cancel = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.cancel, c.done)
}

// run is the producer loop: one PCM batch per tick, pushed to every
// attached listener in source order.
func (c *Channel) run(cancel, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	frames := c.batchFrames()
	buf := make([]float32, frames*c.cfg.Channels)
	scratch := make([]float32, len(buf))

	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			c.produceBatch(buf, scratch)
		}
	}
}

func (c *Channel) produceBatch(buf, scratch []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return
	}
	frames := int64(len(buf) / c.cfg.Channels)

	if c.state == models.ChannelTransitioning && c.outgoing != nil {
		c.outgoing.Pull(buf)
		c.current.Pull(scratch)
		window := clock.FramesFor(c.cfg.TransitionWindow.Seconds(), c.cfg.SampleRate)
		for f := int64(0); f < frames; f++ {
			progress := float64(c.xfadePos+f) / float64(window)
			outGain, inGain := playout.EqualPowerGains(progress)
			base := int(f) * c.cfg.Channels
			for ch := 0; ch < c.cfg.Channels; ch++ {
				buf[base+ch] = buf[base+ch]*outGain + scratch[base+ch]*inGain
			}
		}
		c.xfadePos += frames
		if c.xfadePos >= window {
			c.outgoing.Close()
			c.outgoing = nil
			c.state = models.ChannelPlaying
		}
	} else {
		c.current.Pull(buf)
	}

	c.framePos += frames
	c.metrics.FramesProduced.WithLabelValues(c.channelLabel()).Add(float64(frames))

	deadFrames := clock.FramesFor(c.cfg.DeadAfterDrop.Seconds(), c.cfg.SampleRate)
	for l := range c.listeners {
		dropped, dead := l.push(buf, c.framePos, deadFrames)
		if dropped {
			c.metrics.ListenerDrops.WithLabelValues(c.channelLabel()).Inc()
		}
		if dead {
			delete(c.listeners, l)
			l.terminate()
			c.metrics.Listeners.WithLabelValues(c.channelLabel()).Set(float64(len(c.listeners)))
			c.metrics.ListenerDeaths.WithLabelValues(c.channelLabel()).Inc()
			c.bus.Publish(events.EventListenerDead, events.Payload{
				"channel_id":  c.ID,
				"listener_id": l.ID,
			})
			c.logger.Warn().Str("listener_id", l.ID).Msg("listener dead after sustained backpressure")
		}
	}
}

// Attach registers a new listener joining the stream live at the current
// frame position.
func (c *Channel) Attach() *Listener {
	batches := int(c.cfg.ListenerBuffer / batchInterval)
	if batches < 1 {
		batches = 1
	}
	l := newListener(batches)

	c.mu.Lock()
	c.listeners[l] = struct{}{}
	c.lastActive = time.Now()
	count := len(c.listeners)
	c.mu.Unlock()

	c.metrics.Listeners.WithLabelValues(c.channelLabel()).Set(float64(count))
	c.bus.Publish(events.EventListenerAttached, events.Payload{
		"channel_id":  c.ID,
		"listener_id": l.ID,
	})
	return l
}

// Detach removes a listener; in-flight batches are discarded.
func (c *Channel) Detach(l *Listener) {
	c.mu.Lock()
	if _, ok := c.listeners[l]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.listeners, l)
	c.lastActive = time.Now()
	count := len(c.listeners)
	c.mu.Unlock()

	l.terminate()
	c.metrics.Listeners.WithLabelValues(c.channelLabel()).Set(float64(count))
	c.bus.Publish(events.EventListenerDetached, events.Payload{
		"channel_id":  c.ID,
		"listener_id": l.ID,
	})
}

// ListenerCount returns the number of attached listeners.
func (c *Channel) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// LastActive reports the most recent attach, detach or theme load.
func (c *Channel) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// State returns the current lifecycle state.
func (c *Channel) State() models.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BindSession records the owning session; an empty id unbinds.
func (c *Channel) BindSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = sessionID
}

// BoundSession returns the owning session id, or empty.
func (c *Channel) BoundSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetMasterGain updates the output gain on the live mixers.
func (c *Channel) SetMasterGain(gain float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.SetMasterGain(gain)
	}
	if c.outgoing != nil {
		c.outgoing.SetMasterGain(gain)
	}
}

// Snapshot returns the control-plane view of this channel.
func (c *Channel) Snapshot() models.ChannelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.ChannelSnapshot{
		ChannelID:     c.ID,
		State:         c.state,
		CurrentTheme:  c.themeRef,
		Version:       c.version,
		ListenerCount: len(c.listeners),
		FramePosition: c.framePos,
	}
}
