/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package channel

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/events"
	"github.com/friendsincode/sonorium/internal/models"
	"github.com/friendsincode/sonorium/internal/telemetry"
)

// ErrNoChannelAvailable is returned when every channel has active
// listeners and none can be reclaimed.
var ErrNoChannelAvailable = errors.New("no channel available")

// Pool owns the fixed set of channels and assigns them to sessions.
// Channels are numbered from 1 and never destroyed, only recycled.
type Pool struct {
	mu       sync.Mutex
	channels []*Channel

	idleTimeout time.Duration
	bus         *events.Bus
	logger      zerolog.Logger

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// NewPool creates maxChannels idle channels and starts the idle reaper.
func NewPool(maxChannels int, cfg Config, idleTimeout time.Duration, bus *events.Bus, metrics *telemetry.Metrics, logger zerolog.Logger) *Pool {
	p := &Pool{
		idleTimeout: idleTimeout,
		bus:         bus,
		logger:      logger.With().Str("component", "channel_pool").Logger(),
		reaperStop:  make(chan struct{}),
		reaperDone:  make(chan struct{}),
	}
	for i := 1; i <= maxChannels; i++ {
		p.channels = append(p.channels, NewChannel(i, cfg, bus, metrics, logger))
	}
	go p.reap()
	p.logger.Info().Int("channels", maxChannels).Msg("channel pool started")
	return p
}

// Get returns the channel with the given id, or nil.
func (p *Pool) Get(id int) *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 1 || id > len(p.channels) {
		return nil
	}
	return p.channels[id-1]
}

// Acquire assigns a channel to the session. An existing binding is reused;
// otherwise the lowest-numbered idle channel wins; otherwise the channel
// whose listeners left longest ago is stopped and recycled.
func (p *Pool) Acquire(sessionID string) (*Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.channels {
		if c.BoundSession() == sessionID {
			return c, nil
		}
	}

	for _, c := range p.channels {
		if c.State() == models.ChannelIdle && c.BoundSession() == "" {
			c.BindSession(sessionID)
			return c, nil
		}
	}

	var victim *Channel
	for _, c := range p.channels {
		if c.ListenerCount() > 0 {
			continue
		}
		if victim == nil || c.LastActive().Before(victim.LastActive()) {
			victim = c
		}
	}
	if victim == nil {
		return nil, ErrNoChannelAvailable
	}

	p.logger.Info().Int("channel_id", victim.ID).Str("session_id", sessionID).Msg("recycling channel")
	victim.Stop()
	victim.BindSession(sessionID)
	return victim, nil
}

// Release unbinds the session's channel. The channel keeps playing for any
// remaining listeners; the reaper idles it once they are gone.
func (p *Pool) Release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.channels {
		if c.BoundSession() == sessionID {
			c.BindSession("")
			return
		}
	}
}

// SetMasterGain applies the gain to every channel's live mixers.
func (p *Pool) SetMasterGain(gain float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.channels {
		c.SetMasterGain(gain)
	}
}

// Snapshot returns the control-plane view of every channel.
func (p *Pool) Snapshot() []models.ChannelSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.ChannelSnapshot, 0, len(p.channels))
	for _, c := range p.channels {
		out = append(out, c.Snapshot())
	}
	return out
}

// reap returns unbound, listenerless channels to idle after the timeout.
func (p *Pool) reap() {
	defer close(p.reaperDone)

	interval := p.idleTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	channels := append([]*Channel(nil), p.channels...)
	p.mu.Unlock()

	for _, c := range channels {
		if c.State() == models.ChannelIdle {
			continue
		}
		if c.BoundSession() != "" || c.ListenerCount() > 0 {
			continue
		}
		if time.Since(c.LastActive()) < p.idleTimeout {
			continue
		}
		p.logger.Info().Int("channel_id", c.ID).Msg("reaping idle channel")
		c.Stop()
		p.bus.Publish(events.EventChannelReaped, events.Payload{"channel_id": c.ID})
	}
}

// Close stops the reaper and every channel.
func (p *Pool) Close() {
	close(p.reaperStop)
	<-p.reaperDone

	p.mu.Lock()
	channels := append([]*Channel(nil), p.channels...)
	p.mu.Unlock()
	for _, c := range channels {
		c.Stop()
	}
}
