/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"sync"
	"time"

	"github.com/friendsincode/sonorium/internal/clock"
)

// ExclusionCoordinator serializes exclusive-tagged players within one mixer.
// At most one registered player is active at any instant; after a play
// finishes a cooldown gap is enforced. Time is the mixer's frame clock.
type ExclusionCoordinator struct {
	mu         sync.Mutex
	clk        *clock.FrameClock
	sampleRate int

	registered map[string]struct{}
	active     string
	lastPlayed string

	playEndFrame  int64
	cooldownUntil int64
	initialFloor  int64 // no grant before this frame
	minGapFrames  int64
}

// NewExclusionCoordinator creates a coordinator bound to the mixer's clock.
func NewExclusionCoordinator(clk *clock.FrameClock, sampleRate int, minGap, initialDelay time.Duration) *ExclusionCoordinator {
	return &ExclusionCoordinator{
		clk:          clk,
		sampleRate:   sampleRate,
		registered:   make(map[string]struct{}),
		initialFloor: clock.FramesFor(initialDelay.Seconds(), sampleRate),
		minGapFrames: clock.FramesFor(minGap.Seconds(), sampleRate),
	}
}

// Register announces an exclusive player to the coordinator. The no-repeat
// rule only applies once more than one player is registered.
func (c *ExclusionCoordinator) Register(playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered[playerID] = struct{}{}
}

// TryStartPlaying grants the exclusive slot if nothing is active, cooldown
// has elapsed, the startup floor has passed, and the caller is not repeating
// the immediately previous play while alternatives exist.
func (c *ExclusionCoordinator) TryStartPlaying(playerID string, expected time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Frames()
	if now < c.initialFloor {
		return false
	}
	if c.active != "" {
		return false
	}
	if now < c.cooldownUntil {
		return false
	}
	if len(c.registered) > 1 && playerID == c.lastPlayed {
		return false
	}

	c.active = playerID
	c.playEndFrame = now + clock.FramesFor(expected.Seconds(), c.sampleRate)
	return true
}

// FinishPlaying releases the slot and starts the post-play cooldown.
func (c *ExclusionCoordinator) FinishPlaying(playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != playerID {
		return
	}
	c.lastPlayed = playerID
	c.active = ""
	c.cooldownUntil = c.clk.Frames() + c.minGapFrames
}

// IsBlocked reports whether a play is active or cooldown has not elapsed.
func (c *ExclusionCoordinator) IsBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != "" {
		return true
	}
	return c.clk.Frames() < c.cooldownUntil
}
