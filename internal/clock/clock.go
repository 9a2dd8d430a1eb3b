/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package clock provides the monotonic frame counter shared by the audio path.
// No wall-clock time enters the mixing pipeline; components convert frames to
// seconds via the canonical sample rate.
package clock

import "sync/atomic"

// FrameClock is a monotonic frame counter. Zero value is ready to use at frame 0.
type FrameClock struct {
	frames atomic.Int64
}

// New creates a frame clock starting at frame 0.
func New() *FrameClock {
	return &FrameClock{}
}

// Advance moves the clock forward by n frames and returns the new position.
func (c *FrameClock) Advance(n int64) int64 {
	return c.frames.Add(n)
}

// Frames returns the current frame position.
func (c *FrameClock) Frames() int64 {
	return c.frames.Load()
}

// Seconds converts the current position to seconds at the given sample rate.
func (c *FrameClock) Seconds(sampleRate int) float64 {
	return float64(c.frames.Load()) / float64(sampleRate)
}

// SecondsAt converts an absolute frame position to seconds at the given sample rate.
func SecondsAt(frame int64, sampleRate int) float64 {
	return float64(frame) / float64(sampleRate)
}

// FramesFor converts a duration in seconds to a frame count at the given sample rate.
func FramesFor(seconds float64, sampleRate int) int64 {
	return int64(seconds * float64(sampleRate))
}
