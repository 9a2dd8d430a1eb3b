/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/audio"
)

// constSource emits a constant sample value for a fixed number of frames.
type constSource struct {
	rate     int
	channels int
	value    float32
	frames   int64
	pos      int64
}

func (s *constSource) SampleRate() int { return s.rate }
func (s *constSource) Channels() int   { return s.channels }

func (s *constSource) ReadSamples(dst []float32) (int, error) {
	if s.pos >= s.frames {
		return 0, io.EOF
	}
	frames := int64(len(dst) / s.channels)
	if left := s.frames - s.pos; left < frames {
		frames = left
	}
	n := int(frames) * s.channels
	for i := 0; i < n; i++ {
		dst[i] = s.value
	}
	s.pos += frames
	if s.pos >= s.frames {
		return n, io.EOF
	}
	return n, nil
}

func (s *constSource) Duration() time.Duration {
	return time.Duration(float64(s.frames) / float64(s.rate) * float64(time.Second))
}

func (s *constSource) Close() error { return nil }

// stubOpener serves constSources keyed by path.
type stubOpener struct {
	rate     int
	channels int
	tracks   map[string]stubTrack
}

type stubTrack struct {
	value    float32
	duration time.Duration
	err      error
}

func (o *stubOpener) Open(path string) (audio.Source, error) {
	tr, ok := o.tracks[path]
	if !ok || tr.err != nil {
		if tr.err != nil {
			return nil, tr.err
		}
		return nil, fmt.Errorf("unknown track %q", path)
	}
	frames := int64(tr.duration.Seconds() * float64(o.rate))
	return &constSource{rate: o.rate, channels: o.channels, value: tr.value, frames: frames}, nil
}

func (o *stubOpener) Duration(path string) (time.Duration, error) {
	tr, ok := o.tracks[path]
	if !ok {
		return 0, fmt.Errorf("unknown track %q", path)
	}
	if tr.err != nil {
		return 0, tr.err
	}
	return tr.duration, nil
}

var errBadFile = errors.New("corrupt stream")

func testParams(seed int64) Params {
	return Params{
		SampleRate:            1000,
		Channels:              2,
		LoopCrossfade:         time.Second,
		LongFileThreshold:     10 * time.Second,
		ShortFileThreshold:    3 * time.Second,
		SparseMinInterval:     2 * time.Second,
		SparseMaxInterval:     8 * time.Second,
		SparseVariance:        0.3,
		MinGapAfterExclusive:  2 * time.Second,
		InitialExclusiveDelay: 5 * time.Second,
		Seed:                  seed,
		MasterGain:            1.0,
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
