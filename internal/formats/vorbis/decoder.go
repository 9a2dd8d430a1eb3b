/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package vorbis decodes Ogg Vorbis files.
package vorbis

import (
	"fmt"
	"io"
	"time"

	"github.com/jfreymuth/oggvorbis"

	"github.com/friendsincode/sonorium/internal/audio"
)

// oggReader narrows oggvorbis.Reader for testing.
type oggReader interface {
	SampleRate() int
	Channels() int
	Read([]float32) (int, error)
}

type source struct {
	dec        oggReader
	sampleRate int
	channels   int
	duration   time.Duration
}

func (s *source) SampleRate() int         { return s.sampleRate }
func (s *source) Channels() int           { return s.channels }
func (s *source) Duration() time.Duration { return s.duration }
func (s *source) Close() error            { return nil }

func (s *source) ReadSamples(dst []float32) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	n, err := s.dec.Read(dst)
	if n == 0 && err != nil {
		return 0, err
	}
	return n, err
}

type Decoder struct{}

func (Decoder) Decode(r io.Reader) (audio.Source, error) {
	dec, err := oggvorbis.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("vorbis open: %w", err)
	}

	// Length is in frames per channel; available on seekable input.
	var duration time.Duration
	if frames := dec.Length(); frames > 0 {
		duration = time.Duration(float64(frames) / float64(dec.SampleRate()) * float64(time.Second))
	}

	return &source{
		dec:        dec,
		sampleRate: dec.SampleRate(),
		channels:   dec.Channels(),
		duration:   duration,
	}, nil
}
