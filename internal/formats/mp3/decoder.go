/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mp3 decodes MPEG-1 Layer III files and encodes the engine's
// compressed output stream.
package mp3

import (
	"fmt"
	"io"
	"time"

	gomp3 "github.com/hajimehoshi/go-mp3"

	"github.com/friendsincode/sonorium/internal/audio"
)

// mp3Reader narrows gomp3.Decoder for testing.
type mp3Reader interface {
	Read([]byte) (int, error)
	SampleRate() int
}

type source struct {
	dec        mp3Reader
	sampleRate int
	duration   time.Duration
	buf        []byte
}

func (s *source) SampleRate() int         { return s.sampleRate }
func (s *source) Channels() int           { return 2 }
func (s *source) Duration() time.Duration { return s.duration }
func (s *source) Close() error            { return nil }

func (s *source) ReadSamples(dst []float32) (int, error) {
	// go-mp3 emits 16-bit little-endian stereo PCM, 2 bytes per sample.
	bytesNeeded := len(dst) * 2
	if cap(s.buf) < bytesNeeded {
		s.buf = make([]byte, bytesNeeded)
	}
	s.buf = s.buf[:bytesNeeded]

	n, err := s.dec.Read(s.buf)
	if n == 0 {
		if err != nil {
			return 0, err
		}
		return 0, nil
	}

	samples := n / 2
	for i := 0; i < samples; i++ {
		low := uint16(s.buf[2*i])
		high := uint16(s.buf[2*i+1])
		val := int16(low | (high << 8))
		dst[i] = float32(val) / 32768.0
	}

	return samples, err
}

type Decoder struct{}

func (Decoder) Decode(r io.Reader) (audio.Source, error) {
	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("mp3 open: %w", err)
	}

	// Length is the decoded size in bytes: 4 bytes per stereo s16 frame.
	var duration time.Duration
	if total := dec.Length(); total > 0 {
		frames := total / 4
		duration = time.Duration(float64(frames) / float64(dec.SampleRate()) * float64(time.Second))
	}

	return &source{
		dec:        dec,
		sampleRate: dec.SampleRate(),
		duration:   duration,
		buf:        make([]byte, 8192),
	}, nil
}
