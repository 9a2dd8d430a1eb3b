/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package wav decodes RIFF/WAVE PCM files.
package wav

import (
	"errors"
	"fmt"
	"io"
	"time"

	gaudio "github.com/go-audio/audio"
	gwav "github.com/go-audio/wav"

	"github.com/friendsincode/sonorium/internal/audio"
)

var ErrNeedsSeeker = errors.New("wav: input must be seekable")

type source struct {
	dec      *gwav.Decoder
	duration time.Duration
	intBuf   *gaudio.IntBuffer
	scale    float32
}

func (s *source) SampleRate() int         { return int(s.dec.SampleRate) }
func (s *source) Channels() int           { return int(s.dec.NumChans) }
func (s *source) Duration() time.Duration { return s.duration }
func (s *source) Close() error            { return nil }

func (s *source) ReadSamples(dst []float32) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	if cap(s.intBuf.Data) < len(dst) {
		s.intBuf.Data = make([]int, len(dst))
	}
	s.intBuf.Data = s.intBuf.Data[:len(dst)]

	n, err := s.dec.PCMBuffer(s.intBuf)
	if err != nil {
		return 0, fmt.Errorf("wav read: %w", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	for i := 0; i < n; i++ {
		dst[i] = float32(s.intBuf.Data[i]) * s.scale
	}
	return n, nil
}

type Decoder struct{}

func (Decoder) Decode(r io.Reader) (audio.Source, error) {
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		return nil, ErrNeedsSeeker
	}
	dec := gwav.NewDecoder(rs)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("wav: invalid file")
	}

	duration, err := dec.Duration()
	if err != nil {
		duration = 0
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("wav: locate pcm chunk: %w", err)
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}

	return &source{
		dec:      dec,
		duration: duration,
		intBuf: &gaudio.IntBuffer{
			Format: &gaudio.Format{
				NumChannels: int(dec.NumChans),
				SampleRate:  int(dec.SampleRate),
			},
			Data:           make([]int, 4096),
			SourceBitDepth: bitDepth,
		},
		scale: 1.0 / float32(int64(1)<<(bitDepth-1)),
	}, nil
}
