/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package media opens source files as canonical-format PCM streams.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/audio"
	"github.com/friendsincode/sonorium/internal/formats/aiff"
	"github.com/friendsincode/sonorium/internal/formats/mp3"
	"github.com/friendsincode/sonorium/internal/formats/vorbis"
	"github.com/friendsincode/sonorium/internal/formats/wav"
)

// Opener resolves files to decoders and normalizes their output to the
// canonical sample rate and channel layout.
type Opener struct {
	registry    *audio.Registry
	sampleRate  int
	channels    int
	openTimeout time.Duration
	logger      zerolog.Logger
}

// NewOpener builds an opener with all supported formats registered.
func NewOpener(sampleRate, channels int, openTimeout time.Duration, logger zerolog.Logger) *Opener {
	registry := audio.NewRegistry()
	registry.Register("wav", wav.Decoder{})
	registry.Register("mp3", mp3.Decoder{})
	registry.Register("ogg", vorbis.Decoder{})
	registry.Register("oga", vorbis.Decoder{})
	registry.Register("aiff", aiff.Decoder{})
	registry.Register("aif", aiff.Decoder{})

	return &Opener{
		registry:    registry,
		sampleRate:  sampleRate,
		channels:    channels,
		openTimeout: openTimeout,
		logger:      logger.With().Str("component", "media").Logger(),
	}
}

// SupportedFormats lists the registered format keys.
func (o *Opener) SupportedFormats() []string {
	return o.registry.Formats()
}

// fileSource owns the file handle backing a decoded source.
type fileSource struct {
	audio.Source
	f *os.File
}

func (s *fileSource) Close() error {
	err := s.Source.Close()
	if cerr := s.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Open decodes path and wraps the stream into the canonical format.
// The decoder handshake is bounded by the configured open timeout.
func (o *Opener) Open(path string) (audio.Source, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	dec, ok := o.registry.Get(ext)
	if !ok {
		return nil, &audio.DecodeError{Path: path, Err: audio.ErrUnsupportedFormat}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &audio.DecodeError{Path: path, Err: err}
	}

	src, err := o.decodeWithTimeout(dec, f)
	if err != nil {
		f.Close()
		return nil, &audio.DecodeError{Path: path, Err: err}
	}

	var out audio.Source = &fileSource{Source: src, f: f}
	if src.Channels() != o.channels {
		out = audio.NewRemixer(out, o.channels)
	}
	if src.SampleRate() != o.sampleRate {
		out = audio.NewResampler(out, o.sampleRate)
	}
	return out, nil
}

// Duration probes a file's play length without pulling PCM through the
// normalization chain.
func (o *Opener) Duration(path string) (time.Duration, error) {
	src, err := o.Open(path)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	d := src.Duration()
	if d == 0 {
		return 0, fmt.Errorf("duration unknown for %s", path)
	}
	return d, nil
}

type decodeResult struct {
	src audio.Source
	err error
}

func (o *Opener) decodeWithTimeout(dec audio.Decoder, f *os.File) (audio.Source, error) {
	if o.openTimeout <= 0 {
		return dec.Decode(f)
	}

	done := make(chan decodeResult, 1)
	go func() {
		src, err := dec.Decode(f)
		done <- decodeResult{src: src, err: err}
	}()

	select {
	case res := <-done:
		return res.src, res.err
	case <-time.After(o.openTimeout):
		o.logger.Warn().Str("file", f.Name()).Dur("timeout", o.openTimeout).Msg("decoder open timed out")
		go func() {
			// Reap the stalled decode when it eventually returns.
			if res := <-done; res.src != nil {
				res.src.Close()
			}
		}()
		return nil, fmt.Errorf("decoder open timed out after %s", o.openTimeout)
	}
}
