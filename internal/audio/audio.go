/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audio defines the PCM source abstraction shared by the decoding,
// mixing and encoding layers. All samples are interleaved float32 in [-1,1].
package audio

import (
	"io"
	"sync"
	"time"
)

// Source is a stream of interleaved float32 PCM samples.
type Source interface {
	// SampleRate of the PCM stream in Hz.
	SampleRate() int
	// Channels count (1=mono, 2=stereo).
	Channels() int
	// ReadSamples fills dst with interleaved float32 samples in [-1,1].
	// Returns the number of float32 values written. When n == 0 with
	// err == io.EOF, the stream is finished.
	ReadSamples(dst []float32) (n int, err error)
	// Duration of the underlying stream, or 0 when unknown.
	Duration() time.Duration
	// Close releases any resources.
	Close() error
}

// Decoder constructs a Source from an input reader. Formats whose container
// requires random access may type-assert r to io.ReadSeeker.
type Decoder interface {
	Decode(r io.Reader) (Source, error)
}

// Registry maps format keys (lowercase file extensions without the dot,
// e.g. "wav", "mp3", "ogg", "aiff") to decoders.
type Registry struct {
	mu     sync.Mutex
	codecs map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Decoder)}
}

func (r *Registry) Register(format string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[format] = d
}

func (r *Registry) Get(format string) (Decoder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.codecs[format]
	return d, ok
}

// Formats returns the registered format keys.
func (r *Registry) Formats() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.codecs))
	for k := range r.codecs {
		keys = append(keys, k)
	}
	return keys
}
