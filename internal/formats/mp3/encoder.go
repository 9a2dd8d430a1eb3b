/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mp3

import (
	"bytes"
	"fmt"

	"github.com/viert/go-lame"

	"github.com/friendsincode/sonorium/internal/audio"
)

// Encoder wraps LAME as a per-listener CBR MP3 encoder.
type Encoder struct {
	out    bytes.Buffer
	enc    *lame.Encoder
	pcmBuf []byte
	closed bool
}

// NewEncoder initializes a LAME encoder for the canonical PCM format.
// bitrate is in bits per second.
func NewEncoder(sampleRate, channels, bitrate int) (*Encoder, error) {
	e := &Encoder{}
	e.enc = lame.NewEncoder(&e.out)
	if err := e.enc.SetNumChannels(channels); err != nil {
		return nil, fmt.Errorf("lame channels: %w", err)
	}
	if err := e.enc.SetInSamplerate(sampleRate); err != nil {
		return nil, fmt.Errorf("lame samplerate: %w", err)
	}
	if err := e.enc.SetBrate(bitrate / 1000); err != nil {
		return nil, fmt.Errorf("lame bitrate: %w", err)
	}
	return e, nil
}

// Encode consumes interleaved float32 PCM and returns the compressed bytes
// produced so far. Saturation to s16 happens here.
func (e *Encoder) Encode(pcm []float32) ([]byte, error) {
	if e.closed {
		return nil, fmt.Errorf("lame: encoder closed")
	}
	e.pcmBuf = audio.FloatToS16LE(pcm, e.pcmBuf)
	if _, err := e.enc.Write(e.pcmBuf); err != nil {
		return nil, fmt.Errorf("lame encode: %w", err)
	}
	return e.drain(), nil
}

// Flush returns bytes still buffered by the codec.
func (e *Encoder) Flush() ([]byte, error) {
	return e.drain(), nil
}

// Close finalizes the MP3 stream. Remaining bytes are retrievable via Flush.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.enc.Close()
	return nil
}

func (e *Encoder) drain() []byte {
	if e.out.Len() == 0 {
		return nil
	}
	data := make([]byte, e.out.Len())
	copy(data, e.out.Bytes())
	e.out.Reset()
	return data
}
