/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"fmt"
	"io"
	"time"
)

// Resampler streams from src to a target sample rate using linear
// interpolation on interleaved samples. Channel count is preserved.
type Resampler struct {
	src      Source
	dstRate  int
	ratio    float64 // source frames per output frame
	channels int

	// Two adjacent source frames for interpolation: prev at t0, next at t1.
	prev     []float32
	next     []float32
	primed   bool
	pos      float64 // position in [0,1) between prev and next
	eof      bool
	frameBuf []float32
}

// NewResampler wraps src. If src is already at dstRate the wrapper is a
// pass-through with no interpolation cost.
func NewResampler(src Source, dstRate int) *Resampler {
	channels := src.Channels()
	return &Resampler{
		src:      src,
		dstRate:  dstRate,
		ratio:    float64(src.SampleRate()) / float64(dstRate),
		channels: channels,
		prev:     make([]float32, channels),
		next:     make([]float32, channels),
		frameBuf: make([]float32, channels),
	}
}

func (r *Resampler) SampleRate() int         { return r.dstRate }
func (r *Resampler) Channels() int           { return r.channels }
func (r *Resampler) Duration() time.Duration { return r.src.Duration() }

func (r *Resampler) Close() error {
	if err := r.src.Close(); err != nil {
		return fmt.Errorf("close resampler source: %w", err)
	}
	return nil
}

func (r *Resampler) readFrame(dst []float32) (bool, error) {
	filled := 0
	for filled < r.channels {
		n, err := r.src.ReadSamples(dst[filled:r.channels])
		filled += n
		if err != nil {
			if err == io.EOF {
				return filled == r.channels, nil
			}
			return false, err
		}
		if n == 0 {
			return filled == r.channels, nil
		}
	}
	return true, nil
}

func (r *Resampler) prime() error {
	ok, err := r.readFrame(r.prev)
	if err != nil {
		return err
	}
	if !ok {
		return io.EOF
	}
	ok, err = r.readFrame(r.next)
	if err != nil {
		return err
	}
	if !ok {
		copy(r.next, r.prev)
		r.eof = true
	}
	r.primed = true
	return nil
}

func (r *Resampler) advance() error {
	copy(r.prev, r.next)
	ok, err := r.readFrame(r.frameBuf)
	if err != nil {
		return err
	}
	if !ok {
		r.eof = true
		return io.EOF
	}
	copy(r.next, r.frameBuf)
	return nil
}

// ReadSamples produces dst samples at the target rate.
// len(dst) must be a multiple of the channel count.
func (r *Resampler) ReadSamples(dst []float32) (int, error) {
	if len(dst)%r.channels != 0 {
		return 0, ErrInvalidDstSize
	}
	if r.src.SampleRate() == r.dstRate {
		return r.src.ReadSamples(dst)
	}
	if !r.primed {
		if err := r.prime(); err != nil {
			return 0, err
		}
	}

	framesNeeded := len(dst) / r.channels
	written := 0
	for written < framesNeeded {
		for r.pos >= 1.0 {
			r.pos -= 1.0
			if err := r.advance(); err != nil {
				if err == io.EOF {
					if written == 0 {
						return 0, io.EOF
					}
					return written * r.channels, io.EOF
				}
				return written * r.channels, err
			}
		}

		alpha := float32(r.pos)
		base := written * r.channels
		for c := 0; c < r.channels; c++ {
			dst[base+c] = r.prev[c] + (r.next[c]-r.prev[c])*alpha
		}

		written++
		r.pos += r.ratio
	}

	return written * r.channels, nil
}
