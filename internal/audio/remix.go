/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"fmt"
	"time"
)

// Remixer converts a source's channel layout to a target channel count.
// A mono source is duplicated into every output channel and a mono target
// gets the average of the inputs; other layouts keep the leading channels.
type Remixer struct {
	src    Source
	target int
	tmp    []float32
}

// NewRemixer wraps src. Pass-through when the layout already matches.
func NewRemixer(src Source, targetChannels int) *Remixer {
	return &Remixer{
		src:    src,
		target: targetChannels,
		tmp:    make([]float32, 4096),
	}
}

func (m *Remixer) SampleRate() int         { return m.src.SampleRate() }
func (m *Remixer) Channels() int           { return m.target }
func (m *Remixer) Duration() time.Duration { return m.src.Duration() }

func (m *Remixer) Close() error {
	if err := m.src.Close(); err != nil {
		return fmt.Errorf("close remixer source: %w", err)
	}
	return nil
}

func (m *Remixer) ReadSamples(dst []float32) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	if len(dst)%m.target != 0 {
		return 0, ErrInvalidDstSize
	}
	srcChannels := m.src.Channels()
	if srcChannels == m.target {
		return m.src.ReadSamples(dst)
	}

	frames := len(dst) / m.target
	samplesNeeded := frames * srcChannels
	if cap(m.tmp) < samplesNeeded {
		m.tmp = make([]float32, samplesNeeded)
	}
	m.tmp = m.tmp[:samplesNeeded]

	n, err := m.src.ReadSamples(m.tmp)
	if n == 0 {
		return 0, err
	}
	gotFrames := n / srcChannels

	switch {
	case srcChannels == 1:
		// Upmix mono by duplication.
		for f := 0; f < gotFrames; f++ {
			v := m.tmp[f]
			base := f * m.target
			for c := 0; c < m.target; c++ {
				dst[base+c] = v
			}
		}
	case m.target == 1:
		inv := float32(1.0) / float32(srcChannels)
		for f := 0; f < gotFrames; f++ {
			var sum float32
			base := f * srcChannels
			for c := 0; c < srcChannels; c++ {
				sum += m.tmp[base+c]
			}
			dst[f] = sum * inv
		}
	default:
		// Copy the first target channels through and write the mean of
		// all inputs into any extras. Covers the uncommon multi-channel layouts.
		inv := float32(1.0) / float32(srcChannels)
		for f := 0; f < gotFrames; f++ {
			var sum float32
			base := f * srcChannels
			for c := 0; c < srcChannels; c++ {
				sum += m.tmp[base+c]
			}
			mean := sum * inv
			outBase := f * m.target
			for c := 0; c < m.target; c++ {
				if c < srcChannels {
					dst[outBase+c] = m.tmp[base+c]
				} else {
					dst[outBase+c] = mean
				}
			}
		}
	}

	return gotFrames * m.target, err
}
