/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/audio"
	"github.com/friendsincode/sonorium/internal/clock"
	"github.com/friendsincode/sonorium/internal/models"
)

// SourceOpener resolves a path to a canonical-format PCM stream.
type SourceOpener interface {
	Open(path string) (audio.Source, error)
	Duration(path string) (time.Duration, error)
}

// Original-tuning constants carried by the sparse and presence machines.
const (
	trackFadeDuration = 6 * time.Second
	sparseRecheck     = 5 * time.Second
	recheckJitterMin  = 0.5
	recheckJitterMax  = 3.0

	presenceActiveMinS   = 30.0
	presenceActiveMaxS   = 120.0
	presenceInactiveMinS = 20.0
	presenceInactiveMaxS = 90.0
)

type sparseState int

const (
	sparseWaiting sparseState = iota
	sparsePlaying
)

type presenceState int

const (
	presenceInactive presenceState = iota
	presenceFadeIn
	presenceActive
	presenceFadeOut
)

// Player produces one track's contribution to the theme mix. The mixer
// pulls; the player fills the destination batch and reports whether any
// produced frame had a non-zero envelope.
type Player struct {
	id       string
	path     string
	settings models.TrackSettings
	mode     models.PlaybackMode
	params   Params
	opener   SourceOpener
	coord    *ExclusionCoordinator
	rng      *rand.Rand
	logger   zerolog.Logger

	channels  int
	durFrames int64 // 0 when unknown
	failed    bool

	pos int64 // frames produced so far, the player's view of mixer time

	primary   audio.Source
	secondary audio.Source
	bufA      []float32
	bufB      []float32

	// continuous
	playedFrames int64
	xfadeFrames  int64
	xfadePos     int64
	inXfade      bool

	// sparse
	sparse         sparseState
	nextActivation int64
	playPos        int64
	playDurFrames  int64
	playFadeFrames int64

	// presence
	presence      presenceState
	stateEnd      int64
	fadeFrames    int64
	fadeStart     int64
	activeFrames  int64
	granted       bool
	presenceEnded bool
}

// NewPlayer builds a player for one track file. Mode auto is resolved here
// from the probed file duration. A file that cannot be probed or opened is
// disabled for the life of the theme and contributes silence.
func NewPlayer(index int, file models.TrackFile, params Params, coord *ExclusionCoordinator, opener SourceOpener, logger zerolog.Logger) *Player {
	p := &Player{
		id:       fmt.Sprintf("%s#%d", filepath.Base(file.Path), index),
		path:     file.Path,
		settings: file.Settings,
		params:   params,
		opener:   opener,
		rng:      rand.New(rand.NewSource(params.Seed*31 + int64(index))),
		channels: params.Channels,
		logger:   logger.With().Str("component", "player").Str("track", filepath.Base(file.Path)).Logger(),
	}

	duration, err := opener.Duration(file.Path)
	if err != nil {
		p.fail(err)
		return p
	}
	p.durFrames = clock.FramesFor(duration.Seconds(), params.SampleRate)

	p.mode = file.Settings.PlaybackMode
	if p.mode == models.ModeAuto || !p.mode.Valid() {
		p.mode = classify(duration, params)
	}

	if file.Settings.Exclusive && coord != nil {
		p.coord = coord
		coord.Register(p.id)
	}

	p.xfadeFrames = clock.FramesFor(params.LoopCrossfade.Seconds(), params.SampleRate)

	switch p.mode {
	case models.ModeContinuous:
		if !p.settings.Muted {
			src, err := opener.Open(p.path)
			if err != nil {
				p.fail(err)
				return p
			}
			p.primary = src
		}
	case models.ModeSparse:
		p.scheduleInitialSparse()
	case models.ModePresence:
		p.initPresence()
	}

	return p
}

// classify resolves auto mode from file duration.
func classify(duration time.Duration, params Params) models.PlaybackMode {
	if duration >= params.LongFileThreshold {
		return models.ModeContinuous
	}
	if duration < params.ShortFileThreshold {
		return models.ModeSparse
	}
	return models.ModeContinuous
}

// Mode returns the resolved playback mode.
func (p *Player) Mode() models.PlaybackMode { return p.mode }

// Failed reports whether the player disabled itself after a decode failure.
func (p *Player) Failed() bool { return p.failed }

// Close releases any open decoders.
func (p *Player) Close() {
	if p.primary != nil {
		p.primary.Close()
		p.primary = nil
	}
	if p.secondary != nil {
		p.secondary.Close()
		p.secondary = nil
	}
}

func (p *Player) fail(err error) {
	if p.failed {
		return
	}
	p.failed = true
	p.logger.Warn().Err(err).Msg("track disabled after decode failure")
	if p.params.OnDecodeFailure != nil {
		p.params.OnDecodeFailure(p.path, err)
	}
	if p.coord != nil && p.granted {
		p.coord.FinishPlaying(p.id)
		p.granted = false
	}
	if p.coord != nil && p.sparse == sparsePlaying {
		p.coord.FinishPlaying(p.id)
	}
	p.Close()
}

// Pull fills dst with this track's next batch and advances its position.
// Returns true when any frame carried a non-zero envelope.
func (p *Player) Pull(dst []float32) bool {
	frames := len(dst) / p.channels
	if p.failed || p.settings.Muted || p.settings.Volume == 0 {
		zero(dst)
		p.pos += int64(frames)
		return false
	}

	var active bool
	switch p.mode {
	case models.ModeContinuous:
		active = p.pullContinuous(dst)
	case models.ModeSparse:
		active = p.pullSparse(dst)
	case models.ModePresence:
		active = p.pullPresence(dst)
	default:
		zero(dst)
	}
	p.pos += int64(frames)
	return active
}

func zero(dst []float32) {
	for i := range dst {
		dst[i] = 0
	}
}

// readFrames fills dst from src, looping short reads. Returns the number of
// whole frames produced and whether the source hit EOF.
func (p *Player) readFrames(src audio.Source, dst []float32) (int, bool) {
	filled := 0
	for filled < len(dst) {
		n, err := src.ReadSamples(dst[filled:])
		filled += n
		if err == io.EOF {
			return filled / p.channels, true
		}
		if err != nil {
			p.fail(err)
			return filled / p.channels, true
		}
		if n == 0 {
			return filled / p.channels, true
		}
	}
	return filled / p.channels, false
}

func (p *Player) reopen() audio.Source {
	src, err := p.opener.Open(p.path)
	if err != nil {
		p.fail(err)
		return nil
	}
	return src
}

// --- continuous -------------------------------------------------------------

func (p *Player) pullContinuous(dst []float32) bool {
	if p.primary == nil {
		if p.primary = p.reopen(); p.primary == nil {
			zero(dst)
			return false
		}
	}

	volume := float32(p.settings.Volume)
	frames := len(dst) / p.channels
	done := 0

	for done < frames && !p.failed {
		remaining := frames - done
		seg := remaining

		loopStart := int64(0)
		if !p.settings.SeamlessLoop && p.durFrames > p.xfadeFrames && p.xfadeFrames > 0 {
			loopStart = p.durFrames - p.xfadeFrames
			if !p.inXfade && p.playedFrames >= loopStart {
				p.beginLoopCrossfade()
			}
			if !p.inXfade {
				untilXfade := loopStart - p.playedFrames
				if untilXfade < int64(seg) {
					seg = int(untilXfade)
				}
			}
		}
		if p.inXfade {
			untilEnd := p.xfadeFrames - p.xfadePos
			if untilEnd < int64(seg) {
				seg = int(untilEnd)
			}
		}
		if seg <= 0 {
			seg = 1
		}

		out := dst[done*p.channels : (done+seg)*p.channels]
		if p.inXfade && p.secondary != nil {
			done += p.pullCrossfadeSegment(out, volume)
		} else {
			done += p.pullPlainSegment(out, volume)
		}
	}

	if p.failed {
		zero(dst)
		return false
	}
	return true
}

func (p *Player) pullPlainSegment(out []float32, volume float32) int {
	seg := len(out) / p.channels
	got, eof := p.readFrames(p.primary, out)
	for i := 0; i < got*p.channels; i++ {
		out[i] *= volume
	}
	p.playedFrames += int64(got)

	if eof && !p.failed {
		// Seamless boundary or unknown duration: restart at zero with no gap.
		p.primary.Close()
		p.primary = p.reopen()
		p.playedFrames = 0
		if p.primary != nil && got < seg {
			rest := out[got*p.channels:]
			more, _ := p.readFrames(p.primary, rest)
			for i := 0; i < more*p.channels; i++ {
				rest[i] *= volume
			}
			p.playedFrames += int64(more)
			got += more
		}
	}
	if got < seg {
		zero(out[got*p.channels:])
	}
	return seg
}

func (p *Player) beginLoopCrossfade() {
	src, err := p.opener.Open(p.path)
	if err != nil {
		// Degrade to a seamless-style restart at EOF.
		p.logger.Warn().Err(err).Msg("crossfade arm failed, falling back to hard loop")
		return
	}
	p.secondary = src
	p.inXfade = true
	p.xfadePos = 0
}

func (p *Player) pullCrossfadeSegment(out []float32, volume float32) int {
	seg := len(out) / p.channels
	if cap(p.bufA) < len(out) {
		p.bufA = make([]float32, len(out))
		p.bufB = make([]float32, len(out))
	}
	a := p.bufA[:len(out)]
	b := p.bufB[:len(out)]

	gotA, eofA := p.readFrames(p.primary, a)
	gotB, _ := p.readFrames(p.secondary, b)
	if gotA < seg {
		zero(a[gotA*p.channels:])
	}
	if gotB < seg {
		zero(b[gotB*p.channels:])
	}

	for f := 0; f < seg; f++ {
		progress := float64(p.xfadePos+int64(f)) / float64(p.xfadeFrames)
		outGain, inGain := EqualPowerGains(progress)
		base := f * p.channels
		for c := 0; c < p.channels; c++ {
			out[base+c] = (a[base+c]*outGain + b[base+c]*inGain) * volume
		}
	}

	p.xfadePos += int64(seg)
	p.playedFrames += int64(seg)

	if p.xfadePos >= p.xfadeFrames || eofA {
		p.primary.Close()
		p.primary = p.secondary
		p.secondary = nil
		p.inXfade = false
		p.playedFrames = p.xfadePos
		p.xfadePos = 0
	}
	return seg
}

// --- sparse -----------------------------------------------------------------

func (p *Player) scheduleInitialSparse() {
	interval := p.sampleSparseInterval()
	if p.settings.Exclusive {
		floor := clock.FramesFor(p.params.InitialExclusiveDelay.Seconds(), p.params.SampleRate)
		p.nextActivation = floor + int64(p.rng.Float64()*float64(interval))
	} else {
		p.nextActivation = int64(p.rng.Float64() * float64(interval))
	}
	p.sparse = sparseWaiting
}

// sampleSparseInterval draws the next inter-play interval in frames: a
// presence-derived mean with uniform variance around it.
func (p *Player) sampleSparseInterval() int64 {
	minS := p.params.SparseMinInterval.Seconds()
	maxS := p.params.SparseMaxInterval.Seconds()
	mean := maxS + (minS-maxS)*p.settings.Presence
	jitter := 1 + (p.rng.Float64()*2-1)*p.params.SparseVariance
	return clock.FramesFor(mean*jitter, p.params.SampleRate)
}

func (p *Player) recheckFrames() int64 {
	jitter := recheckJitterMin + p.rng.Float64()*(recheckJitterMax-recheckJitterMin)
	return clock.FramesFor(sparseRecheck.Seconds()+jitter, p.params.SampleRate)
}

func (p *Player) pullSparse(dst []float32) bool {
	frames := len(dst) / p.channels
	volume := float32(p.settings.Volume)
	active := false
	done := 0

	for done < frames && !p.failed {
		now := p.pos + int64(done)
		remaining := frames - done

		if p.sparse == sparseWaiting {
			if now < p.nextActivation {
				seg := remaining
				if until := p.nextActivation - now; until < int64(seg) {
					seg = int(until)
				}
				zero(dst[done*p.channels : (done+seg)*p.channels])
				done += seg
				continue
			}
			if !p.tryStartSparsePlay() {
				continue
			}
		}

		// Playing: produce faded source frames until EOF.
		seg := remaining
		out := dst[done*p.channels : (done+seg)*p.channels]
		got, eof := p.readFrames(p.primary, out)
		for f := 0; f < got; f++ {
			gain := volume * p.sparseEnvelope(p.playPos+int64(f))
			base := f * p.channels
			for c := 0; c < p.channels; c++ {
				out[base+c] *= gain
			}
		}
		if got > 0 {
			active = true
		}
		p.playPos += int64(got)
		if got < seg {
			zero(out[got*p.channels:])
		}
		done += seg

		if eof && !p.failed {
			p.endSparsePlay()
		}
	}

	if p.failed {
		zero(dst)
		return false
	}
	return active
}

func (p *Player) tryStartSparsePlay() bool {
	if p.settings.Exclusive && p.coord != nil {
		expected := time.Duration(float64(p.durFrames) / float64(p.params.SampleRate) * float64(time.Second))
		if !p.coord.TryStartPlaying(p.id, expected) {
			p.nextActivation = p.pos + p.recheckFrames()
			return false
		}
		p.granted = true
	}
	src, err := p.opener.Open(p.path)
	if err != nil {
		p.fail(err)
		return false
	}
	p.primary = src
	p.sparse = sparsePlaying
	p.playPos = 0
	p.playDurFrames = p.durFrames
	p.playFadeFrames = p.sparseFadeFrames()
	return true
}

// sparseFadeFrames bounds the per-play fade to a third of the file.
func (p *Player) sparseFadeFrames() int64 {
	fade := clock.FramesFor(trackFadeDuration.Seconds(), p.params.SampleRate)
	if p.durFrames > 0 && fade > p.durFrames/3 {
		fade = p.durFrames / 3
	}
	return fade
}

func (p *Player) sparseEnvelope(playPos int64) float32 {
	fade := p.playFadeFrames
	if fade <= 0 {
		return 1
	}
	if playPos < fade {
		return fadeInGain(float64(playPos) / float64(fade))
	}
	if p.playDurFrames > 0 && playPos >= p.playDurFrames-fade {
		left := p.playDurFrames - playPos
		if left < 0 {
			return 0
		}
		return fadeInGain(float64(left) / float64(fade))
	}
	return 1
}

func (p *Player) endSparsePlay() {
	if p.primary != nil {
		p.primary.Close()
		p.primary = nil
	}
	if p.granted && p.coord != nil {
		p.coord.FinishPlaying(p.id)
		p.granted = false
	}
	p.sparse = sparseWaiting
	p.nextActivation = p.pos + p.sampleSparseInterval()
}

// --- presence ---------------------------------------------------------------

func (p *Player) initPresence() {
	_, inactive := p.presenceDurations()
	p.presence = presenceInactive
	p.stateEnd = int64(p.rng.Float64() * float64(inactive))
}

// presenceDurations returns the next active and inactive spans in frames.
// Explicit theme options pin the duty cycle; otherwise the spans are drawn
// from presence-scaled ranges with variance.
func (p *Player) presenceDurations() (activeF, inactiveF int64) {
	rate := p.params.SampleRate
	if p.params.PresencePeriod > 0 {
		period := p.params.PresencePeriod.Seconds()
		activeS := period * p.settings.Presence
		return clock.FramesFor(activeS, rate), clock.FramesFor(period-activeS, rate)
	}
	activeMean := presenceActiveMinS + (presenceActiveMaxS-presenceActiveMinS)*p.settings.Presence
	inactiveMean := presenceInactiveMaxS + (presenceInactiveMinS-presenceInactiveMaxS)*p.settings.Presence
	vary := func(mean float64) float64 {
		return mean * (1 + (p.rng.Float64()*2-1)*0.30)
	}
	return clock.FramesFor(vary(activeMean), rate), clock.FramesFor(vary(inactiveMean), rate)
}

func (p *Player) presenceFadeFrames(activeF int64) int64 {
	fadeS := 10.0
	if p.params.PresenceFade > 0 {
		fadeS = p.params.PresenceFade.Seconds()
	}
	fade := clock.FramesFor(fadeS, p.params.SampleRate)
	if activeF > 0 && fade > activeF/2 {
		fade = activeF / 2
	}
	return fade
}

func (p *Player) pullPresence(dst []float32) bool {
	frames := len(dst) / p.channels
	volume := float32(p.settings.Volume)
	active := false
	done := 0

	for done < frames && !p.failed {
		now := p.pos + int64(done)
		remaining := frames - done

		if p.presence == presenceInactive {
			if p.settings.Presence <= 0 {
				zero(dst[done*p.channels:])
				done = frames
				break
			}
			if now < p.stateEnd {
				seg := remaining
				if until := p.stateEnd - now; until < int64(seg) {
					seg = int(until)
				}
				zero(dst[done*p.channels : (done+seg)*p.channels])
				done += seg
				continue
			}
			if !p.tryEnterPresenceActive(now) {
				continue
			}
		}

		// Segment bounded by the current envelope state.
		seg := remaining
		if until := p.stateEnd - now; until > 0 && until < int64(seg) {
			seg = int(until)
		}
		if seg <= 0 {
			p.advancePresenceState(now)
			continue
		}

		out := dst[done*p.channels : (done+seg)*p.channels]
		got := p.readPresenceFrames(out)
		for f := 0; f < got; f++ {
			gain := volume * p.presenceEnvelope(now+int64(f))
			base := f * p.channels
			for c := 0; c < p.channels; c++ {
				out[base+c] *= gain
			}
		}
		if got > 0 {
			active = true
		}
		if got < seg {
			zero(out[got*p.channels:])
		}
		done += seg

		if p.pos+int64(done) >= p.stateEnd {
			p.advancePresenceState(p.pos + int64(done))
		}
	}

	if p.failed {
		zero(dst)
		return false
	}
	return active
}

func (p *Player) tryEnterPresenceActive(now int64) bool {
	activeF, _ := p.presenceDurations()
	fade := p.presenceFadeFrames(activeF)

	if p.settings.Exclusive && p.coord != nil {
		expectedFrames := activeF + 2*fade
		expected := time.Duration(float64(expectedFrames) / float64(p.params.SampleRate) * float64(time.Second))
		if !p.coord.TryStartPlaying(p.id, expected) {
			p.stateEnd = now + p.recheckFrames()
			return false
		}
		p.granted = true
	}

	if p.primary == nil {
		src, err := p.opener.Open(p.path)
		if err != nil {
			p.fail(err)
			return false
		}
		p.primary = src
	}

	p.activeFrames = activeF
	p.fadeFrames = fade
	p.presence = presenceFadeIn
	p.fadeStart = now
	p.stateEnd = now + fade
	return true
}

func (p *Player) advancePresenceState(now int64) {
	switch p.presence {
	case presenceFadeIn:
		p.presence = presenceActive
		p.stateEnd = now + p.activeFrames
	case presenceActive:
		p.presence = presenceFadeOut
		p.fadeStart = now
		p.stateEnd = now + p.fadeFrames
	case presenceFadeOut:
		if p.granted && p.coord != nil {
			p.coord.FinishPlaying(p.id)
			p.granted = false
		}
		_, inactiveF := p.presenceDurations()
		if inactiveF <= 0 {
			// Full-duty track: re-enter active without a gap.
			p.presence = presenceActive
			p.stateEnd = now + p.activeFrames
			return
		}
		p.presence = presenceInactive
		p.stateEnd = now + inactiveF
	}
}

// readPresenceFrames reads from the looping decoder during audible states
// and freezes the stream position while inactive.
func (p *Player) readPresenceFrames(out []float32) int {
	if p.presence == presenceInactive || p.primary == nil {
		zero(out)
		return len(out) / p.channels
	}
	seg := len(out) / p.channels
	got, eof := p.readFrames(p.primary, out)
	if eof && !p.failed {
		p.primary.Close()
		p.primary = p.reopen()
		if p.primary != nil && got < seg {
			rest := out[got*p.channels:]
			more, _ := p.readFrames(p.primary, rest)
			got += more
		}
	}
	if got < seg {
		zero(out[got*p.channels:])
		got = seg
	}
	return got
}

func (p *Player) presenceEnvelope(frame int64) float32 {
	switch p.presence {
	case presenceFadeIn:
		if p.fadeFrames <= 0 {
			return 1
		}
		return fadeInGain(float64(frame-p.fadeStart) / float64(p.fadeFrames))
	case presenceActive:
		return 1
	case presenceFadeOut:
		if p.fadeFrames <= 0 {
			return 0
		}
		return fadeOutGain(float64(frame-p.fadeStart) / float64(p.fadeFrames))
	default:
		return 0
	}
}
