/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/audio"
	"github.com/friendsincode/sonorium/internal/channel"
	"github.com/friendsincode/sonorium/internal/config"
	"github.com/friendsincode/sonorium/internal/events"
	"github.com/friendsincode/sonorium/internal/models"
	"github.com/friendsincode/sonorium/internal/telemetry"
	"github.com/friendsincode/sonorium/internal/themes"
)

type fakeSource struct {
	rate, channels int
	frames, pos    int64
}

func (s *fakeSource) SampleRate() int { return s.rate }
func (s *fakeSource) Channels() int   { return s.channels }

func (s *fakeSource) ReadSamples(dst []float32) (int, error) {
	if s.pos >= s.frames {
		return 0, io.EOF
	}
	frames := int64(len(dst) / s.channels)
	if left := s.frames - s.pos; left < frames {
		frames = left
	}
	n := int(frames) * s.channels
	for i := 0; i < n; i++ {
		dst[i] = 0.2
	}
	s.pos += frames
	return n, nil
}

func (s *fakeSource) Duration() time.Duration {
	return time.Duration(float64(s.frames) / float64(s.rate) * float64(time.Second))
}
func (s *fakeSource) Close() error { return nil }

type fakeOpener struct{}

func (fakeOpener) Open(path string) (audio.Source, error) {
	return &fakeSource{rate: 1000, channels: 2, frames: 1000 * 3600}, nil
}

func (fakeOpener) Duration(path string) (time.Duration, error) { return time.Hour, nil }

type rawEncoder struct{}

func (rawEncoder) Encode(pcm []float32) ([]byte, error) { return audio.FloatToS16LE(pcm, nil), nil }
func (rawEncoder) Flush() ([]byte, error)               { return nil, nil }
func (rawEncoder) Close() error                         { return nil }

// capturingPublisher records external fan-out calls.
type capturingPublisher struct {
	mu     sync.Mutex
	events []events.EventType
	err    error
}

func (p *capturingPublisher) Publish(t events.EventType, _ events.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, t)
	return p.err
}

func (p *capturingPublisher) Close() error { return nil }

func (p *capturingPublisher) count(t events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == t {
			n++
		}
	}
	return n
}

func testConfig() *config.Config {
	return &config.Config{
		HTTPBind:              "127.0.0.1",
		HTTPPort:              9765,
		SampleRate:            1000,
		Channels:              2,
		Bitrate:               128000,
		MaxChannels:           3,
		IdleChannelTimeout:    time.Minute,
		CrossfadeWindow:       200 * time.Millisecond,
		LoopCrossfade:         time.Second,
		LongFileThreshold:     10 * time.Second,
		ShortFileThreshold:    3 * time.Second,
		SparseMinInterval:     2 * time.Second,
		SparseMaxInterval:     8 * time.Second,
		SparseVariance:        0.3,
		MinGapAfterExclusive:  2 * time.Second,
		InitialExclusiveDelay: 5 * time.Second,
		ListenerBuffer:        100 * time.Millisecond,
		ListenerDeadAfterDrop: time.Second,
		MasterGain:            1.0,
	}
}

type testRig struct {
	ctrl     *Controller
	pool     *channel.Pool
	bus      *events.Bus
	external *capturingPublisher
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	root := t.TempDir()
	for _, theme := range []string{"forest", "ocean"} {
		dir := filepath.Join(root, theme)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "pad.wav"), []byte{}, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := testConfig()
	cfg.ThemesRoot = root

	bus := events.NewBus()
	metrics := telemetry.New()
	pool := channel.NewPool(cfg.MaxChannels, channel.Config{
		SampleRate:       cfg.SampleRate,
		Channels:         cfg.Channels,
		Bitrate:          cfg.Bitrate,
		TransitionWindow: cfg.CrossfadeWindow,
		ListenerBuffer:   cfg.ListenerBuffer,
		DeadAfterDrop:    cfg.ListenerDeadAfterDrop,
		NewEncoder: func() (audio.FrameEncoder, error) {
			return rawEncoder{}, nil
		},
	}, cfg.IdleChannelTimeout, bus, metrics, zerolog.Nop())
	t.Cleanup(pool.Close)

	external := &capturingPublisher{}
	supplier := themes.NewSupplier(root, zerolog.Nop())
	ctrl := NewController(cfg, pool, supplier, fakeOpener{}, bus, external, metrics, zerolog.Nop())
	return &testRig{ctrl: ctrl, pool: pool, bus: bus, external: external}
}

func TestCreateAssignsIDAndDefaults(t *testing.T) {
	r := newTestRig(t)

	s := r.ctrl.Create(models.Session{Name: "living room", Theme: "forest"})
	if s.ID == "" {
		t.Fatal("created session has no id")
	}
	if s.Volume != 1.0 {
		t.Fatalf("default volume %v, want 1.0", s.Volume)
	}
	if s.Playing || s.ChannelID != 0 {
		t.Fatalf("fresh session %+v, want not playing and unbound", s)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r := newTestRig(t)
	created := r.ctrl.Create(models.Session{Name: "a", Theme: "forest"})

	got, err := r.ctrl.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Name = "mutated"

	again, err := r.ctrl.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Name != "a" {
		t.Fatalf("stored session mutated through a returned copy: %q", again.Name)
	}
}

func TestGetUnknown(t *testing.T) {
	r := newTestRig(t)
	if _, err := r.ctrl.Get("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("got %v, want ErrUnknownSession", err)
	}
}

func TestPlayBindsChannelAndAnnounces(t *testing.T) {
	r := newTestRig(t)
	plays := r.bus.Subscribe(events.EventSessionPlay)

	s := r.ctrl.Create(models.Session{Name: "a", Theme: "forest", SpeakerTargets: []string{"kitchen"}})
	if err := r.ctrl.Play(s.ID); err != nil {
		t.Fatalf("Play: %v", err)
	}

	got, _ := r.ctrl.Get(s.ID)
	if !got.Playing || got.ChannelID != 1 {
		t.Fatalf("session %+v, want playing on channel 1", got)
	}
	if theme := r.pool.Get(1).Snapshot().CurrentTheme; theme != "forest" {
		t.Fatalf("channel theme %q, want forest", theme)
	}

	select {
	case p := <-plays:
		if p["session_id"] != s.ID || p["action"] != "play" {
			t.Fatalf("play payload %v", p)
		}
		url, _ := p["stream_url"].(string)
		if !strings.HasSuffix(url, "/channel_stream/1") {
			t.Fatalf("stream_url %q, want channel 1 stream", url)
		}
		targets, _ := p["speaker_targets"].([]string)
		if len(targets) != 1 || targets[0] != "kitchen" {
			t.Fatalf("speaker_targets %v", targets)
		}
	case <-time.After(time.Second):
		t.Fatal("no session play event")
	}

	if r.external.count(events.EventSessionPlay) != 1 {
		t.Fatal("play not forwarded to the external bus")
	}
}

func TestPlayUnknownThemeDoesNotBind(t *testing.T) {
	r := newTestRig(t)
	s := r.ctrl.Create(models.Session{Name: "a", Theme: "missing"})

	if err := r.ctrl.Play(s.ID); !errors.Is(err, themes.ErrUnknownTheme) {
		t.Fatalf("got %v, want ErrUnknownTheme", err)
	}
	got, _ := r.ctrl.Get(s.ID)
	if got.Playing || got.ChannelID != 0 {
		t.Fatalf("session %+v after failed play, want unbound", got)
	}
}

func TestPlayTwiceKeepsChannel(t *testing.T) {
	r := newTestRig(t)
	s := r.ctrl.Create(models.Session{Name: "a", Theme: "forest"})

	if err := r.ctrl.Play(s.ID); err != nil {
		t.Fatalf("first play: %v", err)
	}
	if err := r.ctrl.Play(s.ID); err != nil {
		t.Fatalf("second play: %v", err)
	}
	got, _ := r.ctrl.Get(s.ID)
	if got.ChannelID != 1 {
		t.Fatalf("rebound to channel %d, want to stay on 1", got.ChannelID)
	}
}

func TestStopReleasesAndAnnounces(t *testing.T) {
	r := newTestRig(t)
	stops := r.bus.Subscribe(events.EventSessionStop)

	s := r.ctrl.Create(models.Session{Name: "a", Theme: "forest"})
	if err := r.ctrl.Play(s.ID); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := r.ctrl.Stop(s.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got, _ := r.ctrl.Get(s.ID)
	if got.Playing || got.ChannelID != 0 {
		t.Fatalf("session %+v after stop, want unbound", got)
	}
	if bound := r.pool.Get(1).BoundSession(); bound != "" {
		t.Fatalf("channel still bound to %q", bound)
	}

	select {
	case p := <-stops:
		// The announced URL still points at the channel the session held.
		url, _ := p["stream_url"].(string)
		if !strings.HasSuffix(url, "/channel_stream/1") {
			t.Fatalf("stop stream_url %q, want channel 1 stream", url)
		}
	case <-time.After(time.Second):
		t.Fatal("no session stop event")
	}
}

func TestStopIdleSessionEmitsNothing(t *testing.T) {
	r := newTestRig(t)
	s := r.ctrl.Create(models.Session{Name: "a", Theme: "forest"})

	if err := r.ctrl.Stop(s.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := r.external.count(events.EventSessionStop); n != 0 {
		t.Fatalf("%d stop events for a session that never played", n)
	}
}

func TestUpdateThemeWhilePlayingReloads(t *testing.T) {
	r := newTestRig(t)
	s := r.ctrl.Create(models.Session{Name: "a", Theme: "forest"})
	if err := r.ctrl.Play(s.ID); err != nil {
		t.Fatalf("Play: %v", err)
	}

	got, err := r.ctrl.Update(s.ID, models.Session{Theme: "ocean"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Theme != "ocean" || !got.Playing {
		t.Fatalf("session %+v, want playing ocean", got)
	}

	snap := r.pool.Get(got.ChannelID).Snapshot()
	if snap.CurrentTheme != "ocean" || snap.Version != 2 {
		t.Fatalf("channel snapshot %+v, want ocean at version 2", snap)
	}
}

func TestUpdateKeepsPresetWhenPatchOmitsIt(t *testing.T) {
	r := newTestRig(t)
	s := r.ctrl.Create(models.Session{Name: "a", Theme: "forest", Preset: "night"})

	got, err := r.ctrl.Update(s.ID, models.Session{Volume: 0.4})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Preset != "night" {
		t.Fatalf("preset %q after volume-only patch, want night", got.Preset)
	}
	if got.Volume != 0.4 {
		t.Fatalf("volume %v, want 0.4", got.Volume)
	}

	got, err = r.ctrl.Update(s.ID, models.Session{SpeakerTargets: []string{"patio"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Preset != "night" {
		t.Fatalf("preset %q after targets-only patch, want night", got.Preset)
	}
}

func TestUpdateIdleSessionDoesNotPlay(t *testing.T) {
	r := newTestRig(t)
	s := r.ctrl.Create(models.Session{Name: "a", Theme: "forest"})

	got, err := r.ctrl.Update(s.ID, models.Session{Theme: "ocean", Volume: 0.5})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Playing || got.Theme != "ocean" || got.Volume != 0.5 {
		t.Fatalf("session %+v, want idle ocean at volume 0.5", got)
	}
}

func TestDeleteStopsPlayingSession(t *testing.T) {
	r := newTestRig(t)
	s := r.ctrl.Create(models.Session{Name: "a", Theme: "forest"})
	if err := r.ctrl.Play(s.ID); err != nil {
		t.Fatalf("Play: %v", err)
	}

	if err := r.ctrl.Delete(s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.ctrl.Get(s.ID); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("deleted session still present: %v", err)
	}
	if bound := r.pool.Get(1).BoundSession(); bound != "" {
		t.Fatalf("channel still bound to %q after delete", bound)
	}
}

func TestStopAll(t *testing.T) {
	r := newTestRig(t)
	a := r.ctrl.Create(models.Session{Name: "a", Theme: "forest"})
	b := r.ctrl.Create(models.Session{Name: "b", Theme: "ocean"})
	for _, id := range []string{a.ID, b.ID} {
		if err := r.ctrl.Play(id); err != nil {
			t.Fatalf("play %s: %v", id, err)
		}
	}

	r.ctrl.StopAll()

	for _, s := range r.ctrl.List() {
		if s.Playing {
			t.Fatalf("session %s still playing after StopAll", s.ID)
		}
	}
	if n := r.external.count(events.EventSessionStop); n != 2 {
		t.Fatalf("%d stop events, want 2", n)
	}
}

func TestLoadChannelThemeDirect(t *testing.T) {
	r := newTestRig(t)

	if err := r.ctrl.LoadChannelTheme(2, "forest", ""); err != nil {
		t.Fatalf("LoadChannelTheme: %v", err)
	}
	if theme := r.pool.Get(2).Snapshot().CurrentTheme; theme != "forest" {
		t.Fatalf("channel 2 theme %q, want forest", theme)
	}

	if err := r.ctrl.LoadChannelTheme(99, "forest", ""); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("got %v, want ErrUnknownChannel", err)
	}
}

func TestStopChannelDirect(t *testing.T) {
	r := newTestRig(t)
	if err := r.ctrl.LoadChannelTheme(1, "forest", ""); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := r.ctrl.StopChannel(1); err != nil {
		t.Fatalf("StopChannel: %v", err)
	}
	if got := r.pool.Get(1).State(); got != models.ChannelIdle {
		t.Fatalf("channel state %v after direct stop, want idle", got)
	}

	if err := r.ctrl.StopChannel(0); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("got %v, want ErrUnknownChannel", err)
	}
}

func TestSetMasterGainClamps(t *testing.T) {
	r := newTestRig(t)

	r.ctrl.SetMasterGain(0.5)
	if got := r.ctrl.MasterGain(); got != 0.5 {
		t.Fatalf("master gain %v, want 0.5", got)
	}

	r.ctrl.SetMasterGain(-1)
	if got := r.ctrl.MasterGain(); got != 0 {
		t.Fatalf("master gain %v after negative set, want clamp to 0", got)
	}
}
