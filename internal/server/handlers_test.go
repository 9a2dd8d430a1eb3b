/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/audio"
	"github.com/friendsincode/sonorium/internal/channel"
	"github.com/friendsincode/sonorium/internal/config"
	"github.com/friendsincode/sonorium/internal/eventbus"
	"github.com/friendsincode/sonorium/internal/events"
	"github.com/friendsincode/sonorium/internal/logbuffer"
	"github.com/friendsincode/sonorium/internal/media"
	"github.com/friendsincode/sonorium/internal/session"
	"github.com/friendsincode/sonorium/internal/telemetry"
	"github.com/friendsincode/sonorium/internal/themes"
)

type fixedSource struct {
	rate, channels int
	frames, pos    int64
}

func (s *fixedSource) SampleRate() int { return s.rate }
func (s *fixedSource) Channels() int   { return s.channels }

func (s *fixedSource) ReadSamples(dst []float32) (int, error) {
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

func (s *fixedSource) Duration() time.Duration {
	return time.Duration(float64(s.frames) / float64(s.rate) * float64(time.Second))
}
func (s *fixedSource) Close() error { return nil }

type fixedOpener struct{}

func (fixedOpener) Open(string) (audio.Source, error) {
	return &fixedSource{rate: 1000, channels: 2, frames: 1000 * 3600}, nil
}
func (fixedOpener) Duration(string) (time.Duration, error) { return time.Hour, nil }

type passthroughEncoder struct{}

func (passthroughEncoder) Encode(pcm []float32) ([]byte, error) {
	return audio.FloatToS16LE(pcm, nil), nil
}
func (passthroughEncoder) Flush() ([]byte, error) { return nil, nil }
func (passthroughEncoder) Close() error           { return nil }

// newTestServer assembles the server around a synthetic decoder and a
// passthrough encoder so handler tests run without codec backends.
func newTestServer(t *testing.T) (*Server, *logbuffer.Buffer) {
	t.Helper()
	root := t.TempDir()
	for _, theme := range []string{"forest", "ocean"} {
		if err := os.MkdirAll(filepath.Join(root, theme), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, theme, "pad.wav"), []byte{}, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := &config.Config{
		HTTPBind:              "127.0.0.1",
		HTTPPort:              8765,
		ThemesRoot:            root,
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
		DecodeOpenTimeout:     time.Second,
		MasterGain:            1.0,
	}

	logger := zerolog.Nop()
	bus := events.NewBus()
	metrics := telemetry.New()
	supplier := themes.NewSupplier(root, logger)
	logBuf := logbuffer.New(500)

	pool := channel.NewPool(cfg.MaxChannels, channel.Config{
		SampleRate:       cfg.SampleRate,
		Channels:         cfg.Channels,
		Bitrate:          cfg.Bitrate,
		TransitionWindow: cfg.CrossfadeWindow,
		ListenerBuffer:   cfg.ListenerBuffer,
		DeadAfterDrop:    cfg.ListenerDeadAfterDrop,
		NewEncoder: func() (audio.FrameEncoder, error) {
			return passthroughEncoder{}, nil
		},
	}, cfg.IdleChannelTimeout, bus, metrics, logger)
	t.Cleanup(pool.Close)

	sessions := session.NewController(cfg, pool, supplier, fixedOpener{}, bus, eventbus.NopPublisher{}, metrics, logger)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		logBuffer: logBuf,
		metrics:   metrics,
		opener:    media.NewOpener(cfg.SampleRate, cfg.Channels, cfg.DecodeOpenTimeout, logger),
		supplier:  supplier,
		pool:      pool,
		sessions:  sessions,
		external:  eventbus.NopPublisher{},
	}
	s.router = chi.NewRouter()
	s.configureRoutes()
	return s, logBuf
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if ct := rec.Header().Get("Content-Type"); strings.Contains(ct, "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: bad JSON %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s.Router(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz %d %v", rec.Code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := doJSON(t, s.Router(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
}

func TestStatusReportsEngineState(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s.Router(), http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	for _, key := range []string{"channels", "sessions", "master_gain", "formats"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("status response missing %q: %v", key, body)
		}
	}
	if body["master_gain"] != 1.0 {
		t.Fatalf("master_gain %v, want 1", body["master_gain"])
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	rec, created := doJSON(t, h, http.MethodPost, "/api/sessions", `{"name":"patio","theme":"forest"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %v", rec.Code, created)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("created session without id: %v", created)
	}

	rec, played := doJSON(t, h, http.MethodPost, "/api/sessions/"+id+"/play", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("play status %d: %v", rec.Code, played)
	}
	url, _ := played["stream_url"].(string)
	if !strings.HasSuffix(url, "/channel_stream/1") {
		t.Fatalf("play stream_url %q", url)
	}

	rec, got := doJSON(t, h, http.MethodGet, "/api/sessions/"+id, "")
	if rec.Code != http.StatusOK || got["playing"] != true {
		t.Fatalf("get after play: %d %v", rec.Code, got)
	}

	rec, updated := doJSON(t, h, http.MethodPut, "/api/sessions/"+id, `{"theme":"ocean"}`)
	if rec.Code != http.StatusOK || updated["theme"] != "ocean" {
		t.Fatalf("update: %d %v", rec.Code, updated)
	}

	rec, stopped := doJSON(t, h, http.MethodPost, "/api/sessions/"+id+"/stop", "")
	if rec.Code != http.StatusOK || stopped["playing"] != false {
		t.Fatalf("stop: %d %v", rec.Code, stopped)
	}

	rec, _ = doJSON(t, h, http.MethodDelete, "/api/sessions/"+id, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodGet, "/api/sessions/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted session status %d, want 404", rec.Code)
	}
}

func TestCreateSessionRequiresTheme(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := doJSON(t, s.Router(), http.MethodPost, "/api/sessions", `{"name":"patio"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestPlayUnknownThemeReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	_, created := doJSON(t, h, http.MethodPost, "/api/sessions", `{"name":"a","theme":"missing"}`)
	id, _ := created["id"].(string)

	rec, _ := doJSON(t, h, http.MethodPost, "/api/sessions/"+id+"/play", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("play with unknown theme status %d, want 404", rec.Code)
	}
}

func TestChannelLoadThemeEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	rec, body := doJSON(t, h, http.MethodPost, "/api/channels/2/load_theme", `{"theme":"forest"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("load_theme status %d: %v", rec.Code, body)
	}
	if url, _ := body["stream_url"].(string); !strings.HasSuffix(url, "/channel_stream/2") {
		t.Fatalf("stream_url %v", body["stream_url"])
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/channels/2/load_theme", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing theme status %d, want 400", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/channels/99/load_theme", `{"theme":"forest"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown channel status %d, want 404", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/channels/2/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("channel stop status %d", rec.Code)
	}
}

func TestMasterGainEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	rec, body := doJSON(t, h, http.MethodGet, "/api/master_gain", "")
	if rec.Code != http.StatusOK || body["master_gain"] != 1.0 {
		t.Fatalf("get gain: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, h, http.MethodPost, "/api/master_gain", `{"master_gain":0.5}`)
	if rec.Code != http.StatusOK || body["master_gain"] != 0.5 {
		t.Fatalf("set gain: %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/master_gain", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("set gain without value status %d, want 400", rec.Code)
	}
}

func TestThemeEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	rec, body := doJSON(t, h, http.MethodGet, "/api/themes", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("themes status %d", rec.Code)
	}
	list, _ := body["themes"].([]interface{})
	if len(list) != 2 {
		t.Fatalf("themes %v, want forest and ocean", body["themes"])
	}

	rec, body = doJSON(t, h, http.MethodGet, "/api/themes/forest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("theme detail status %d", rec.Code)
	}
	files, _ := body["files"].([]interface{})
	if len(files) != 1 {
		t.Fatalf("forest files %v, want one track", body["files"])
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/api/themes/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown theme status %d, want 404", rec.Code)
	}

	rec, body = doJSON(t, h, http.MethodGet, "/api/presets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("presets status %d", rec.Code)
	}
	if presets, ok := body["presets"]; !ok {
		t.Fatalf("presets response %v", presets)
	}
}

func TestChannelStreamValidation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Router()

	rec, _ := doJSON(t, h, http.MethodGet, "/channel_stream/abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric channel status %d, want 400", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/channel_stream/42", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("out-of-pool channel status %d, want 404", rec.Code)
	}
}

func TestDiagnosticsEndpoint(t *testing.T) {
	s, logBuf := newTestServer(t)
	h := s.Router()

	now := time.Now()
	logBuf.Add(logbuffer.Entry{Time: now, Level: "info", Component: "channel", ChannelID: 1, Message: "theme loaded"})
	logBuf.Add(logbuffer.Entry{Time: now, Level: "warn", Component: "session", Message: "stop failed"})

	rec, body := doJSON(t, h, http.MethodGet, "/api/diagnostics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("diagnostics status %d", rec.Code)
	}
	if body["count"] != 2.0 {
		t.Fatalf("count %v, want 2", body["count"])
	}
	if _, ok := body["stats"]; !ok {
		t.Fatalf("diagnostics response missing stats: %v", body)
	}

	rec, body = doJSON(t, h, http.MethodGet, "/api/diagnostics?component=session&level=warn", "")
	if rec.Code != http.StatusOK || body["count"] != 1.0 {
		t.Fatalf("filtered diagnostics: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, h, http.MethodGet, "/api/diagnostics?channel_id=1", "")
	if rec.Code != http.StatusOK || body["count"] != 1.0 {
		t.Fatalf("channel-scoped diagnostics: %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, h, http.MethodGet, "/api/diagnostics/components", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("components status %d", rec.Code)
	}
	comps, _ := body["components"].([]interface{})
	if len(comps) != 2 {
		t.Fatalf("components %v, want channel and session", body["components"])
	}
}
