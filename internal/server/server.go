/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires the engine together behind the HTTP surface: the
// stream endpoint, the JSON control API, diagnostics and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/audio"
	"github.com/friendsincode/sonorium/internal/channel"
	"github.com/friendsincode/sonorium/internal/config"
	"github.com/friendsincode/sonorium/internal/eventbus"
	"github.com/friendsincode/sonorium/internal/events"
	"github.com/friendsincode/sonorium/internal/formats/mp3"
	"github.com/friendsincode/sonorium/internal/logbuffer"
	"github.com/friendsincode/sonorium/internal/media"
	"github.com/friendsincode/sonorium/internal/session"
	"github.com/friendsincode/sonorium/internal/telemetry"
	"github.com/friendsincode/sonorium/internal/themes"
)

// Server bundles the HTTP server and the engine services behind it.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server

	bus       *events.Bus
	logBuffer *logbuffer.Buffer
	metrics   *telemetry.Metrics
	opener    *media.Opener
	supplier  *themes.Supplier
	pool      *channel.Pool
	sessions  *session.Controller
	external  eventbus.Publisher
}

// New constructs the server and wires dependencies. Fails when the MP3
// encoder backend cannot initialize: a streaming engine that cannot
// encode has nothing to serve.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	if err := probeEncoder(cfg); err != nil {
		return nil, fmt.Errorf("encoder backend init: %w", err)
	}

	bus := events.NewBus()
	metrics := telemetry.New()
	opener := media.NewOpener(cfg.SampleRate, cfg.Channels, cfg.DecodeOpenTimeout, logger)
	supplier := themes.NewSupplier(cfg.ThemesRoot, logger)

	external, err := eventbus.New(cfg, nodeID(), logger)
	if err != nil {
		return nil, fmt.Errorf("event bus init: %w", err)
	}

	chCfg := channel.Config{
		SampleRate:       cfg.SampleRate,
		Channels:         cfg.Channels,
		Bitrate:          cfg.Bitrate,
		TransitionWindow: cfg.CrossfadeWindow,
		ListenerBuffer:   cfg.ListenerBuffer,
		DeadAfterDrop:    cfg.ListenerDeadAfterDrop,
		NewEncoder: func() (audio.FrameEncoder, error) {
			return mp3.NewEncoder(cfg.SampleRate, cfg.Channels, cfg.Bitrate)
		},
	}
	pool := channel.NewPool(cfg.MaxChannels, chCfg, cfg.IdleChannelTimeout, bus, metrics, logger)
	sessions := session.NewController(cfg, pool, supplier, opener, bus, external, metrics, logger)

	s := &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		bus:       bus,
		logBuffer: logBuf,
		metrics:   metrics,
		opener:    opener,
		supplier:  supplier,
		pool:      pool,
		sessions:  sessions,
		external:  external,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.TracingMiddleware("sonorium-api"))
	router.Use(securityHeadersMiddleware)
	router.Use(streamAwareTimeout(60 * time.Second))
	s.router = router
	s.configureRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays 0: stream connections are indefinite.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// probeEncoder verifies the LAME backend once at startup.
func probeEncoder(cfg *config.Config) error {
	enc, err := mp3.NewEncoder(cfg.SampleRate, cfg.Channels, cfg.Bitrate)
	if err != nil {
		return err
	}
	return enc.Close()
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "sonorium"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops sessions, channels and the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down")
	s.sessions.StopAll()
	s.pool.Close()
	if err := s.external.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("event bus close failed")
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler tree, mostly for tests.
func (s *Server) Router() http.Handler { return s.router }

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// streamAwareTimeout applies the request timeout everywhere except the
// indefinite stream connections.
func streamAwareTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(d)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/channel_stream/") {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	}
}
