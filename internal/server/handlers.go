/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/sonorium/internal/channel"
	"github.com/friendsincode/sonorium/internal/logbuffer"
	"github.com/friendsincode/sonorium/internal/models"
	"github.com/friendsincode/sonorium/internal/playout"
	"github.com/friendsincode/sonorium/internal/session"
	"github.com/friendsincode/sonorium/internal/themes"
)

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/metrics", s.metrics.Handler().ServeHTTP)
	s.router.Get("/channel_stream/{channel_id}", s.handleChannelStream)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Get("/channels", s.handleListChannels)
		r.Post("/channels/{channel_id}/load_theme", s.handleChannelLoadTheme)
		r.Post("/channels/{channel_id}/stop", s.handleChannelStop)

		r.Get("/master_gain", s.handleGetMasterGain)
		r.Post("/master_gain", s.handleSetMasterGain)

		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Post("/sessions/stop_all", s.handleStopAllSessions)
		r.Get("/sessions/{session_id}", s.handleGetSession)
		r.Put("/sessions/{session_id}", s.handleUpdateSession)
		r.Delete("/sessions/{session_id}", s.handleDeleteSession)
		r.Post("/sessions/{session_id}/play", s.handlePlaySession)
		r.Post("/sessions/{session_id}/stop", s.handleStopSession)

		r.Get("/themes", s.handleListThemes)
		r.Get("/themes/{theme}", s.handleGetTheme)
		r.Get("/presets", s.handleListPresets)

		r.Get("/diagnostics", s.handleDiagnostics)
		r.Get("/diagnostics/components", s.handleDiagnosticsComponents)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respondErr maps engine errors onto HTTP status codes: unknown
// references are 404, pool exhaustion is 503, an empty theme is 400.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, themes.ErrUnknownTheme),
		errors.Is(err, themes.ErrUnknownPreset),
		errors.Is(err, session.ErrUnknownSession),
		errors.Is(err, session.ErrUnknownChannel):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, channel.ErrNoChannelAvailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, playout.ErrNoPlayableFiles):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels":    s.pool.Snapshot(),
		"sessions":    s.sessions.List(),
		"master_gain": s.sessions.MasterGain(),
		"formats":     s.opener.SupportedFormats(),
	})
}

// handleChannelStream serves the compressed audio stream for one channel.
// The connection stays open until the client leaves or the channel stops.
func (s *Server) handleChannelStream(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "channel_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	ch := s.pool.Get(id)
	if ch == nil {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}
	ch.ServeStream(w, r, s.logger)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Snapshot())
}

func (s *Server) handleChannelLoadTheme(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "channel_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	var req struct {
		Theme  string `json:"theme"`
		Preset string `json:"preset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Theme == "" {
		writeError(w, http.StatusBadRequest, "theme is required")
		return
	}
	if err := s.sessions.LoadChannelTheme(id, req.Theme, req.Preset); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel_id": id,
		"theme":      req.Theme,
		"preset":     req.Preset,
		"stream_url": s.cfg.StreamURL(id),
	})
}

func (s *Server) handleChannelStop(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "channel_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	if err := s.sessions.StopChannel(id); err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channel_id": id, "stopped": true})
}

func (s *Server) handleGetMasterGain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{"master_gain": s.sessions.MasterGain()})
}

func (s *Server) handleSetMasterGain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MasterGain *float64 `json:"master_gain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MasterGain == nil {
		writeError(w, http.StatusBadRequest, "master_gain is required")
		return
	}
	s.sessions.SetMasterGain(*req.MasterGain)
	writeJSON(w, http.StatusOK, map[string]float64{"master_gain": s.sessions.MasterGain()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.Session
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Theme == "" {
		writeError(w, http.StatusBadRequest, "theme is required")
		return
	}
	created := s.sessions.Create(req)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "session_id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var patch models.Session
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.sessions.Update(chi.URLParam(r, "session_id"), patch)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(chi.URLParam(r, "session_id")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePlaySession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := s.sessions.Play(id); err != nil {
		respondErr(w, err)
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":    sess,
		"stream_url": s.cfg.StreamURL(sess.ChannelID),
	})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := s.sessions.Stop(id); err != nil {
		respondErr(w, err)
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStopAllSessions(w http.ResponseWriter, r *http.Request) {
	s.sessions.StopAll()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (s *Server) handleListThemes(w http.ResponseWriter, r *http.Request) {
	list, err := s.supplier.ListThemes()
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"themes": list})
}

func (s *Server) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "theme")
	files, opts, err := s.supplier.Resolve(ref, r.URL.Query().Get("preset"))
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"theme":   ref,
		"files":   files,
		"options": opts,
	})
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	list, err := s.supplier.ListPresets()
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"presets": list})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := logbuffer.Filter{
		Level:       q.Get("level"),
		Component:   q.Get("component"),
		Contains:    q.Get("search"),
		NewestFirst: q.Get("order") == "desc",
	}
	if v := q.Get("channel_id"); v != "" {
		if id, err := strconv.Atoi(v); err == nil && id > 0 {
			filter.ChannelID = id
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = t
		}
	}

	entries := s.logBuffer.Query(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
		"stats":   s.logBuffer.Stats(),
	})
}

func (s *Server) handleDiagnosticsComponents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"components": s.logBuffer.Components()})
}
