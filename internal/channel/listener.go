/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package channel

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Listener is one attached client's bounded view of a channel stream. The
// producer pushes PCM batches; the HTTP handler drains them through the
// listener's own compressed encoder. A full queue evicts the oldest batch
// so the producer never blocks.
type Listener struct {
	ID    string
	queue chan []float32
	done  chan struct{}

	mu        sync.Mutex
	closed    bool
	dropStart int64 // first frame of the current drop run, -1 when draining
}

func newListener(queueBatches int) *Listener {
	return &Listener{
		ID:        uuid.NewString(),
		queue:     make(chan []float32, queueBatches),
		done:      make(chan struct{}),
		dropStart: -1,
	}
}

// push enqueues a copy of the batch, evicting the oldest entry when full.
// Returns whether an eviction happened and whether the drop run has lasted
// long enough to declare the listener dead.
func (l *Listener) push(batch []float32, framePos, deadFrames int64) (dropped, dead bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, false
	}

	data := make([]float32, len(batch))
	copy(data, batch)

	select {
	case l.queue <- data:
		l.dropStart = -1
		return false, false
	default:
	}

	// Queue full: evict the oldest batch and retry once.
	select {
	case <-l.queue:
	default:
	}
	select {
	case l.queue <- data:
	default:
	}

	if l.dropStart < 0 {
		l.dropStart = framePos
	}
	return true, framePos-l.dropStart >= deadFrames
}

// terminate closes the byte stream; the HTTP handler observes done.
func (l *Listener) terminate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}

// Done is closed when the listener is torn down by the channel.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Batches exposes the PCM queue to the draining side.
func (l *Listener) Batches() <-chan []float32 { return l.queue }

// ServeStream attaches a listener and streams encoded audio until the
// client disconnects, the channel stops, or the listener is marked dead.
func (c *Channel) ServeStream(w http.ResponseWriter, r *http.Request, logger zerolog.Logger) {
	enc, err := c.cfg.NewEncoder()
	if err != nil {
		logger.Error().Err(err).Msg("encoder init failed")
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	defer enc.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("icy-br", strconv.Itoa(c.cfg.Bitrate/1000))
	w.Header().Set("icy-name", "sonorium-channel-"+strconv.Itoa(c.ID))

	var flusher http.Flusher
	if f, ok := w.(http.Flusher); ok {
		flusher = f
	} else {
		flusher = &rcFlusher{rc: http.NewResponseController(w), logger: logger}
	}

	l := c.Attach()
	defer c.Detach(l)

	log := logger.With().Str("listener_id", l.ID).Int("channel_id", c.ID).Logger()
	log.Info().Msg("listener connected")
	defer log.Info().Msg("listener disconnected")

	for {
		select {
		case <-r.Context().Done():
			return
		case <-l.Done():
			return
		case batch := <-l.Batches():
			data, err := enc.Encode(batch)
			if err != nil {
				log.Error().Err(err).Msg("encode failed")
				return
			}
			if len(data) == 0 {
				continue
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// rcFlusher adapts http.ResponseController for wrapped response writers.
type rcFlusher struct {
	rc        *http.ResponseController
	logger    zerolog.Logger
	errLogged bool
}

func (f *rcFlusher) Flush() {
	if err := f.rc.Flush(); err != nil && !f.errLogged {
		f.logger.Debug().Err(err).Msg("flush failed")
		f.errLogged = true
	}
}
