/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EventBusBackend selects how speaker fan-out events leave the process.
type EventBusBackend string

const (
	EventBusMemory EventBusBackend = "memory"
	EventBusNATS   EventBusBackend = "nats"
	EventBusRedis  EventBusBackend = "redis"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	BaseURL     string // Public base URL advertised in speaker fan-out events
	ThemesRoot  string // Directory containing one sub-directory per theme

	// Canonical audio format, fixed for the life of the process.
	SampleRate int
	Channels   int
	Bitrate    int

	// Channel pool.
	MaxChannels        int
	IdleChannelTimeout time.Duration

	// Crossfades.
	CrossfadeWindow time.Duration // theme transition window
	LoopCrossfade   time.Duration // per-track loop boundary crossfade

	// Auto-mode classification thresholds.
	LongFileThreshold  time.Duration
	ShortFileThreshold time.Duration

	// Sparse scheduling.
	SparseMinInterval time.Duration
	SparseMaxInterval time.Duration
	SparseVariance    float64

	// Exclusion coordination.
	MinGapAfterExclusive  time.Duration
	InitialExclusiveDelay time.Duration

	// Listener backpressure.
	ListenerBuffer        time.Duration
	ListenerDeadAfterDrop time.Duration

	// Decoder open soft timeout.
	DecodeOpenTimeout time.Duration

	// Master output gain applied after normalization.
	MasterGain float64

	// Event bus backend for speaker fan-out.
	EventBus      EventBusBackend
	NATSURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// OpenTelemetry tracing.
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"SONORIUM_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"SONORIUM_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"SONORIUM_HTTP_PORT"}, 8765),
		BaseURL:     getEnvAny([]string{"SONORIUM_BASE_URL"}, ""),
		ThemesRoot:  getEnvAny([]string{"SONORIUM_THEMES_ROOT"}, "./themes"),

		SampleRate: getEnvIntAny([]string{"SONORIUM_SAMPLE_RATE"}, 48000),
		Channels:   getEnvIntAny([]string{"SONORIUM_CHANNELS"}, 2),
		Bitrate:    getEnvIntAny([]string{"SONORIUM_BITRATE"}, 128000),

		MaxChannels:        getEnvIntAny([]string{"SONORIUM_MAX_CHANNELS"}, 6),
		IdleChannelTimeout: secondsEnv("SONORIUM_IDLE_CHANNEL_TIMEOUT_S", 30),

		CrossfadeWindow: secondsFloatEnv("SONORIUM_CROSSFADE_WINDOW_S", 3.0),
		LoopCrossfade:   secondsFloatEnv("SONORIUM_LOOP_CROSSFADE_S", 1.5),

		LongFileThreshold:  secondsEnv("SONORIUM_LONG_FILE_THRESHOLD_S", 60),
		ShortFileThreshold: secondsEnv("SONORIUM_SHORT_FILE_THRESHOLD_S", 10),

		SparseMinInterval: secondsEnv("SONORIUM_SPARSE_MIN_INTERVAL_S", 180),
		SparseMaxInterval: secondsEnv("SONORIUM_SPARSE_MAX_INTERVAL_S", 1800),
		SparseVariance:    getEnvFloatAny([]string{"SONORIUM_SPARSE_VARIANCE"}, 0.30),

		MinGapAfterExclusive:  secondsEnv("SONORIUM_MIN_GAP_AFTER_EXCLUSIVE_S", 30),
		InitialExclusiveDelay: secondsEnv("SONORIUM_INITIAL_EXCLUSIVE_DELAY_S", 60),

		ListenerBuffer:        secondsEnv("SONORIUM_LISTENER_BUFFER_S", 2),
		ListenerDeadAfterDrop: secondsEnv("SONORIUM_LISTENER_DEAD_AFTER_DROP_S", 10),

		DecodeOpenTimeout: secondsEnv("SONORIUM_DECODE_OPEN_TIMEOUT_S", 5),

		MasterGain: getEnvFloatAny([]string{"SONORIUM_MASTER_GAIN"}, 1.0),

		EventBus:      EventBusBackend(getEnvAny([]string{"SONORIUM_EVENT_BUS"}, string(EventBusMemory))),
		NATSURL:       getEnvAny([]string{"SONORIUM_NATS_URL"}, "nats://localhost:4222"),
		RedisAddr:     getEnvAny([]string{"SONORIUM_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"SONORIUM_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"SONORIUM_REDIS_DB"}, 0),

		TracingEnabled:    getEnvBoolAny([]string{"SONORIUM_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"SONORIUM_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"SONORIUM_TRACING_SAMPLE_RATE"}, 1.0),
	}

	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("SONORIUM_SAMPLE_RATE must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Channels < 1 || cfg.Channels > 8 {
		return nil, fmt.Errorf("SONORIUM_CHANNELS must be in 1..8, got %d", cfg.Channels)
	}
	if cfg.MaxChannels < 1 || cfg.MaxChannels > 10 {
		return nil, fmt.Errorf("SONORIUM_MAX_CHANNELS must be in 1..10, got %d", cfg.MaxChannels)
	}
	if cfg.SparseMinInterval > cfg.SparseMaxInterval {
		return nil, fmt.Errorf("sparse interval bounds inverted: min %s > max %s", cfg.SparseMinInterval, cfg.SparseMaxInterval)
	}
	if cfg.SparseVariance < 0 || cfg.SparseVariance >= 1 {
		return nil, fmt.Errorf("SONORIUM_SPARSE_VARIANCE must be in [0,1), got %g", cfg.SparseVariance)
	}
	if cfg.MasterGain < 0 {
		return nil, fmt.Errorf("SONORIUM_MASTER_GAIN must be non-negative, got %g", cfg.MasterGain)
	}
	switch cfg.EventBus {
	case EventBusMemory, EventBusNATS, EventBusRedis:
	default:
		return nil, fmt.Errorf("unsupported event bus backend %q", cfg.EventBus)
	}
	if cfg.TracingSampleRate < 0 || cfg.TracingSampleRate > 1 {
		return nil, fmt.Errorf("SONORIUM_TRACING_SAMPLE_RATE must be in [0,1], got %g", cfg.TracingSampleRate)
	}

	return cfg, nil
}

// StreamURL returns the public URL for a channel's audio stream.
func (c *Config) StreamURL(channelID int) string {
	base := c.BaseURL
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", c.HTTPBind, c.HTTPPort)
	}
	return fmt.Sprintf("%s/channel_stream/%d", strings.TrimRight(base, "/"), channelID)
}

func secondsEnv(key string, def int) time.Duration {
	return time.Duration(getEnvIntAny([]string{key}, def)) * time.Second
}

func secondsFloatEnv(key string, def float64) time.Duration {
	return time.Duration(getEnvFloatAny([]string{key}, def) * float64(time.Second))
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseBool(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
