/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/events"
)

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Publishes stop hitting Redis after this many consecutive failures.
	MaxFailures int
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = 2
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	return c
}

// RedisPublisher forwards events over Redis pub/sub channels, one per
// event type. A circuit breaker silences publishing after repeated
// failures; events are then dropped, matching the fire-and-forget
// contract.
type RedisPublisher struct {
	client *redis.Client
	nodeID string
	logger zerolog.Logger

	mu        sync.Mutex
	failCount int
	maxFails  int
	tripped   bool
	lastCheck time.Time
}

// NewRedisPublisher connects and verifies the server with a ping.
func NewRedisPublisher(cfg RedisConfig, nodeID string, logger zerolog.Logger) (*RedisPublisher, error) {
	cfg = cfg.withDefaults()
	log := logger.With().Str("component", "eventbus_redis").Logger()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}

	log.Info().Str("addr", cfg.Addr).Msg("redis event bus connected")
	return &RedisPublisher{
		client:   client,
		nodeID:   nodeID,
		logger:   log,
		maxFails: cfg.MaxFailures,
	}, nil
}

// Publish sends the event on channel "sonorium.events.<type>".
func (p *RedisPublisher) Publish(eventType events.EventType, payload events.Payload) error {
	if p.circuitOpen() {
		return nil
	}

	data, err := marshalEnvelope(eventType, payload, p.nodeID)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, "sonorium.events."+string(eventType), data).Err(); err != nil {
		p.recordFailure()
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	p.mu.Lock()
	p.failCount = 0
	p.mu.Unlock()
	return nil
}

// Close releases the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisPublisher) circuitOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.tripped {
		return false
	}
	// Probe again every 30 seconds.
	if time.Since(p.lastCheck) < 30*time.Second {
		return true
	}
	p.lastCheck = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.client.Ping(ctx).Err(); err != nil {
		return true
	}
	p.tripped = false
	p.failCount = 0
	p.logger.Info().Msg("redis recovered, resuming event publishing")
	return false
}

func (p *RedisPublisher) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failCount++
	if p.failCount >= p.maxFails && !p.tripped {
		p.tripped = true
		p.lastCheck = time.Now()
		p.logger.Warn().Int("failures", p.failCount).Msg("redis failure threshold reached, dropping events")
	}
}
