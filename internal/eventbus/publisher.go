/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus forwards speaker fan-out events to an external
// transport. Delivery is fire-and-forget: the engine never tracks whether
// a speaker integration consumed an event.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/config"
	"github.com/friendsincode/sonorium/internal/events"
)

// Publisher pushes engine events to an external bus.
type Publisher interface {
	Publish(eventType events.EventType, payload events.Payload) error
	Close() error
}

// NopPublisher is the in-memory backend: events stay on the process-local
// bus and nothing leaves the engine.
type NopPublisher struct{}

func (NopPublisher) Publish(events.EventType, events.Payload) error { return nil }
func (NopPublisher) Close() error                                   { return nil }

// New selects the backend from configuration.
func New(cfg *config.Config, nodeID string, logger zerolog.Logger) (Publisher, error) {
	switch cfg.EventBus {
	case config.EventBusMemory:
		return NopPublisher{}, nil
	case config.EventBusNATS:
		return NewNATSPublisher(cfg.NATSURL, nodeID, logger)
	case config.EventBusRedis:
		return NewRedisPublisher(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, nodeID, logger)
	default:
		return nil, fmt.Errorf("unknown event bus backend %q", cfg.EventBus)
	}
}

// envelope is the wire format shared by the NATS and Redis backends.
type envelope struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

func marshalEnvelope(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(envelope{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}
