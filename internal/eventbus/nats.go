/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/sonorium/internal/events"
)

const natsSubjectPrefix = "sonorium.events."

// NATSPublisher forwards events to NATS subjects, one per event type.
type NATSPublisher struct {
	conn   *nats.Conn
	nodeID string
	logger zerolog.Logger
}

// NewNATSPublisher connects to the NATS server with unlimited reconnects.
func NewNATSPublisher(url, nodeID string, logger zerolog.Logger) (*NATSPublisher, error) {
	log := logger.With().Str("component", "eventbus_nats").Logger()

	conn, err := nats.Connect(url,
		nats.Name("sonorium"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	log.Info().Str("url", url).Msg("nats event bus connected")
	return &NATSPublisher{conn: conn, nodeID: nodeID, logger: log}, nil
}

// Publish sends the event on subject "sonorium.events.<type>".
func (p *NATSPublisher) Publish(eventType events.EventType, payload events.Payload) error {
	data, err := marshalEnvelope(eventType, payload, p.nodeID)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(natsSubjectPrefix+string(eventType), data); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// Close drains in-flight publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
