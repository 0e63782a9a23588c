// Package events publishes room-lifecycle events to NATS for external
// consumers (dashboards, audit pipelines). The relay only publishes; nothing
// it does depends on a subscriber being present, and a NATS outage never
// affects relay behavior.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/veilroom/relay/internal/room"
)

// SubjectPrefix is prepended to every event type to form the NATS subject,
// e.g. "veilroom.events.room.created".
const SubjectPrefix = "veilroom.events."

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "veilroom-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Publisher implements room.EventSink on top of a NATS connection.
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher connects to NATS with the given config and returns a ready
// publisher. It returns an error if the initial connection fails.
func NewPublisher(config Config) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Publisher{conn: nc}, nil
}

// Publish sends a lifecycle event on its type-derived subject. Publish is
// fire-and-forget: marshal or transport errors are logged and dropped so the
// relay's operation paths never block on the event bus.
func (p *Publisher) Publish(ev room.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[nats] marshal event %s: %v", ev.Type, err)
		return
	}
	if err := p.conn.Publish(SubjectPrefix+ev.Type, data); err != nil {
		log.Printf("[nats] publish %s: %v", ev.Type, err)
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] publisher closed")
}
