package queue

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/akshatsynkcode/polkawalletgenerator/internal/domain"
	"github.com/akshatsynkcode/polkawalletgenerator/internal/telemetry"
)

// EventSubject carries funding lifecycle events
const EventSubject = "faucet.events"

// Publisher publishes funding events
type Publisher interface {
	Publish(event domain.Event) error
}

// NopPublisher discards events; used when no NATS server is configured
type NopPublisher struct{}

// Publish implements Publisher
func (NopPublisher) Publish(domain.Event) error { return nil }

// NATSClient wraps a NATS connection for event publishing
type NATSClient struct {
	conn    *nats.Conn
	subject string
}

// NewNATSClient creates a new NATS client
func NewNATSClient(url, name string) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSClient{conn: conn, subject: EventSubject}, nil
}

// Publish serializes the event into its envelope and publishes it
func (c *NATSClient) Publish(event domain.Event) error {
	data, err := domain.SerializeEvent(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	if err := c.conn.Publish(c.subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	telemetry.NATSMessagesPublished.WithLabelValues(c.subject, event.GetType()).Inc()
	return nil
}

// Close flushes pending events and closes the connection
func (c *NATSClient) Close() {
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			slog.Warn("nats drain", "error", err)
		}
		c.conn.Close()
	}
}
