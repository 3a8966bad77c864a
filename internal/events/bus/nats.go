package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/browserdeck/browserdeck/internal/common/logger"
)

// NATSEventBus is an EventBus backed by a NATS server, for deployments where
// other processes (UIs, sync pipelines) consume agent events.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// Ensure NATSEventBus implements EventBus
var _ EventBus = (*NATSEventBus)(nil)

// NewNATSEventBus connects to the NATS server at the given URL
func NewNATSEventBus(url string, log *logger.Logger) (*NATSEventBus, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	return &NATSEventBus{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "nats-event-bus")),
	}, nil
}

// Publish marshals the event as JSON and publishes it on the subject
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish event on %s: %w", subject, err)
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Subscribe registers a handler for a subject; NATS wildcard syntax applies
func (b *NATSEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Warn("dropping malformed event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		handler(&event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains and closes the connection
func (b *NATSEventBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
