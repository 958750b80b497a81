package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/tas-logistics/api/internal/services"
)

// packageEventMessage is the wire format consumed by downstream subscribers.
type packageEventMessage struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	TrackingNumber string    `json:"trackingNumber"`
	CustomerID     string    `json:"customerId,omitempty"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// PubSubPackageEventPublisher publishes package lifecycle events to a Pub/Sub topic.
type PubSubPackageEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.PackageEventPublisher = (*PubSubPackageEventPublisher)(nil)

// NewPubSubPackageEventPublisher constructs a Pub/Sub backed package event publisher.
// When the topic has message ordering enabled, events for one package are ordered by
// tracking number.
func NewPubSubPackageEventPublisher(topic *pubsub.Topic) (*PubSubPackageEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub package event publisher: topic is required")
	}
	return &PubSubPackageEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishPackageEvent sends the event and waits for the server acknowledgement.
func (p *PubSubPackageEventPublisher) PublishPackageEvent(ctx context.Context, event services.PackageEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub package event publisher: not initialised")
	}
	if strings.TrimSpace(event.Type) == "" || strings.TrimSpace(event.TrackingNumber) == "" {
		return errors.New("pubsub package event publisher: event type and tracking number are required")
	}

	data, err := p.marshal(packageEventMessage{
		ID:             event.ID,
		Type:           event.Type,
		TrackingNumber: event.TrackingNumber,
		CustomerID:     event.CustomerID,
		Status:         string(event.Status),
		PreviousStatus: string(event.PreviousStatus),
		OccurredAt:     event.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal package event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.ID)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "trackingNumber", event.TrackingNumber)
	setAttr(attrs, "customerId", event.CustomerID)
	setAttr(attrs, "status", string(event.Status))

	msg := &pubsub.Message{Data: data, Attributes: attrs}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = event.TrackingNumber
	}

	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return fmt.Errorf("publish package event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

// Ping reports whether the topic exists. Used as a non-critical readiness probe.
func (p *PubSubPackageEventPublisher) Ping(ctx context.Context) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub package event publisher: not initialised")
	}
	ok, err := p.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check topic %s: %w", p.topic.ID(), err)
	}
	if !ok {
		return fmt.Errorf("topic %s not found", p.topic.ID())
	}
	return nil
}
