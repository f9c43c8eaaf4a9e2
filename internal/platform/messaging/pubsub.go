package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	domain "github.com/hanko-field/cart/internal/domain"
)

// PubSubPublisher publishes every cart event to a single Pub/Sub topic, distinguished by the
// event-type attribute.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ Publisher = (*PubSubPublisher)(nil)

// NewPubSubPublisher constructs a Pub/Sub backed cart event publisher.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &PubSubPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

func (p *PubSubPublisher) PublishCartExpiration(ctx context.Context, event domain.CartExpirationEvent) error {
	attrs := expirationHeaders(event)
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "cartId", event.CartID)
	if _, err := p.publish(ctx, event, attrs); err != nil {
		return fmt.Errorf("publish cart expiration: %w", err)
	}
	return nil
}

func (p *PubSubPublisher) PublishCartItemAdded(ctx context.Context, event domain.CartItemAddedEvent) error {
	attrs := itemAddedHeaders(event)
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "cartId", event.CartID)
	setAttr(attrs, "productId", event.ProductID)
	attrs["quantity"] = strconv.Itoa(event.Quantity)
	if _, err := p.publish(ctx, event, attrs); err != nil {
		return fmt.Errorf("publish cart item added: %w", err)
	}
	return nil
}

func (p *PubSubPublisher) publish(ctx context.Context, payload any, attrs map[string]string) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub publisher: not initialised")
	}
	data, err := p.marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	return result.Get(ctx)
}

// Ping verifies the topic exists.
func (p *PubSubPublisher) Ping(ctx context.Context) error {
	ok, err := p.topic.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pubsub publisher: topic %s does not exist", p.topic.ID())
	}
	return nil
}

// Close flushes pending messages. The owning client is closed by the caller.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return nil
}
