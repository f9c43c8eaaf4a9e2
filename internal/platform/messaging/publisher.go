// Package messaging publishes cart domain events to Kafka or Google Pub/Sub.
package messaging

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	domain "github.com/hanko-field/cart/internal/domain"
)

// Header and attribute names shared by every backend.
const (
	HeaderEventType           = "event-type"
	HeaderUserID              = "user-id"
	HeaderDaysUntilExpiration = "days-until-expiration"
)

// Publisher delivers cart events to a broker.
type Publisher interface {
	PublishCartExpiration(ctx context.Context, event domain.CartExpirationEvent) error
	PublishCartItemAdded(ctx context.Context, event domain.CartItemAddedEvent) error
	// Ping reports whether the broker is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// NoopPublisher drops every event. It backs the "none" events backend.
type NoopPublisher struct {
	logger *zap.Logger
}

var _ Publisher = (*NoopPublisher)(nil)

// NewNoopPublisher returns a publisher that only logs at debug level.
func NewNoopPublisher(logger *zap.Logger) *NoopPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoopPublisher{logger: logger}
}

func (p *NoopPublisher) PublishCartExpiration(_ context.Context, event domain.CartExpirationEvent) error {
	p.logger.Debug("cart expiration event dropped", zap.String("eventId", event.EventID), zap.String("userId", event.UserID))
	return nil
}

func (p *NoopPublisher) PublishCartItemAdded(_ context.Context, event domain.CartItemAddedEvent) error {
	p.logger.Debug("cart item added event dropped", zap.String("eventId", event.EventID), zap.String("userId", event.UserID))
	return nil
}

func (p *NoopPublisher) Ping(context.Context) error { return nil }

func (p *NoopPublisher) Close() error { return nil }

func messageKey(userID, cartID string) string {
	return userID + ":" + cartID
}

func expirationHeaders(event domain.CartExpirationEvent) map[string]string {
	headers := map[string]string{HeaderEventType: domain.EventTypeCartExpirationReminder}
	setAttr(headers, HeaderUserID, event.UserID)
	headers[HeaderDaysUntilExpiration] = strconv.Itoa(event.DaysUntilExpiration)
	return headers
}

func itemAddedHeaders(event domain.CartItemAddedEvent) map[string]string {
	headers := map[string]string{HeaderEventType: domain.EventTypeCartItemAdded}
	setAttr(headers, HeaderUserID, event.UserID)
	return headers
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
