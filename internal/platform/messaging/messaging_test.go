package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	domain "github.com/hanko-field/cart/internal/domain"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

var sentAt = time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)

func expirationEvent() domain.CartExpirationEvent {
	return domain.CartExpirationEvent{
		EventID:             "evt-1",
		UserID:              "user-1",
		CartID:              domain.CartIDForUser("user-1"),
		ExpiresAt:           sentAt.Add(48 * time.Hour),
		DaysUntilExpiration: 2,
		ItemCount:           1,
		TotalValue:          decimal.RequireFromString("19.98"),
		Currency:            "USD",
		Items: []domain.CartExpirationEventItem{
			{ProductID: "sku-1", ProductName: "Mug", Quantity: 2, Price: decimal.RequireFromString("9.99")},
		},
		Timestamp: sentAt,
	}
}

func headerMap(msg kafka.Message) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func TestKafkaPublisherWritesExpirationEvent(t *testing.T) {
	expiration := &recordingWriter{}
	publisher := newKafkaPublisher(expiration, nil, nil, func() time.Time { return sentAt })

	require.NoError(t, publisher.PublishCartExpiration(context.Background(), expirationEvent()))
	require.Len(t, expiration.messages, 1)

	msg := expiration.messages[0]
	assert.Equal(t, "user-1:cart_user-1", string(msg.Key))
	assert.Equal(t, sentAt, msg.Time)
	assert.Equal(t, map[string]string{
		HeaderEventType:           domain.EventTypeCartExpirationReminder,
		HeaderUserID:              "user-1",
		HeaderDaysUntilExpiration: "2",
	}, headerMap(msg))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &payload))
	assert.Equal(t, "evt-1", payload["eventId"])
	assert.Equal(t, "19.98", payload["totalValue"])
	assert.EqualValues(t, 2, payload["daysUntilExpiration"])
}

func TestKafkaPublisherItemAddedTopicIsOptional(t *testing.T) {
	publisher := newKafkaPublisher(&recordingWriter{}, nil, nil, nil)
	require.NoError(t, publisher.PublishCartItemAdded(context.Background(), domain.CartItemAddedEvent{UserID: "u"}))

	itemAdded := &recordingWriter{}
	publisher = newKafkaPublisher(&recordingWriter{}, itemAdded, nil, nil)
	event := domain.CartItemAddedEvent{EventID: "evt-2", UserID: "u", CartID: "cart_u", ProductID: "sku-1", Quantity: 1}
	require.NoError(t, publisher.PublishCartItemAdded(context.Background(), event))
	require.Len(t, itemAdded.messages, 1)
	assert.Equal(t, domain.EventTypeCartItemAdded, headerMap(itemAdded.messages[0])[HeaderEventType])
}

func TestKafkaPublisherWrapsWriteErrors(t *testing.T) {
	boom := errors.New("leader not available")
	publisher := newKafkaPublisher(&recordingWriter{err: boom}, nil, nil, nil)

	err := publisher.PublishCartExpiration(context.Background(), expirationEvent())
	require.ErrorIs(t, err, boom)
}

func TestKafkaPublisherCloseClosesWriters(t *testing.T) {
	expiration, itemAdded := &recordingWriter{}, &recordingWriter{}
	publisher := newKafkaPublisher(expiration, itemAdded, nil, nil)

	require.NoError(t, publisher.Close())
	assert.True(t, expiration.closed)
	assert.True(t, itemAdded.closed)
}

func TestNewKafkaPublisherValidatesConfig(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" "}, CartExpirationTopic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	publisher, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, CartExpirationTopic: "cart.expiration.reminder"})
	require.NoError(t, err)
	assert.Nil(t, publisher.itemAdded)
	require.NoError(t, publisher.Close())
}

func TestPubSubPublisherPublishesEvents(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "cart-events")
	require.NoError(t, err)

	publisher, err := NewPubSubPublisher(topic)
	require.NoError(t, err)
	require.NoError(t, publisher.Ping(ctx))

	require.NoError(t, publisher.PublishCartExpiration(ctx, expirationEvent()))
	require.NoError(t, publisher.PublishCartItemAdded(ctx, domain.CartItemAddedEvent{
		EventID:   "evt-2",
		UserID:    "user-1",
		CartID:    "cart_user-1",
		ProductID: "sku-1",
		Quantity:  3,
	}))

	messages := srv.Messages()
	require.Len(t, messages, 2)

	var expiring domain.CartExpirationEvent
	require.NoError(t, json.Unmarshal(messages[0].Data, &expiring))
	assert.Equal(t, "evt-1", expiring.EventID)
	assert.Equal(t, domain.EventTypeCartExpirationReminder, messages[0].Attributes[HeaderEventType])
	assert.Equal(t, "2", messages[0].Attributes[HeaderDaysUntilExpiration])
	assert.Equal(t, "cart_user-1", messages[0].Attributes["cartId"])

	assert.Equal(t, domain.EventTypeCartItemAdded, messages[1].Attributes[HeaderEventType])
	assert.Equal(t, "3", messages[1].Attributes["quantity"])
	assert.NotContains(t, messages[1].Attributes, HeaderDaysUntilExpiration)

	require.NoError(t, publisher.Close())
}

func TestNoopPublisher(t *testing.T) {
	publisher := NewNoopPublisher(nil)
	assert.NoError(t, publisher.PublishCartExpiration(context.Background(), expirationEvent()))
	assert.NoError(t, publisher.PublishCartItemAdded(context.Background(), domain.CartItemAddedEvent{}))
	assert.NoError(t, publisher.Ping(context.Background()))
	assert.NoError(t, publisher.Close())
}
