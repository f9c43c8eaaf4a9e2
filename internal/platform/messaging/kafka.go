package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	domain "github.com/hanko-field/cart/internal/domain"
	"github.com/hanko-field/cart/internal/platform/observability"
)

const (
	defaultKafkaBatchTimeout = 10 * time.Millisecond
	defaultKafkaWriteTimeout = 10 * time.Second
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers             []string
	ClientID            string
	CartExpirationTopic string
	CartItemAddedTopic  string
	BatchTimeout        time.Duration
	WriteTimeout        time.Duration
	Logger              *zap.Logger
	Clock               func() time.Time
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes cart events to one topic per event type, keyed by user and cart.
type KafkaPublisher struct {
	brokers    []string
	clientID   string
	expiration messageWriter
	itemAdded  messageWriter
	logger     *zap.Logger
	now        func() time.Time
	marshal    func(any) ([]byte, error)
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher builds synchronous writers using hash partitioning on the message key.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: at least one broker is required")
	}
	if strings.TrimSpace(cfg.CartExpirationTopic) == "" {
		return nil, errors.New("kafka publisher: cart expiration topic is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultKafkaBatchTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultKafkaWriteTimeout
	}

	transport := &kafka.Transport{ClientID: cfg.ClientID}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: batchTimeout,
			WriteTimeout: writeTimeout,
			Transport:    transport,
			Logger:       observability.NewPrintfAdapter(logger, zapcore.DebugLevel),
			ErrorLogger:  observability.NewPrintfAdapter(logger, zapcore.ErrorLevel),
		}
	}

	p := newKafkaPublisher(newWriter(cfg.CartExpirationTopic), nil, logger, cfg.Clock)
	if topic := strings.TrimSpace(cfg.CartItemAddedTopic); topic != "" {
		p.itemAdded = newWriter(topic)
	}
	p.brokers = brokers
	p.clientID = cfg.ClientID
	return p, nil
}

func newKafkaPublisher(expiration, itemAdded messageWriter, logger *zap.Logger, clock func() time.Time) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &KafkaPublisher{
		expiration: expiration,
		itemAdded:  itemAdded,
		logger:     logger,
		now:        clock,
		marshal:    json.Marshal,
	}
}

func (p *KafkaPublisher) PublishCartExpiration(ctx context.Context, event domain.CartExpirationEvent) error {
	if err := p.write(ctx, p.expiration, messageKey(event.UserID, event.CartID), event, expirationHeaders(event)); err != nil {
		p.logger.Error("failed to send cart expiration event",
			zap.String("userId", event.UserID),
			zap.String("eventId", event.EventID),
			zap.Error(err),
		)
		return fmt.Errorf("publish cart expiration: %w", err)
	}
	p.logger.Info("cart expiration event sent",
		zap.String("userId", event.UserID),
		zap.Int("daysUntilExpiration", event.DaysUntilExpiration),
		zap.String("eventId", event.EventID),
	)
	return nil
}

// PublishCartItemAdded is a no-op when no item added topic is configured.
func (p *KafkaPublisher) PublishCartItemAdded(ctx context.Context, event domain.CartItemAddedEvent) error {
	if p.itemAdded == nil {
		return nil
	}
	if err := p.write(ctx, p.itemAdded, messageKey(event.UserID, event.CartID), event, itemAddedHeaders(event)); err != nil {
		return fmt.Errorf("publish cart item added: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) write(ctx context.Context, w messageWriter, key string, payload any, headers map[string]string) error {
	if p == nil || w == nil {
		return errors.New("kafka publisher: not initialised")
	}
	data, err := p.marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: kafkaHeaders(headers),
		Time:    p.now().UTC(),
	})
}

// Ping dials the first reachable broker.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	dialer := &kafka.Dialer{ClientID: p.clientID}
	var errs []error
	for _, broker := range p.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return conn.Close()
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("kafka publisher: no broker reachable: %w", errors.Join(errs...))
}

func (p *KafkaPublisher) Close() error {
	var errs []error
	for _, w := range []messageWriter{p.expiration, p.itemAdded} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func kafkaHeaders(values map[string]string) []kafka.Header {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(values[k])})
	}
	return headers
}
