package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile            = ".env"
	defaultPort               = "8002"
	defaultGRPCPort           = "50055"
	defaultBasePath           = "/api/v1"
	defaultEnvironment        = "local"
	defaultReadTimeout        = 15 * time.Second
	defaultWriteTimeout       = 30 * time.Second
	defaultIdleTimeout        = 120 * time.Second
	defaultShutdownTimeout    = 15 * time.Second
	defaultRedisAddr          = "localhost:6380"
	defaultRedisKeyPrefix     = "ecommerce:"
	defaultRedisPoolSize      = 20
	defaultRedisDialTimeout   = 5 * time.Second
	defaultCatalogAddr        = "localhost:50053"
	defaultInventoryAddr      = "localhost:50054"
	defaultCatalogTimeout     = 10 * time.Second
	defaultInventoryTimeout   = 15 * time.Second
	defaultRetryAttempts      = 3
	defaultRetryDelay         = time.Second
	defaultRetryMaxDelay      = 5 * time.Second
	defaultMaxItems           = 100
	defaultMaxQuantity        = 10
	defaultMinOrderAmount     = "10.00"
	defaultReservationTimeout = 15 * time.Minute
	defaultExpirationDays     = 30
	defaultCacheBuckets       = 10
	defaultCurrency           = "VND"
	defaultDecimalPlaces      = 2
	defaultTaxRate            = "0.1"
	defaultShippingCost       = "10"
	defaultFreeShipping       = "100"
	defaultBulkMinQuantity    = 10
	defaultBulkDiscountRate   = "0.05"
	defaultLocale             = "vi-VN"
	defaultJWTIssuer          = "ecommerce-api"
	defaultJWTAudience        = "ecommerce-clients"
	defaultEventsBackend      = EventsBackendNone
	defaultKafkaClientID      = "cart-service"
	defaultExpirationTopic    = "cart.expiration.reminder"
	defaultItemAddedTopic     = "cart.item.added"
	defaultWarningDays        = 7
	defaultCheckInterval      = 24 * time.Hour
	defaultNotificationTTL    = 24 * time.Hour
	defaultRateLimitRequests  = 30
	defaultRateLimitWindow    = time.Minute
	defaultIdempotencyTTL     = 24 * time.Hour
	minJWTSecretLength        = 32
	maxDecimalPlaces          = 8
)

// Event backends understood by EventsConfig.Backend.
const (
	EventsBackendNone   = "none"
	EventsBackendKafka  = "kafka"
	EventsBackendPubSub = "pubsub"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Catalog     UpstreamConfig
	Inventory   UpstreamConfig
	Cart        CartConfig
	Pricing     PricingConfig
	Security    SecurityConfig
	Events      EventsConfig
	Expiration  ExpirationConfig
	RateLimit   RateLimitConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures the HTTP and gRPC listeners.
type ServerConfig struct {
	Port            string
	GRPCPort        string
	BasePath        string
	Environment     string
	ProjectID       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig stores cart store connection parameters.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	KeyPrefix   string
}

// UpstreamConfig describes an outbound gRPC dependency.
type UpstreamConfig struct {
	Addr          string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// CartConfig holds the business limits applied to carts.
type CartConfig struct {
	MaxItems           int
	MaxQuantityPerItem int
	MinOrderAmount     decimal.Decimal
	ReservationTimeout time.Duration
	ExpirationDays     int
	CacheBuckets       int
}

// TTL returns the sliding cart lifetime.
func (c CartConfig) TTL() time.Duration {
	return time.Duration(c.ExpirationDays) * 24 * time.Hour
}

// PricingConfig controls money rounding and the informational estimate.
type PricingConfig struct {
	Currency                string
	DecimalPlaces           int
	TaxRate                 decimal.Decimal
	ShippingCost            decimal.Decimal
	FreeShippingThreshold   decimal.Decimal
	BulkDiscountMinQuantity int
	BulkDiscountRate        decimal.Decimal
	Locale                  string
}

// SecurityConfig configures bearer token verification.
type SecurityConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

// EventsConfig selects and configures the cart event publisher.
type EventsConfig struct {
	Backend string
	Kafka   KafkaConfig
	PubSub  PubSubConfig
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers             []string
	ClientID            string
	CartExpirationTopic string
	CartItemAddedTopic  string
}

// PubSubConfig configures the Pub/Sub publisher.
type PubSubConfig struct {
	ProjectID    string
	Topic        string
	EmulatorHost string
}

// ExpirationConfig controls the cart expiration reminder scheduler.
type ExpirationConfig struct {
	Enabled         bool
	WarningDays     int
	CheckInterval   time.Duration
	NotificationTTL time.Duration
}

// RateLimitConfig bounds authenticated cart requests per user and window.
type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
}

// IdempotencyConfig controls replay of mutating cart requests carrying an Idempotency-Key header.
type IdempotencyConfig struct {
	Enabled bool
	TTL     time.Duration
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load assembles the configuration from defaults, .env overrides and environment variables.
func Load(_ context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	var invalid []string
	money := func(key, fallback string) decimal.Decimal {
		value, err := decimalWithDefault(lookup, key, fallback)
		if err != nil {
			invalid = append(invalid, key)
		}
		return value
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "CART_SERVER_PORT", defaultPort),
			GRPCPort:        stringWithDefault(lookup, "CART_SERVER_GRPC_PORT", defaultGRPCPort),
			BasePath:        stringWithDefault(lookup, "CART_SERVER_BASE_PATH", defaultBasePath),
			Environment:     strings.ToLower(stringWithDefault(lookup, "CART_SERVER_ENVIRONMENT", defaultEnvironment)),
			ProjectID:       stringWithDefault(lookup, "CART_SERVER_PROJECT_ID", ""),
			ReadTimeout:     durationWithDefault(lookup, "CART_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "CART_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "CART_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "CART_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Redis: RedisConfig{
			Addr:        stringWithDefault(lookup, "CART_REDIS_ADDR", defaultRedisAddr),
			Password:    stringWithDefault(lookup, "CART_REDIS_PASSWORD", ""),
			DB:          intWithDefault(lookup, "CART_REDIS_DB", 0),
			PoolSize:    intWithDefault(lookup, "CART_REDIS_POOL_SIZE", defaultRedisPoolSize),
			DialTimeout: durationWithDefault(lookup, "CART_REDIS_DIAL_TIMEOUT", defaultRedisDialTimeout),
			KeyPrefix:   stringWithDefault(lookup, "CART_REDIS_KEY_PREFIX", defaultRedisKeyPrefix),
		},
		Catalog:   upstreamConfig(lookup, "CART_CATALOG", defaultCatalogAddr, defaultCatalogTimeout),
		Inventory: upstreamConfig(lookup, "CART_INVENTORY", defaultInventoryAddr, defaultInventoryTimeout),
		Cart: CartConfig{
			MaxItems:           intWithDefault(lookup, "CART_MAX_ITEMS", defaultMaxItems),
			MaxQuantityPerItem: intWithDefault(lookup, "CART_MAX_QUANTITY_PER_ITEM", defaultMaxQuantity),
			MinOrderAmount:     money("CART_MIN_ORDER_AMOUNT", defaultMinOrderAmount),
			ReservationTimeout: durationWithDefault(lookup, "CART_RESERVATION_TIMEOUT", defaultReservationTimeout),
			ExpirationDays:     intWithDefault(lookup, "CART_EXPIRATION_DAYS", defaultExpirationDays),
			CacheBuckets:       intWithDefault(lookup, "CART_CACHE_BUCKETS", defaultCacheBuckets),
		},
		Pricing: PricingConfig{
			Currency:                strings.ToUpper(stringWithDefault(lookup, "CART_PRICING_CURRENCY", defaultCurrency)),
			DecimalPlaces:           intWithDefault(lookup, "CART_PRICING_DECIMAL_PLACES", defaultDecimalPlaces),
			TaxRate:                 money("CART_PRICING_TAX_RATE", defaultTaxRate),
			ShippingCost:            money("CART_PRICING_SHIPPING_COST", defaultShippingCost),
			FreeShippingThreshold:   money("CART_PRICING_FREE_SHIPPING_THRESHOLD", defaultFreeShipping),
			BulkDiscountMinQuantity: intWithDefault(lookup, "CART_PRICING_BULK_DISCOUNT_MIN_QUANTITY", defaultBulkMinQuantity),
			BulkDiscountRate:        money("CART_PRICING_BULK_DISCOUNT_RATE", defaultBulkDiscountRate),
			Locale:                  stringWithDefault(lookup, "CART_PRICING_LOCALE", defaultLocale),
		},
		Security: SecurityConfig{
			JWTSecret:   stringWithDefault(lookup, "CART_JWT_SECRET", ""),
			JWTIssuer:   stringWithDefault(lookup, "CART_JWT_ISSUER", defaultJWTIssuer),
			JWTAudience: stringWithDefault(lookup, "CART_JWT_AUDIENCE", defaultJWTAudience),
		},
		Events: EventsConfig{
			Backend: strings.ToLower(stringWithDefault(lookup, "CART_EVENTS_BACKEND", defaultEventsBackend)),
			Kafka: KafkaConfig{
				Brokers:             csvWithDefault(lookup, "CART_KAFKA_BROKERS"),
				ClientID:            stringWithDefault(lookup, "CART_KAFKA_CLIENT_ID", defaultKafkaClientID),
				CartExpirationTopic: stringWithDefault(lookup, "CART_KAFKA_TOPIC_CART_EXPIRATION", defaultExpirationTopic),
				CartItemAddedTopic:  stringWithDefault(lookup, "CART_KAFKA_TOPIC_CART_ITEM_ADDED", defaultItemAddedTopic),
			},
			PubSub: PubSubConfig{
				ProjectID:    stringWithDefault(lookup, "CART_PUBSUB_PROJECT_ID", ""),
				Topic:        stringWithDefault(lookup, "CART_PUBSUB_TOPIC", ""),
				EmulatorHost: stringWithDefault(lookup, "CART_PUBSUB_EMULATOR_HOST", ""),
			},
		},
		Expiration: ExpirationConfig{
			Enabled:         boolWithDefault(lookup, "CART_EXPIRATION_ENABLED", true),
			WarningDays:     intWithDefault(lookup, "CART_EXPIRATION_WARNING_DAYS", defaultWarningDays),
			CheckInterval:   durationWithDefault(lookup, "CART_EXPIRATION_CHECK_INTERVAL", defaultCheckInterval),
			NotificationTTL: durationWithDefault(lookup, "CART_EXPIRATION_NOTIFICATION_TTL", defaultNotificationTTL),
		},
		RateLimit: RateLimitConfig{
			Enabled:  boolWithDefault(lookup, "CART_RATE_LIMIT_ENABLED", true),
			Requests: intWithDefault(lookup, "CART_RATE_LIMIT_REQUESTS", defaultRateLimitRequests),
			Window:   durationWithDefault(lookup, "CART_RATE_LIMIT_WINDOW", defaultRateLimitWindow),
		},
		Idempotency: IdempotencyConfig{
			Enabled: boolWithDefault(lookup, "CART_IDEMPOTENCY_ENABLED", true),
			TTL:     durationWithDefault(lookup, "CART_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
	}

	if cfg.Server.BasePath != "" && !strings.HasPrefix(cfg.Server.BasePath, "/") {
		cfg.Server.BasePath = "/" + cfg.Server.BasePath
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func upstreamConfig(lookup func(string) (string, bool), prefix, addr string, timeout time.Duration) UpstreamConfig {
	return UpstreamConfig{
		Addr:          stringWithDefault(lookup, prefix+"_ADDR", addr),
		Timeout:       durationWithDefault(lookup, prefix+"_TIMEOUT", timeout),
		RetryAttempts: intWithDefault(lookup, prefix+"_RETRY_ATTEMPTS", defaultRetryAttempts),
		RetryDelay:    durationWithDefault(lookup, prefix+"_RETRY_DELAY", defaultRetryDelay),
		RetryMaxDelay: durationWithDefault(lookup, prefix+"_RETRY_MAX_DELAY", defaultRetryMaxDelay),
	}
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)
	require := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	require(validPort(cfg.Server.Port), "Server.Port")
	require(validPort(cfg.Server.GRPCPort), "Server.GRPCPort")
	require(cfg.Server.Port != cfg.Server.GRPCPort, "Server.GRPCPort")
	require(strings.TrimSpace(cfg.Redis.Addr) != "", "Redis.Addr")
	require(cfg.Redis.DB >= 0, "Redis.DB")
	require(strings.TrimSpace(cfg.Catalog.Addr) != "", "Catalog.Addr")
	require(cfg.Catalog.Timeout > 0, "Catalog.Timeout")
	require(cfg.Catalog.RetryAttempts > 0, "Catalog.RetryAttempts")
	require(strings.TrimSpace(cfg.Inventory.Addr) != "", "Inventory.Addr")
	require(cfg.Inventory.Timeout > 0, "Inventory.Timeout")
	require(cfg.Inventory.RetryAttempts > 0, "Inventory.RetryAttempts")
	require(cfg.Cart.MaxItems > 0, "Cart.MaxItems")
	require(cfg.Cart.MaxQuantityPerItem > 0, "Cart.MaxQuantityPerItem")
	require(!cfg.Cart.MinOrderAmount.IsNegative(), "Cart.MinOrderAmount")
	require(cfg.Cart.ReservationTimeout > 0, "Cart.ReservationTimeout")
	require(cfg.Cart.ExpirationDays > 0, "Cart.ExpirationDays")
	require(cfg.Cart.CacheBuckets > 0, "Cart.CacheBuckets")
	require(len(cfg.Pricing.Currency) == 3, "Pricing.Currency")
	require(cfg.Pricing.DecimalPlaces >= 0 && cfg.Pricing.DecimalPlaces <= maxDecimalPlaces, "Pricing.DecimalPlaces")
	require(!cfg.Pricing.TaxRate.IsNegative(), "Pricing.TaxRate")
	require(!cfg.Pricing.BulkDiscountRate.IsNegative() && cfg.Pricing.BulkDiscountRate.LessThan(decimal.NewFromInt(1)), "Pricing.BulkDiscountRate")
	require(len(cfg.Security.JWTSecret) >= minJWTSecretLength, "Security.JWTSecret")

	switch cfg.Events.Backend {
	case EventsBackendNone:
	case EventsBackendKafka:
		require(len(cfg.Events.Kafka.Brokers) > 0, "Events.Kafka.Brokers")
		require(cfg.Events.Kafka.CartExpirationTopic != "", "Events.Kafka.CartExpirationTopic")
	case EventsBackendPubSub:
		require(cfg.Events.PubSub.ProjectID != "", "Events.PubSub.ProjectID")
		require(cfg.Events.PubSub.Topic != "", "Events.PubSub.Topic")
	default:
		missing = append(missing, "Events.Backend")
	}

	if cfg.Expiration.Enabled {
		require(cfg.Expiration.WarningDays > 0, "Expiration.WarningDays")
		require(cfg.Expiration.CheckInterval > 0, "Expiration.CheckInterval")
		require(cfg.Expiration.NotificationTTL > 0, "Expiration.NotificationTTL")
	}

	if cfg.RateLimit.Enabled {
		require(cfg.RateLimit.Requests > 0, "RateLimit.Requests")
		require(cfg.RateLimit.Window >= time.Second, "RateLimit.Window")
	}

	if cfg.Idempotency.Enabled {
		require(cfg.Idempotency.TTL >= time.Minute, "Idempotency.TTL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func validPort(value string) bool {
	port, err := strconv.Atoi(strings.TrimSpace(value))
	return err == nil && port > 0 && port < 65536
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if _, err := os.Stat(absPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	values, err := godotenv.Read(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func decimalWithDefault(lookup func(string) (string, bool), key, fallback string) (decimal.Decimal, error) {
	raw := fallback
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		raw = strings.TrimSpace(value)
	}
	return decimal.NewFromString(raw)
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
