// Package di assembles the cart service runtime from configuration.
package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/cart/internal/clients/catalog"
	"github.com/hanko-field/cart/internal/clients/inventory"
	"github.com/hanko-field/cart/internal/handlers"
	"github.com/hanko-field/cart/internal/platform/auth"
	"github.com/hanko-field/cart/internal/platform/cachekey"
	"github.com/hanko-field/cart/internal/platform/config"
	"github.com/hanko-field/cart/internal/platform/idempotency"
	"github.com/hanko-field/cart/internal/platform/messaging"
	"github.com/hanko-field/cart/internal/platform/observability"
	predis "github.com/hanko-field/cart/internal/platform/redis"
	"github.com/hanko-field/cart/internal/platform/retry"
	"github.com/hanko-field/cart/internal/repositories"
	rediscart "github.com/hanko-field/cart/internal/repositories/redis"
	"github.com/hanko-field/cart/internal/rpcserver"
	"github.com/hanko-field/cart/internal/services"
)

const (
	connectTimeout      = 10 * time.Second
	redisHealthTimeout  = time.Second
	remoteHealthTimeout = 1500 * time.Millisecond
)

// Container owns every long-lived dependency of the process.
type Container struct {
	Config        config.Config
	Logger        *zap.Logger
	Metrics       *observability.Metrics
	Redis         *predis.Provider
	Catalog       *catalog.Client
	Inventory     *inventory.Client
	Events        messaging.Publisher
	Carts         services.CartService
	System        services.SystemService
	Scheduler     *services.CartExpirationScheduler
	Authenticator *auth.Authenticator
	RateLimiter   handlers.RateLimiter
	Idempotency   func(http.Handler) http.Handler
	RPC           *rpcserver.Server

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// NewContainer connects Redis, the catalog and inventory channels and the event backend, then builds
// the services on top. Anything opened before a failure is closed again.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger, build services.BuildInfo) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}
	built := false
	defer func() {
		if !built {
			closeCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			defer cancel()
			_ = c.Close(closeCtx)
		}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	c.Redis = predis.NewProvider(cfg.Redis)
	c.track("redis", c.Redis.Close)
	if err := c.Redis.Connect(connectCtx); err != nil {
		return nil, err
	}
	client, err := c.Redis.Client()
	if err != nil {
		return nil, err
	}
	logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr), zap.Int("db", cfg.Redis.DB))

	store, err := rediscart.NewCartStore(client, rediscart.Options{
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Cart.TTL(),
		Deriver:   cachekey.New(cfg.Cart.CacheBuckets),
		Clock:     time.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("build cart store: %w", err)
	}

	events := observability.EventLogger(logger.Named("cart"))

	c.Catalog, err = catalog.NewClient(catalog.Config{
		Addr:        cfg.Catalog.Addr,
		Timeout:     cfg.Catalog.Timeout,
		Retry:       retryPolicy(cfg.Catalog),
		DialOptions: []grpc.DialOption{grpc.WithUnaryInterceptor(observability.UnaryClientInterceptor("catalog", c.Metrics))},
		Logger:      events,
	})
	if err != nil {
		return nil, err
	}
	c.track("catalog", func(context.Context) error { return c.Catalog.Close() })
	if err := c.Catalog.Connect(connectCtx); err != nil {
		return nil, err
	}

	c.Inventory, err = inventory.NewClient(inventory.Config{
		Addr:        cfg.Inventory.Addr,
		Timeout:     cfg.Inventory.Timeout,
		Retry:       retryPolicy(cfg.Inventory),
		DialOptions: []grpc.DialOption{grpc.WithUnaryInterceptor(observability.UnaryClientInterceptor("inventory", c.Metrics))},
		Logger:      events,
	})
	if err != nil {
		return nil, err
	}
	c.track("inventory", func(context.Context) error { return c.Inventory.Close() })
	if err := c.Inventory.Connect(connectCtx); err != nil {
		return nil, err
	}

	if err := c.buildPublisher(ctx, cfg.Events); err != nil {
		return nil, err
	}

	c.Carts, err = services.NewCartService(services.CartServiceDeps{
		Store:        store,
		Reservations: store,
		Catalog:      c.Catalog,
		Inventory:    c.Inventory,
		Events:       c.Events,
		Limits: services.CartLimits{
			MaxItems:           cfg.Cart.MaxItems,
			MaxQuantityPerItem: cfg.Cart.MaxQuantityPerItem,
			MinOrderAmount:     cfg.Cart.MinOrderAmount,
			ReservationTimeout: cfg.Cart.ReservationTimeout,
		},
		Pricing: services.PricingSettings{
			Currency:                cfg.Pricing.Currency,
			DecimalPlaces:           cfg.Pricing.DecimalPlaces,
			TaxRate:                 cfg.Pricing.TaxRate,
			ShippingCost:            cfg.Pricing.ShippingCost,
			FreeShippingThreshold:   cfg.Pricing.FreeShippingThreshold,
			BulkDiscountMinQuantity: cfg.Pricing.BulkDiscountMinQuantity,
			BulkDiscountRate:        cfg.Pricing.BulkDiscountRate,
			Locale:                  cfg.Pricing.Locale,
		},
		Clock:  time.Now,
		Logger: events,
	})
	if err != nil {
		return nil, fmt.Errorf("build cart service: %w", err)
	}

	if cfg.Expiration.Enabled {
		c.Scheduler, err = services.NewCartExpirationScheduler(services.CartExpirationSchedulerDeps{
			Store:           store,
			Scanner:         store,
			Catalog:         c.Catalog,
			Events:          c.Events,
			Interval:        cfg.Expiration.CheckInterval,
			WarningDays:     cfg.Expiration.WarningDays,
			NotificationTTL: cfg.Expiration.NotificationTTL,
			Currency:        cfg.Pricing.Currency,
			DecimalPlaces:   int32(cfg.Pricing.DecimalPlaces),
			Clock:           time.Now,
			Logger:          observability.EventLogger(logger.Named("expiration")),
		})
		if err != nil {
			return nil, fmt.Errorf("build expiration scheduler: %w", err)
		}
	}

	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "redis", Timeout: redisHealthTimeout, Check: c.Redis.Ping},
		{Name: "catalog", Timeout: remoteHealthTimeout, Optional: true, Check: c.Catalog.Ping},
		{Name: "inventory", Timeout: remoteHealthTimeout, Optional: true, Check: c.Inventory.Ping},
		{Name: "events", Timeout: remoteHealthTimeout, Optional: true, Check: c.Events.Ping},
	})
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	c.System, err = services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: health,
		Clock:            time.Now,
		Build:            build,
	})
	if err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}

	c.Authenticator, err = auth.NewAuthenticator(cfg.Security.JWTSecret,
		auth.WithIssuer(cfg.Security.JWTIssuer),
		auth.WithAudience(cfg.Security.JWTAudience),
	)
	if err != nil {
		return nil, fmt.Errorf("build authenticator: %w", err)
	}

	if cfg.RateLimit.Enabled {
		c.RateLimiter = handlers.NewRedisRateLimiter(client, cfg.Redis.KeyPrefix, cfg.RateLimit.Requests, cfg.RateLimit.Window, time.Now)
	}

	if cfg.Idempotency.Enabled {
		replays, err := idempotency.NewRedisStore(client, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("build idempotency store: %w", err)
		}
		c.Idempotency = idempotency.Middleware(replays, idempotency.WithTTL(cfg.Idempotency.TTL))
	}

	c.RPC, err = rpcserver.New(c.Carts)
	if err != nil {
		return nil, err
	}
	built = true
	return c, nil
}

func (c *Container) buildPublisher(ctx context.Context, cfg config.EventsConfig) error {
	logger := c.Logger.Named("events")
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case config.EventsBackendKafka:
		publisher, err := messaging.NewKafkaPublisher(messaging.KafkaConfig{
			Brokers:             cfg.Kafka.Brokers,
			ClientID:            cfg.Kafka.ClientID,
			CartExpirationTopic: cfg.Kafka.CartExpirationTopic,
			CartItemAddedTopic:  cfg.Kafka.CartItemAddedTopic,
			Logger:              logger,
		})
		if err != nil {
			return err
		}
		c.Events = publisher
	case config.EventsBackendPubSub:
		opts := []option.ClientOption{}
		if host := strings.TrimSpace(cfg.PubSub.EmulatorHost); host != "" {
			opts = append(opts,
				option.WithEndpoint(host),
				option.WithoutAuthentication(),
				option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		}
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, opts...)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		c.track("pubsub", func(context.Context) error { return client.Close() })
		publisher, err := messaging.NewPubSubPublisher(client.Topic(cfg.PubSub.Topic))
		if err != nil {
			return err
		}
		c.Events = publisher
	default:
		c.Events = messaging.NewNoopPublisher(logger)
	}
	c.track("events", func(context.Context) error { return c.Events.Close() })
	logger.Info("event publisher configured", zap.String("backend", cfg.Backend))
	return nil
}

func (c *Container) track(name string, fn func(context.Context) error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}

// Close stops the scheduler and releases resources in reverse order of acquisition.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		closer := c.closers[i]
		if err := closer.close(ctx); err != nil {
			c.Logger.Warn("close failed", zap.String("resource", closer.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", closer.name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func retryPolicy(cfg config.UpstreamConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   cfg.RetryDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
}
