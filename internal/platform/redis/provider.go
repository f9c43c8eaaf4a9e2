// Package redis owns the shared go-redis client and maps its failures onto repository semantics.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hanko-field/cart/internal/platform/config"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultPingTimeout = 2 * time.Second
)

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("redis: provider is closed")

// Provider holds the process-wide Redis client. go-redis dials lazily, so Connect only verifies reachability.
type Provider struct {
	cfg     config.RedisConfig
	options []func(*goredis.Options)

	mu     sync.Mutex
	client *goredis.Client
	closed bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithClientOptions mutates the go-redis options before the client is created.
func WithClientOptions(fn func(*goredis.Options)) ProviderOption {
	return func(p *Provider) {
		if fn != nil {
			p.options = append(p.options, fn)
		}
	}
}

// NewProvider constructs a Provider using the supplied configuration.
func NewProvider(cfg config.RedisConfig, opts ...ProviderOption) *Provider {
	provider := &Provider{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// Client returns the shared client, creating it on first use.
func (p *Provider) Client() (*goredis.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.client != nil {
		return p.client, nil
	}

	addr := strings.TrimSpace(p.cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis: address is required")
	}
	dialTimeout := p.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	options := &goredis.Options{
		Addr:        addr,
		Password:    p.cfg.Password,
		DB:          p.cfg.DB,
		PoolSize:    p.cfg.PoolSize,
		DialTimeout: dialTimeout,
	}
	for _, fn := range p.options {
		fn(options)
	}
	p.client = goredis.NewClient(options)
	return p.client, nil
}

// Connect creates the client and verifies the server answers PING.
func (p *Provider) Connect(ctx context.Context) error {
	if _, err := p.Client(); err != nil {
		return err
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("redis: connect %s: %w", p.cfg.Addr, err)
	}
	return nil
}

// Ping checks server reachability with a bounded timeout.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client()
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPingTimeout)
		defer cancel()
	}
	return WrapError("redis.ping", client.Ping(ctx).Err())
}

// Close releases the pool. The Provider cannot be reused afterwards.
func (p *Provider) Close(context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}
