// Package catalog talks to the product catalog service.
package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/hanko-field/cart/internal/clients"
	"github.com/hanko-field/cart/internal/domain"
	"github.com/hanko-field/cart/internal/platform/retry"
)

const (
	serviceName          = "ecommerce.product.ProductService"
	methodGetProducts    = "GetProductsBatch"
	defaultTimeout       = 10 * time.Second
	requestSourceService = "cart-service"
)

// Logger records client events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config configures the catalog client.
type Config struct {
	Addr        string
	Timeout     time.Duration
	Retry       retry.Policy
	DialOptions []grpc.DialOption
	// Conn replaces dialling, used by tests and in-process wiring.
	Conn   grpc.ClientConnInterface
	Logger Logger
	Clock  func() time.Time
}

// Client fetches product summaries in batches.
type Client struct {
	conn    *clients.Connection
	timeout time.Duration
	policy  retry.Policy
	logger  Logger
	clock   func() time.Time
}

// NewClient constructs a catalog client. Call Connect before use.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" && cfg.Conn == nil {
		return nil, errors.New("catalog: address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Client{
		conn:    clients.NewConnection(cfg.Addr, cfg.Conn, cfg.DialOptions...),
		timeout: timeout,
		policy:  cfg.Retry,
		logger:  logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Connect dials the catalog service.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping reports whether the catalog channel is usable.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ready(ctx)
}

// GetProductsBatch returns the summaries of the requested products in a single call.
// Unknown products are absent from the result.
func (c *Client) GetProductsBatch(ctx context.Context, productIDs []string) ([]domain.ProductSummary, error) {
	if c == nil {
		return nil, errors.New("catalog: client is nil")
	}
	ids := uniqueIDs(productIDs)
	if len(ids) == 0 {
		return []domain.ProductSummary{}, nil
	}

	req := &ProductsBatchRequest{
		ProductIDs: ids,
		Metadata: &RequestMetadata{Data: map[string]string{
			"source":    requestSourceService,
			"timestamp": c.clock().Format(time.RFC3339),
		}},
	}
	var resp ProductsBatchResponse
	call := clients.Call{
		Service: serviceName,
		Method:  methodGetProducts,
		Timeout: c.timeout,
		Policy:  c.policy,
		OnAttempt: func(attempt int, err error) {
			c.logger(ctx, "catalog.get_products.attempt_failed", map[string]any{
				"attempt":    attempt,
				"productIds": ids,
				"error":      err,
			})
		},
	}
	if err := clients.Invoke(ctx, c.conn, call, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Status.OK() {
		return nil, clients.Rejected(serviceName, methodGetProducts, resp.Status.Code, resp.Status.Message)
	}
	if err := resp.Validate(); err != nil {
		return nil, clients.InvalidResponse(serviceName, methodGetProducts, err)
	}

	products := make([]domain.ProductSummary, 0, len(resp.Products))
	for _, p := range resp.Products {
		products = append(products, toDomain(p))
	}
	c.logger(ctx, "catalog.get_products.succeeded", map[string]any{
		"requested": len(ids),
		"returned":  len(products),
		"latencyMs": resp.LatencyMS,
	})
	return products, nil
}

func toDomain(p Product) domain.ProductSummary {
	summary := domain.ProductSummary{
		ID:               strings.TrimSpace(p.ID),
		Name:             p.Name,
		ShortDescription: p.ShortDescription,
		Price:            p.Price,
		InventoryStatus:  domain.ParseInventoryStatus(p.InventoryStatus),
	}
	if p.OriginalPrice != nil {
		original := *p.OriginalPrice
		summary.OriginalPrice = &original
	}
	if p.Brand != nil {
		summary.Brand = p.Brand.Name
	}
	if len(p.Images) > 0 {
		images := append([]Image(nil), p.Images...)
		sort.SliceStable(images, func(i, j int) bool { return images[i].Position < images[j].Position })
		summary.ImageURL = images[0].URL
	}
	for _, category := range p.Categories {
		if name := strings.TrimSpace(category.Name); name != "" {
			summary.Categories = append(summary.Categories, name)
		}
	}
	return summary
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
