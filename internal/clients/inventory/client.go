// Package inventory talks to the inventory service.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/hanko-field/cart/internal/clients"
	"github.com/hanko-field/cart/internal/domain"
	"github.com/hanko-field/cart/internal/platform/retry"
)

const (
	serviceName          = "ecommerce.inventory.InventoryService"
	methodCheck          = "CheckInventory"
	methodCheckBatch     = "CheckInventoryBatch"
	methodReserve        = "ReserveInventory"
	defaultTimeout       = 15 * time.Second
	requestSourceService = "cart-service"
	notReportedMessage   = "not reported by inventory service"
)

// ErrInvalidRequest is returned for requests rejected before they are sent.
var ErrInvalidRequest = errors.New("inventory: invalid request")

// Logger records client events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config configures the inventory client.
type Config struct {
	Addr        string
	Timeout     time.Duration
	Retry       retry.Policy
	DialOptions []grpc.DialOption
	Conn        grpc.ClientConnInterface
	Logger      Logger
	Clock       func() time.Time
}

// Client checks and reserves stock.
type Client struct {
	conn    *clients.Connection
	timeout time.Duration
	policy  retry.Policy
	logger  Logger
	clock   func() time.Time
}

// NewClient constructs an inventory client. Call Connect before use.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" && cfg.Conn == nil {
		return nil, errors.New("inventory: address is required")
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

// Connect dials the inventory service.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping reports whether the inventory channel is usable.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ready(ctx)
}

// CheckInventory reports availability of quantity units of a product.
func (c *Client) CheckInventory(ctx context.Context, productID string, quantity int) (domain.InventoryAvailability, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.InventoryAvailability{}, fmt.Errorf("%w: product id is required", ErrInvalidRequest)
	}
	req := &CheckInventoryRequest{
		ProductID: productID,
		Quantity:  quantity,
		Metadata:  c.metadata("check_inventory", nil),
	}
	var resp CheckInventoryResponse
	if err := clients.Invoke(ctx, c.conn, c.call(ctx, methodCheck), req, &resp); err != nil {
		return domain.InventoryAvailability{}, err
	}
	if !resp.ResultStatus.OK() {
		return domain.InventoryAvailability{}, clients.Rejected(serviceName, methodCheck, resp.ResultStatus.Code, resp.ResultStatus.Message)
	}
	if resp.AvailableQuantity < 0 {
		return domain.InventoryAvailability{}, clients.InvalidResponse(serviceName, methodCheck, errors.New("available_quantity must not be negative"))
	}
	return domain.InventoryAvailability{
		ProductID:         productID,
		RequestedQuantity: quantity,
		Available:         resp.Available,
		AvailableQuantity: resp.AvailableQuantity,
		Status:            domain.ParseInventoryStatus(resp.Status),
		Reported:          true,
	}, nil
}

// CheckInventoryBatch reports availability for every item, in input order.
// Items the service did not answer for come back with Reported false.
func (c *Client) CheckInventoryBatch(ctx context.Context, items []domain.InventoryCheck) ([]domain.InventoryAvailability, error) {
	if len(items) == 0 {
		return []domain.InventoryAvailability{}, nil
	}
	reqItems := make([]ItemRequest, 0, len(items))
	for _, item := range items {
		reqItems = append(reqItems, ItemRequest{ProductID: strings.TrimSpace(item.ProductID), Quantity: item.Quantity})
	}
	req := &CheckInventoryBatchRequest{
		Items:    reqItems,
		Metadata: c.metadata("check_inventory_batch", map[string]string{"item_count": strconv.Itoa(len(items))}),
	}
	var resp CheckInventoryBatchResponse
	if err := clients.Invoke(ctx, c.conn, c.call(ctx, methodCheckBatch), req, &resp); err != nil {
		return nil, err
	}
	if !resp.ResultStatus.OK() {
		return nil, clients.Rejected(serviceName, methodCheckBatch, resp.ResultStatus.Code, resp.ResultStatus.Message)
	}

	byProduct := make(map[string]BatchItem, len(resp.Items))
	for i, item := range resp.Items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, clients.InvalidResponse(serviceName, methodCheckBatch, fmt.Errorf("items[%d].product_id is required", i))
		}
		if item.AvailableQuantity < 0 || item.ReservedQuantity < 0 {
			return nil, clients.InvalidResponse(serviceName, methodCheckBatch, fmt.Errorf("items[%d] has negative quantities", i))
		}
		byProduct[id] = item
	}

	out := make([]domain.InventoryAvailability, 0, len(items))
	missing := 0
	for _, item := range reqItems {
		reported, ok := byProduct[item.ProductID]
		if !ok {
			missing++
			out = append(out, domain.InventoryAvailability{
				ProductID:         item.ProductID,
				RequestedQuantity: item.Quantity,
				Status:            domain.InventoryStatusUnknown,
				Message:           notReportedMessage,
			})
			continue
		}
		out = append(out, domain.InventoryAvailability{
			ProductID:         item.ProductID,
			RequestedQuantity: item.Quantity,
			Available:         reported.Available,
			AvailableQuantity: reported.AvailableQuantity,
			ReservedQuantity:  reported.ReservedQuantity,
			Status:            domain.ParseInventoryStatus(reported.Status),
			Message:           reported.ErrorMessage,
			Reported:          true,
		})
	}
	if missing > 0 {
		c.logger(ctx, "inventory.check_batch.partial", map[string]any{
			"requested": len(items),
			"missing":   missing,
		})
	}
	return out, nil
}

// ReserveInventory holds stock for every item until expiresAt.
// Partial success is returned as a result with AllReserved false.
func (c *Client) ReserveInventory(ctx context.Context, reservationID, userID string, items []domain.ReservationItem, expiresAt time.Time) (domain.ReservationResult, error) {
	reservationID = strings.TrimSpace(reservationID)
	userID = strings.TrimSpace(userID)
	switch {
	case reservationID == "":
		return domain.ReservationResult{}, fmt.Errorf("%w: reservation id is required", ErrInvalidRequest)
	case userID == "":
		return domain.ReservationResult{}, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	case len(items) == 0:
		return domain.ReservationResult{}, fmt.Errorf("%w: at least one item is required", ErrInvalidRequest)
	case !expiresAt.After(c.clock()):
		return domain.ReservationResult{}, fmt.Errorf("%w: expiry must be in the future", ErrInvalidRequest)
	}

	reqItems := make([]ItemRequest, 0, len(items))
	for _, item := range items {
		reqItems = append(reqItems, ItemRequest{ProductID: strings.TrimSpace(item.ProductID), Quantity: item.Quantity})
	}
	req := &ReserveInventoryRequest{
		ReservationID: reservationID,
		UserID:        userID,
		Items:         reqItems,
		ExpiresAt:     expiresAt.Unix(),
		Metadata:      c.metadata("reserve_inventory", nil),
	}
	var resp ReserveInventoryResponse
	if err := clients.Invoke(ctx, c.conn, c.call(ctx, methodReserve), req, &resp); err != nil {
		return domain.ReservationResult{}, err
	}
	if !resp.ResultStatus.OK() {
		return domain.ReservationResult{}, clients.Rejected(serviceName, methodReserve, resp.ResultStatus.Code, resp.ResultStatus.Message)
	}
	if id := strings.TrimSpace(resp.ReservationID); id != "" && id != reservationID {
		return domain.ReservationResult{}, clients.InvalidResponse(serviceName, methodReserve, fmt.Errorf("reservation id mismatch: %q", id))
	}

	byProduct := make(map[string]ReserveResult, len(resp.Results))
	for _, r := range resp.Results {
		byProduct[strings.TrimSpace(r.ProductID)] = r
	}
	result := domain.ReservationResult{
		ReservationID: reservationID,
		ExpiresAt:     expiresAt.UTC(),
		AllReserved:   true,
		Items:         make([]domain.ReservationItemResult, 0, len(reqItems)),
	}
	for _, item := range reqItems {
		r, ok := byProduct[item.ProductID]
		line := domain.ReservationItemResult{
			ProductID:         item.ProductID,
			RequestedQuantity: item.Quantity,
		}
		if ok {
			line.ReservedQuantity = r.ReservedQuantity
			line.Success = r.Success && r.ReservedQuantity >= item.Quantity
			line.ErrorMessage = r.ErrorMessage
		} else {
			line.ErrorMessage = notReportedMessage
		}
		if !line.Success {
			result.AllReserved = false
		}
		result.Items = append(result.Items, line)
	}
	if result.AllReserved != resp.AllReserved {
		c.logger(ctx, "inventory.reserve.all_reserved_mismatch", map[string]any{
			"reservationId": reservationID,
			"reported":      resp.AllReserved,
			"computed":      result.AllReserved,
		})
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, method string) clients.Call {
	return clients.Call{
		Service: serviceName,
		Method:  method,
		Timeout: c.timeout,
		Policy:  c.policy,
		OnAttempt: func(attempt int, err error) {
			c.logger(ctx, "inventory.attempt_failed", map[string]any{
				"method":  method,
				"attempt": attempt,
				"error":   err,
			})
		},
	}
}

func (c *Client) metadata(operation string, extra map[string]string) *RequestMetadata {
	data := map[string]string{
		"source":    requestSourceService,
		"timestamp": c.clock().Format(time.RFC3339),
		"operation": operation,
	}
	for k, v := range extra {
		data[k] = v
	}
	return &RequestMetadata{Data: data}
}
