package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/cart/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Cart                  = domain.Cart
	CartItem              = domain.CartItem
	StoredCart            = domain.StoredCart
	EnrichedCartItem      = domain.EnrichedCartItem
	CartEstimate          = domain.CartEstimate
	ProductSummary        = domain.ProductSummary
	InventoryCheck        = domain.InventoryCheck
	InventoryAvailability = domain.InventoryAvailability
	CartValidationResult  = domain.CartValidationResult
	ValidationIssue       = domain.ValidationIssue
	ReservationItem       = domain.ReservationItem
	ReservationResult     = domain.ReservationResult
	CheckoutPreparation   = domain.CheckoutPreparation
	CheckoutSummary       = domain.CheckoutSummary
	GuestCartItem         = domain.GuestCartItem
	MergeResult           = domain.MergeResult
	MergeAdjustment       = domain.MergeAdjustment
	SystemHealthReport    = domain.SystemHealthReport
)

// CartService manages per-user carts, enriches them with live catalog and inventory data
// and prepares them for checkout.
type CartService interface {
	GetCart(ctx context.Context, userID string) (*Cart, error)
	AddToCart(ctx context.Context, cmd AddToCartCommand) (*Cart, error)
	UpdateCartItem(ctx context.Context, cmd UpdateCartItemCommand) (*Cart, error)
	RemoveFromCart(ctx context.Context, userID, productID string) (*Cart, error)
	ClearCart(ctx context.Context, userID string) error
	GetCartItemCount(ctx context.Context, userID string) (int, error)
	ValidateCart(ctx context.Context, cmd ValidateCartCommand) (CartValidationResult, error)
	MergeGuestCart(ctx context.Context, userID string, items []GuestCartItem) (MergeResult, error)
	PrepareCheckout(ctx context.Context, userID string) (CheckoutPreparation, error)
}

// SystemService reports process and dependency health.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// ProductCatalog resolves product summaries in a single batched call.
type ProductCatalog interface {
	GetProductsBatch(ctx context.Context, productIDs []string) ([]ProductSummary, error)
}

// InventoryGateway checks and reserves stock.
type InventoryGateway interface {
	CheckInventory(ctx context.Context, productID string, quantity int) (InventoryAvailability, error)
	CheckInventoryBatch(ctx context.Context, items []InventoryCheck) ([]InventoryAvailability, error)
	ReserveInventory(ctx context.Context, reservationID, userID string, items []ReservationItem, expiresAt time.Time) (ReservationResult, error)
}

// CartEventPublisher delivers cart events to downstream consumers.
type CartEventPublisher interface {
	PublishCartExpiration(ctx context.Context, event domain.CartExpirationEvent) error
	PublishCartItemAdded(ctx context.Context, event domain.CartItemAddedEvent) error
}

// AddToCartCommand adds quantity units of a product to the user's cart.
type AddToCartCommand struct {
	UserID    string
	ProductID string
	Quantity  int
}

// UpdateCartItemCommand sets the quantity of an existing line. A quantity of zero or less removes it.
type UpdateCartItemCommand struct {
	UserID    string
	ProductID string
	Quantity  int
}

// ValidateCartCommand validates the user's cart. PriceSnapshot carries previously seen unit
// prices keyed by product id; lines without a snapshot price are not checked for price changes.
type ValidateCartCommand struct {
	UserID        string
	PriceSnapshot map[string]decimal.Decimal
}
