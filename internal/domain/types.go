package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CartItem stores a single product line as persisted in the cart store.
type CartItem struct {
	ProductID string
	Quantity  int
	AddedAt   time.Time
	UpdatedAt time.Time
}

// StoredCart is the raw cart state read from the cart store.
type StoredCart struct {
	UserID    string
	Items     []CartItem
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Empty reports whether the cart holds no lines.
func (c *StoredCart) Empty() bool {
	return c == nil || len(c.Items) == 0
}

// Item returns the line for productID when present.
func (c *StoredCart) Item(productID string) (CartItem, bool) {
	if c == nil {
		return CartItem{}, false
	}
	for _, item := range c.Items {
		if item.ProductID == productID {
			return item, true
		}
	}
	return CartItem{}, false
}

// InventoryStatus normalises stock states reported by catalog and inventory.
type InventoryStatus string

const (
	InventoryStatusInStock    InventoryStatus = "IN_STOCK"
	InventoryStatusLowStock   InventoryStatus = "LOW_STOCK"
	InventoryStatusOutOfStock InventoryStatus = "OUT_OF_STOCK"
	InventoryStatusUnknown    InventoryStatus = "UNKNOWN"
)

// ParseInventoryStatus maps upstream spellings such as "in_stock" onto the known statuses.
func ParseInventoryStatus(raw string) InventoryStatus {
	switch status := InventoryStatus(strings.ToUpper(strings.TrimSpace(raw))); status {
	case InventoryStatusInStock, InventoryStatusLowStock, InventoryStatusOutOfStock:
		return status
	default:
		return InventoryStatusUnknown
	}
}

// ProductSummary is the catalog view of a product used for cart enrichment.
type ProductSummary struct {
	ID               string
	Name             string
	ShortDescription string
	Price            decimal.Decimal
	OriginalPrice    *decimal.Decimal
	InventoryStatus  InventoryStatus
	ImageURL         string
	Brand            string
	Categories       []string
}

// InventoryCheck requests availability for a quantity of a product.
type InventoryCheck struct {
	ProductID string
	Quantity  int
}

// InventoryAvailability captures the inventory service answer for one product.
type InventoryAvailability struct {
	ProductID         string
	RequestedQuantity int
	Available         bool
	AvailableQuantity int
	ReservedQuantity  int
	Status            InventoryStatus
	Message           string
	// Reported is false when the inventory service returned no entry for the product.
	Reported bool
}

// EnrichedCartItem is a cart line joined with live catalog and inventory data.
type EnrichedCartItem struct {
	CartItem
	Name              string
	ImageURL          string
	UnitPrice         decimal.Decimal
	LineTotal         decimal.Decimal
	InventoryStatus   InventoryStatus
	Found             bool
	Available         bool
	AvailableQuantity int
	Product           *ProductSummary
}

// Cart is the enriched, priced view of a user's cart.
type Cart struct {
	UserID      string
	Items       []EnrichedCartItem
	ItemCount   int
	TotalAmount decimal.Decimal
	Currency    string
	Estimate    *CartEstimate
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// CartEstimate is an informational breakdown of taxes, shipping and discounts.
type CartEstimate struct {
	Currency              string
	Subtotal              decimal.Decimal
	Discount              decimal.Decimal
	Tax                   decimal.Decimal
	Shipping              decimal.Decimal
	Total                 decimal.Decimal
	TaxRate               decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	FreeShipping          bool
	Formatted             FormattedEstimate
}

// FormattedEstimate holds display strings for the estimate amounts.
type FormattedEstimate struct {
	Subtotal string
	Discount string
	Tax      string
	Shipping string
	Total    string
}

// ValidationReason enumerates why a cart line (or the cart) fails validation.
type ValidationReason string

const (
	ValidationReasonNotFound             ValidationReason = "NOT_FOUND"
	ValidationReasonOutOfStock           ValidationReason = "OUT_OF_STOCK"
	ValidationReasonQuantityExceedsStock ValidationReason = "QUANTITY_EXCEEDS_STOCK"
	ValidationReasonPriceChanged         ValidationReason = "PRICE_CHANGED"
	ValidationReasonBelowMinimumOrder    ValidationReason = "BELOW_MIN_ORDER"
)

// ValidationIssue describes a single validation failure. ProductID is empty for cart level issues.
type ValidationIssue struct {
	ProductID string
	Reason    ValidationReason
	Message   string
}

// CartValidationResult is the outcome of validating a cart snapshot.
type CartValidationResult struct {
	IsValid bool
	Issues  []ValidationIssue
}

// Errors returns the issue messages in order.
func (r CartValidationResult) Errors() []string {
	out := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		out = append(out, issue.Message)
	}
	return out
}

// InvalidItems returns the distinct product ids that carry at least one issue.
func (r CartValidationResult) InvalidItems() []string {
	seen := make(map[string]struct{}, len(r.Issues))
	out := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		if issue.ProductID == "" {
			continue
		}
		if _, ok := seen[issue.ProductID]; ok {
			continue
		}
		seen[issue.ProductID] = struct{}{}
		out = append(out, issue.ProductID)
	}
	return out
}

// ReservationItem requests stock to be held for a product.
type ReservationItem struct {
	ProductID string
	Quantity  int
}

// ReservationItemResult is the per-line outcome of a reservation request.
type ReservationItemResult struct {
	ProductID         string
	RequestedQuantity int
	ReservedQuantity  int
	Success           bool
	ErrorMessage      string
}

// ReservationResult aggregates the outcome of a reservation request.
type ReservationResult struct {
	ReservationID string
	AllReserved   bool
	ExpiresAt     time.Time
	Items         []ReservationItemResult
}

// ActiveAt reports whether every line is reserved and the hold has not lapsed at now.
func (r ReservationResult) ActiveAt(now time.Time) bool {
	return r.AllReserved && r.ExpiresAt.After(now)
}

// CheckoutSummary reports checkout readiness.
type CheckoutSummary struct {
	ItemCount          int
	TotalAmount        decimal.Decimal
	Currency           string
	IsReadyForCheckout bool
}

// CheckoutPreparation bundles the cart snapshot, its validation and any reservation made for it.
type CheckoutPreparation struct {
	Cart        *Cart
	Validation  CartValidationResult
	Reservation *ReservationResult
	Summary     CheckoutSummary
}

// GuestCartItem is a line carried over from an anonymous session.
type GuestCartItem struct {
	ProductID string
	Quantity  int
}

// MergeAdjustmentReason explains why a guest line was not merged as requested.
type MergeAdjustmentReason string

const (
	MergeAdjustmentCapped          MergeAdjustmentReason = "capped"
	MergeAdjustmentInvalidQuantity MergeAdjustmentReason = "invalid_quantity"
	MergeAdjustmentNotFound        MergeAdjustmentReason = "not_found"
	MergeAdjustmentOutOfStock      MergeAdjustmentReason = "out_of_stock"
	MergeAdjustmentCartFull        MergeAdjustmentReason = "cart_full"
)

// MergeAdjustment records a guest line that was capped or dropped during merge.
type MergeAdjustment struct {
	ProductID string
	Requested int
	Applied   int
	Reason    MergeAdjustmentReason
}

// MergeResult is the outcome of merging a guest cart into a user cart.
type MergeResult struct {
	Cart        *Cart
	Adjustments []MergeAdjustment
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency check.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
