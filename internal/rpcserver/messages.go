package rpcserver

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/cart/internal/services"
)

// Result status codes carried in every reply.
const (
	StatusOK       = "OK"
	StatusNotFound = "NOT_FOUND"
)

// RequestMetadata carries caller supplied tracing hints such as source and request_id.
type RequestMetadata struct {
	Data map[string]string `json:"data,omitempty"`
}

func (m *RequestMetadata) value(key string) string {
	if m == nil {
		return ""
	}
	return m.Data[key]
}

// ResultStatus reports the outcome of a call that completed at the transport level.
type ResultStatus struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type GetCartRequest struct {
	UserID   string           `json:"user_id"`
	Metadata *RequestMetadata `json:"metadata,omitempty"`
}

type GetCartResponse struct {
	Cart         *CartMessage `json:"cart"`
	ResultStatus ResultStatus `json:"result_status"`
	LatencyMS    int64        `json:"latency_ms"`
}

type PrepareCheckoutRequest struct {
	UserID   string           `json:"user_id"`
	Metadata *RequestMetadata `json:"metadata,omitempty"`
}

type PrepareCheckoutResponse struct {
	Cart         *CartMessage        `json:"cart"`
	Validation   *ValidationMessage  `json:"validation"`
	Summary      *SummaryMessage     `json:"summary"`
	Reservation  *ReservationMessage `json:"reservation,omitempty"`
	ResultStatus ResultStatus        `json:"result_status"`
	LatencyMS    int64               `json:"latency_ms"`
}

type ClearCartRequest struct {
	UserID   string           `json:"user_id"`
	Reason   string           `json:"reason,omitempty"`
	Metadata *RequestMetadata `json:"metadata,omitempty"`
}

type ClearCartResponse struct {
	Success      bool         `json:"success"`
	ResultStatus ResultStatus `json:"result_status"`
	LatencyMS    int64        `json:"latency_ms"`
}

// ValidateCartRequest optionally carries the unit prices the caller last displayed, keyed by
// product id, as decimal strings. Lines priced differently now are reported as PRICE_CHANGED.
type ValidateCartRequest struct {
	UserID        string            `json:"user_id"`
	PriceSnapshot map[string]string `json:"price_snapshot,omitempty"`
	Metadata      *RequestMetadata  `json:"metadata,omitempty"`
}

type ValidateCartResponse struct {
	Validation   *ValidationMessage `json:"validation"`
	ResultStatus ResultStatus       `json:"result_status"`
	LatencyMS    int64              `json:"latency_ms"`
}

type CartMessage struct {
	UserID     string            `json:"user_id"`
	Items      []CartItemMessage `json:"items"`
	TotalItems int               `json:"total_items"`
	Pricing    PricingMessage    `json:"pricing"`
	CreatedAt  string            `json:"created_at,omitempty"`
	UpdatedAt  string            `json:"updated_at,omitempty"`
	ExpiresAt  string            `json:"expires_at,omitempty"`
}

type CartItemMessage struct {
	ProductID         string          `json:"product_id"`
	Quantity          int             `json:"quantity"`
	Product           *ProductMessage `json:"product,omitempty"`
	TotalPrice        decimal.Decimal `json:"total_price"`
	IsAvailable       bool            `json:"is_available"`
	AvailableQuantity int             `json:"available_quantity"`
	AddedAt           string          `json:"added_at,omitempty"`
	UpdatedAt         string          `json:"updated_at,omitempty"`
}

type ProductMessage struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	ShortDescription string           `json:"short_description,omitempty"`
	Price            decimal.Decimal  `json:"price"`
	OriginalPrice    *decimal.Decimal `json:"original_price,omitempty"`
	InventoryStatus  string           `json:"inventory_status"`
	Brand            string           `json:"brand,omitempty"`
	ImageURL         string           `json:"image_url,omitempty"`
	Categories       []string         `json:"categories,omitempty"`
}

type PricingMessage struct {
	Subtotal              decimal.Decimal `json:"subtotal"`
	Tax                   decimal.Decimal `json:"tax"`
	Shipping              decimal.Decimal `json:"shipping"`
	Discount              decimal.Decimal `json:"discount"`
	Total                 decimal.Decimal `json:"total"`
	Currency              string          `json:"currency"`
	TaxRate               decimal.Decimal `json:"tax_rate"`
	FreeShippingThreshold decimal.Decimal `json:"free_shipping_threshold"`
	ItemCount             int             `json:"item_count"`
}

type ValidationMessage struct {
	IsValid      bool           `json:"is_valid"`
	Errors       []string       `json:"errors"`
	InvalidItems []string       `json:"invalid_items"`
	Issues       []IssueMessage `json:"issues,omitempty"`
}

type IssueMessage struct {
	ProductID string `json:"product_id,omitempty"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
}

type SummaryMessage struct {
	ItemCount          int             `json:"item_count"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	Currency           string          `json:"currency"`
	IsReadyForCheckout bool            `json:"is_ready_for_checkout"`
}

type ReservationMessage struct {
	ReservationID string                   `json:"reservation_id"`
	AllReserved   bool                     `json:"all_reserved"`
	ExpiresAt     string                   `json:"expires_at"`
	Items         []ReservationItemMessage `json:"items"`
}

type ReservationItemMessage struct {
	ProductID         string `json:"product_id"`
	RequestedQuantity int    `json:"requested_quantity"`
	ReservedQuantity  int    `json:"reserved_quantity"`
	Success           bool   `json:"success"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

func toCartMessage(cart *services.Cart) *CartMessage {
	if cart == nil {
		return nil
	}
	msg := &CartMessage{
		UserID:     cart.UserID,
		Items:      make([]CartItemMessage, 0, len(cart.Items)),
		TotalItems: cart.ItemCount,
		Pricing: PricingMessage{
			Subtotal:  cart.TotalAmount,
			Total:     cart.TotalAmount,
			Currency:  cart.Currency,
			ItemCount: cart.ItemCount,
		},
		CreatedAt: formatTime(cart.CreatedAt),
		UpdatedAt: formatTime(cart.UpdatedAt),
		ExpiresAt: formatTime(cart.ExpiresAt),
	}
	if est := cart.Estimate; est != nil {
		msg.Pricing.Subtotal = est.Subtotal
		msg.Pricing.Tax = est.Tax
		msg.Pricing.Shipping = est.Shipping
		msg.Pricing.Discount = est.Discount
		msg.Pricing.Total = est.Total
		msg.Pricing.TaxRate = est.TaxRate
		msg.Pricing.FreeShippingThreshold = est.FreeShippingThreshold
	}
	for _, line := range cart.Items {
		item := CartItemMessage{
			ProductID:         line.ProductID,
			Quantity:          line.Quantity,
			TotalPrice:        line.LineTotal,
			IsAvailable:       line.Available,
			AvailableQuantity: line.AvailableQuantity,
			AddedAt:           formatTime(line.AddedAt),
			UpdatedAt:         formatTime(line.UpdatedAt),
		}
		if p := line.Product; p != nil {
			item.Product = &ProductMessage{
				ID:               p.ID,
				Name:             p.Name,
				ShortDescription: p.ShortDescription,
				Price:            p.Price,
				OriginalPrice:    p.OriginalPrice,
				InventoryStatus:  string(line.InventoryStatus),
				Brand:            p.Brand,
				ImageURL:         p.ImageURL,
				Categories:       p.Categories,
			}
		}
		msg.Items = append(msg.Items, item)
	}
	return msg
}

func toValidationMessage(result services.CartValidationResult) *ValidationMessage {
	msg := &ValidationMessage{
		IsValid:      result.IsValid,
		Errors:       result.Errors(),
		InvalidItems: result.InvalidItems(),
	}
	for _, issue := range result.Issues {
		msg.Issues = append(msg.Issues, IssueMessage{
			ProductID: issue.ProductID,
			Reason:    string(issue.Reason),
			Message:   issue.Message,
		})
	}
	return msg
}

func toReservationMessage(result *services.ReservationResult) *ReservationMessage {
	if result == nil {
		return nil
	}
	msg := &ReservationMessage{
		ReservationID: result.ReservationID,
		AllReserved:   result.AllReserved,
		ExpiresAt:     formatTime(result.ExpiresAt),
		Items:         make([]ReservationItemMessage, 0, len(result.Items)),
	}
	for _, item := range result.Items {
		msg.Items = append(msg.Items, ReservationItemMessage{
			ProductID:         item.ProductID,
			RequestedQuantity: item.RequestedQuantity,
			ReservedQuantity:  item.ReservedQuantity,
			Success:           item.Success,
			ErrorMessage:      item.ErrorMessage,
		})
	}
	return msg
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
