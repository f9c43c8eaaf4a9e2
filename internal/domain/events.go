package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// EventTypeCartExpirationReminder identifies reminders for carts nearing expiry.
	EventTypeCartExpirationReminder = "cart.expiration.reminder"
	// EventTypeCartItemAdded identifies notifications for newly added cart lines.
	EventTypeCartItemAdded = "cart.item.added"
)

// CartExpirationEvent notifies downstream consumers that a cart is about to expire.
type CartExpirationEvent struct {
	EventID             string                    `json:"eventId"`
	UserID              string                    `json:"userId"`
	CartID              string                    `json:"cartId"`
	ExpiresAt           time.Time                 `json:"expiresAt"`
	DaysUntilExpiration int                       `json:"daysUntilExpiration"`
	ItemCount           int                       `json:"itemCount"`
	TotalValue          decimal.Decimal           `json:"totalValue"`
	Currency            string                    `json:"currency"`
	Items               []CartExpirationEventItem `json:"items"`
	Timestamp           time.Time                 `json:"timestamp"`
}

// CartExpirationEventItem summarises one line of an expiring cart.
type CartExpirationEventItem struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

// CartItemAddedEvent is emitted after a line is added to a cart.
type CartItemAddedEvent struct {
	EventID        string          `json:"eventId"`
	UserID         string          `json:"userId"`
	CartID         string          `json:"cartId"`
	ProductID      string          `json:"productId"`
	ProductName    string          `json:"productName"`
	ProductImage   string          `json:"productImage,omitempty"`
	Quantity       int             `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	TotalCartItems int             `json:"totalCartItems"`
	TotalCartValue decimal.Decimal `json:"totalCartValue"`
	Currency       string          `json:"currency"`
	Timestamp      time.Time       `json:"timestamp"`
}

// CartIDForUser returns the stable external cart identifier used in events.
func CartIDForUser(userID string) string {
	return "cart_" + userID
}
