package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/cart/internal/domain"
)

// publishItemAdded emits a CartItemAddedEvent. Delivery failures are logged and never surface.
func (s *cartService) publishItemAdded(ctx context.Context, userID string, product ProductSummary, quantity int, cart *Cart) {
	if s.events == nil {
		return
	}
	event := domain.CartItemAddedEvent{
		EventID:        uuid.NewString(),
		UserID:         userID,
		CartID:         domain.CartIDForUser(userID),
		ProductID:      product.ID,
		ProductName:    product.Name,
		ProductImage:   product.ImageURL,
		Quantity:       quantity,
		Price:          product.Price,
		TotalCartValue: decimal.Zero,
		Currency:       s.pricer.currency,
		Timestamp:      s.now(),
	}
	if cart != nil {
		event.TotalCartItems = cart.ItemCount
		event.TotalCartValue = cart.TotalAmount
	}
	if err := s.events.PublishCartItemAdded(ctx, event); err != nil {
		s.logger(ctx, "cart.item_added_event_failed", map[string]any{
			"userId":    userID,
			"productId": product.ID,
			"eventId":   event.EventID,
			"error":     err,
		})
	}
}
