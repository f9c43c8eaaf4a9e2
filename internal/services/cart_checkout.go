package services

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/cart/internal/clients"
)

const (
	checkoutOutcomeReady    = "ready"
	checkoutOutcomePartial  = "partial"
	checkoutOutcomeInvalid  = "invalid"
	checkoutOutcomeFailed   = "failed"
	checkoutOutcomeRejected = "rejected"
)

// PrepareCheckout enriches the cart once, validates that snapshot and, only when it is valid,
// reserves every line. The cart is ready for checkout when validation passed, every line was
// reserved and the hold has not lapsed.
func (s *cartService) PrepareCheckout(ctx context.Context, userID string) (CheckoutPreparation, error) {
	uid, err := requireUserID(userID)
	if err != nil {
		return CheckoutPreparation{}, err
	}
	ctx, span := s.tracer.Start(ctx, "cart.prepare_checkout")
	defer span.End()

	stored, err := s.load(ctx, uid)
	if err != nil {
		return CheckoutPreparation{}, err
	}
	if stored.Empty() {
		return CheckoutPreparation{}, fmt.Errorf("%w: cart is empty", ErrCartNotFound)
	}

	cart, err := s.enrich(ctx, stored)
	if err != nil {
		s.recordCheckout(ctx, span, checkoutOutcomeFailed)
		return CheckoutPreparation{}, err
	}
	validation := s.validate(cart, nil)
	prep := CheckoutPreparation{
		Cart:       cart,
		Validation: validation,
		Summary: CheckoutSummary{
			ItemCount:   cart.ItemCount,
			TotalAmount: cart.TotalAmount,
			Currency:    cart.Currency,
		},
	}
	if !validation.IsValid {
		s.recordCheckout(ctx, span, checkoutOutcomeInvalid)
		s.logger(ctx, "cart.checkout_invalid", map[string]any{
			"userId":       uid,
			"invalidItems": validation.InvalidItems(),
			"issueCount":   len(validation.Issues),
		})
		return prep, nil
	}

	items := make([]ReservationItem, 0, len(cart.Items))
	for _, line := range cart.Items {
		items = append(items, ReservationItem{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	reservationID := reservationIDPrefix + s.newID()
	expiresAt := s.now().Add(s.limits.ReservationTimeout)
	span.SetAttributes(attribute.String("cart.reservation_id", reservationID))

	reservation, err := s.inventory.ReserveInventory(ctx, reservationID, uid, items, expiresAt)
	if err != nil {
		if errors.Is(err, clients.ErrRejected) {
			s.recordCheckout(ctx, span, checkoutOutcomeRejected)
			return CheckoutPreparation{}, fmt.Errorf("%w: %w", ErrCartReservationFailed, err)
		}
		s.recordCheckout(ctx, span, checkoutOutcomeFailed)
		return CheckoutPreparation{}, translateUpstreamError(err)
	}
	if reservation.ReservationID == "" {
		reservation.ReservationID = reservationID
	}

	if s.reservations != nil {
		if err := s.reservations.SaveReservation(ctx, uid, reservation.ReservationID, s.limits.ReservationTimeout); err != nil {
			s.logger(ctx, "cart.reservation_save_failed", map[string]any{
				"userId":        uid,
				"reservationId": reservation.ReservationID,
				"error":         err,
			})
		}
	}

	prep.Reservation = &reservation
	prep.Summary.IsReadyForCheckout = validation.IsValid && reservation.ActiveAt(s.now())

	outcome := checkoutOutcomeReady
	if !prep.Summary.IsReadyForCheckout {
		outcome = checkoutOutcomePartial
	}
	s.recordCheckout(ctx, span, outcome)
	s.logger(ctx, "cart.checkout_prepared", map[string]any{
		"userId":        uid,
		"reservationId": reservation.ReservationID,
		"allReserved":   reservation.AllReserved,
		"ready":         prep.Summary.IsReadyForCheckout,
		"itemCount":     prep.Summary.ItemCount,
		"totalAmount":   prep.Summary.TotalAmount.String(),
	})
	return prep, nil
}

func (s *cartService) recordCheckout(ctx context.Context, span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("cart.checkout_outcome", outcome))
	if outcome == checkoutOutcomeFailed || outcome == checkoutOutcomeRejected {
		span.SetStatus(codes.Error, outcome)
	}
	s.checkouts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
