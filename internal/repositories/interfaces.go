package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/cart/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartStore persists per-user cart lines with a sliding expiry.
//
// Writes are atomic per user key only; concurrent writers to the same key are
// last-write-wins at line granularity.
type CartStore interface {
	// Get returns the stored cart or nil when the user has no live cart.
	Get(ctx context.Context, userID string) (*domain.StoredCart, error)
	// SetItem upserts one line, preserving its original AddedAt and refreshing the expiry.
	SetItem(ctx context.Context, userID, productID string, quantity int) error
	// RemoveItem deletes one line. Removing an absent line is not an error.
	RemoveItem(ctx context.Context, userID, productID string) error
	// Replace rewrites every line of the cart in one step.
	Replace(ctx context.Context, userID string, items []domain.CartItem) error
	// Clear deletes the cart. Clearing an absent cart is not an error.
	Clear(ctx context.Context, userID string) error
	// Count returns the number of distinct lines.
	Count(ctx context.Context, userID string) (int, error)
}

// ReservationStore remembers the active inventory reservation for a cart.
type ReservationStore interface {
	SaveReservation(ctx context.Context, userID, reservationID string, ttl time.Duration) error
	ClearReservation(ctx context.Context, userID string) error
}

// CartScanner walks stored carts for background maintenance.
type CartScanner interface {
	// ScanUserIDs calls fn for every stored cart until fn returns an error or the scan completes.
	ScanUserIDs(ctx context.Context, fn func(userID string) error) error
	// MarkExpirationNotified records a reminder for userID and days remaining. It returns false
	// when the same reminder was already recorded within ttl.
	MarkExpirationNotified(ctx context.Context, userID string, days int, ttl time.Duration) (bool, error)
}

// HealthRepository aggregates dependency health.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
