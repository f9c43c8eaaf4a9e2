package services

import (
	"context"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	domain "github.com/hanko-field/cart/internal/domain"
)

// MergeGuestCart folds an anonymous cart into the user's cart. Quantities are summed and capped
// at the per-item maximum; unknown, out of stock or invalid guest lines are skipped and reported
// as adjustments. Only store or upstream outages fail the merge.
func (s *cartService) MergeGuestCart(ctx context.Context, userID string, guestItems []GuestCartItem) (MergeResult, error) {
	uid, err := requireUserID(userID)
	if err != nil {
		return MergeResult{}, err
	}

	guest, adjustments := s.collapseGuestItems(guestItems)
	if len(guest) == 0 {
		cart, err := s.GetCart(ctx, uid)
		if err != nil {
			return MergeResult{}, err
		}
		return MergeResult{Cart: cart, Adjustments: adjustments}, nil
	}

	stored, err := s.load(ctx, uid)
	if err != nil {
		return MergeResult{}, err
	}

	now := s.now()
	merged := make(map[string]CartItem)
	order := make([]string, 0)
	if stored != nil {
		for _, item := range stored.Items {
			merged[item.ProductID] = item
			order = append(order, item.ProductID)
		}
	}

	pending := make([]GuestCartItem, 0, len(guest))
	for _, item := range guest {
		existing, ok := merged[item.ProductID]
		if !ok {
			if applied := s.capQuantity(item.Quantity); applied < item.Quantity {
				adjustments = append(adjustments, MergeAdjustment{
					ProductID: item.ProductID,
					Requested: item.Quantity,
					Applied:   applied,
					Reason:    domain.MergeAdjustmentCapped,
				})
				item.Quantity = applied
			}
			pending = append(pending, item)
			continue
		}
		requested := addQuantities(existing.Quantity, item.Quantity)
		applied := s.capQuantity(requested)
		if applied < requested {
			adjustments = append(adjustments, MergeAdjustment{
				ProductID: item.ProductID,
				Requested: requested,
				Applied:   applied,
				Reason:    domain.MergeAdjustmentCapped,
			})
		}
		existing.Quantity = applied
		existing.UpdatedAt = now
		merged[item.ProductID] = existing
	}

	if len(pending) > 0 {
		accepted, rejected, err := s.screenGuestItems(ctx, pending)
		if err != nil {
			return MergeResult{}, err
		}
		adjustments = append(adjustments, rejected...)
		for _, item := range accepted {
			merged[item.ProductID] = CartItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				AddedAt:   now,
				UpdatedAt: now,
			}
			order = append(order, item.ProductID)
		}
	}

	lines := make([]CartItem, 0, len(order))
	for _, pid := range order {
		lines = append(lines, merged[pid])
	}
	if len(lines) > s.limits.MaxItems {
		sortByRecency(lines)
		for _, dropped := range lines[s.limits.MaxItems:] {
			adjustments = append(adjustments, MergeAdjustment{
				ProductID: dropped.ProductID,
				Requested: dropped.Quantity,
				Reason:    domain.MergeAdjustmentCartFull,
			})
		}
		lines = lines[:s.limits.MaxItems]
	}

	if err := s.store.Replace(ctx, uid, lines); err != nil {
		return MergeResult{}, s.translateRepoError(err)
	}
	s.logger(ctx, "cart.guest_merged", map[string]any{
		"userId":      uid,
		"guestItems":  len(guestItems),
		"finalItems":  len(lines),
		"adjustments": len(adjustments),
	})

	cart, err := s.GetCart(ctx, uid)
	if err != nil {
		return MergeResult{}, err
	}
	return MergeResult{Cart: cart, Adjustments: adjustments}, nil
}

// collapseGuestItems sums duplicate guest lines in first-seen order and drops invalid ones.
func (s *cartService) collapseGuestItems(items []GuestCartItem) ([]GuestCartItem, []MergeAdjustment) {
	var adjustments []MergeAdjustment
	index := make(map[string]int, len(items))
	out := make([]GuestCartItem, 0, len(items))
	for _, item := range items {
		pid := strings.TrimSpace(item.ProductID)
		if _, err := requireProductID(pid); err != nil || item.Quantity <= 0 {
			adjustments = append(adjustments, MergeAdjustment{
				ProductID: pid,
				Requested: item.Quantity,
				Reason:    domain.MergeAdjustmentInvalidQuantity,
			})
			continue
		}
		if i, ok := index[pid]; ok {
			out[i].Quantity = addQuantities(out[i].Quantity, item.Quantity)
			continue
		}
		index[pid] = len(out)
		out = append(out, GuestCartItem{ProductID: pid, Quantity: item.Quantity})
	}
	return out, adjustments
}

// screenGuestItems validates products new to the cart with one catalog and one inventory batch.
func (s *cartService) screenGuestItems(ctx context.Context, items []GuestCartItem) ([]GuestCartItem, []MergeAdjustment, error) {
	ids := make([]string, 0, len(items))
	checks := make([]InventoryCheck, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
		checks = append(checks, InventoryCheck{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	var (
		products []ProductSummary
		stock    []InventoryAvailability
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		products, err = s.catalog.GetProductsBatch(gctx, ids)
		return err
	})
	g.Go(func() error {
		var err error
		stock, err = s.inventory.CheckInventoryBatch(gctx, checks)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, translateUpstreamError(err)
	}

	known := make(map[string]struct{}, len(products))
	for _, p := range products {
		known[p.ID] = struct{}{}
	}
	stockByID := make(map[string]InventoryAvailability, len(stock))
	for _, a := range stock {
		stockByID[a.ProductID] = a
	}

	accepted := make([]GuestCartItem, 0, len(items))
	var rejected []MergeAdjustment
	for _, item := range items {
		if _, ok := known[item.ProductID]; !ok {
			rejected = append(rejected, MergeAdjustment{ProductID: item.ProductID, Requested: item.Quantity, Reason: domain.MergeAdjustmentNotFound})
			continue
		}
		a, ok := stockByID[item.ProductID]
		if !ok || !a.Reported || !a.Available || a.AvailableQuantity < item.Quantity {
			rejected = append(rejected, MergeAdjustment{ProductID: item.ProductID, Requested: item.Quantity, Reason: domain.MergeAdjustmentOutOfStock})
			continue
		}
		accepted = append(accepted, item)
	}
	return accepted, rejected, nil
}

// addQuantities sums two positive quantities, saturating at math.MaxInt.
func addQuantities(a, b int) int {
	if b > math.MaxInt-a {
		return math.MaxInt
	}
	return a + b
}

func (s *cartService) capQuantity(quantity int) int {
	if quantity > s.limits.MaxQuantityPerItem {
		return s.limits.MaxQuantityPerItem
	}
	return quantity
}
