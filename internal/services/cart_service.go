package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hanko-field/cart/internal/clients"
	domain "github.com/hanko-field/cart/internal/domain"
	"github.com/hanko-field/cart/internal/repositories"
)

const instrumentationName = "github.com/hanko-field/cart/internal/services"

var (
	errCartStoreRequired     = errors.New("cart service: store is required")
	errCartCatalogRequired   = errors.New("cart service: catalog is required")
	errCartInventoryRequired = errors.New("cart service: inventory is required")
	errCartClockRequired     = errors.New("cart service: clock is required")
)

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartNotFound indicates the cart, a cart line or a product does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartUnavailable indicates the cart store, catalog or inventory could not be reached.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartReservationFailed indicates the inventory service refused to hold stock.
var ErrCartReservationFailed = errors.New("cart service: reservation failed")

// ErrCartInsufficientStock indicates the requested quantity is not in stock.
var ErrCartInsufficientStock = errors.New("cart service: insufficient stock")

const (
	defaultMaxItems           = 100
	defaultMaxQuantityPerItem = 10
	defaultReservationTimeout = 15 * time.Minute
	maxProductIDLength        = 128
	reservationIDPrefix       = "res_"
)

// CartLimits bounds cart contents and checkout holds.
type CartLimits struct {
	MaxItems           int
	MaxQuantityPerItem int
	MinOrderAmount     decimal.Decimal
	ReservationTimeout time.Duration
}

// CartServiceDeps wires the stores, upstream clients and settings for cart operations.
type CartServiceDeps struct {
	Store        repositories.CartStore
	Reservations repositories.ReservationStore
	Catalog      ProductCatalog
	Inventory    InventoryGateway
	Events       CartEventPublisher
	Limits       CartLimits
	Pricing      PricingSettings
	Clock        func() time.Time
	Logger       func(context.Context, string, map[string]any)
	IDGenerator  func() string
	Meter        metric.Meter
}

type cartService struct {
	store        repositories.CartStore
	reservations repositories.ReservationStore
	catalog      ProductCatalog
	inventory    InventoryGateway
	events       CartEventPublisher
	limits       CartLimits
	pricer       *estimator
	newID        func() string
	now          func() time.Time
	logger       func(context.Context, string, map[string]any)
	tracer       trace.Tracer
	checkouts    metric.Int64Counter
}

var _ CartService = (*cartService)(nil)

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Store == nil {
		return nil, errCartStoreRequired
	}
	if deps.Catalog == nil {
		return nil, errCartCatalogRequired
	}
	if deps.Inventory == nil {
		return nil, errCartInventoryRequired
	}
	if deps.Clock == nil {
		return nil, errCartClockRequired
	}

	limits := deps.Limits
	if limits.MaxItems <= 0 {
		limits.MaxItems = defaultMaxItems
	}
	if limits.MaxQuantityPerItem <= 0 {
		limits.MaxQuantityPerItem = defaultMaxQuantityPerItem
	}
	if limits.ReservationTimeout <= 0 {
		limits.ReservationTimeout = defaultReservationTimeout
	}
	if limits.MinOrderAmount.IsNegative() {
		return nil, fmt.Errorf("%w: minimum order amount must not be negative", ErrCartInvalidInput)
	}

	pricer, err := newEstimator(deps.Pricing)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	checkouts, err := meter.Int64Counter(
		"cart.checkout.preparations",
		metric.WithDescription("Checkout preparations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("cart service: register checkout counter: %w", err)
	}

	return &cartService{
		store:        deps.Store,
		reservations: deps.Reservations,
		catalog:      deps.Catalog,
		inventory:    deps.Inventory,
		events:       deps.Events,
		limits:       limits,
		pricer:       pricer,
		newID:        idGen,
		now:          func() time.Time { return deps.Clock().UTC() },
		logger:       logger,
		tracer:       otel.Tracer(instrumentationName),
		checkouts:    checkouts,
	}, nil
}

// GetCart returns the enriched cart or nil when the user has no live cart.
func (s *cartService) GetCart(ctx context.Context, userID string) (*Cart, error) {
	uid, err := requireUserID(userID)
	if err != nil {
		return nil, err
	}
	stored, err := s.load(ctx, uid)
	if err != nil {
		return nil, err
	}
	if stored.Empty() {
		return nil, nil
	}
	return s.enrich(ctx, stored)
}

func (s *cartService) AddToCart(ctx context.Context, cmd AddToCartCommand) (*Cart, error) {
	uid, err := requireUserID(cmd.UserID)
	if err != nil {
		return nil, err
	}
	pid, err := requireProductID(cmd.ProductID)
	if err != nil {
		return nil, err
	}
	if cmd.Quantity <= 0 || cmd.Quantity > s.limits.MaxQuantityPerItem {
		return nil, fmt.Errorf("%w: quantity must be between 1 and %d", ErrCartInvalidInput, s.limits.MaxQuantityPerItem)
	}

	stored, err := s.load(ctx, uid)
	if err != nil {
		return nil, err
	}
	existing, exists := stored.Item(pid)
	if !exists && lineCount(stored) >= s.limits.MaxItems {
		return nil, fmt.Errorf("%w: cart cannot hold more than %d products", ErrCartInvalidInput, s.limits.MaxItems)
	}
	quantity := existing.Quantity + cmd.Quantity
	if quantity > s.limits.MaxQuantityPerItem {
		return nil, fmt.Errorf("%w: quantity for %s would exceed %d", ErrCartInvalidInput, pid, s.limits.MaxQuantityPerItem)
	}

	product, err := s.lookupProduct(ctx, pid)
	if err != nil {
		return nil, err
	}
	if err := s.ensureStock(ctx, pid, quantity); err != nil {
		return nil, err
	}

	if err := s.store.SetItem(ctx, uid, pid, quantity); err != nil {
		return nil, s.translateRepoError(err)
	}
	s.logger(ctx, "cart.item_added", map[string]any{
		"userId":    uid,
		"productId": pid,
		"quantity":  quantity,
	})

	cart, err := s.GetCart(ctx, uid)
	if err != nil {
		return nil, err
	}
	s.publishItemAdded(ctx, uid, product, cmd.Quantity, cart)
	return cart, nil
}

func (s *cartService) UpdateCartItem(ctx context.Context, cmd UpdateCartItemCommand) (*Cart, error) {
	uid, err := requireUserID(cmd.UserID)
	if err != nil {
		return nil, err
	}
	pid, err := requireProductID(cmd.ProductID)
	if err != nil {
		return nil, err
	}
	if cmd.Quantity <= 0 {
		return s.RemoveFromCart(ctx, uid, pid)
	}
	if cmd.Quantity > s.limits.MaxQuantityPerItem {
		return nil, fmt.Errorf("%w: quantity must not exceed %d", ErrCartInvalidInput, s.limits.MaxQuantityPerItem)
	}

	stored, err := s.load(ctx, uid)
	if err != nil {
		return nil, err
	}
	if stored.Empty() {
		return nil, fmt.Errorf("%w: cart is empty", ErrCartNotFound)
	}
	if _, ok := stored.Item(pid); !ok {
		return nil, fmt.Errorf("%w: product %s is not in the cart", ErrCartNotFound, pid)
	}
	if err := s.ensureStock(ctx, pid, cmd.Quantity); err != nil {
		return nil, err
	}
	if err := s.store.SetItem(ctx, uid, pid, cmd.Quantity); err != nil {
		return nil, s.translateRepoError(err)
	}
	s.logger(ctx, "cart.item_updated", map[string]any{
		"userId":    uid,
		"productId": pid,
		"quantity":  cmd.Quantity,
	})
	return s.GetCart(ctx, uid)
}

// RemoveFromCart deletes a line. Removing an absent line returns the cart unchanged.
func (s *cartService) RemoveFromCart(ctx context.Context, userID, productID string) (*Cart, error) {
	uid, err := requireUserID(userID)
	if err != nil {
		return nil, err
	}
	pid, err := requireProductID(productID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RemoveItem(ctx, uid, pid); err != nil {
		return nil, s.translateRepoError(err)
	}
	s.logger(ctx, "cart.item_removed", map[string]any{
		"userId":    uid,
		"productId": pid,
	})
	return s.GetCart(ctx, uid)
}

func (s *cartService) ClearCart(ctx context.Context, userID string) error {
	uid, err := requireUserID(userID)
	if err != nil {
		return err
	}
	if err := s.store.Clear(ctx, uid); err != nil {
		return s.translateRepoError(err)
	}
	if s.reservations != nil {
		if err := s.reservations.ClearReservation(ctx, uid); err != nil {
			return s.translateRepoError(err)
		}
	}
	s.logger(ctx, "cart.cleared", map[string]any{"userId": uid})
	return nil
}

// GetCartItemCount returns the total number of units across all lines.
func (s *cartService) GetCartItemCount(ctx context.Context, userID string) (int, error) {
	uid, err := requireUserID(userID)
	if err != nil {
		return 0, err
	}
	stored, err := s.load(ctx, uid)
	if err != nil {
		return 0, err
	}
	if stored.Empty() {
		return 0, nil
	}
	return domain.TotalQuantity(stored.Items), nil
}

// MaxPriceSnapshotEntries bounds the number of prices a caller may submit for comparison.
const MaxPriceSnapshotEntries = 200

// ParsePriceSnapshot converts caller supplied unit prices keyed by product id into a snapshot for
// ValidateCartCommand. Amounts must be non-negative decimals. An empty input yields nil.
func ParsePriceSnapshot(raw map[string]string) (map[string]decimal.Decimal, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) > MaxPriceSnapshotEntries {
		return nil, fmt.Errorf("%w: price snapshot cannot exceed %d entries", ErrCartInvalidInput, MaxPriceSnapshotEntries)
	}
	snapshot := make(map[string]decimal.Decimal, len(raw))
	for productID, amount := range raw {
		pid := strings.TrimSpace(productID)
		if pid == "" {
			return nil, fmt.Errorf("%w: price snapshot product id is required", ErrCartInvalidInput)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil {
			return nil, fmt.Errorf("%w: price snapshot for %s is not a decimal", ErrCartInvalidInput, pid)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("%w: price snapshot for %s must not be negative", ErrCartInvalidInput, pid)
		}
		snapshot[pid] = price
	}
	return snapshot, nil
}

func (s *cartService) ValidateCart(ctx context.Context, cmd ValidateCartCommand) (CartValidationResult, error) {
	uid, err := requireUserID(cmd.UserID)
	if err != nil {
		return CartValidationResult{}, err
	}
	stored, err := s.load(ctx, uid)
	if err != nil {
		return CartValidationResult{}, err
	}
	if stored.Empty() {
		return s.validate(nil, nil), nil
	}
	cart, err := s.enrich(ctx, stored)
	if err != nil {
		return CartValidationResult{}, err
	}
	result := s.validate(cart, cmd.PriceSnapshot)
	s.logger(ctx, "cart.validated", map[string]any{
		"userId":     uid,
		"isValid":    result.IsValid,
		"issueCount": len(result.Issues),
	})
	return result, nil
}

// validate evaluates an enriched snapshot. Each line reports at most one issue, in the order
// not found, out of stock, quantity exceeds stock, price changed.
func (s *cartService) validate(cart *Cart, snapshot map[string]decimal.Decimal) CartValidationResult {
	result := CartValidationResult{Issues: []ValidationIssue{}}
	total := decimal.Zero
	if cart != nil {
		total = cart.TotalAmount
		for _, line := range cart.Items {
			if issue, ok := lineIssue(line, snapshot); ok {
				result.Issues = append(result.Issues, issue)
			}
		}
	}
	if total.LessThan(s.limits.MinOrderAmount) {
		result.Issues = append(result.Issues, ValidationIssue{
			Reason:  domain.ValidationReasonBelowMinimumOrder,
			Message: fmt.Sprintf("minimum order amount is %s %s", s.pricer.round(s.limits.MinOrderAmount).StringFixed(s.pricer.places), s.pricer.currency),
		})
	}
	result.IsValid = len(result.Issues) == 0
	return result
}

func lineIssue(line EnrichedCartItem, snapshot map[string]decimal.Decimal) (ValidationIssue, bool) {
	pid := line.ProductID
	switch {
	case !line.Found:
		return ValidationIssue{ProductID: pid, Reason: domain.ValidationReasonNotFound, Message: fmt.Sprintf("product %s is no longer available", pid)}, true
	case !line.Available || line.InventoryStatus == domain.InventoryStatusOutOfStock:
		return ValidationIssue{ProductID: pid, Reason: domain.ValidationReasonOutOfStock, Message: fmt.Sprintf("%s is out of stock", displayName(line))}, true
	case line.AvailableQuantity < line.Quantity:
		return ValidationIssue{
			ProductID: pid,
			Reason:    domain.ValidationReasonQuantityExceedsStock,
			Message:   fmt.Sprintf("only %d of %s available, %d requested", line.AvailableQuantity, displayName(line), line.Quantity),
		}, true
	}
	if previous, ok := snapshot[pid]; ok && !previous.Equal(line.UnitPrice) {
		return ValidationIssue{
			ProductID: pid,
			Reason:    domain.ValidationReasonPriceChanged,
			Message:   fmt.Sprintf("price of %s changed from %s to %s", displayName(line), previous.String(), line.UnitPrice.String()),
		}, true
	}
	return ValidationIssue{}, false
}

func (s *cartService) load(ctx context.Context, userID string) (*StoredCart, error) {
	stored, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	return stored, nil
}

// enrich joins stored lines with catalog and inventory data fetched concurrently.
func (s *cartService) enrich(ctx context.Context, stored *StoredCart) (*Cart, error) {
	ctx, span := s.tracer.Start(ctx, "cart.enrich", trace.WithAttributes(attribute.Int("cart.lines", len(stored.Items))))
	defer span.End()

	ids := make([]string, 0, len(stored.Items))
	checks := make([]InventoryCheck, 0, len(stored.Items))
	for _, item := range stored.Items {
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
		span.RecordError(err)
		span.SetStatus(codes.Error, "enrichment failed")
		s.logger(ctx, "cart.enrich_failed", map[string]any{
			"userId": stored.UserID,
			"lines":  len(stored.Items),
			"error":  err,
		})
		return nil, translateUpstreamError(err)
	}
	return s.assemble(stored, products, stock), nil
}

func (s *cartService) assemble(stored *StoredCart, products []ProductSummary, stock []InventoryAvailability) *Cart {
	productByID := make(map[string]ProductSummary, len(products))
	for _, p := range products {
		productByID[p.ID] = p
	}
	stockByID := make(map[string]InventoryAvailability, len(stock))
	for _, a := range stock {
		if _, seen := stockByID[a.ProductID]; !seen {
			stockByID[a.ProductID] = a
		}
	}

	items := make([]EnrichedCartItem, 0, len(stored.Items))
	for _, item := range stored.Items {
		line := EnrichedCartItem{
			CartItem:        item,
			UnitPrice:       decimal.Zero,
			LineTotal:       decimal.Zero,
			InventoryStatus: domain.InventoryStatusUnknown,
		}
		if p, ok := productByID[item.ProductID]; ok {
			product := p
			line.Found = true
			line.Product = &product
			line.Name = p.Name
			line.ImageURL = p.ImageURL
			line.UnitPrice = p.Price
			line.LineTotal = domain.LineTotal(p.Price, item.Quantity)
			line.InventoryStatus = p.InventoryStatus
		}
		if a, ok := stockByID[item.ProductID]; ok && a.Reported {
			line.Available = a.Available
			line.AvailableQuantity = a.AvailableQuantity
			if line.Found && a.Status != domain.InventoryStatusUnknown {
				line.InventoryStatus = a.Status
			}
		}
		items = append(items, line)
	}

	subtotal := domain.SumLineTotals(items)
	cart := &Cart{
		UserID:      stored.UserID,
		Items:       items,
		ItemCount:   domain.TotalQuantity(stored.Items),
		TotalAmount: s.pricer.round(subtotal),
		Currency:    s.pricer.currency,
		CreatedAt:   stored.CreatedAt,
		UpdatedAt:   stored.UpdatedAt,
		ExpiresAt:   stored.ExpiresAt,
	}
	estimate := s.pricer.estimate(items, subtotal)
	cart.Estimate = &estimate
	return cart
}

func (s *cartService) lookupProduct(ctx context.Context, productID string) (ProductSummary, error) {
	products, err := s.catalog.GetProductsBatch(ctx, []string{productID})
	if err != nil {
		return ProductSummary{}, translateUpstreamError(err)
	}
	for _, p := range products {
		if p.ID == productID {
			return p, nil
		}
	}
	return ProductSummary{}, fmt.Errorf("%w: product %s", ErrCartNotFound, productID)
}

func (s *cartService) ensureStock(ctx context.Context, productID string, quantity int) error {
	availability, err := s.inventory.CheckInventory(ctx, productID, quantity)
	if err != nil {
		return translateUpstreamError(err)
	}
	if !availability.Available || availability.Status == domain.InventoryStatusOutOfStock || availability.AvailableQuantity < quantity {
		return fmt.Errorf("%w: %d of %s available, %d requested", ErrCartInsufficientStock, availability.AvailableQuantity, productID, quantity)
	}
	return nil
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %w", ErrCartNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrCartUnavailable, err)
}

func translateUpstreamError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, clients.ErrUnavailable),
		errors.Is(err, clients.ErrRejected),
		errors.Is(err, clients.ErrInvalidResponse),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrCartUnavailable, err)
	default:
		return err
	}
}

func requireUserID(userID string) (string, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return "", fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	return uid, nil
}

func requireProductID(productID string) (string, error) {
	pid := strings.TrimSpace(productID)
	if pid == "" {
		return "", fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if len(pid) > maxProductIDLength {
		return "", fmt.Errorf("%w: product id is too long", ErrCartInvalidInput)
	}
	return pid, nil
}

func lineCount(stored *StoredCart) int {
	if stored == nil {
		return 0
	}
	return len(stored.Items)
}

func displayName(line EnrichedCartItem) string {
	if name := strings.TrimSpace(line.Name); name != "" {
		return name
	}
	return line.ProductID
}

// sortByRecency orders lines newest first, breaking ties by product id.
func sortByRecency(items []CartItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ProductID < items[j].ProductID
	})
}
