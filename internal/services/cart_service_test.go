package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/cart/internal/clients"
	domain "github.com/hanko-field/cart/internal/domain"
)

var testNow = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

type memoryCartStore struct {
	mu           sync.Mutex
	now          func() time.Time
	carts        map[string]*domain.StoredCart
	reservations map[string]string
	getErr       error
	writeErr     error
	writes       int
}

func newMemoryCartStore() *memoryCartStore {
	return &memoryCartStore{
		now:          func() time.Time { return testNow },
		carts:        map[string]*domain.StoredCart{},
		reservations: map[string]string{},
	}
}

// seed stores lines with strictly increasing timestamps in argument order.
func (m *memoryCartStore) seed(userID string, lines ...CartItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cart := &domain.StoredCart{UserID: userID, CreatedAt: testNow.Add(-time.Hour), UpdatedAt: testNow.Add(-time.Hour), ExpiresAt: testNow.Add(30 * 24 * time.Hour)}
	for i, line := range lines {
		if line.AddedAt.IsZero() {
			line.AddedAt = testNow.Add(-time.Hour + time.Duration(i)*time.Minute)
		}
		if line.UpdatedAt.IsZero() {
			line.UpdatedAt = line.AddedAt
		}
		cart.Items = append(cart.Items, line)
	}
	m.carts[userID] = cart
}

func (m *memoryCartStore) Get(_ context.Context, userID string) (*domain.StoredCart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	cart, ok := m.carts[userID]
	if !ok || len(cart.Items) == 0 {
		return nil, nil
	}
	clone := *cart
	clone.Items = append([]CartItem(nil), cart.Items...)
	return &clone, nil
}

func (m *memoryCartStore) SetItem(_ context.Context, userID, productID string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes++
	now := m.now()
	cart, ok := m.carts[userID]
	if !ok {
		cart = &domain.StoredCart{UserID: userID, CreatedAt: now}
		m.carts[userID] = cart
	}
	cart.UpdatedAt = now
	for i := range cart.Items {
		if cart.Items[i].ProductID == productID {
			cart.Items[i].Quantity = quantity
			cart.Items[i].UpdatedAt = now
			return nil
		}
	}
	cart.Items = append(cart.Items, CartItem{ProductID: productID, Quantity: quantity, AddedAt: now, UpdatedAt: now})
	return nil
}

func (m *memoryCartStore) RemoveItem(_ context.Context, userID, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes++
	cart, ok := m.carts[userID]
	if !ok {
		return nil
	}
	kept := cart.Items[:0]
	for _, item := range cart.Items {
		if item.ProductID != productID {
			kept = append(kept, item)
		}
	}
	cart.Items = kept
	if len(kept) == 0 {
		delete(m.carts, userID)
	}
	return nil
}

func (m *memoryCartStore) Replace(_ context.Context, userID string, items []CartItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes++
	if len(items) == 0 {
		delete(m.carts, userID)
		return nil
	}
	m.carts[userID] = &domain.StoredCart{UserID: userID, Items: append([]CartItem(nil), items...), UpdatedAt: m.now()}
	return nil
}

func (m *memoryCartStore) Clear(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	delete(m.carts, userID)
	return nil
}

func (m *memoryCartStore) Count(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cart, ok := m.carts[userID]; ok {
		return len(cart.Items), nil
	}
	return 0, nil
}

func (m *memoryCartStore) SaveReservation(_ context.Context, userID, reservationID string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[userID] = reservationID
	return nil
}

func (m *memoryCartStore) reservation(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reservations[userID]
}

func (m *memoryCartStore) ClearReservation(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, userID)
	return nil
}

func (m *memoryCartStore) quantities(userID string) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	if cart, ok := m.carts[userID]; ok {
		for _, item := range cart.Items {
			out[item.ProductID] = item.Quantity
		}
	}
	return out
}

type stubCatalog struct {
	mu       sync.Mutex
	products map[string]ProductSummary
	err      error
	calls    int
}

func newStubCatalog(products ...ProductSummary) *stubCatalog {
	c := &stubCatalog{products: map[string]ProductSummary{}}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (c *stubCatalog) GetProductsBatch(_ context.Context, ids []string) ([]ProductSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	out := make([]ProductSummary, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type stubInventory struct {
	mu           sync.Mutex
	stock        map[string]int
	checkErr     error
	reserveFunc  func(reservationID, userID string, items []ReservationItem, expiresAt time.Time) (ReservationResult, error)
	reserveCalls int
}

func newStubInventory(stock map[string]int) *stubInventory {
	return &stubInventory{stock: stock}
}

func (s *stubInventory) availability(productID string, quantity int) InventoryAvailability {
	available, ok := s.stock[productID]
	if !ok {
		return InventoryAvailability{ProductID: productID, RequestedQuantity: quantity, Status: domain.InventoryStatusUnknown}
	}
	status := domain.InventoryStatusInStock
	if available == 0 {
		status = domain.InventoryStatusOutOfStock
	}
	return InventoryAvailability{
		ProductID:         productID,
		RequestedQuantity: quantity,
		Available:         available > 0,
		AvailableQuantity: available,
		Status:            status,
		Reported:          true,
	}
}

func (s *stubInventory) CheckInventory(_ context.Context, productID string, quantity int) (InventoryAvailability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkErr != nil {
		return InventoryAvailability{}, s.checkErr
	}
	return s.availability(productID, quantity), nil
}

func (s *stubInventory) CheckInventoryBatch(_ context.Context, items []InventoryCheck) ([]InventoryAvailability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkErr != nil {
		return nil, s.checkErr
	}
	out := make([]InventoryAvailability, 0, len(items))
	for _, item := range items {
		out = append(out, s.availability(item.ProductID, item.Quantity))
	}
	return out, nil
}

func (s *stubInventory) ReserveInventory(_ context.Context, reservationID, userID string, items []ReservationItem, expiresAt time.Time) (ReservationResult, error) {
	s.mu.Lock()
	s.reserveCalls++
	fn := s.reserveFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(reservationID, userID, items, expiresAt)
	}
	result := ReservationResult{ReservationID: reservationID, AllReserved: true, ExpiresAt: expiresAt}
	for _, item := range items {
		result.Items = append(result.Items, domain.ReservationItemResult{
			ProductID:         item.ProductID,
			RequestedQuantity: item.Quantity,
			ReservedQuantity:  item.Quantity,
			Success:           true,
		})
	}
	return result, nil
}

type stubPublisher struct {
	mu        sync.Mutex
	added     []domain.CartItemAddedEvent
	expiring  []domain.CartExpirationEvent
	addedErr  error
	expireErr error
}

func (p *stubPublisher) PublishCartItemAdded(_ context.Context, event domain.CartItemAddedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, event)
	return p.addedErr
}

func (p *stubPublisher) PublishCartExpiration(_ context.Context, event domain.CartExpirationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiring = append(p.expiring, event)
	return p.expireErr
}

func testPricing() PricingSettings {
	return PricingSettings{
		Currency:                "USD",
		DecimalPlaces:           2,
		TaxRate:                 decimal.RequireFromString("0.1"),
		ShippingCost:            decimal.NewFromInt(10),
		FreeShippingThreshold:   decimal.NewFromInt(100),
		BulkDiscountMinQuantity: 10,
		BulkDiscountRate:        decimal.RequireFromString("0.05"),
		Locale:                  "en-US",
	}
}

func product(id, price string) ProductSummary {
	return ProductSummary{
		ID:              id,
		Name:            "Product " + id,
		Price:           decimal.RequireFromString(price),
		InventoryStatus: domain.InventoryStatusInStock,
	}
}

type serviceFixture struct {
	store     *memoryCartStore
	catalog   *stubCatalog
	inventory *stubInventory
	events    *stubPublisher
	svc       CartService
}

func newServiceFixture(t *testing.T, catalog *stubCatalog, inventory *stubInventory, mutate ...func(*CartServiceDeps)) serviceFixture {
	t.Helper()
	f := serviceFixture{
		store:     newMemoryCartStore(),
		catalog:   catalog,
		inventory: inventory,
		events:    &stubPublisher{},
	}
	deps := CartServiceDeps{
		Store:        f.store,
		Reservations: f.store,
		Catalog:      catalog,
		Inventory:    inventory,
		Events:       f.events,
		Limits: CartLimits{
			MaxItems:           3,
			MaxQuantityPerItem: 10,
			MinOrderAmount:     decimal.NewFromInt(10),
			ReservationTimeout: 15 * time.Minute,
		},
		Pricing:     testPricing(),
		Clock:       func() time.Time { return testNow },
		IDGenerator: func() string { return "01TESTRESERVATION" },
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	svc, err := NewCartService(deps)
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	f.svc = svc
	return f
}

func TestNewCartServiceValidatesDependencies(t *testing.T) {
	catalog := newStubCatalog()
	inventory := newStubInventory(nil)
	cases := map[string]CartServiceDeps{
		"store":     {Catalog: catalog, Inventory: inventory, Clock: time.Now},
		"catalog":   {Store: newMemoryCartStore(), Inventory: inventory, Clock: time.Now},
		"inventory": {Store: newMemoryCartStore(), Catalog: catalog, Clock: time.Now},
		"clock":     {Store: newMemoryCartStore(), Catalog: catalog, Inventory: inventory},
		"currency":  {Store: newMemoryCartStore(), Catalog: catalog, Inventory: inventory, Clock: time.Now, Pricing: PricingSettings{Currency: "NOPE"}},
	}
	for name, deps := range cases {
		if _, err := NewCartService(deps); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestCartServiceGetCartEnrichesAndRoundsTotalOnce(t *testing.T) {
	f := newServiceFixture(t,
		newStubCatalog(product("A", "0.335"), product("B", "0.335")),
		newStubInventory(map[string]int{"A": 5, "B": 5}),
	)
	f.store.seed("user-1", CartItem{ProductID: "A", Quantity: 1}, CartItem{ProductID: "B", Quantity: 1})

	cart, err := f.svc.GetCart(context.Background(), " user-1 ")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if cart == nil || len(cart.Items) != 2 {
		t.Fatalf("expected two lines, got %#v", cart)
	}
	if !cart.TotalAmount.Equal(decimal.RequireFromString("0.67")) {
		t.Fatalf("expected total rounded once to 0.67, got %s", cart.TotalAmount)
	}
	if !cart.Items[0].LineTotal.Equal(decimal.RequireFromString("0.335")) {
		t.Fatalf("expected unrounded line total, got %s", cart.Items[0].LineTotal)
	}
	if cart.ItemCount != 2 || cart.Currency != "USD" {
		t.Fatalf("unexpected summary fields %#v", cart)
	}
	if cart.Estimate == nil || cart.Estimate.Formatted.Total == "" {
		t.Fatalf("expected formatted estimate")
	}
	if f.catalog.calls != 1 {
		t.Fatalf("expected one catalog batch call, got %d", f.catalog.calls)
	}
}

type gatedCatalog struct {
	ProductCatalog
	gate <-chan struct{}
}

func (c gatedCatalog) GetProductsBatch(ctx context.Context, ids []string) ([]ProductSummary, error) {
	select {
	case <-c.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Second):
		return nil, errors.New("inventory lookup never started while catalog lookup was in flight")
	}
	return c.ProductCatalog.GetProductsBatch(ctx, ids)
}

type signallingInventory struct {
	InventoryGateway
	once   sync.Once
	signal chan struct{}
}

func (s *signallingInventory) CheckInventoryBatch(ctx context.Context, items []InventoryCheck) ([]InventoryAvailability, error) {
	s.once.Do(func() { close(s.signal) })
	return s.InventoryGateway.CheckInventoryBatch(ctx, items)
}

func TestCartServiceGetCartEnrichesConcurrently(t *testing.T) {
	started := make(chan struct{})
	catalog := newStubCatalog(product("A", "10"))
	inventory := newStubInventory(map[string]int{"A": 5})
	f := newServiceFixture(t, catalog, inventory, func(deps *CartServiceDeps) {
		deps.Catalog = gatedCatalog{ProductCatalog: catalog, gate: started}
		deps.Inventory = &signallingInventory{InventoryGateway: inventory, signal: started}
	})
	f.store.seed("u", CartItem{ProductID: "A", Quantity: 2})

	cart, err := f.svc.GetCart(context.Background(), "u")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if cart == nil || len(cart.Items) != 1 || !cart.Items[0].Found {
		t.Fatalf("expected enriched cart, got %#v", cart)
	}
}

func TestCartServiceGetCartReturnsNilWhenEmpty(t *testing.T) {
	f := newServiceFixture(t, newStubCatalog(), newStubInventory(nil))

	cart, err := f.svc.GetCart(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if cart != nil {
		t.Fatalf("expected nil cart, got %#v", cart)
	}
	if f.catalog.calls != 0 {
		t.Fatalf("expected no enrichment for an empty cart")
	}
}

func TestCartServiceGetCartSurfacesUpstreamOutage(t *testing.T) {
	catalog := newStubCatalog(product("A", "10"))
	catalog.err = fmt.Errorf("catalog: %w", clients.ErrUnavailable)
	f := newServiceFixture(t, catalog, newStubInventory(map[string]int{"A": 5}))
	f.store.seed("user-1", CartItem{ProductID: "A", Quantity: 1})

	_, err := f.svc.GetCart(context.Background(), "user-1")
	if !errors.Is(err, ErrCartUnavailable) {
		t.Fatalf("expected ErrCartUnavailable, got %v", err)
	}
}

func TestCartServiceGetCartRequiresUser(t *testing.T) {
	f := newServiceFixture(t, newStubCatalog(), newStubInventory(nil))
	if _, err := f.svc.GetCart(context.Background(), "  "); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCartServiceKeepsMissingProductsAsNotFoundLines(t *testing.T) {
	f := newServiceFixture(t,
		newStubCatalog(product("A", "10.00")),
		newStubInventory(map[string]int{"A": 10, "B": 10}),
	)
	f.store.seed("user-1", CartItem{ProductID: "A", Quantity: 2}, CartItem{ProductID: "B", Quantity: 1})

	cart, err := f.svc.GetCart(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(cart.Items) != 2 {
		t.Fatalf("expected missing product to stay in the cart, got %d lines", len(cart.Items))
	}
	missing := cart.Items[1]
	if missing.ProductID != "B" || missing.Found || !missing.LineTotal.IsZero() || missing.InventoryStatus != domain.InventoryStatusUnknown {
		t.Fatalf("unexpected missing line %#v", missing)
	}
	if !cart.TotalAmount.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected total 20, got %s", cart.TotalAmount)
	}

	result, err := f.svc.ValidateCart(context.Background(), ValidateCartCommand{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ValidateCart: %v", err)
	}
	if result.IsValid {
		t.Fatalf("expected invalid cart")
	}
	if len(result.Issues) != 1 || result.Issues[0].ProductID != "B" || result.Issues[0].Reason != domain.ValidationReasonNotFound {
		t.Fatalf("expected a single NOT_FOUND issue for B, got %#v", result.Issues)
	}
}

func TestCartServiceValidateCartPrecedence(t *testing.T) {
	outOfStock := product("OOS", "5")
	f := newServiceFixture(t,
		newStubCatalog(outOfStock, product("LOW", "5"), product("PRICE", "7.50"), product("OK", "5")),
		newStubInventory(map[string]int{"OOS": 0, "LOW": 1, "PRICE": 10, "OK": 10}),
		func(d *CartServiceDeps) { d.Limits.MaxItems = 10 },
	)
	f.store.seed("user-1",
		CartItem{ProductID: "OOS", Quantity: 1},
		CartItem{ProductID: "LOW", Quantity: 3},
		CartItem{ProductID: "PRICE", Quantity: 2},
		CartItem{ProductID: "OK", Quantity: 1},
	)

	result, err := f.svc.ValidateCart(context.Background(), ValidateCartCommand{
		UserID: "user-1",
		PriceSnapshot: map[string]decimal.Decimal{
			"OOS":   decimal.NewFromInt(1),
			"PRICE": decimal.RequireFromString("6.99"),
			"OK":    decimal.NewFromInt(5),
		},
	})
	if err != nil {
		t.Fatalf("ValidateCart: %v", err)
	}
	got := map[string]domain.ValidationReason{}
	for _, issue := range result.Issues {
		got[issue.ProductID] = issue.Reason
	}
	want := map[string]domain.ValidationReason{
		"OOS":   domain.ValidationReasonOutOfStock,
		"LOW":   domain.ValidationReasonQuantityExceedsStock,
		"PRICE": domain.ValidationReasonPriceChanged,
	}
	if len(got) != len(want) {
		t.Fatalf("expected issues %v, got %v", want, got)
	}
	for pid, reason := range want {
		if got[pid] != reason {
			t.Fatalf("product %s: expected %s, got %s", pid, reason, got[pid])
		}
	}
	if result.IsValid {
		t.Fatalf("expected invalid result")
	}
}

func TestParsePriceSnapshot(t *testing.T) {
	snapshot, err := ParsePriceSnapshot(map[string]string{" sku-1 ": "9.99", "sku-2": "0"})
	if err != nil {
		t.Fatalf("ParsePriceSnapshot: %v", err)
	}
	if !snapshot["sku-1"].Equal(decimal.RequireFromString("9.99")) || !snapshot["sku-2"].IsZero() || len(snapshot) != 2 {
		t.Fatalf("unexpected snapshot %v", snapshot)
	}

	if snapshot, err := ParsePriceSnapshot(nil); err != nil || snapshot != nil {
		t.Fatalf("expected nil snapshot for empty input, got %v %v", snapshot, err)
	}

	oversized := make(map[string]string, MaxPriceSnapshotEntries+1)
	for i := 0; i <= MaxPriceSnapshotEntries; i++ {
		oversized[fmt.Sprintf("sku-%d", i)] = "1"
	}
	for name, raw := range map[string]map[string]string{
		"not a decimal": {"sku-1": "ten"},
		"negative":      {"sku-1": "-1"},
		"blank product": {" ": "1"},
		"too many":      oversized,
	} {
		if _, err := ParsePriceSnapshot(raw); !errors.Is(err, ErrCartInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
}

func TestCartServiceValidateEmptyCart(t *testing.T) {
	f := newServiceFixture(t, newStubCatalog(), newStubInventory(nil))

	result, err := f.svc.ValidateCart(context.Background(), ValidateCartCommand{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ValidateCart: %v", err)
	}
	if result.IsValid || len(result.Issues) != 1 || result.Issues[0].Reason != domain.ValidationReasonBelowMinimumOrder || result.Issues[0].ProductID != "" {
		t.Fatalf("expected a single cart level BELOW_MIN_ORDER issue, got %#v", result)
	}

	zeroMin := newServiceFixture(t, newStubCatalog(), newStubInventory(nil), func(d *CartServiceDeps) {
		d.Limits.MinOrderAmount = decimal.Zero
	})
	result, err = zeroMin.svc.ValidateCart(context.Background(), ValidateCartCommand{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ValidateCart: %v", err)
	}
	if !result.IsValid {
		t.Fatalf("expected empty cart to be valid with a zero minimum, got %#v", result)
	}
}

func TestCartServiceValidateBelowMinimum(t *testing.T) {
	f := newServiceFixture(t, newStubCatalog(product("A", "4.99")), newStubInventory(map[string]int{"A": 10}))
	f.store.seed("user-1", CartItem{ProductID: "A", Quantity: 2})

	result, err := f.svc.ValidateCart(context.Background(), ValidateCartCommand{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ValidateCart: %v", err)
	}
	if result.IsValid || len(result.Issues) != 1 || result.Issues[0].Reason != domain.ValidationReasonBelowMinimumOrder {
		t.Fatalf("expected BELOW_MIN_ORDER, got %#v", result.Issues)
	}
}

func TestCartServiceAddToCart(t *testing.T) {
	f := newServiceFixture(t, newStubCatalog(product("A", "12.50")), newStubInventory(map[string]int{"A": 8}))

	cart, err := f.svc.AddToCart(context.Background(), AddToCartCommand{UserID: "user-1", ProductID: "A", Quantity: 2})
	if err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if cart == nil || cart.ItemCount != 2 || !cart.TotalAmount.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("unexpected cart %#v", cart)
	}
	cart, err = f.svc.AddToCart(context.Background(), AddToCartCommand{UserID: "user-1", ProductID: "A", Quantity: 3})
	if err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if got := f.store.quantities("user-1")["A"]; got != 5 {
		t.Fatalf("expected accumulated quantity 5, got %d", got)
	}
	if len(f.events.added) != 2 {
		t.Fatalf("expected two item added events, got %d", len(f.events.added))
	}
	event := f.events.added[1]
	if event.Quantity != 3 || event.CartID != "cart_user-1" || event.TotalCartItems != 5 || event.EventID == "" {
		t.Fatalf("unexpected event %#v", event)
	}
	if !event.TotalCartValue.Equal(cart.TotalAmount) {
		t.Fatalf("expected event cart value %s, got %s", cart.TotalAmount, event.TotalCartValue)
	}
}

func TestCartServiceAddToCartRejections(t *testing.T) {
	tests := []struct {
		name    string
		seed    []CartItem
		cmd     AddToCartCommand
		wantErr error
	}{
		{name: "zero quantity", cmd: AddToCartCommand{UserID: "u", ProductID: "A", Quantity: 0}, wantErr: ErrCartInvalidInput},
		{name: "over max", cmd: AddToCartCommand{UserID: "u", ProductID: "A", Quantity: 11}, wantErr: ErrCartInvalidInput},
		{name: "missing product id", cmd: AddToCartCommand{UserID: "u", Quantity: 1}, wantErr: ErrCartInvalidInput},
		{
			name:    "cart full",
			seed:    []CartItem{{ProductID: "X", Quantity: 1}, {ProductID: "Y", Quantity: 1}, {ProductID: "Z", Quantity: 1}},
			cmd:     AddToCartCommand{UserID: "u", ProductID: "A", Quantity: 1},
			wantErr: ErrCartInvalidInput,
		},
		{
			name:    "existing plus new over max",
			seed:    []CartItem{{ProductID: "A", Quantity: 8}},
			cmd:     AddToCartCommand{UserID: "u", ProductID: "A", Quantity: 3},
			wantErr: ErrCartInvalidInput,
		},
		{name: "unknown product", cmd: AddToCartCommand{UserID: "u", ProductID: "GHOST", Quantity: 1}, wantErr: ErrCartNotFound},
		{name: "insufficient stock", cmd: AddToCartCommand{UserID: "u", ProductID: "A", Quantity: 9}, wantErr: ErrCartInsufficientStock},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newServiceFixture(t, newStubCatalog(product("A", "1"), product("X", "1"), product("Y", "1"), product("Z", "1")), newStubInventory(map[string]int{"A": 8}))
			if len(tc.seed) > 0 {
				f.store.seed("u", tc.seed...)
			}
			_, err := f.svc.AddToCart(context.Background(), tc.cmd)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if f.store.writes != 0 {
				t.Fatalf("expected no writes, got %d", f.store.writes)
			}
			if len(f.events.added) != 0 {
				t.Fatalf("expected no events")
			}
		})
	}
}

func TestCartServiceAddToCartIgnoresPublishFailure(t *testing.T) {
	f := newServiceFixture(t, newStubCatalog(product("A", "20")), newStubInventory(map[string]int{"A": 8}))
	f.events.addedErr = errors.New("broker down")

	if _, err := f.svc.AddToCart(context.Background(), AddToCartCommand{UserID: "u", ProductID: "A", Quantity: 1}); err != nil {
		t.Fatalf("expected publish failure to be swallowed, got %v", err)
	}
}

func TestCartServiceUpdateCartItem(t *testing.T) {
	f := newServiceFixture(t, newStubCatalog(product("A", "5"), product("B", "5")), newStubInventory(map[string]int{"A": 10, "B": 2}))
	f.store.seed("u", CartItem{ProductID: "A", Quantity: 1}, CartItem{ProductID: "B", Quantity: 1})

	cart, err := f.svc.UpdateCartItem(context.Background(), UpdateCartItemCommand{UserID: "u", ProductID: "A", Quantity: 4})
	if err != nil {
		t.Fatalf("UpdateCartItem: %v", err)
	}
	if cart.ItemCount != 5 {
		t.Fatalf("expected 5 units, got %d", cart.ItemCount)
	}

	if _, err := f.svc.UpdateCartItem(context.Background(), UpdateCartItemCommand{UserID: "u", ProductID: "B", Quantity: 3}); !errors.Is(err, ErrCartInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if _, err := f.svc.UpdateCartItem(context.Background(), UpdateCartItemCommand{UserID: "u", ProductID: "C", Quantity: 1}); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected not found for missing line, got %v", err)
	}
	if _, err := f.svc.UpdateCartItem(context.Background(), UpdateCartItemCommand{UserID: "u", ProductID: "A", Quantity: 11}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	cart, err = f.svc.UpdateCartItem(context.Background(), UpdateCartItemCommand{UserID: "u", ProductID: "B", Quantity: 0})
	if err != nil {
		t.Fatalf("UpdateCartItem remove: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].ProductID != "A" {
		t.Fatalf("expected zero quantity to remove B, got %#v", cart.Items)
	}

	if _, err := f.svc.UpdateCartItem(context.Background(), UpdateCartItemCommand{UserID: "nobody", ProductID: "A", Quantity: 1}); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected not found for missing cart, got %v", err)
	}
}

func TestCartServiceRemoveFromCartIsIdempotent(t *testing.T) {
	f := newServiceFixture(t, newStubCatalog(product("A", "5"), product("B", "6")), newStubInventory(map[string]int{"A": 10, "B": 10}))
	f.store.seed("u", CartItem{ProductID: "A", Quantity: 1}, CartItem{ProductID: "B", Quantity: 2})

	first, err := f.svc.RemoveFromCart(context.Background(), "u", "B")
	if err != nil {
		t.Fatalf("first remove: %v", err)
	}
	second, err := f.svc.RemoveFromCart(context.Background(), "u", "B")
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if len(first.Items) != 1 || len(second.Items) != 1 || !first.TotalAmount.Equal(second.TotalAmount) || first.ItemCount != second.ItemCount {
		t.Fatalf("expected identical carts, got %#v and %#v", first, second)
	}

	last, err := f.svc.RemoveFromCart(context.Background(), "u", "A")
	if err != nil {
		t.Fatalf("remove last: %v", err)
	}
	if last != nil {
		t.Fatalf("expected nil cart after removing the last line")
	}
}

func TestCartServiceClearCartAndCount(t *testing.T) {
	f := newServiceFixture(t, newStubCatalog(), newStubInventory(nil))
	f.store.seed("u", CartItem{ProductID: "A", Quantity: 2}, CartItem{ProductID: "B", Quantity: 3})
	f.store.reservations["u"] = "res_old"

	count, err := f.svc.GetCartItemCount(context.Background(), "u")
	if err != nil || count != 5 {
		t.Fatalf("expected 5 units, got %d (%v)", count, err)
	}

	if err := f.svc.ClearCart(context.Background(), "u"); err != nil {
		t.Fatalf("ClearCart: %v", err)
	}
	if err := f.svc.ClearCart(context.Background(), "u"); err != nil {
		t.Fatalf("second ClearCart: %v", err)
	}
	if id := f.store.reservation("u"); id != "" {
		t.Fatalf("expected reservation to be cleared, got %q", id)
	}
	count, err = f.svc.GetCartItemCount(context.Background(), "u")
	if err != nil || count != 0 {
		t.Fatalf("expected empty count, got %d (%v)", count, err)
	}
}

func TestCartServiceStoreOutageMapsToUnavailable(t *testing.T) {
	f := newServiceFixture(t, newStubCatalog(), newStubInventory(nil))
	f.store.getErr = errors.New("connection refused")

	if _, err := f.svc.GetCartItemCount(context.Background(), "u"); !errors.Is(err, ErrCartUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestCartServiceMergeGuestCart(t *testing.T) {
	f := newServiceFixture(t,
		newStubCatalog(product("A", "10"), product("B", "3"), product("OOS", "3")),
		newStubInventory(map[string]int{"A": 20, "B": 20, "OOS": 0}),
	)
	f.store.seed("u", CartItem{ProductID: "A", Quantity: 7})

	result, err := f.svc.MergeGuestCart(context.Background(), "u", []GuestCartItem{
		{ProductID: "A", Quantity: 2},
		{ProductID: "A", Quantity: 4},
		{ProductID: "B", Quantity: 12},
		{ProductID: "GHOST", Quantity: 1},
		{ProductID: "OOS", Quantity: 1},
		{ProductID: "NEG", Quantity: -1},
	})
	if err != nil {
		t.Fatalf("MergeGuestCart: %v", err)
	}

	quantities := f.store.quantities("u")
	if quantities["A"] != 10 || quantities["B"] != 10 || len(quantities) != 2 {
		t.Fatalf("expected capped A and B only, got %v", quantities)
	}
	reasons := map[string]domain.MergeAdjustmentReason{}
	for _, adj := range result.Adjustments {
		reasons[adj.ProductID] = adj.Reason
	}
	want := map[string]domain.MergeAdjustmentReason{
		"A":     domain.MergeAdjustmentCapped,
		"B":     domain.MergeAdjustmentCapped,
		"GHOST": domain.MergeAdjustmentNotFound,
		"OOS":   domain.MergeAdjustmentOutOfStock,
		"NEG":   domain.MergeAdjustmentInvalidQuantity,
	}
	for pid, reason := range want {
		if reasons[pid] != reason {
			t.Fatalf("adjustment for %s: expected %s, got %s (all %v)", pid, reason, reasons[pid], reasons)
		}
	}
	if result.Cart == nil || result.Cart.ItemCount != 20 {
		t.Fatalf("expected refreshed cart with 20 units, got %#v", result.Cart)
	}
}

func TestCartServiceMergeGuestCartSaturatesHugeQuantities(t *testing.T) {
	f := newServiceFixture(t,
		newStubCatalog(product("A", "10"), product("B", "3")),
		newStubInventory(map[string]int{"A": 20, "B": 20}),
	)
	f.store.seed("u", CartItem{ProductID: "A", Quantity: 2})

	result, err := f.svc.MergeGuestCart(context.Background(), "u", []GuestCartItem{
		{ProductID: "A", Quantity: math.MaxInt},
		{ProductID: "B", Quantity: math.MaxInt},
		{ProductID: "B", Quantity: math.MaxInt},
	})
	if err != nil {
		t.Fatalf("MergeGuestCart: %v", err)
	}

	quantities := f.store.quantities("u")
	if quantities["A"] != 10 || quantities["B"] != 10 || len(quantities) != 2 {
		t.Fatalf("expected A and B capped at 10, got %v", quantities)
	}
	capped := 0
	for _, adj := range result.Adjustments {
		if adj.Reason != domain.MergeAdjustmentCapped || adj.Applied != 10 || adj.Requested != math.MaxInt {
			t.Fatalf("unexpected adjustment %#v", adj)
		}
		capped++
	}
	if capped != 2 {
		t.Fatalf("expected two capped adjustments, got %#v", result.Adjustments)
	}
}

func TestAddQuantitiesSaturates(t *testing.T) {
	if got := addQuantities(3, 4); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	if got := addQuantities(2, math.MaxInt); got != math.MaxInt {
		t.Fatalf("expected saturation at MaxInt, got %d", got)
	}
	if got := addQuantities(math.MaxInt, math.MaxInt); got != math.MaxInt {
		t.Fatalf("expected saturation at MaxInt, got %d", got)
	}
}

func TestCartServiceMergeGuestCartKeepsMostRecentWhenFull(t *testing.T) {
	f := newServiceFixture(t,
		newStubCatalog(product("OLD", "1"), product("MID", "1"), product("NEW", "1"), product("G1", "1")),
		newStubInventory(map[string]int{"OLD": 5, "MID": 5, "NEW": 5, "G1": 5}),
	)
	f.store.seed("u",
		CartItem{ProductID: "OLD", Quantity: 1},
		CartItem{ProductID: "MID", Quantity: 1},
		CartItem{ProductID: "NEW", Quantity: 1},
	)

	result, err := f.svc.MergeGuestCart(context.Background(), "u", []GuestCartItem{{ProductID: "G1", Quantity: 1}})
	if err != nil {
		t.Fatalf("MergeGuestCart: %v", err)
	}
	quantities := f.store.quantities("u")
	kept := make([]string, 0, len(quantities))
	for pid := range quantities {
		kept = append(kept, pid)
	}
	sort.Strings(kept)
	if strings.Join(kept, ",") != "G1,MID,NEW" {
		t.Fatalf("expected oldest line dropped, kept %v", kept)
	}
	if len(result.Adjustments) != 1 || result.Adjustments[0].ProductID != "OLD" || result.Adjustments[0].Reason != domain.MergeAdjustmentCartFull {
		t.Fatalf("expected cart_full adjustment for OLD, got %#v", result.Adjustments)
	}
}

func TestCartServiceMergeGuestCartWithoutGuestItems(t *testing.T) {
	f := newServiceFixture(t, newStubCatalog(product("A", "10")), newStubInventory(map[string]int{"A": 5}))
	f.store.seed("u", CartItem{ProductID: "A", Quantity: 1})

	result, err := f.svc.MergeGuestCart(context.Background(), "u", nil)
	if err != nil {
		t.Fatalf("MergeGuestCart: %v", err)
	}
	if f.store.writes != 0 || result.Cart == nil || result.Cart.ItemCount != 1 {
		t.Fatalf("expected unchanged cart without writes, got %#v after %d writes", result.Cart, f.store.writes)
	}
}
