package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/cart/internal/domain"
	"github.com/hanko-field/cart/internal/repositories"
)

const (
	defaultExpirationCheckInterval = 24 * time.Hour
	defaultExpirationWarningDays   = 7
	expirationNotificationTTL      = 24 * time.Hour
	unknownProductName             = "Unknown Product"
	day                            = 24 * time.Hour
)

var errSchedulerRunning = errors.New("cart expiration scheduler: already running")

// CartExpirationSchedulerDeps wires the collaborators used by the expiration scheduler.
type CartExpirationSchedulerDeps struct {
	Store       repositories.CartStore
	Scanner     repositories.CartScanner
	Catalog     ProductCatalog
	Events      CartEventPublisher
	Interval    time.Duration
	WarningDays int
	// NotificationTTL bounds how long a sent reminder suppresses repeats for the same day count.
	NotificationTTL time.Duration
	Currency        string
	DecimalPlaces   int32
	Clock           func() time.Time
	Logger          func(context.Context, string, map[string]any)
	IDGenerator     func() string
}

// ExpirationPassStats summarises one scan over stored carts.
type ExpirationPassStats struct {
	Scanned  int
	Notified int
	Failed   int
}

// CartExpirationScheduler periodically reminds users whose carts are about to expire.
type CartExpirationScheduler struct {
	store       repositories.CartStore
	scanner     repositories.CartScanner
	catalog     ProductCatalog
	events      CartEventPublisher
	interval    time.Duration
	warningDays int
	notifyTTL   time.Duration
	currency    string
	places      int32
	now         func() time.Time
	logger      func(context.Context, string, map[string]any)
	newID       func() string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCartExpirationScheduler validates dependencies and applies defaults.
func NewCartExpirationScheduler(deps CartExpirationSchedulerDeps) (*CartExpirationScheduler, error) {
	if deps.Store == nil {
		return nil, errors.New("cart expiration scheduler: store is required")
	}
	if deps.Scanner == nil {
		return nil, errors.New("cart expiration scheduler: scanner is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("cart expiration scheduler: catalog is required")
	}
	if deps.Events == nil {
		return nil, errors.New("cart expiration scheduler: event publisher is required")
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = defaultExpirationCheckInterval
	}
	warningDays := deps.WarningDays
	if warningDays <= 0 {
		warningDays = defaultExpirationWarningDays
	}
	notifyTTL := deps.NotificationTTL
	if notifyTTL <= 0 {
		notifyTTL = expirationNotificationTTL
	}
	currency := deps.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}

	return &CartExpirationScheduler{
		store:       deps.Store,
		scanner:     deps.Scanner,
		catalog:     deps.Catalog,
		events:      deps.Events,
		interval:    interval,
		warningDays: warningDays,
		notifyTTL:   notifyTTL,
		currency:    currency,
		places:      deps.DecimalPlaces,
		now:         func() time.Time { return clock().UTC() },
		logger:      logger,
		newID:       idGen,
	}, nil
}

// Start launches the loop in the background: an initial pass, then one pass per interval until ctx
// ends or Stop is called. It returns without waiting for the first pass.
func (s *CartExpirationScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errSchedulerRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.logger(runCtx, "cart.expiration.scheduler_started", map[string]any{
		"interval":    s.interval.String(),
		"warningDays": s.warningDays,
	})

	go func() {
		defer close(done)
		s.runPass(runCtx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runPass(runCtx)
			case <-runCtx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop cancels the loop and waits for an in-flight pass to finish. It is safe to call repeatedly.
func (s *CartExpirationScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger(context.Background(), "cart.expiration.scheduler_stopped", nil)
}

func (s *CartExpirationScheduler) runPass(ctx context.Context) {
	stats, err := s.RunOnce(ctx)
	fields := map[string]any{
		"scanned":  stats.Scanned,
		"notified": stats.Notified,
		"failed":   stats.Failed,
	}
	if err != nil {
		fields["error"] = err
	}
	s.logger(ctx, "cart.expiration.pass_completed", fields)
}

// RunOnce scans every stored cart and publishes reminders for carts expiring within the warning
// window. Per-cart failures are counted and logged; only scan failures are returned.
func (s *CartExpirationScheduler) RunOnce(ctx context.Context) (ExpirationPassStats, error) {
	var stats ExpirationPassStats
	now := s.now()
	err := s.scanner.ScanUserIDs(ctx, func(userID string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		sent, err := s.processCart(ctx, userID, now)
		if err != nil {
			stats.Failed++
			s.logger(ctx, "cart.expiration.notify_failed", map[string]any{
				"userId": userID,
				"error":  err,
			})
			return nil
		}
		if sent {
			stats.Notified++
		}
		return nil
	})
	return stats, err
}

func (s *CartExpirationScheduler) processCart(ctx context.Context, userID string, now time.Time) (bool, error) {
	cart, err := s.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if cart.Empty() || cart.ExpiresAt.IsZero() {
		return false, nil
	}
	days := daysUntil(cart.ExpiresAt, now)
	if days <= 0 || days > s.warningDays {
		return false, nil
	}

	claimed, err := s.scanner.MarkExpirationNotified(ctx, userID, days, s.notifyTTL)
	if err != nil || !claimed {
		return false, err
	}

	event, err := s.buildEvent(ctx, cart, days, now)
	if err != nil {
		return false, err
	}
	if err := s.events.PublishCartExpiration(ctx, event); err != nil {
		return false, err
	}
	s.logger(ctx, "cart.expiration.notified", map[string]any{
		"userId":              userID,
		"eventId":             event.EventID,
		"daysUntilExpiration": days,
		"itemCount":           event.ItemCount,
		"totalValue":          event.TotalValue.String(),
	})
	return true, nil
}

func (s *CartExpirationScheduler) buildEvent(ctx context.Context, cart *StoredCart, days int, now time.Time) (domain.CartExpirationEvent, error) {
	ids := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.catalog.GetProductsBatch(ctx, ids)
	if err != nil {
		return domain.CartExpirationEvent{}, err
	}
	byID := make(map[string]ProductSummary, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	total := decimal.Zero
	items := make([]domain.CartExpirationEventItem, 0, len(cart.Items))
	for _, line := range cart.Items {
		item := domain.CartExpirationEventItem{
			ProductID:   line.ProductID,
			ProductName: unknownProductName,
			Quantity:    line.Quantity,
			Price:       decimal.Zero,
		}
		if p, ok := byID[line.ProductID]; ok {
			item.ProductName = p.Name
			item.Price = p.Price
		}
		total = total.Add(domain.LineTotal(item.Price, item.Quantity))
		items = append(items, item)
	}

	return domain.CartExpirationEvent{
		EventID:             s.newID(),
		UserID:              cart.UserID,
		CartID:              domain.CartIDForUser(cart.UserID),
		ExpiresAt:           cart.ExpiresAt,
		DaysUntilExpiration: days,
		ItemCount:           len(cart.Items),
		TotalValue:          domain.RoundMoney(total, s.places),
		Currency:            s.currency,
		Items:               items,
		Timestamp:           now,
	}, nil
}

// daysUntil rounds the remaining time up to whole days.
func daysUntil(expiresAt, now time.Time) int {
	remaining := expiresAt.Sub(now)
	days := int(remaining / day)
	if remaining > 0 && remaining%day != 0 {
		days++
	}
	return days
}
