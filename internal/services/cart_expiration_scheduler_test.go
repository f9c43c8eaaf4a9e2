package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type stubScanner struct {
	mu      sync.Mutex
	userIDs []string
	scanErr error
	marked  map[string]bool
	markErr error
	gate    <-chan struct{}
}

func (s *stubScanner) ScanUserIDs(ctx context.Context, fn func(userID string) error) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.scanErr != nil {
		return s.scanErr
	}
	for _, id := range s.userIDs {
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubScanner) MarkExpirationNotified(_ context.Context, userID string, days int, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return false, s.markErr
	}
	if ttl != 24*time.Hour {
		return false, fmt.Errorf("unexpected ttl %s", ttl)
	}
	key := fmt.Sprintf("%s:%d", userID, days)
	if s.marked == nil {
		s.marked = map[string]bool{}
	}
	if s.marked[key] {
		return false, nil
	}
	s.marked[key] = true
	return true, nil
}

func newSchedulerFixture(t *testing.T, catalog *stubCatalog) (*CartExpirationScheduler, *memoryCartStore, *stubScanner, *stubPublisher) {
	t.Helper()
	store := newMemoryCartStore()
	scanner := &stubScanner{}
	events := &stubPublisher{}
	scheduler, err := NewCartExpirationScheduler(CartExpirationSchedulerDeps{
		Store:         store,
		Scanner:       scanner,
		Catalog:       catalog,
		Events:        events,
		WarningDays:   7,
		Currency:      "USD",
		DecimalPlaces: 2,
		Clock:         func() time.Time { return testNow },
		IDGenerator:   func() string { return "evt-1" },
	})
	if err != nil {
		t.Fatalf("NewCartExpirationScheduler: %v", err)
	}
	return scheduler, store, scanner, events
}

func expireIn(store *memoryCartStore, userID string, d time.Duration) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.carts[userID].ExpiresAt = testNow.Add(d)
}

func TestCartExpirationSchedulerNotifiesCartsInWindow(t *testing.T) {
	scheduler, store, scanner, events := newSchedulerFixture(t, newStubCatalog(product("A", "2.50")))
	store.seed("soon", CartItem{ProductID: "A", Quantity: 2}, CartItem{ProductID: "GONE", Quantity: 1})
	expireIn(store, "soon", 2*day+time.Hour)
	store.seed("later", CartItem{ProductID: "A", Quantity: 1})
	expireIn(store, "later", 20*day)
	scanner.userIDs = []string{"soon", "later", "missing"}

	stats, err := scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Scanned != 3 || stats.Notified != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats %#v", stats)
	}
	if len(events.expiring) != 1 {
		t.Fatalf("expected one reminder, got %d", len(events.expiring))
	}
	event := events.expiring[0]
	if event.UserID != "soon" || event.CartID != "cart_soon" || event.DaysUntilExpiration != 3 {
		t.Fatalf("unexpected event %#v", event)
	}
	if event.ItemCount != 2 || !event.TotalValue.Equal(decimal.NewFromInt(5)) || event.Currency != "USD" {
		t.Fatalf("unexpected totals %#v", event)
	}
	if event.Items[1].ProductName != "Unknown Product" || !event.Items[1].Price.IsZero() {
		t.Fatalf("expected missing product placeholder, got %#v", event.Items[1])
	}
}

func TestCartExpirationSchedulerDeduplicatesReminders(t *testing.T) {
	scheduler, store, scanner, events := newSchedulerFixture(t, newStubCatalog(product("A", "1")))
	store.seed("u", CartItem{ProductID: "A", Quantity: 1})
	expireIn(store, "u", day)
	scanner.userIDs = []string{"u"}

	for i := 0; i < 2; i++ {
		if _, err := scheduler.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	if len(events.expiring) != 1 {
		t.Fatalf("expected a single reminder per day count, got %d", len(events.expiring))
	}
}

func TestCartExpirationSchedulerCountsFailures(t *testing.T) {
	scheduler, store, scanner, events := newSchedulerFixture(t, newStubCatalog(product("A", "1")))
	events.expireErr = errors.New("broker down")
	store.seed("u", CartItem{ProductID: "A", Quantity: 1})
	expireIn(store, "u", day)
	scanner.userIDs = []string{"u"}

	stats, err := scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Failed != 1 || stats.Notified != 0 {
		t.Fatalf("unexpected stats %#v", stats)
	}

	scanner.scanErr = errors.New("scan failed")
	if _, err := scheduler.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected scan error")
	}
}

func TestCartExpirationSchedulerStartStop(t *testing.T) {
	scheduler, store, scanner, events := newSchedulerFixture(t, newStubCatalog(product("A", "1")))
	store.seed("u", CartItem{ProductID: "A", Quantity: 1})
	expireIn(store, "u", day)
	scanner.userIDs = []string{"u"}
	release := make(chan struct{})
	scanner.gate = release

	started := make(chan error, 1)
	go func() { started <- scheduler.Start(context.Background()) }()
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start blocked on the initial scan")
	}
	if err := scheduler.Start(context.Background()); !errors.Is(err, errSchedulerRunning) {
		t.Fatalf("expected already running error, got %v", err)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		events.mu.Lock()
		sent := len(events.expiring)
		events.mu.Unlock()
		if sent == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected initial pass to notify once, got %d", sent)
		}
		time.Sleep(5 * time.Millisecond)
	}
	scheduler.Stop()
	scheduler.Stop()
}

func TestCartExpirationSchedulerStopInterruptsInitialScan(t *testing.T) {
	scheduler, _, scanner, events := newSchedulerFixture(t, newStubCatalog())
	scanner.gate = make(chan struct{})

	if err := scheduler.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the blocked scan")
	}
	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.expiring) != 0 {
		t.Fatalf("expected no reminders, got %d", len(events.expiring))
	}
}

func TestDaysUntil(t *testing.T) {
	cases := []struct {
		remaining time.Duration
		want      int
	}{
		{remaining: day, want: 1},
		{remaining: day + time.Second, want: 2},
		{remaining: time.Minute, want: 1},
		{remaining: 0, want: 0},
		{remaining: -time.Hour, want: 0},
	}
	for _, tc := range cases {
		if got := daysUntil(testNow.Add(tc.remaining), testNow); got != tc.want {
			t.Fatalf("daysUntil(%s) = %d, want %d", tc.remaining, got, tc.want)
		}
	}
}
