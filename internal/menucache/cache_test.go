package menucache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mensabot/internal/domain"
	"mensabot/internal/mensa"
)

var testLoc = domain.Location{ID: "academica", Name: "Mensa Academica", CanteenID: 187}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeFetcher is a scriptable Fetcher that counts upstream calls.
type fakeFetcher struct {
	mu    sync.Mutex
	calls atomic.Int64
	gate  chan struct{} // when set, Fetch blocks until the gate closes
	fn    func(loc domain.Location, date time.Time) (*domain.Menu, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, loc domain.Location, date time.Time) (*domain.Menu, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	return fn(loc, date)
}

func (f *fakeFetcher) set(fn func(loc domain.Location, date time.Time) (*domain.Menu, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func menuFor(loc domain.Location, date time.Time) *domain.Menu {
	price := 2.1
	return &domain.Menu{
		Location: loc,
		Date:     domain.DateOnly(date),
		Entries: []domain.MenuEntry{
			{Category: "Tellergericht", Name: "Pfannkuchen", Price: &price, Slot: domain.SlotLunch},
			{Category: "Vegetarisch", Name: "Kürbis-Chia-Taler | Texicanasauce", Tags: []string{"vegetarisch"}, Slot: domain.SlotLunch},
			{Category: "Klassiker", Name: "Hähnchenkeule", Slot: domain.SlotLunch},
		},
		FetchedAt: date,
	}
}

func newTestCache(f Fetcher) *Cache {
	return New(f, Config{TTL: 30 * time.Minute, Retention: 7 * 24 * time.Hour, Logger: testLogger()})
}

func TestNew_DefaultsLogger(t *testing.T) {
	c := New(&fakeFetcher{}, Config{})
	if c.logger == nil {
		t.Fatal("cache without explicit logger must fall back to the default")
	}
}

func TestGetMenu_FreshHitMakesNoUpstreamCall(t *testing.T) {
	date := time.Now()
	f := &fakeFetcher{}
	f.set(func(loc domain.Location, d time.Time) (*domain.Menu, error) {
		return menuFor(loc, d), nil
	})
	c := newTestCache(f)

	first, stale, err := c.GetMenu(context.Background(), testLoc, date)
	if err != nil || stale {
		t.Fatalf("unexpected: stale=%v err=%v", stale, err)
	}

	second, stale, err := c.GetMenu(context.Background(), testLoc, date)
	if err != nil || stale {
		t.Fatalf("unexpected: stale=%v err=%v", stale, err)
	}

	if n := f.calls.Load(); n != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", n)
	}

	// Round-trip: cached copy equals the originally fetched menu.
	if !reflect.DeepEqual(first, second) {
		t.Error("cached menu differs from fetched menu")
	}
	if !domain.SameDate(second.Date, date) {
		t.Error("cache returned a menu for a different date")
	}
}

func TestGetMenu_ConcurrentMissesCollapseToOneFetch(t *testing.T) {
	date := time.Now()
	gate := make(chan struct{})
	f := &fakeFetcher{gate: gate}
	f.set(func(loc domain.Location, d time.Time) (*domain.Menu, error) {
		return menuFor(loc, d), nil
	})
	c := newTestCache(f)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetMenu(context.Background(), testLoc, date)
			errs <- err
		}()
	}

	// Let all goroutines pile up on the in-flight fetch, then release it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 upstream call for %d concurrent requests, got %d", n, got)
	}
}

func TestGetMenu_NotFoundSentinelIsCached(t *testing.T) {
	date := time.Now()
	f := &fakeFetcher{}
	f.set(func(domain.Location, time.Time) (*domain.Menu, error) {
		return nil, &mensa.UpstreamError{Kind: mensa.KindNotFound, Op: "fetch"}
	})
	c := newTestCache(f)

	if _, _, err := c.GetMenu(context.Background(), testLoc, date); !errors.Is(err, ErrNoMenu) {
		t.Fatalf("expected ErrNoMenu, got %v", err)
	}
	if _, _, err := c.GetMenu(context.Background(), testLoc, date); !errors.Is(err, ErrNoMenu) {
		t.Fatalf("expected ErrNoMenu on second call, got %v", err)
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("sentinel not cached: %d upstream calls", n)
	}
}

func TestGetMenu_StaleFallbackOnTimeout(t *testing.T) {
	date := time.Now()
	f := &fakeFetcher{}
	f.set(func(loc domain.Location, d time.Time) (*domain.Menu, error) {
		return menuFor(loc, d), nil
	})
	c := newTestCache(f)

	fetched, _, err := c.GetMenu(context.Background(), testLoc, date)
	if err != nil {
		t.Fatal(err)
	}

	// Expire the slot, then make upstream fail.
	now := time.Now()
	c.now = func() time.Time { return now.Add(time.Hour) }
	f.set(func(domain.Location, time.Time) (*domain.Menu, error) {
		return nil, &mensa.UpstreamError{Kind: mensa.KindTimeout, Op: "fetch"}
	})

	menu, stale, err := c.GetMenu(context.Background(), testLoc, date)
	if err != nil {
		t.Fatalf("expected stale fallback, got error %v", err)
	}
	if !stale {
		t.Error("expected stale flag")
	}
	if !reflect.DeepEqual(menu, fetched) {
		t.Error("stale serve must return the previous menu unchanged")
	}
}

func TestGetMenu_NoFallbackMeansUnavailable(t *testing.T) {
	f := &fakeFetcher{}
	f.set(func(domain.Location, time.Time) (*domain.Menu, error) {
		return nil, &mensa.UpstreamError{Kind: mensa.KindTimeout, Op: "fetch"}
	})
	c := newTestCache(f)

	_, _, err := c.GetMenu(context.Background(), testLoc, time.Now())
	if !errors.Is(err, ErrMenuUnavailable) {
		t.Errorf("expected ErrMenuUnavailable, got %v", err)
	}
}

func TestGetMenu_ParseFailureNeverServesPartialMenu(t *testing.T) {
	f := &fakeFetcher{}
	f.set(func(domain.Location, time.Time) (*domain.Menu, error) {
		return nil, &mensa.UpstreamError{Kind: mensa.KindParseFailure, Op: "decode"}
	})
	c := newTestCache(f)

	menu, _, err := c.GetMenu(context.Background(), testLoc, time.Now())
	if menu != nil {
		t.Error("must not serve a menu on parse failure without prior copy")
	}
	if !errors.Is(err, ErrMenuUnavailable) {
		t.Errorf("expected ErrMenuUnavailable, got %v", err)
	}
}

func TestGetMenu_DistinctKeysFetchIndependently(t *testing.T) {
	f := &fakeFetcher{}
	f.set(func(loc domain.Location, d time.Time) (*domain.Menu, error) {
		return menuFor(loc, d), nil
	})
	c := newTestCache(f)

	today := time.Now()
	tomorrow := today.AddDate(0, 0, 1)

	m1, _, err := c.GetMenu(context.Background(), testLoc, today)
	if err != nil {
		t.Fatal(err)
	}
	m2, _, err := c.GetMenu(context.Background(), testLoc, tomorrow)
	if err != nil {
		t.Fatal(err)
	}

	if f.calls.Load() != 2 {
		t.Errorf("expected 2 upstream calls for 2 keys, got %d", f.calls.Load())
	}
	if domain.SameDate(m1.Date, m2.Date) {
		t.Error("different keys returned menus for the same date")
	}
}

func TestSweep_EvictsPastRetention(t *testing.T) {
	f := &fakeFetcher{}
	f.set(func(loc domain.Location, d time.Time) (*domain.Menu, error) {
		return menuFor(loc, d), nil
	})
	c := newTestCache(f)

	if _, _, err := c.GetMenu(context.Background(), testLoc, time.Now()); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 slot, got %d", c.Len())
	}

	// Jump past the retention window.
	now := time.Now()
	c.now = func() time.Time { return now.AddDate(0, 0, 10) }

	if removed := c.Sweep(); removed != 1 {
		t.Errorf("expected 1 eviction, got %d", removed)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d slots", c.Len())
	}
}
