package mensa

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"mensabot/internal/domain"
)

var testLocation = domain.Location{ID: "academica", Name: "Mensa Academica", CanteenID: 187}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// testDate returns a weekday inside the client's valid window, so fetch
// tests never trip the weekend short-circuit.
func testDate() time.Time {
	d := time.Now()
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Logger:  testLogger(),
	})
	return c, srv
}

const sampleMeals = `[
  {"name": "Kürbis-Chia-Taler  | Texicanasauce", "category": "Vegetarisch",
   "prices": {"students": 2.1, "others": 4.2}, "notes": ["vegetarisch"]},
  {"name": "Pfannkuchen mit Quark-Rosinen-Füllung", "category": "Tellergericht",
   "prices": {"students": 1.5}, "notes": []},
  {"name": "Hähnchenkeule , Geflügeljus", "category": "Klassiker",
   "prices": {}, "notes": ["A", "A1"]}
]`

func TestFetch_ParsesMenu(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected User-Agent header")
		}
		w.Write([]byte(sampleMeals))
	})

	menu, err := c.Fetch(context.Background(), testLocation, testDate())
	if err != nil {
		t.Fatal(err)
	}
	if len(menu.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(menu.Entries))
	}
	if menu.Closed {
		t.Error("menu should not be closed")
	}

	// Whitespace runs collapsed, space before comma stripped.
	if got := menu.Entries[0].Name; got != "Kürbis-Chia-Taler | Texicanasauce" {
		t.Errorf("unexpected name: %q", got)
	}
	if got := menu.Entries[2].Name; got != "Hähnchenkeule, Geflügeljus" {
		t.Errorf("unexpected name: %q", got)
	}

	// Student price extracted; missing price stays nil.
	if menu.Entries[0].Price == nil || *menu.Entries[0].Price != 2.1 {
		t.Errorf("expected student price 2.1, got %v", menu.Entries[0].Price)
	}
	if menu.Entries[2].Price != nil {
		t.Errorf("expected nil price, got %v", *menu.Entries[2].Price)
	}

	if len(menu.Entries[0].Tags) != 1 || menu.Entries[0].Tags[0] != "vegetarisch" {
		t.Errorf("unexpected tags: %v", menu.Entries[0].Tags)
	}

	if !domain.SameDate(menu.Date, testDate()) {
		t.Error("menu date must match the requested date")
	}
}

func TestFetch_ClosedWhenAllMealsSayGeschlossen(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"name": "Mensa geschlossen", "category": "Info", "prices": {}, "notes": []}]`))
	})

	menu, err := c.Fetch(context.Background(), testLocation, testDate())
	if err != nil {
		t.Fatal(err)
	}
	if !menu.Closed {
		t.Error("expected closed menu")
	}
	if len(menu.Entries) != 0 {
		t.Errorf("closed menu must carry no entries, got %d", len(menu.Entries))
	}
}

func TestFetch_BlankBodyIsNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(" "))
	})

	_, err := c.Fetch(context.Background(), testLocation, testDate())
	if !IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestFetch_404IsNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := c.Fetch(context.Background(), testLocation, testDate())
	if !IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestFetch_InvalidJSONIsParseFailure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	})

	_, err := c.Fetch(context.Background(), testLocation, testDate())
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != KindParseFailure {
		t.Errorf("expected ParseFailure, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("ParseFailure must count as transient for fallback purposes")
	}
}

func TestFetch_ServerErrorIsUnreachable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.Fetch(context.Background(), testLocation, testDate())
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != KindUnreachable {
		t.Errorf("expected Unreachable, got %v", err)
	}
}

func TestFetch_DateOutOfRange(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})

	farFuture := time.Now().AddDate(0, 0, 30)
	_, err := c.Fetch(context.Background(), testLocation, farFuture)
	if !IsNotFound(err) {
		t.Errorf("expected NotFound for far-future date, got %v", err)
	}
	if calls != 0 {
		t.Error("out-of-range date must not hit upstream")
	}
}

func TestFetch_WeekendClosesWithoutUpstreamCall(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
	})

	saturday := testDate()
	for saturday.Weekday() != time.Saturday {
		saturday = saturday.AddDate(0, 0, 1)
	}

	menu, err := c.Fetch(context.Background(), testLocation, saturday)
	if err != nil {
		t.Fatal(err)
	}
	if !menu.Closed {
		t.Error("expected closed menu on a Saturday")
	}
	if !domain.SameDate(menu.Date, saturday) {
		t.Errorf("menu date = %v, want %v", menu.Date, saturday)
	}
	if calls != 0 {
		t.Error("weekend date must not hit upstream")
	}
}

func TestNewClient_DefaultsLogger(t *testing.T) {
	c := NewClient(ClientConfig{})
	if c.logger == nil {
		t.Fatal("client without explicit logger must fall back to the default")
	}
}

func TestFetch_ContextTimeout(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx, testLocation, testDate())
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != KindTimeout {
		t.Errorf("expected Timeout, got %v", err)
	}
}

func TestSlotForCategory(t *testing.T) {
	tests := []struct {
		category string
		want     domain.MealSlot
	}{
		{"Frühstück", domain.SlotBreakfast},
		{"Abendessen", domain.SlotDinner},
		{"Abendkarte", domain.SlotDinner},
		{"Tellergericht", domain.SlotLunch},
		{"Klassiker", domain.SlotLunch},
	}
	for _, tt := range tests {
		if got := slotForCategory(tt.category); got != tt.want {
			t.Errorf("slotForCategory(%q) = %v, want %v", tt.category, got, tt.want)
		}
	}
}
