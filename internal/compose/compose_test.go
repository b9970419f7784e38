package compose

import (
	"strings"
	"testing"
	"time"

	"mensabot/internal/domain"
)

var testLoc = domain.Location{ID: "academica", Name: "Mensa Academica", CanteenID: 187}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.Local)
}

func price(v float64) *float64 { return &v }

func TestHumanizeDate(t *testing.T) {
	ref := date(2026, time.September, 2) // a Wednesday

	cases := []struct {
		name string
		in   time.Time
		want string
	}{
		{"today", date(2026, time.September, 2), "Heute, Mittwoch, der 02.09.2026"},
		{"tomorrow", date(2026, time.September, 3), "Morgen, Donnerstag, der 03.09.2026"},
		{"day after tomorrow", date(2026, time.September, 4), "Übermorgen, Freitag, der 04.09.2026"},
		{"yesterday", date(2026, time.September, 1), "Gestern, Dienstag, der 01.09.2026"},
		{"plain weekday", date(2026, time.September, 7), "Montag, der 07.09.2026"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HumanizeDate(tc.in, ref); got != tc.want {
				t.Errorf("HumanizeDate = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMenu_RendersEntries(t *testing.T) {
	ref := date(2026, time.September, 2)
	menu := &domain.Menu{
		Location: testLoc,
		Date:     ref,
		Entries: []domain.MenuEntry{
			{Category: "Tellergericht", Name: "Pfannkuchen | Quark-Rosinen-Füllung", Price: price(2.10), Slot: domain.SlotLunch},
			{Category: "Vegetarisch", Name: "Kürbis-Chia-Taler | Texicanasauce", Price: price(2.10), Tags: []string{"vegetarisch"}, Slot: domain.SlotLunch},
		},
	}

	got := Menu(menu, domain.SlotUnspecified, false, ref)

	for _, want := range []string{
		"Heute, Mittwoch, der 02.09.2026 – Mensa Academica",
		"Tellergericht — 2,10 €",
		"🍲 Pfannkuchen mit Quark-Rosinen-Füllung",
		"🥗 Kürbis-Chia-Taler mit Texicanasauce (vegetarisch)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, staleNotice) {
		t.Errorf("fresh menu must not carry the stale notice:\n%s", got)
	}
}

func TestMenu_DishDescriptionRewrite(t *testing.T) {
	cases := []struct {
		name string
		dish string
		want string
	}{
		{"plain", "Currywurst", "Currywurst"},
		{"one part", "Gnocchi al forno | Béchamel", "Gnocchi al forno mit Béchamel"},
		{"mit separator", "Pfannkuchen mit Waldfruchtsauce", "Pfannkuchen mit Waldfruchtsauce"},
		{
			"many parts",
			"Gnocchi al forno | Brokkoli, Kochschinken, Käse | Béchamel",
			"Gnocchi al forno mit Brokkoli, Kochschinken, Käse & Béchamel",
		},
		{
			"mixed separators",
			"Seelachs mit Dillsauce | Salzkartoffeln",
			"Seelachs mit Dillsauce & Salzkartoffeln",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := renderDish(domain.MenuEntry{Category: "Beilage", Name: tc.dish})
			if got != tc.want {
				t.Errorf("renderDish(%q) = %q, want %q", tc.dish, got, tc.want)
			}
		})
	}
}

func TestMenu_SlotFilter(t *testing.T) {
	ref := date(2026, time.September, 2)
	menu := &domain.Menu{
		Location: testLoc,
		Date:     ref,
		Entries: []domain.MenuEntry{
			{Category: "Frühstück", Name: "Rührei", Slot: domain.SlotBreakfast},
			{Category: "Tellergericht", Name: "Eintopf", Price: price(2.10), Slot: domain.SlotLunch},
		},
	}

	got := Menu(menu, domain.SlotLunch, false, ref)
	if !strings.Contains(got, "Eintopf") {
		t.Errorf("lunch filter dropped the lunch entry:\n%s", got)
	}
	if strings.Contains(got, "Rührei") {
		t.Errorf("lunch filter kept a breakfast entry:\n%s", got)
	}

	got = Menu(menu, domain.SlotDinner, false, ref)
	if !strings.Contains(got, "Abendessen") || !strings.Contains(got, "nichts im Plan") {
		t.Errorf("empty slot should say so:\n%s", got)
	}
}

func TestMenu_GroupsMultipleSlots(t *testing.T) {
	ref := date(2026, time.September, 2)
	menu := &domain.Menu{
		Location: testLoc,
		Date:     ref,
		Entries: []domain.MenuEntry{
			{Category: "Frühstück", Name: "Rührei", Slot: domain.SlotBreakfast},
			{Category: "Tellergericht", Name: "Eintopf", Slot: domain.SlotLunch},
		},
	}

	got := Menu(menu, domain.SlotUnspecified, false, ref)
	bIdx := strings.Index(got, "Frühstück")
	lIdx := strings.Index(got, "Mittagessen")
	if bIdx < 0 || lIdx < 0 || bIdx > lIdx {
		t.Errorf("expected slot headers in appearance order:\n%s", got)
	}
}

func TestMenu_StaleNotice(t *testing.T) {
	ref := date(2026, time.September, 2)
	menu := &domain.Menu{
		Location: testLoc,
		Date:     ref,
		Entries:  []domain.MenuEntry{{Category: "Tellergericht", Name: "Eintopf", Slot: domain.SlotLunch}},
	}

	got := Menu(menu, domain.SlotUnspecified, true, ref)
	if !strings.Contains(got, staleNotice) {
		t.Errorf("stale menu must carry the stale notice:\n%s", got)
	}
}

func TestMenu_Deterministic(t *testing.T) {
	ref := date(2026, time.September, 2)
	menu := &domain.Menu{
		Location: testLoc,
		Date:     ref,
		Entries: []domain.MenuEntry{
			{Category: "Tellergericht", Name: "Eintopf", Price: price(2.10), Slot: domain.SlotLunch},
			{Category: "Vegetarisch", Name: "Taler", Price: price(2.10), Slot: domain.SlotLunch},
			{Category: "Klassiker", Name: "Schnitzel", Price: price(3.30), Slot: domain.SlotLunch},
		},
	}

	first := Menu(menu, domain.SlotUnspecified, true, ref)
	for i := 0; i < 10; i++ {
		if got := Menu(menu, domain.SlotUnspecified, true, ref); got != first {
			t.Fatalf("output differs between runs:\n%s\n---\n%s", first, got)
		}
	}
}

func TestFixedTexts(t *testing.T) {
	ref := date(2026, time.September, 2)

	got := NoMenu(testLoc, date(2026, time.September, 6), ref)
	if !strings.Contains(got, "kein Speiseplan") || !strings.Contains(got, "Mensa Academica") {
		t.Errorf("unexpected no-menu text: %q", got)
	}
	if !strings.Contains(got, "Sonntag, der 06.09.2026") {
		t.Errorf("no-menu text must name the resolved date: %q", got)
	}

	got = Closed(testLoc, date(2026, time.September, 3), ref)
	if !strings.Contains(got, "geschlossen") || !strings.Contains(got, "Morgen, Donnerstag, der 03.09.2026") {
		t.Errorf("unexpected closed text: %q", got)
	}

	if got := Unavailable(); !strings.Contains(got, "Entschuldigung") {
		t.Errorf("unexpected apology text: %q", got)
	}

	got = Help([]domain.Location{testLoc, {ID: "vita", Name: "Mensa Vita"}})
	if !strings.Contains(got, "/mensa") || !strings.Contains(got, "Mensa Academica, Mensa Vita") {
		t.Errorf("help must list commands and locations: %q", got)
	}
}
