// Package compose renders replies from resolved menus. Everything here is a
// pure function of its inputs so the output for a given (intent, menu) pair
// is byte-identical across calls.
package compose

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"mensabot/internal/domain"
)

// German weekday names, indexed by time.Weekday.
var weekdayNames = [...]string{
	"Sonntag", "Montag", "Dienstag", "Mittwoch", "Donnerstag", "Freitag", "Samstag",
}

// categoryEmojis decorates well-known menu categories.
var categoryEmojis = map[string]string{
	"Tellergericht":        "🍲",
	"Süßspeise":            "🍰",
	"Vegetarisch":          "🥗",
	"Klassiker":            "🍗",
	"Empfehlung des Tages": "🥘",
	"Pasta":                "🍝",
	"Burger der Woche":     "🍔",
}

const (
	noMenuText      = "Für %s ist kein Speiseplan für die %s verfügbar."
	closedText      = "Am %s ist die %s geschlossen."
	unavailableText = "Entschuldigung! Ich kann den Speiseplan gerade nicht abrufen. Bitte versuche es später noch einmal."
	staleNotice     = "(Hinweis: Die Daten konnten nicht aktualisiert werden und sind möglicherweise veraltet.)"
)

var helpText = strings.TrimSpace(`
Dieser Bot gibt den Speiseplan deiner Mensa aus.

/mensa – der heutige Speiseplan
/mensa Tag – der Speiseplan für den gewählten Tag. Dabei kann Tag z. B. heute, morgen, Mittwoch oder ein Datum wie 2026-09-02 sein.

Du kannst außerdem eine Mensa (%s) und eine Mahlzeit (Frühstück, Mittagessen, Abendessen) angeben.
`)

// Menu renders a full menu reply. slot filters the listing when specified;
// ref is the reference instant for the humanized date line.
func Menu(menu *domain.Menu, slot domain.MealSlot, stale bool, ref time.Time) string {
	var parts []string
	parts = append(parts, headline(menu.Location, menu.Date, ref))

	entries := menu.Entries
	if slot != domain.SlotUnspecified {
		entries = filterSlot(entries, slot)
		if len(entries) == 0 {
			return fmt.Sprintf("%s\n\nFür %s ist an diesem Tag nichts im Plan.",
				headline(menu.Location, menu.Date, ref), slot)
		}
		parts = append(parts, renderSlot(slot, entries))
	} else if slots := distinctSlots(entries); len(slots) > 1 {
		for _, s := range slots {
			parts = append(parts, renderSlot(s, filterSlot(entries, s)))
		}
	} else {
		parts = append(parts, renderEntries(entries))
	}

	if stale {
		parts = append(parts, staleNotice)
	}
	return strings.Join(parts, "\n\n")
}

// NoMenu renders the fixed message for days without a plan.
func NoMenu(loc domain.Location, date time.Time, ref time.Time) string {
	return fmt.Sprintf(noMenuText, HumanizeDate(date, ref), locationName(loc))
}

// Closed renders the fixed message for a closed canteen.
func Closed(loc domain.Location, date time.Time, ref time.Time) string {
	return fmt.Sprintf(closedText, HumanizeDate(date, ref), locationName(loc))
}

// Unavailable renders the generic apology. It carries no internal detail.
func Unavailable() string {
	return unavailableText
}

// Help renders the help message listing the registered locations.
func Help(locations []domain.Location) string {
	names := make([]string, 0, len(locations))
	for _, l := range locations {
		names = append(names, l.Name)
	}
	if len(names) == 0 {
		names = append(names, "Standard-Mensa")
	}
	return fmt.Sprintf(helpText, strings.Join(names, ", "))
}

// HumanizeDate renders date relative to ref, e.g. "Heute, Mittwoch, der
// 02.09.2026" or "Freitag, der 04.09.2026".
func HumanizeDate(date, ref time.Time) string {
	date = domain.DateOnly(date)
	today := domain.DateOnly(ref)
	diff := int(date.Sub(today).Hours() / 24)

	prefix := ""
	switch diff {
	case 0:
		prefix = "Heute"
	case 1:
		prefix = "Morgen"
	case 2:
		prefix = "Übermorgen"
	case -1:
		prefix = "Gestern"
	}

	dateLine := weekdayNames[int(date.Weekday())] + ", der " + date.Format("02.01.2006")
	if prefix != "" {
		return prefix + ", " + dateLine
	}
	return dateLine
}

func headline(loc domain.Location, date, ref time.Time) string {
	return HumanizeDate(date, ref) + " – " + locationName(loc)
}

func locationName(loc domain.Location) string {
	if loc.Name != "" {
		return loc.Name
	}
	return "Mensa"
}

func renderSlot(slot domain.MealSlot, entries []domain.MenuEntry) string {
	return slot.String() + "\n" + renderEntries(entries)
}

// renderEntries lists entries grouped by category in first-appearance order.
func renderEntries(entries []domain.MenuEntry) string {
	var order []string
	byCategory := make(map[string][]domain.MenuEntry)
	for _, e := range entries {
		if _, ok := byCategory[e.Category]; !ok {
			order = append(order, e.Category)
		}
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}

	var lines []string
	for _, cat := range order {
		group := byCategory[cat]
		header := cat
		if p := group[0].Price; p != nil {
			header += " — " + formatPrice(*p)
		}
		lines = append(lines, header)
		for _, e := range group {
			lines = append(lines, renderDish(e))
		}
	}
	return strings.Join(lines, "\n")
}

// formatPrice renders euros with the German comma decimal, e.g. "2,10 €".
func formatPrice(v float64) string {
	return strings.Replace(fmt.Sprintf("%.2f €", v), ".", ",", 1)
}

var descSeparator = regexp.MustCompile(` \| | mit `)

// renderDish rewrites upstream separator conventions into prose: the parts
// of "Gnocchi | Brokkoli | Béchamel" become "Gnocchi mit Brokkoli & Béchamel".
func renderDish(e domain.MenuEntry) string {
	emoji := categoryEmojis[e.Category]

	var out []string
	for _, sub := range strings.Split(e.Name, "\n") {
		parts := descSeparator.Split(sub, -1)
		desc := parts[0]
		switch {
		case len(parts) == 2:
			desc += " mit " + parts[1]
		case len(parts) > 2:
			desc += " mit " + strings.Join(parts[1:len(parts)-1], ", ") + " & " + parts[len(parts)-1]
		}
		line := desc
		if emoji != "" {
			line = emoji + " " + line
		}
		if len(e.Tags) > 0 {
			line += " (" + strings.Join(e.Tags, ", ") + ")"
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func filterSlot(entries []domain.MenuEntry, slot domain.MealSlot) []domain.MenuEntry {
	var out []domain.MenuEntry
	for _, e := range entries {
		if e.Slot == slot {
			out = append(out, e)
		}
	}
	return out
}

// distinctSlots returns the slots present in first-appearance order.
func distinctSlots(entries []domain.MenuEntry) []domain.MealSlot {
	var out []domain.MealSlot
	seen := make(map[domain.MealSlot]bool)
	for _, e := range entries {
		if !seen[e.Slot] {
			seen[e.Slot] = true
			out = append(out, e.Slot)
		}
	}
	return out
}
