package domain

import "time"

// MealSlot classifies a menu entry into a part of the day.
type MealSlot int

const (
	SlotUnspecified MealSlot = iota
	SlotBreakfast
	SlotLunch
	SlotDinner
)

// String returns the German display label for the slot.
func (s MealSlot) String() string {
	switch s {
	case SlotBreakfast:
		return "Frühstück"
	case SlotLunch:
		return "Mittagessen"
	case SlotDinner:
		return "Abendessen"
	default:
		return ""
	}
}

// Location is one registered canteen the bot can answer for.
type Location struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	CanteenID int      `yaml:"canteen_id"` // OpenMensa canteen ID
	Aliases   []string `yaml:"aliases"`
}

// MenuEntry is a single dish offering. Value type, never mutated after parse.
type MenuEntry struct {
	Category string
	Name     string
	Price    *float64 // euros (student price), nil when upstream has none
	Tags     []string // dietary notes, e.g. "vegetarisch"
	Slot     MealSlot
}

// Menu is the full offering of one location on one date.
// A Menu is replaced wholesale on refresh; callers must not mutate it.
type Menu struct {
	Location  Location
	Date      time.Time // date-only, see DateOnly
	Entries   []MenuEntry
	FetchedAt time.Time
	Closed    bool // upstream reported the canteen as closed
}

// DateOnly truncates t to midnight in its own location. Cache keys and all
// date comparisons go through this.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDate reports whether a and b fall on the same calendar day.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
