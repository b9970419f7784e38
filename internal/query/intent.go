// Package query turns free-form user text into a fully resolved Intent.
// Parsing never fails: unrecognized text falls back to today, the default
// location and an unspecified meal slot, so downstream components never
// branch on missing fields.
package query

import (
	"strings"
	"time"

	"mensabot/internal/domain"
)

// Intent is the structured interpretation of one inbound message. Every
// field is concrete by the time Parse returns.
type Intent struct {
	Location domain.Location
	Date     time.Time // date-only
	Slot     domain.MealSlot
}

// LocationResolver maps a user-facing alias to a registered location.
type LocationResolver interface {
	Resolve(alias string) (domain.Location, bool)
	Default() domain.Location
}

// Interpreter parses inbound text against a location registry.
type Interpreter struct {
	locations LocationResolver
}

// NewInterpreter creates an Interpreter.
func NewInterpreter(locations LocationResolver) *Interpreter {
	return &Interpreter{locations: locations}
}

// weekdays maps German and English weekday words (and the German two-letter
// short forms) to time.Weekday.
var weekdays = map[string]time.Weekday{
	"montag": time.Monday, "mo": time.Monday, "monday": time.Monday,
	"dienstag": time.Tuesday, "di": time.Tuesday, "tuesday": time.Tuesday,
	"mittwoch": time.Wednesday, "mi": time.Wednesday, "wednesday": time.Wednesday,
	"donnerstag": time.Thursday, "do": time.Thursday, "thursday": time.Thursday,
	"freitag": time.Friday, "fr": time.Friday, "friday": time.Friday,
	"samstag": time.Saturday, "sa": time.Saturday, "saturday": time.Saturday,
	"sonntag": time.Sunday, "so": time.Sunday, "sunday": time.Sunday,
}

// relativeDays maps relative date words to an offset from the reference day.
var relativeDays = map[string]int{
	"heute": 0, "today": 0,
	"morgen": 1, "tomorrow": 1,
	"übermorgen": 2,
	"gestern":    -1, "yesterday": -1,
}

// dateFormats are the explicit formats accepted, tried in order. Formats
// without a year resolve against the reference year.
var dateFormats = []struct {
	layout      string
	yearMissing bool
}{
	{"2.1", true},
	{"2.1.", true},
	{"2.1.06", false},
	{"2006-01-02", false},
	{"2.1.2006", false},
}

var slotKeywords = map[string]domain.MealSlot{
	"frühstück": domain.SlotBreakfast, "fruehstueck": domain.SlotBreakfast, "breakfast": domain.SlotBreakfast,
	"mittag": domain.SlotLunch, "mittagessen": domain.SlotLunch, "lunch": domain.SlotLunch,
	"abend": domain.SlotDinner, "abendessen": domain.SlotDinner, "dinner": domain.SlotDinner,
}

// Parse interprets rawText using receivedAt as the reference instant.
func (in *Interpreter) Parse(rawText string, receivedAt time.Time) Intent {
	intent := Intent{
		Location: in.locations.Default(),
		Date:     domain.DateOnly(receivedAt),
		Slot:     domain.SlotUnspecified,
	}

	text := normalize(rawText)
	tokens := strings.Fields(text)

	for _, tok := range tokens {
		if slot, ok := slotKeywords[tok]; ok && intent.Slot == domain.SlotUnspecified {
			intent.Slot = slot
			continue
		}
		if date, ok := parseDate(tok, receivedAt); ok {
			intent.Date = date
			continue
		}
		if loc, ok := in.locations.Resolve(tok); ok {
			intent.Location = loc
		}
	}

	// Multi-word aliases ("mensa academica") are matched against the whole
	// text, longest alias first, so they beat single-token matches.
	if loc, ok := in.resolvePhrase(text); ok {
		intent.Location = loc
	}

	return intent
}

// parseDate resolves one token to a calendar date: relative words, weekday
// names (next such weekday, today included), or an explicit format.
func parseDate(tok string, ref time.Time) (time.Time, bool) {
	today := domain.DateOnly(ref)

	if offset, ok := relativeDays[tok]; ok {
		return today.AddDate(0, 0, offset), true
	}

	if wd, ok := weekdays[tok]; ok {
		diff := (int(wd) - int(today.Weekday()) + 7) % 7
		return today.AddDate(0, 0, diff), true
	}

	for _, f := range dateFormats {
		d, err := time.ParseInLocation(f.layout, tok, ref.Location())
		if err != nil {
			continue
		}
		if f.yearMissing {
			d = time.Date(today.Year(), d.Month(), d.Day(), 0, 0, 0, 0, ref.Location())
		}
		return domain.DateOnly(d), true
	}

	return time.Time{}, false
}

func (in *Interpreter) resolvePhrase(text string) (domain.Location, bool) {
	type phraseResolver interface {
		ResolvePhrase(text string) (domain.Location, bool)
	}
	if pr, ok := in.locations.(phraseResolver); ok {
		return pr.ResolvePhrase(text)
	}
	return domain.Location{}, false
}

// normalize lowercases the text and strips the command prefix so that
// "/mensa morgen" and "mensa morgen" parse identically. A bot-mention
// suffix on the command ("/mensa@rwthmensabot") is dropped too.
func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	for _, prefix := range []string{"/mensa", "!mensa"} {
		if strings.HasPrefix(text, prefix) {
			rest := text[len(prefix):]
			if at := strings.Index(rest, " "); strings.HasPrefix(rest, "@") && at >= 0 {
				rest = rest[at:]
			} else if strings.HasPrefix(rest, "@") {
				rest = ""
			}
			text = strings.TrimSpace(rest)
			break
		}
	}
	return text
}
