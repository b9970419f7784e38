package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"mensabot/internal/domain"
)

// locationsFile is the YAML shape of the location registry.
type locationsFile struct {
	Locations []domain.Location `yaml:"locations"`
}

// LocationRegistry is the registered location set. Lookups are by ID, name
// or alias, case-insensitive.
type LocationRegistry struct {
	all       []domain.Location
	byAlias   map[string]domain.Location
	defaultID string
}

// LoadLocations reads the registry from a YAML file. defaultID selects the
// location used when a query names none; it must exist in the file.
func LoadLocations(path, defaultID string) (*LocationRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read locations file %s: %w", path, err)
	}

	var f locationsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cannot parse locations file %s: %w", path, err)
	}
	if len(f.Locations) == 0 {
		return nil, fmt.Errorf("locations file %s registers no locations", path)
	}

	return NewLocationRegistry(f.Locations, defaultID)
}

// NewLocationRegistry builds a registry from an explicit location list.
func NewLocationRegistry(locations []domain.Location, defaultID string) (*LocationRegistry, error) {
	r := &LocationRegistry{
		all:       locations,
		byAlias:   make(map[string]domain.Location),
		defaultID: defaultID,
	}
	for _, loc := range locations {
		if loc.ID == "" || loc.CanteenID == 0 {
			return nil, fmt.Errorf("location %q needs an id and a canteen_id", loc.Name)
		}
		r.byAlias[normalizeAlias(loc.ID)] = loc
		if loc.Name != "" {
			r.byAlias[normalizeAlias(loc.Name)] = loc
		}
		for _, a := range loc.Aliases {
			r.byAlias[normalizeAlias(a)] = loc
		}
	}
	if _, ok := r.byAlias[normalizeAlias(defaultID)]; !ok {
		return nil, fmt.Errorf("default location %q is not registered", defaultID)
	}
	return r, nil
}

// Resolve maps one alias token to a location.
func (r *LocationRegistry) Resolve(alias string) (domain.Location, bool) {
	loc, ok := r.byAlias[normalizeAlias(alias)]
	return loc, ok
}

// ResolvePhrase scans free text for any registered alias, longest first, so
// multi-word names ("mensa academica") win over substrings.
func (r *LocationRegistry) ResolvePhrase(text string) (domain.Location, bool) {
	text = " " + normalizeAlias(text) + " "

	aliases := make([]string, 0, len(r.byAlias))
	for a := range r.byAlias {
		aliases = append(aliases, a)
	}
	sort.Slice(aliases, func(i, j int) bool { return len(aliases[i]) > len(aliases[j]) })

	for _, a := range aliases {
		if strings.Contains(text, " "+a+" ") {
			return r.byAlias[a], true
		}
	}
	return domain.Location{}, false
}

// Default returns the configured default location.
func (r *LocationRegistry) Default() domain.Location {
	return r.byAlias[normalizeAlias(r.defaultID)]
}

// All returns every registered location in file order.
func (r *LocationRegistry) All() []domain.Location {
	return r.all
}

func normalizeAlias(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}
