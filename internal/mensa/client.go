// Package mensa fetches and parses daily menus from the OpenMensa API.
// It performs exactly one outbound HTTP call per Fetch and leaves all
// caching to the caller.
package mensa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"mensabot/internal/domain"
)

const (
	defaultBaseURL       = "https://openmensa.org/api/v2"
	defaultUserAgent     = "mensabot (menu query bot; contact the operator in case of problems)"
	defaultTimeout       = 10 * time.Second
	defaultMaxFutureDays = 7
	maxPastDays          = 7
	maxBodyBytes         = 1 << 20
)

// Client talks to the OpenMensa meals endpoint.
type Client struct {
	baseURL       string
	userAgent     string
	maxFutureDays int
	http          *http.Client
	logger        *slog.Logger
	now           func() time.Time
}

// ClientConfig configures the OpenMensa client.
type ClientConfig struct {
	BaseURL       string
	UserAgent     string
	Timeout       time.Duration
	MaxFutureDays int
	Logger        *slog.Logger
}

// NewClient creates an OpenMensa client with a pooled HTTP transport.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxFutureDays <= 0 {
		cfg.MaxFutureDays = defaultMaxFutureDays
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:     cfg.UserAgent,
		maxFutureDays: cfg.MaxFutureDays,
		http:          sharedHTTPClient(cfg.Timeout),
		logger:        cfg.Logger,
		now:           time.Now,
	}
}

// sharedHTTPClient returns an HTTP client with connection pooling tuned for
// a small number of upstream hosts.
func sharedHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// openMensaMeal mirrors one element of the OpenMensa day-meals response.
type openMensaMeal struct {
	Name     string             `json:"name"`
	Category string             `json:"category"`
	Prices   map[string]float64 `json:"prices"`
	Notes    []string           `json:"notes"`
}

// Fetch retrieves and parses the menu for one location and date.
// Failures are reported as *UpstreamError; a day without a plan (canteen
// closed, date out of range) is KindNotFound.
func (c *Client) Fetch(ctx context.Context, loc domain.Location, date time.Time) (*domain.Menu, error) {
	date = domain.DateOnly(date)
	if err := c.validateDate(date); err != nil {
		return nil, err
	}

	// The canteens publish no weekend plans, so Saturday and Sunday
	// resolve locally without an upstream call.
	if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return &domain.Menu{
			Location:  loc,
			Date:      date,
			FetchedAt: c.now(),
			Closed:    true,
		}, nil
	}

	url := fmt.Sprintf("%s/canteens/%d/days/%s/meals", c.baseURL, loc.CanteenID, date.Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &UpstreamError{Kind: KindUnreachable, Op: "fetch", Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		kind := KindUnreachable
		if errors.Is(err, context.DeadlineExceeded) || isTimeoutErr(err) {
			kind = KindTimeout
		}
		return nil, &UpstreamError{Kind: kind, Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &UpstreamError{Kind: KindUnreachable, Op: "read", Err: err}
	}

	c.logger.Debug("openmensa response",
		"canteen", loc.CanteenID,
		"date", date.Format("2006-01-02"),
		"status", resp.StatusCode,
		"bytes", len(body),
		"elapsed", c.now().Sub(start),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &UpstreamError{Kind: KindNotFound, Op: "fetch"}
	case resp.StatusCode != http.StatusOK:
		return nil, &UpstreamError{Kind: KindUnreachable, Op: "fetch",
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	// OpenMensa answers a lone space for days without a plan.
	if strings.TrimSpace(string(body)) == "" {
		return nil, &UpstreamError{Kind: KindNotFound, Op: "fetch"}
	}

	var meals []openMensaMeal
	if err := json.Unmarshal(body, &meals); err != nil {
		return nil, &UpstreamError{Kind: KindParseFailure, Op: "decode", Err: err}
	}
	if len(meals) == 0 {
		return nil, &UpstreamError{Kind: KindNotFound, Op: "fetch"}
	}

	menu := c.buildMenu(loc, date, meals)
	return menu, nil
}

// validateDate rejects dates outside the window the upstream can answer for.
func (c *Client) validateDate(date time.Time) error {
	today := domain.DateOnly(c.now())
	if date.After(today.AddDate(0, 0, c.maxFutureDays)) ||
		date.Before(today.AddDate(0, 0, -maxPastDays)) {
		return &UpstreamError{Kind: KindNotFound, Op: "validate",
			Err: fmt.Errorf("date %s out of range", date.Format("2006-01-02"))}
	}
	return nil
}

func (c *Client) buildMenu(loc domain.Location, date time.Time, meals []openMensaMeal) *domain.Menu {
	menu := &domain.Menu{
		Location:  loc,
		Date:      date,
		FetchedAt: c.now(),
	}

	// All meals named "geschlossen" means the canteen published a plan that
	// only says it is closed.
	closed := true
	for _, m := range meals {
		if !strings.Contains(strings.ToLower(m.Name), "geschlossen") {
			closed = false
			break
		}
	}
	if closed {
		menu.Closed = true
		return menu
	}

	for _, m := range meals {
		entry := domain.MenuEntry{
			Category: strings.TrimSpace(m.Category),
			Name:     normalizeDishName(m.Name),
			Tags:     normalizeTags(m.Notes),
			Slot:     slotForCategory(m.Category),
		}
		if p, ok := m.Prices["students"]; ok && p > 0 {
			price := p
			entry.Price = &price
		}
		menu.Entries = append(menu.Entries, entry)
	}
	return menu
}

var (
	multiSpaceRe     = regexp.MustCompile(` +`)
	spaceBeforeComma = regexp.MustCompile(`\s+,`)
)

// normalizeDishName collapses runs of spaces and strips whitespace before
// commas, preserving case.
func normalizeDishName(name string) string {
	name = multiSpaceRe.ReplaceAllString(name, " ")
	name = spaceBeforeComma.ReplaceAllString(name, ",")
	return strings.TrimSpace(name)
}

func normalizeTags(notes []string) []string {
	var tags []string
	for _, n := range notes {
		n = strings.TrimSpace(n)
		if n != "" {
			tags = append(tags, n)
		}
	}
	return tags
}

// slotForCategory infers a meal slot from the upstream category name.
// OpenMensa categories carry no explicit slot; breakfast and dinner lines
// are recognizable by name, everything else is the midday offering.
func slotForCategory(category string) domain.MealSlot {
	c := strings.ToLower(category)
	switch {
	case strings.Contains(c, "frühstück") || strings.Contains(c, "fruehstueck") || strings.Contains(c, "breakfast"):
		return domain.SlotBreakfast
	case strings.Contains(c, "abend") || strings.Contains(c, "dinner"):
		return domain.SlotDinner
	default:
		return domain.SlotLunch
	}
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
