// Package menucache is the only shared mutable state in the bot: a keyed
// in-memory store of parsed menus with TTL, single-flight fetch collapsing,
// and stale fallback when the upstream is down.
package menucache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mensabot/internal/domain"
	"mensabot/internal/mensa"
	"mensabot/internal/metrics"
)

const (
	defaultTTL       = 30 * time.Minute
	defaultRetention = 7 * 24 * time.Hour
)

var (
	// ErrMenuUnavailable means the menu could not be served at all: upstream
	// failed and no previous copy exists for the key.
	ErrMenuUnavailable = errors.New("menu unavailable")

	// ErrNoMenu means upstream has no plan for the requested day. Cached
	// like a regular result so a known-closed day does not hammer upstream.
	ErrNoMenu = errors.New("no menu for this day")
)

// Fetcher resolves a cache miss against the upstream menu source.
type Fetcher interface {
	Fetch(ctx context.Context, loc domain.Location, date time.Time) (*domain.Menu, error)
}

type slot struct {
	menu      *domain.Menu // nil for a no-menu sentinel
	notFound  bool
	expiresAt time.Time
}

// Cache implements the getMenu contract. Slots are never mutated from
// outside; a refresh replaces the Menu wholesale.
type Cache struct {
	fetcher   Fetcher
	ttl       time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	slots map[string]*slot
}

// Config tunes the cache.
type Config struct {
	TTL       time.Duration // freshness window, default 30m
	Retention time.Duration // how long past dates stay evictable-but-present, default 7d
	Logger    *slog.Logger
}

// New creates a menu cache backed by the given fetcher.
func New(fetcher Fetcher, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		fetcher:   fetcher,
		ttl:       cfg.TTL,
		retention: cfg.Retention,
		logger:    cfg.Logger,
		now:       time.Now,
		slots:     make(map[string]*slot),
	}
}

type fetchResult struct {
	menu     *domain.Menu
	notFound bool
	stale    bool
}

// GetMenu returns the menu for (location, date). The bool reports a stale
// serve: an expired copy returned because the upstream could not be reached.
// Errors are ErrNoMenu (no plan for that day) or ErrMenuUnavailable.
func (c *Cache) GetMenu(ctx context.Context, loc domain.Location, date time.Time) (*domain.Menu, bool, error) {
	date = domain.DateOnly(date)
	key := loc.ID + "|" + date.Format("2006-01-02")

	c.mu.Lock()
	c.evictOne(key)
	if s, ok := c.slots[key]; ok && c.now().Before(s.expiresAt) {
		c.mu.Unlock()
		metrics.CacheHits.Inc()
		if s.notFound {
			return nil, false, ErrNoMenu
		}
		return s.menu, false, nil
	}
	c.mu.Unlock()

	metrics.CacheMisses.Inc()

	// Collapse concurrent misses for the same key into one upstream call;
	// late arrivals share the in-flight result.
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.refresh(ctx, key, loc, date)
	})
	if err != nil {
		return nil, false, err
	}

	res := v.(*fetchResult)
	if res.notFound {
		return nil, false, ErrNoMenu
	}
	if res.stale {
		metrics.CacheStaleServes.Inc()
	}
	return res.menu, res.stale, nil
}

// refresh runs inside the single-flight group: at most one instance per key.
func (c *Cache) refresh(ctx context.Context, key string, loc domain.Location, date time.Time) (*fetchResult, error) {
	// A waiter that lost the singleflight race re-enters here after the
	// winner stored a fresh slot; serve that instead of refetching.
	c.mu.Lock()
	if s, ok := c.slots[key]; ok && c.now().Before(s.expiresAt) {
		c.mu.Unlock()
		return &fetchResult{menu: s.menu, notFound: s.notFound}, nil
	}
	c.mu.Unlock()

	start := c.now()
	menu, err := c.fetcher.Fetch(ctx, loc, date)
	metrics.UpstreamLatency.Observe(c.now().Sub(start).Seconds())

	switch {
	case err == nil:
		c.store(key, &slot{menu: menu, expiresAt: c.now().Add(c.ttl)})
		return &fetchResult{menu: menu}, nil

	case mensa.IsNotFound(err):
		metrics.UpstreamErrNotFound.Inc()
		c.logger.Info("no menu upstream, caching sentinel", "key", key)
		c.store(key, &slot{notFound: true, expiresAt: c.now().Add(c.ttl)})
		return &fetchResult{notFound: true}, nil

	case mensa.IsTransient(err):
		c.countTransient(err)
		// Degraded mode: an expired previous menu beats no answer. The slot
		// keeps its old expiry so the next request retries upstream.
		c.mu.Lock()
		prev, ok := c.slots[key]
		c.mu.Unlock()
		if ok && !prev.notFound && prev.menu != nil {
			c.logger.Warn("upstream failed, serving stale menu", "key", key, "err", err)
			return &fetchResult{menu: prev.menu, stale: true}, nil
		}
		c.logger.Error("upstream failed, no fallback available", "key", key, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrMenuUnavailable, err)

	default:
		return nil, fmt.Errorf("%w: %v", ErrMenuUnavailable, err)
	}
}

func (c *Cache) store(key string, s *slot) {
	c.mu.Lock()
	c.slots[key] = s
	c.mu.Unlock()
}

func (c *Cache) countTransient(err error) {
	switch mensa.Kind(err) {
	case mensa.KindTimeout:
		metrics.UpstreamErrTimeout.Inc()
	case mensa.KindParseFailure:
		metrics.UpstreamErrParse.Inc()
	default:
		metrics.UpstreamErrUnreachable.Inc()
	}
}

// evictOne drops the slot under key when its date has fully elapsed beyond
// the retention window. Caller holds c.mu.
func (c *Cache) evictOne(key string) {
	s, ok := c.slots[key]
	if !ok {
		return
	}
	if c.pastRetention(s) {
		delete(c.slots, key)
	}
}

func (c *Cache) pastRetention(s *slot) bool {
	cutoff := domain.DateOnly(c.now()).Add(-c.retention)
	var date time.Time
	if s.menu != nil {
		date = s.menu.Date
	} else {
		// Sentinel slots carry no menu; fall back to their expiry.
		return c.now().After(s.expiresAt.Add(c.retention))
	}
	return date.Before(cutoff)
}

// Sweep removes all slots past the retention window. Run from a
// low-frequency schedule; access-time eviction makes it optional.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, s := range c.slots {
		if c.pastRetention(s) {
			delete(c.slots, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("cache sweep", "removed", removed, "remaining", len(c.slots))
	}
	return removed
}

// Len returns the number of live slots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}
