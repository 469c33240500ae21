// Package geo defines the geolocation collaborator used by country and continent
// filter rules, a static CIDR table implementation, and a caching, rate-limited
// decorator for slower lookups.
package geo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/coman3/YetAnotherProxyManager/internal/ipclass"
)

var (
	// ErrNoData is returned when a lookup has no record for the address.
	ErrNoData = errors.New("no geolocation data")
	// ErrRateLimited is returned by Cached when the upstream lookup budget is exhausted.
	ErrRateLimited = errors.New("geolocation lookup rate limited")
)

// Location is the subset of geolocation data the filter needs.
type Location struct {
	IP            string `yaml:"-" json:"ip,omitempty"`
	CountryCode   string `yaml:"country_code" json:"country_code"`
	Country       string `yaml:"country,omitempty" json:"country,omitempty"`
	ContinentCode string `yaml:"continent_code" json:"continent_code"`
	Continent     string `yaml:"continent,omitempty" json:"continent,omitempty"`
	City          string `yaml:"city,omitempty" json:"city,omitempty"`
}

// Lookup resolves an address to a location. A nil location with a nil error means
// the provider has no data for the address.
type Lookup interface {
	Lookup(ctx context.Context, ip net.IP) (*Location, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, ip net.IP) (*Location, error)

func (f LookupFunc) Lookup(ctx context.Context, ip net.IP) (*Location, error) {
	return f(ctx, ip)
}

// TableEntry maps one CIDR block to a location.
type TableEntry struct {
	CIDR     string `yaml:"cidr"`
	Location `yaml:",inline"`
}

// Table is a static longest-prefix lookup over CIDR blocks. It is safe for
// concurrent use and can be replaced atomically with Replace.
type Table struct {
	mu      sync.RWMutex
	entries []tableEntry
}

type tableEntry struct {
	cidr   string
	prefix int
	loc    Location
}

// NewTable builds a table; it fails on the first malformed CIDR.
func NewTable(entries []TableEntry) (*Table, error) {
	t := &Table{}
	if err := t.Replace(entries); err != nil {
		return nil, err
	}
	return t, nil
}

// Replace swaps the table contents.
func (t *Table) Replace(entries []TableEntry) error {
	parsed := make([]tableEntry, 0, len(entries))
	for _, e := range entries {
		if _, _, ok := ipclass.ParseCIDR(e.CIDR); !ok {
			return fmt.Errorf("geo table: invalid cidr %q", e.CIDR)
		}
		prefix, _ := strconv.Atoi(e.CIDR[strings.LastIndexByte(e.CIDR, '/')+1:])
		parsed = append(parsed, tableEntry{cidr: e.CIDR, prefix: prefix, loc: e.Location})
	}

	t.mu.Lock()
	t.entries = parsed
	t.mu.Unlock()
	return nil
}

// Len returns the number of blocks in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Lookup returns the location of the most specific block containing ip.
func (t *Table) Lookup(_ context.Context, ip net.IP) (*Location, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *tableEntry
	for i := range t.entries {
		e := &t.entries[i]
		if !ipclass.InCIDR(ip, e.cidr) {
			continue
		}
		if best == nil || e.prefix > best.prefix {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	loc := best.loc
	loc.IP = ip.String()
	return &loc, nil
}

// CacheConfig tunes Cached.
type CacheConfig struct {
	Size     int
	TTL      time.Duration
	Rate     float64 // upstream lookups per second; 0 disables limiting
	Burst    int
	Timeout  time.Duration
	Negative bool // cache "no data" results
}

// DefaultCacheConfig returns the settings used when none are configured.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Size:     4096,
		TTL:      time.Hour,
		Rate:     10,
		Burst:    20,
		Timeout:  3 * time.Second,
		Negative: true,
	}
}

type cacheEntry struct {
	loc *Location
}

// Cached wraps a slow Lookup with an expiring LRU cache and a token bucket that
// bounds the rate of upstream lookups. When the budget is exhausted it returns
// ErrRateLimited instead of waiting.
type Cached struct {
	next    Lookup
	cache   *expirable.LRU[string, cacheEntry]
	limiter *rate.Limiter
	cfg     CacheConfig
}

// NewCached creates a caching decorator around next.
func NewCached(next Lookup, cfg CacheConfig) *Cached {
	def := DefaultCacheConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}

	c := &Cached{
		next:  next,
		cache: expirable.NewLRU[string, cacheEntry](cfg.Size, nil, cfg.TTL),
		cfg:   cfg,
	}
	if cfg.Rate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	}
	return c
}

// Lookup serves from cache when possible and otherwise consults the wrapped lookup.
func (c *Cached) Lookup(ctx context.Context, ip net.IP) (*Location, error) {
	if ip == nil {
		return nil, ErrNoData
	}
	key := ip.String()
	if e, ok := c.cache.Get(key); ok {
		return e.loc, nil
	}

	if c.limiter != nil && !c.limiter.Allow() {
		return nil, ErrRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	loc, err := c.next.Lookup(ctx, ip)
	if err != nil {
		if errors.Is(err, ErrNoData) && c.cfg.Negative {
			c.cache.Add(key, cacheEntry{})
		}
		return nil, err
	}
	if loc != nil || c.cfg.Negative {
		c.cache.Add(key, cacheEntry{loc: loc})
	}
	return loc, nil
}

// Len returns the number of cached addresses.
func (c *Cached) Len() int {
	return c.cache.Len()
}
