package terrain

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/logging"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/timectrl"
)

const (
	DefaultCacheMaxEntries = 3
	DefaultCacheMaxAge     = 2 * time.Minute

	// keyScale rounds coordinates to 1e-4 degrees (about 11 m).
	keyScale = 1e4
)

// Eviction reasons reported to CacheMetrics.
const (
	EvictAge      = "age"
	EvictCapacity = "capacity"
	EvictInvalid  = "invalid"
	EvictPurge    = "purge"
)

// CacheKey identifies a raster by rounded centre, tile radius and zoom.
type CacheKey struct {
	Lat        int64
	Lon        int64
	TileRadius int
	Zoom       int
}

// NewCacheKey rounds center to the cache's key precision.
func NewCacheKey(center model.LatLon, tileRadius, zoom int) CacheKey {
	return CacheKey{
		Lat:        int64(math.Round(center.Lat * keyScale)),
		Lon:        int64(math.Round(center.Lon * keyScale)),
		TileRadius: tileRadius,
		Zoom:       zoom,
	}
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%.4f,%.4f/r%d/z%d", float64(k.Lat)/keyScale, float64(k.Lon)/keyScale, k.TileRadius, k.Zoom)
}

// CacheConfig bounds the cache. Zero values select the defaults.
type CacheConfig struct {
	MaxEntries int
	MaxAge     time.Duration
}

// CacheMetrics receives cache events. observability.AnalysisCollector
// implements it.
type CacheMetrics interface {
	ObserveCacheHit()
	ObserveCacheMiss()
	ObserveCacheEviction(reason string)
	SetCacheEntries(n int)
	ObserveTerrainFetch(d time.Duration, err error)
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Entries         int
	Bytes           int
	Hits            int64
	Misses          int64
	Fetches         int64
	FetchErrors     int64
	EvictedAge      int64
	EvictedCapacity int64
	PurgedInvalid   int64
}

type cacheEntry struct {
	raster   *Raster
	lastUsed time.Time
	uses     int
}

// Cache is a bounded raster cache with max-age and least-recently-used
// eviction. Evicted rasters are released before they are dropped.
type Cache struct {
	mu      sync.Mutex
	fetcher Fetcher
	cfg     CacheConfig
	entries map[CacheKey]*cacheEntry
	stats   CacheStats

	clock   timectrl.Clock
	log     logging.Logger
	metrics CacheMetrics
}

// CacheOption configures optional cache collaborators.
type CacheOption func(*Cache)

// WithClock sets the clock used for ageing entries.
func WithClock(clock timectrl.Clock) CacheOption {
	return func(c *Cache) { c.clock = timectrl.OrReal(clock) }
}

// WithLogger sets the cache logger.
func WithLogger(log logging.Logger) CacheOption {
	return func(c *Cache) { c.log = logging.OrNoop(log) }
}

// WithCacheMetrics wires a metrics sink.
func WithCacheMetrics(m CacheMetrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// NewCache creates a cache in front of fetcher.
func NewCache(fetcher Fetcher, cfg CacheConfig, opts ...CacheOption) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultCacheMaxEntries
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultCacheMaxAge
	}
	c := &Cache{
		fetcher: fetcher,
		cfg:     cfg,
		entries: make(map[CacheKey]*cacheEntry),
		clock:   timectrl.Real(),
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective bounds.
func (c *Cache) Config() CacheConfig { return c.cfg }

// GetOrFetch returns the cached raster for the rounded key or fetches a
// new one. Invalid entries are purged and count as misses. Aged entries
// are dropped on every call, hit or miss. Capacity eviction runs before
// every fetch so that the cache holds at most
// MaxEntries rasters once the new one is inserted. Failed fetches are not
// cached.
func (c *Cache) GetOrFetch(ctx context.Context, center model.LatLon, tileRadius, zoom int) (*Raster, error) {
	key := NewCacheKey(center, tileRadius, zoom)

	c.mu.Lock()
	now := c.clock.Now()
	if e, ok := c.entries[key]; ok {
		if e.raster.Valid() {
			e.lastUsed = now
			e.uses++
			c.stats.Hits++
			if c.evictAgedLocked(ctx, now) > 0 {
				c.reportSizeLocked()
			}
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.ObserveCacheHit()
			}
			return e.raster, nil
		}
		c.removeLocked(ctx, key, EvictInvalid)
	}
	c.stats.Misses++
	c.evictLocked(ctx, now, 1)
	c.stats.Fetches++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ObserveCacheMiss()
	}

	start := time.Now()
	r, err := c.fetcher.Fetch(ctx, FetchRequest{Center: center, Zoom: zoom, TileRadius: tileRadius})
	if err == nil && !r.Valid() {
		err = fmt.Errorf("%w: fetcher returned unusable raster for %s", ErrInvalidRaster, key)
	}
	if c.metrics != nil {
		c.metrics.ObserveTerrainFetch(time.Since(start), err)
	}
	if err != nil {
		c.mu.Lock()
		c.stats.FetchErrors++
		c.mu.Unlock()
		return nil, fmt.Errorf("fetch raster %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok && old.raster != r {
		old.raster.Release()
	}
	c.entries[key] = &cacheEntry{raster: r, lastUsed: c.clock.Now(), uses: 1}
	// Another caller may have filled the cache while we fetched.
	c.enforceCapacityLocked(ctx, 0, &key)
	c.reportSizeLocked()
	return r, nil
}

// Cleanup drops entries past the max age and then trims to capacity. It
// returns how many entries were removed.
func (c *Cache) Cleanup(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.entries)
	c.evictLocked(ctx, c.clock.Now(), 0)
	return before - len(c.entries)
}

// Detach removes the entry holding r without releasing it. The caller
// takes over responsibility for calling Release.
func (c *Cache) Detach(r *Raster) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.raster == r {
			delete(c.entries, key)
			c.reportSizeLocked()
			return true
		}
	}
	return false
}

// Purge releases and removes every entry.
func (c *Cache) Purge(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		c.removeLocked(ctx, key, EvictPurge)
	}
	c.reportSizeLocked()
}

// Len returns the number of cached rasters.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	for _, e := range c.entries {
		s.Bytes += e.raster.SizeBytes()
	}
	return s
}

// evictLocked removes aged entries and then least-recently-used entries
// until there is room for reserve more.
func (c *Cache) evictLocked(ctx context.Context, now time.Time, reserve int) {
	c.evictAgedLocked(ctx, now)
	c.enforceCapacityLocked(ctx, reserve, nil)
	c.reportSizeLocked()
}

func (c *Cache) evictAgedLocked(ctx context.Context, now time.Time) int {
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.lastUsed) > c.cfg.MaxAge {
			c.removeLocked(ctx, key, EvictAge)
			removed++
		}
	}
	return removed
}

func (c *Cache) enforceCapacityLocked(ctx context.Context, reserve int, keep *CacheKey) {
	limit := c.cfg.MaxEntries - reserve
	if limit < 0 {
		limit = 0
	}
	for len(c.entries) > limit {
		var (
			oldestKey CacheKey
			oldest    *cacheEntry
		)
		for key, e := range c.entries {
			if keep != nil && key == *keep {
				continue
			}
			if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
				oldestKey, oldest = key, e
			}
		}
		if oldest == nil {
			return
		}
		c.removeLocked(ctx, oldestKey, EvictCapacity)
	}
}

func (c *Cache) removeLocked(ctx context.Context, key CacheKey, reason string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.raster.Release()
	delete(c.entries, key)

	switch reason {
	case EvictAge:
		c.stats.EvictedAge++
	case EvictCapacity:
		c.stats.EvictedCapacity++
	case EvictInvalid:
		c.stats.PurgedInvalid++
	}
	if c.metrics != nil {
		c.metrics.ObserveCacheEviction(reason)
	}
	c.log.Debug(ctx, "raster evicted",
		logging.String("key", key.String()),
		logging.String("reason", reason),
		logging.Int("uses", e.uses),
	)
}

func (c *Cache) reportSizeLocked() {
	if c.metrics != nil {
		c.metrics.SetCacheEntries(len(c.entries))
	}
}
