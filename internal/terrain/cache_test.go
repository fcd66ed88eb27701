package terrain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/timectrl"
)

type countingFetcher struct {
	calls int
	fail  error
	inner Fetcher
}

func (f *countingFetcher) Fetch(ctx context.Context, req FetchRequest) (*Raster, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	return f.inner.Fetch(ctx, req)
}

type recordingMetrics struct {
	hits, misses int
	evictions    map[string]int
	entries      int
	fetches      int
}

func (m *recordingMetrics) ObserveCacheHit()  { m.hits++ }
func (m *recordingMetrics) ObserveCacheMiss() { m.misses++ }
func (m *recordingMetrics) ObserveCacheEviction(reason string) {
	if m.evictions == nil {
		m.evictions = make(map[string]int)
	}
	m.evictions[reason]++
}
func (m *recordingMetrics) SetCacheEntries(n int)                    { m.entries = n }
func (m *recordingMetrics) ObserveTerrainFetch(time.Duration, error) { m.fetches++ }

func newTestCache(t *testing.T, cfg CacheConfig) (*Cache, *countingFetcher, *timectrl.FakeClock, *recordingMetrics) {
	t.Helper()
	clk := timectrl.NewFakeClock(time.Date(2026, 6, 21, 4, 0, 0, 0, time.UTC))
	f := &countingFetcher{inner: &FuncFetcher{Elevation: Flat(42), TileSize: 8}}
	m := &recordingMetrics{}
	return NewCache(f, cfg, WithClock(clk), WithCacheMetrics(m)), f, clk, m
}

func TestCacheHitReturnsSameRaster(t *testing.T) {
	ctx := context.Background()
	c, f, clk, m := newTestCache(t, CacheConfig{})

	first, err := c.GetOrFetch(ctx, model.LatLon{Lat: 53.69452, Lon: -6.47564}, 1, 12)
	if err != nil {
		t.Fatalf("GetOrFetch error: %v", err)
	}
	clk.Advance(time.Second)
	// Within the 1e-4 degree rounding.
	second, err := c.GetOrFetch(ctx, model.LatLon{Lat: 53.69454, Lon: -6.47561}, 1, 12)
	if err != nil {
		t.Fatalf("GetOrFetch error: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached raster to be reused")
	}
	if f.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", f.calls)
	}
	if m.hits != 1 || m.misses != 1 {
		t.Fatalf("hits/misses = %d/%d, want 1/1", m.hits, m.misses)
	}
	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 1 {
		t.Fatalf("Stats() = %+v", stats)
	}
	if stats.Bytes != first.SizeBytes() {
		t.Fatalf("Stats().Bytes = %d, want %d", stats.Bytes, first.SizeBytes())
	}
}

func TestCacheKeyIncludesRadiusAndZoom(t *testing.T) {
	ctx := context.Background()
	c, f, _, _ := newTestCache(t, CacheConfig{MaxEntries: 5})
	p := model.LatLon{Lat: 10, Lon: 10}

	for _, args := range []struct{ r, z int }{{1, 12}, {2, 12}, {1, 11}} {
		if _, err := c.GetOrFetch(ctx, p, args.r, args.z); err != nil {
			t.Fatalf("GetOrFetch(%d,%d) error: %v", args.r, args.z, err)
		}
	}
	if f.calls != 3 {
		t.Fatalf("fetch calls = %d, want 3", f.calls)
	}
}

func TestCacheCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c, _, clk, m := newTestCache(t, CacheConfig{MaxEntries: 3, MaxAge: time.Hour})

	var rasters []*Raster
	for i := 0; i < 3; i++ {
		r, err := c.GetOrFetch(ctx, model.LatLon{Lat: float64(i), Lon: 0}, 0, 10)
		if err != nil {
			t.Fatalf("GetOrFetch error: %v", err)
		}
		rasters = append(rasters, r)
		clk.Advance(time.Second)
	}

	// Touch the first entry so the second becomes least recently used.
	if _, err := c.GetOrFetch(ctx, model.LatLon{Lat: 0, Lon: 0}, 0, 10); err != nil {
		t.Fatalf("GetOrFetch error: %v", err)
	}
	clk.Advance(time.Second)

	if _, err := c.GetOrFetch(ctx, model.LatLon{Lat: 5, Lon: 0}, 0, 10); err != nil {
		t.Fatalf("GetOrFetch error: %v", err)
	}

	if got := c.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	if rasters[1].Valid() {
		t.Fatalf("evicted raster should be released")
	}
	if !rasters[0].Valid() || !rasters[2].Valid() {
		t.Fatalf("retained rasters should stay valid")
	}
	if m.evictions[EvictCapacity] != 1 {
		t.Fatalf("capacity evictions = %d, want 1", m.evictions[EvictCapacity])
	}
	if m.entries != 3 {
		t.Fatalf("entries gauge = %d, want 3", m.entries)
	}
}

func TestCacheNeverExceedsBounds(t *testing.T) {
	ctx := context.Background()
	c, _, clk, _ := newTestCache(t, CacheConfig{MaxEntries: 2, MaxAge: 10 * time.Second})

	for i := 0; i < 20; i++ {
		lat := float64(i % 5)
		if _, err := c.GetOrFetch(ctx, model.LatLon{Lat: lat, Lon: 1}, 0, 9); err != nil {
			t.Fatalf("GetOrFetch error: %v", err)
		}
		if got := c.Len(); got > 2 {
			t.Fatalf("after fetch %d Len() = %d, want <= 2", i, got)
		}
		clk.Advance(3 * time.Second)
	}
}

func TestCacheCleanupDropsAgedEntries(t *testing.T) {
	ctx := context.Background()
	c, _, clk, _ := newTestCache(t, CacheConfig{MaxAge: 2 * time.Minute})

	old, err := c.GetOrFetch(ctx, model.LatLon{Lat: 1, Lon: 1}, 0, 10)
	if err != nil {
		t.Fatalf("GetOrFetch error: %v", err)
	}
	clk.Advance(90 * time.Second)
	fresh, err := c.GetOrFetch(ctx, model.LatLon{Lat: 2, Lon: 2}, 0, 10)
	if err != nil {
		t.Fatalf("GetOrFetch error: %v", err)
	}
	clk.Advance(60 * time.Second)

	if removed := c.Cleanup(ctx); removed != 1 {
		t.Fatalf("Cleanup() removed %d, want 1", removed)
	}
	if old.Valid() {
		t.Fatalf("aged raster should be released")
	}
	if !fresh.Valid() {
		t.Fatalf("fresh raster should stay valid")
	}
	if got := c.Stats().EvictedAge; got != 1 {
		t.Fatalf("EvictedAge = %d, want 1", got)
	}
}

func TestCacheHitsDropAgedEntries(t *testing.T) {
	ctx := context.Background()
	c, f, clk, m := newTestCache(t, CacheConfig{MaxAge: 2 * time.Minute})
	hot := model.LatLon{Lat: 1, Lon: 1}

	if _, err := c.GetOrFetch(ctx, hot, 0, 10); err != nil {
		t.Fatalf("GetOrFetch error: %v", err)
	}
	cold, err := c.GetOrFetch(ctx, model.LatLon{Lat: 2, Lon: 2}, 0, 10)
	if err != nil {
		t.Fatalf("GetOrFetch error: %v", err)
	}
	for range 3 {
		clk.Advance(time.Minute)
		if _, err := c.GetOrFetch(ctx, hot, 0, 10); err != nil {
			t.Fatalf("GetOrFetch(hot) error: %v", err)
		}
	}

	if cold.Valid() {
		t.Fatalf("entry unused for 3m should be released by hits on another key")
	}
	if c.Len() != 1 || f.calls != 2 {
		t.Fatalf("Len() = %d, fetches = %d, want 1 entry and 2 fetches", c.Len(), f.calls)
	}
	if got := c.Stats().EvictedAge; got != 1 {
		t.Fatalf("EvictedAge = %d, want 1", got)
	}
	if m.entries != 1 {
		t.Fatalf("reported entries = %d, want 1", m.entries)
	}
}

func TestCacheInvalidEntryIsPurgedAndRefetched(t *testing.T) {
	ctx := context.Background()
	c, f, _, m := newTestCache(t, CacheConfig{})
	p := model.LatLon{Lat: 3, Lon: 3}

	r, err := c.GetOrFetch(ctx, p, 0, 10)
	if err != nil {
		t.Fatalf("GetOrFetch error: %v", err)
	}
	r.Release()

	again, err := c.GetOrFetch(ctx, p, 0, 10)
	if err != nil {
		t.Fatalf("GetOrFetch error: %v", err)
	}
	if again == r || !again.Valid() {
		t.Fatalf("expected a freshly fetched raster")
	}
	if f.calls != 2 {
		t.Fatalf("fetch calls = %d, want 2", f.calls)
	}
	if got := c.Stats().PurgedInvalid; got != 1 {
		t.Fatalf("PurgedInvalid = %d, want 1", got)
	}
	if m.misses != 2 || m.evictions[EvictInvalid] != 1 {
		t.Fatalf("misses=%d invalid evictions=%d, want 2/1", m.misses, m.evictions[EvictInvalid])
	}
}

func TestCacheFetchFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	c, f, _, _ := newTestCache(t, CacheConfig{})
	f.fail = ErrNoCoverage

	_, err := c.GetOrFetch(ctx, model.LatLon{Lat: 4, Lon: 4}, 0, 10)
	if !errors.Is(err, ErrNoCoverage) {
		t.Fatalf("GetOrFetch error = %v, want ErrNoCoverage", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failed fetch should not be cached")
	}
	if got := c.Stats().FetchErrors; got != 1 {
		t.Fatalf("FetchErrors = %d, want 1", got)
	}

	f.fail = nil
	if _, err := c.GetOrFetch(ctx, model.LatLon{Lat: 4, Lon: 4}, 0, 10); err != nil {
		t.Fatalf("retry error: %v", err)
	}
	if f.calls != 2 {
		t.Fatalf("fetch calls = %d, want 2", f.calls)
	}
}

func TestCachePurgeReleasesEverything(t *testing.T) {
	ctx := context.Background()
	c, _, clk, _ := newTestCache(t, CacheConfig{})

	var rasters []*Raster
	for i := 0; i < 3; i++ {
		r, err := c.GetOrFetch(ctx, model.LatLon{Lat: float64(i), Lon: 7}, 0, 10)
		if err != nil {
			t.Fatalf("GetOrFetch error: %v", err)
		}
		rasters = append(rasters, r)
		clk.Advance(time.Second)
	}
	c.Purge(ctx)
	if c.Len() != 0 {
		t.Fatalf("Len() after Purge = %d, want 0", c.Len())
	}
	for i, r := range rasters {
		if r.Valid() {
			t.Fatalf("raster %d still valid after Purge", i)
		}
	}
}

func TestCacheDetachHandsOverOwnership(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newTestCache(t, CacheConfig{})

	r, err := c.GetOrFetch(ctx, model.LatLon{Lat: 8, Lon: 8}, 0, 10)
	if err != nil {
		t.Fatalf("GetOrFetch error: %v", err)
	}
	if !c.Detach(r) {
		t.Fatalf("Detach() = false, want true")
	}
	if c.Detach(r) {
		t.Fatalf("second Detach() = true, want false")
	}
	c.Purge(ctx)
	if !r.Valid() {
		t.Fatalf("detached raster should survive Purge")
	}
}
