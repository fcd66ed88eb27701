package core

import (
	"sort"
	"sync"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/terrain"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

// RetainedRasters holds per-site rasters kept after profile computation.
// The line-of-sight evaluator samples them when the pair raster has no
// data at a point.
type RetainedRasters struct {
	mu      sync.Mutex
	entries map[int]retainedRaster
}

type retainedRaster struct {
	position model.LatLon
	raster   *terrain.Raster
}

// NewRetainedRasters returns an empty set.
func NewRetainedRasters() *RetainedRasters {
	return &RetainedRasters{entries: make(map[int]retainedRaster)}
}

// Put stores the raster for a site, releasing any raster it replaces.
func (s *RetainedRasters) Put(site model.Site, r *terrain.Raster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[site.Index]; ok && old.raster != r {
		old.raster.Release()
	}
	s.entries[site.Index] = retainedRaster{position: site.Position, raster: r}
}

// Len returns the number of retained rasters.
func (s *RetainedRasters) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sample tries retained rasters in order of their site's distance to p.
func (s *RetainedRasters) Sample(p model.LatLon) (float64, bool) {
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	candidates := make([]retainedRaster, 0, len(s.entries))
	for _, e := range s.entries {
		if e.raster.Contains(p) {
			candidates = append(candidates, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return DistanceM(candidates[i].position, p) < DistanceM(candidates[j].position, p)
	})
	for _, c := range candidates {
		if h, ok := c.raster.Sample(p); ok {
			return h, true
		}
	}
	return 0, false
}

// ReleaseAll releases and forgets every retained raster.
func (s *RetainedRasters) ReleaseAll() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, e := range s.entries {
		e.raster.Release()
		delete(s.entries, idx)
	}
}
