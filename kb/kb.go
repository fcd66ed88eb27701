package kb

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

var (
	ErrSiteExists  = errors.New("kb: site already exists")
	ErrInvalidSite = errors.New("kb: invalid site")
)

// SiteRegistry is an in-memory, thread-safe store of sites. It assigns
// dense indices 0..n-1 in insertion order. Registered sites are never
// modified.
type SiteRegistry struct {
	mu sync.RWMutex

	sites []*model.Site
	byID  map[string]*model.Site

	subs map[int]func(model.Site)
	next int
}

// NewSiteRegistry constructs an empty registry.
func NewSiteRegistry() *SiteRegistry {
	return &SiteRegistry{
		byID: make(map[string]*model.Site),
		subs: make(map[int]func(model.Site)),
	}
}

func validate(s model.Site) error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidSite)
	case math.IsNaN(s.Position.Lat) || s.Position.Lat < -90 || s.Position.Lat > 90:
		return fmt.Errorf("%w: site %q latitude %v out of range", ErrInvalidSite, s.ID, s.Position.Lat)
	case math.IsNaN(s.Position.Lon) || s.Position.Lon < -180 || s.Position.Lon > 180:
		return fmt.Errorf("%w: site %q longitude %v out of range", ErrInvalidSite, s.ID, s.Position.Lon)
	case math.IsNaN(s.ElevationHint) || math.IsInf(s.ElevationHint, 0):
		return fmt.Errorf("%w: site %q elevation is not finite", ErrInvalidSite, s.ID)
	}
	return nil
}

// Add registers a site and returns it with its assigned index.
func (r *SiteRegistry) Add(s model.Site) (model.Site, error) {
	if err := validate(s); err != nil {
		return model.Site{}, err
	}
	r.mu.Lock()
	if _, exists := r.byID[s.ID]; exists {
		r.mu.Unlock()
		return model.Site{}, fmt.Errorf("%w: %q", ErrSiteExists, s.ID)
	}
	s.Index = len(r.sites)
	stored := s
	r.sites = append(r.sites, &stored)
	r.byID[s.ID] = &stored
	subs := r.subscribersLocked()
	r.mu.Unlock()

	// Callbacks run outside the lock so they may query the registry.
	for _, fn := range subs {
		fn(s)
	}
	return s, nil
}

// AddAll registers sites in order, stopping at the first error. Sites added
// before the failure stay registered.
func (r *SiteRegistry) AddAll(sites []model.Site) error {
	for _, s := range sites {
		if _, err := r.Add(s); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of registered sites.
func (r *SiteRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sites)
}

// Sites returns a snapshot ordered by index.
func (r *SiteRegistry) Sites() []model.Site {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]model.Site, len(r.sites))
	for i, s := range r.sites {
		res[i] = *s
	}
	return res
}

// Subscribe registers a callback run after each successful Add. It returns
// an unsubscribe function.
func (r *SiteRegistry) Subscribe(fn func(model.Site)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.subs[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

func (r *SiteRegistry) subscribersLocked() []func(model.Site) {
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(model.Site), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, r.subs[id])
	}
	return subs
}
