package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/logging"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/terrain"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

const (
	DefaultHorizonZoom     = 11
	DefaultObserverHeightM = 1.7
	DefaultHorizonSteps    = 360
)

// ErrEmptyProfile is returned when the viewshed generator yields no samples.
var ErrEmptyProfile = errors.New("core: empty horizon profile")

// ViewshedGenerator computes a horizon profile from a raster.
type ViewshedGenerator interface {
	HorizonProfile(ctx context.Context, r *terrain.Raster, pos model.LatLon, observerHeightM float64, steps int) (*model.HorizonProfile, error)
}

// ProfileResult is the per-site output of profile precomputation.
type ProfileResult struct {
	Site    model.Site
	Profile *model.HorizonProfile

	GroundM          float64
	ObserverHeightM  float64
	GroundFromRaster bool
}

// PrecomputerConfig tunes profile precomputation. Zero values select
// defaults, except ObserverHeightM which may legitimately be zero when
// ObserverHeightSet is true.
type PrecomputerConfig struct {
	ScanRadiusM       float64
	Zoom              int
	ObserverHeightM   float64
	ObserverHeightSet bool
	HorizonSteps      int

	// RetainRasters keeps each site raster for sightline fallback instead
	// of releasing it.
	RetainRasters bool
}

func (c *PrecomputerConfig) applyDefaults() {
	if c.ScanRadiusM <= 0 {
		c.ScanRadiusM = DefaultScanRadiusM
	}
	if c.Zoom <= 0 {
		c.Zoom = DefaultHorizonZoom
	}
	if !c.ObserverHeightSet && c.ObserverHeightM == 0 {
		c.ObserverHeightM = DefaultObserverHeightM
	}
	if c.HorizonSteps <= 0 {
		c.HorizonSteps = DefaultHorizonSteps
	}
}

// detacher is implemented by raster sources that can hand over ownership
// of a cached raster.
type detacher interface {
	Detach(r *terrain.Raster) bool
}

// Precomputer derives observer heights and horizon profiles for sites.
type Precomputer struct {
	cfg      PrecomputerConfig
	rasters  RasterSource
	viewshed ViewshedGenerator
	retained *RetainedRasters
	log      logging.Logger
}

// NewPrecomputer wires a precomputer. retained may be nil unless
// cfg.RetainRasters is set.
func NewPrecomputer(src RasterSource, vg ViewshedGenerator, cfg PrecomputerConfig, retained *RetainedRasters, log logging.Logger) *Precomputer {
	cfg.applyDefaults()
	if cfg.RetainRasters && retained == nil {
		retained = NewRetainedRasters()
	}
	return &Precomputer{
		cfg:      cfg,
		rasters:  src,
		viewshed: vg,
		retained: retained,
		log:      logging.OrNoop(log),
	}
}

// Config returns the effective configuration.
func (p *Precomputer) Config() PrecomputerConfig { return p.cfg }

// Retained returns the retained raster set, nil unless retention is on.
func (p *Precomputer) Retained() *RetainedRasters {
	if !p.cfg.RetainRasters {
		return nil
	}
	return p.retained
}

// ComputeProfile samples the site's ground height, derives its observer
// height and computes its horizon profile. The raster is released once the
// profile exists unless retention is enabled.
func (p *Precomputer) ComputeProfile(ctx context.Context, site model.Site) (ProfileResult, error) {
	res := ProfileResult{Site: site}
	tileRadius := terrain.TileRadiusFor(site.Position, p.cfg.ScanRadiusM, p.cfg.Zoom)

	r, err := p.rasters.GetOrFetch(ctx, site.Position, tileRadius, p.cfg.Zoom)
	if err != nil {
		return res, fmt.Errorf("site %s raster: %w", site.ID, err)
	}
	keep := false
	defer func() {
		if !keep {
			r.Release()
		}
	}()

	if h, ok := r.Sample(site.Position); ok {
		res.GroundM = h
		res.GroundFromRaster = true
	} else {
		res.GroundM = site.ElevationHint
		p.log.Debug(ctx, "site outside raster coverage, using elevation hint",
			logging.String("site", site.ID),
			logging.Float64("elevation_hint", site.ElevationHint),
		)
	}
	res.ObserverHeightM = res.GroundM + p.cfg.ObserverHeightM

	profile, err := p.viewshed.HorizonProfile(ctx, r, site.Position, res.ObserverHeightM, p.cfg.HorizonSteps)
	if err != nil {
		return res, fmt.Errorf("site %s horizon: %w", site.ID, err)
	}
	if profile.Len() == 0 {
		return res, fmt.Errorf("site %s horizon: %w", site.ID, ErrEmptyProfile)
	}
	profile.SiteIndex = site.Index
	res.Profile = profile

	if p.cfg.RetainRasters {
		if d, ok := p.rasters.(detacher); ok {
			d.Detach(r)
			p.retained.Put(site, r)
			keep = true
		}
	}
	return res, nil
}
