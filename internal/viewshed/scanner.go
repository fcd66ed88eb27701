// Package viewshed computes horizon profiles by ray-marching terrain
// rasters outward from an observer.
package viewshed

import (
	"context"
	"fmt"
	"math"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/core"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/terrain"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

// Config bounds the scan. Zero values select defaults.
type Config struct {
	// MaxDistanceM caps the ray length.
	MaxDistanceM float64
	// StepM is the ray-march step; zero uses the raster resolution.
	StepM float64
	// MinStepM floors the step so very fine rasters stay affordable.
	MinStepM float64
}

// Scanner implements core.ViewshedGenerator.
type Scanner struct {
	cfg   Config
	yield core.YieldFunc
}

// NewScanner returns a scanner. yield may be nil.
func NewScanner(cfg Config, yield core.YieldFunc) *Scanner {
	if cfg.MaxDistanceM <= 0 {
		cfg.MaxDistanceM = core.DefaultScanRadiusM
	}
	if cfg.MinStepM <= 0 {
		cfg.MinStepM = 10
	}
	if yield == nil {
		yield = func() {}
	}
	return &Scanner{cfg: cfg, yield: yield}
}

// HorizonProfile returns steps samples at evenly spaced azimuths. Each
// altitude is the highest curvature and refraction corrected elevation
// angle of terrain along the ray; rays with no terrain data yield NaN.
func (s *Scanner) HorizonProfile(ctx context.Context, r *terrain.Raster, pos model.LatLon, observerHeightM float64, steps int) (*model.HorizonProfile, error) {
	if !r.Valid() {
		return nil, terrain.ErrInvalidRaster
	}
	if steps <= 0 {
		return nil, fmt.Errorf("horizon steps must be positive, got %d", steps)
	}

	step := s.cfg.StepM
	if step <= 0 {
		step = r.Resolution()
	}
	step = math.Max(step, s.cfg.MinStepM)

	profile := &model.HorizonProfile{Samples: make([]model.HorizonSample, steps)}
	for k := 0; k < steps; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		az := float64(k) * 360 / float64(steps)
		profile.Samples[k] = model.HorizonSample{
			Azimuth:  az,
			Altitude: s.scanRay(r, pos, observerHeightM, az, step),
		}
		if k%36 == 35 {
			s.yield()
		}
	}
	return profile, nil
}

func (s *Scanner) scanRay(r *terrain.Raster, pos model.LatLon, observerHeightM, az, step float64) float64 {
	best := math.NaN()
	for d := step; d <= s.cfg.MaxDistanceM; d += step {
		pt := core.Destination(pos, az, d)
		h, ok := r.Sample(pt)
		if !ok {
			if !r.Contains(pt) {
				break
			}
			continue
		}
		drop := d * d / (2 * core.EarthRadiusM)
		apparent := h - drop + core.RefractionCoefficient*drop
		angle := core.ElevationAngleDeg(apparent-observerHeightM, d)
		if math.IsNaN(best) || angle > best {
			best = angle
		}
	}
	return best
}
