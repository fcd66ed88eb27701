package core

import (
	"context"
	"math"
	"runtime"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/logging"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/terrain"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

const (
	DefaultScanRadiusM    = 30000.0
	DefaultPairZoom       = 12
	DefaultSampleSpacingM = 50.0
	DefaultMaxSamples     = 200
	DefaultClearanceM     = 1.0
	DefaultRadiusPadding  = 1.1
	DefaultYieldEvery     = 10
)

// YieldFunc hands control back to the host between units of work.
type YieldFunc func()

// DefaultYield lets other goroutines run.
func DefaultYield() { runtime.Gosched() }

// RasterSource supplies terrain rasters; *terrain.Cache implements it.
type RasterSource interface {
	GetOrFetch(ctx context.Context, center model.LatLon, tileRadius, zoom int) (*terrain.Raster, error)
}

// EvaluatorConfig tunes the sightline test. Zero values select defaults.
type EvaluatorConfig struct {
	ScanRadiusM    float64
	PairZoom       int
	SampleSpacingM float64
	MaxSamples     int
	ClearanceM     float64
	RadiusPadding  float64
	YieldEvery     int

	// DisableHorizonPrefilter skips the horizon check even when a profile
	// is supplied.
	DisableHorizonPrefilter bool
}

func (c *EvaluatorConfig) applyDefaults() {
	if c.ScanRadiusM <= 0 {
		c.ScanRadiusM = DefaultScanRadiusM
	}
	if c.PairZoom <= 0 {
		c.PairZoom = DefaultPairZoom
	}
	if c.SampleSpacingM <= 0 {
		c.SampleSpacingM = DefaultSampleSpacingM
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = DefaultMaxSamples
	}
	if c.ClearanceM <= 0 {
		c.ClearanceM = DefaultClearanceM
	}
	if c.RadiusPadding <= 0 {
		c.RadiusPadding = DefaultRadiusPadding
	}
	if c.YieldEvery <= 0 {
		c.YieldEvery = DefaultYieldEvery
	}
}

// Pair is one line-of-sight query. Heights are absolute observer heights
// in metres. HorizonA, when set, enables the horizon pre-filter from A.
type Pair struct {
	I, J     int
	A, B     model.LatLon
	HeightA  float64
	HeightB  float64
	HorizonA *Horizon
}

// Evaluator decides whether two observers can see each other over terrain.
type Evaluator struct {
	cfg      EvaluatorConfig
	rasters  RasterSource
	retained *RetainedRasters
	yield    YieldFunc
	log      logging.Logger
}

// EvaluatorOption configures optional collaborators.
type EvaluatorOption func(*Evaluator)

// WithRetainedRasters sets the per-site rasters sampled when the pair
// raster has no data.
func WithRetainedRasters(r *RetainedRasters) EvaluatorOption {
	return func(e *Evaluator) { e.retained = r }
}

// WithYield sets the function called every YieldEvery samples.
func WithYield(y YieldFunc) EvaluatorOption {
	return func(e *Evaluator) {
		if y != nil {
			e.yield = y
		}
	}
}

// WithEvaluatorLogger sets the evaluator logger.
func WithEvaluatorLogger(l logging.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.log = logging.OrNoop(l) }
}

// NewEvaluator builds an evaluator sampling rasters from src.
func NewEvaluator(src RasterSource, cfg EvaluatorConfig, opts ...EvaluatorOption) *Evaluator {
	cfg.applyDefaults()
	e := &Evaluator{
		cfg:     cfg,
		rasters: src,
		yield:   DefaultYield,
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Evaluator) Config() EvaluatorConfig { return e.cfg }

// SampleCount is the number of sightline divisions for a distance.
func (e *Evaluator) SampleCount(distM float64) int {
	n := int(math.Ceil(distM / e.cfg.SampleSpacingM))
	return max(1, min(n, e.cfg.MaxSamples))
}

// IsVisible evaluates one pair. It never returns an error: fetch failures
// and cancellation are reported through the result's Reason.
func (e *Evaluator) IsVisible(ctx context.Context, p Pair) model.VisibilityResult {
	d := DistanceM(p.A, p.B)
	res := model.VisibilityResult{Pair: model.NewPairKey(p.I, p.J), DistanceM: d}

	if d == 0 {
		res.Visible = true
		return res
	}
	if d > e.cfg.ScanRadiusM {
		res.Reason = model.BlockOutOfRange
		return res
	}
	if ctx.Err() != nil {
		res.Reason = model.BlockCancelled
		return res
	}

	if p.HorizonA != nil && !e.cfg.DisableHorizonPrefilter {
		elev := ElevationAngleDeg(p.HeightB-p.HeightA, d)
		if hor, ok := p.HorizonA.AltitudeAt(BearingDeg(p.A, p.B)); ok {
			res.HorizonAltitude = hor
			res.ElevationAngle = elev
			if elev < hor {
				res.Reason = model.BlockHorizon
				return res
			}
		}
	}

	center := Midpoint(p.A, p.B)
	tileRadius := terrain.TileRadiusFor(center, d/2*e.cfg.RadiusPadding, e.cfg.PairZoom)
	acquire := func() *terrain.Raster {
		r, err := e.rasters.GetOrFetch(ctx, center, tileRadius, e.cfg.PairZoom)
		if err != nil {
			e.log.Warn(ctx, "pair raster unavailable",
				logging.Int("i", p.I),
				logging.Int("j", p.J),
				logging.Err(err),
			)
			return nil
		}
		return r
	}

	raster := acquire()
	if raster == nil && e.retained.Len() == 0 {
		if ctx.Err() != nil {
			res.Reason = model.BlockCancelled
		} else {
			res.Reason = model.BlockRasterUnavailable
		}
		return res
	}
	reacquired := false

	n := e.SampleCount(d)
	for k := 1; k < n; k++ {
		if k%e.cfg.YieldEvery == 0 {
			e.yield()
			if ctx.Err() != nil {
				res.Reason = model.BlockCancelled
				return res
			}
		}

		f := float64(k) / float64(n)
		pt := Intermediate(p.A, p.B, f)
		dA := d * f
		sightline := CorrectedSightlineM(p.HeightA+(p.HeightB-p.HeightA)*f, dA, d)

		h, ok := raster.Sample(pt)
		if !ok && raster != nil && !raster.Valid() && !reacquired {
			// Released underneath us by a cache cleanup.
			reacquired = true
			raster = acquire()
			h, ok = raster.Sample(pt)
		}
		if !ok {
			h, ok = e.retained.Sample(pt)
		}
		if !ok {
			continue
		}
		res.Samples++

		if h > sightline+e.cfg.ClearanceM {
			res.Reason = model.BlockTerrain
			res.BlockedAtM = dA
			res.BlockingHeightM = h
			return res
		}
	}

	if res.Samples == 0 && (raster == nil || !raster.Valid()) {
		// No terrain under the sightline at all.
		if ctx.Err() != nil {
			res.Reason = model.BlockCancelled
		} else {
			res.Reason = model.BlockRasterUnavailable
		}
		return res
	}

	res.Visible = true
	return res
}
