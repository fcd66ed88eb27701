package core

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/terrain"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

type fakeViewshed struct {
	raster   *terrain.Raster
	observer float64
	steps    int
	err      error
}

func (f *fakeViewshed) HorizonProfile(_ context.Context, r *terrain.Raster, _ model.LatLon, observerHeightM float64, steps int) (*model.HorizonProfile, error) {
	f.raster, f.observer, f.steps = r, observerHeightM, steps
	if f.err != nil {
		return nil, f.err
	}
	p := &model.HorizonProfile{}
	for k := 0; k < steps; k++ {
		p.Samples = append(p.Samples, model.HorizonSample{Azimuth: float64(k) * 360 / float64(steps)})
	}
	return p, nil
}

func testSite() model.Site {
	return model.Site{Index: 3, ID: "newgrange", Position: model.LatLon{Lat: 0.001, Lon: 0.001}, ElevationHint: 55}
}

func newPrecomputeCache(elev terrain.ElevationFunc) *terrain.Cache {
	return terrain.NewCache(&terrain.FuncFetcher{Elevation: elev, TileSize: 32}, terrain.CacheConfig{})
}

func TestComputeProfile_UsesRasterGroundAndReleases(t *testing.T) {
	vg := &fakeViewshed{}
	p := NewPrecomputer(newPrecomputeCache(terrain.Flat(100)), vg, PrecomputerConfig{ScanRadiusM: 3000, Zoom: 14, HorizonSteps: 12}, nil, nil)

	res, err := p.ComputeProfile(context.Background(), testSite())
	if err != nil {
		t.Fatalf("ComputeProfile error: %v", err)
	}
	if !res.GroundFromRaster || res.GroundM != 100 {
		t.Fatalf("ground = %v (from raster %v), want 100 from raster", res.GroundM, res.GroundFromRaster)
	}
	if math.Abs(res.ObserverHeightM-101.7) > 1e-9 || math.Abs(vg.observer-101.7) > 1e-9 {
		t.Fatalf("observer height = %v / %v, want 101.7", res.ObserverHeightM, vg.observer)
	}
	if vg.steps != 12 || res.Profile.Len() != 12 {
		t.Fatalf("steps = %d, profile len = %d, want 12", vg.steps, res.Profile.Len())
	}
	if res.Profile.SiteIndex != 3 {
		t.Fatalf("profile SiteIndex = %d, want 3", res.Profile.SiteIndex)
	}
	if vg.raster.Valid() {
		t.Fatalf("site raster should be released after use")
	}
	if p.Retained() != nil {
		t.Fatalf("Retained() should be nil when retention is off")
	}
}

func TestComputeProfile_FallsBackToElevationHint(t *testing.T) {
	noData := func(model.LatLon) float64 { return math.NaN() }
	vg := &fakeViewshed{}
	p := NewPrecomputer(newPrecomputeCache(noData), vg, PrecomputerConfig{ScanRadiusM: 1000, Zoom: 14, ObserverHeightM: 2}, nil, nil)

	res, err := p.ComputeProfile(context.Background(), testSite())
	if err != nil {
		t.Fatalf("ComputeProfile error: %v", err)
	}
	if res.GroundFromRaster || res.GroundM != 55 || res.ObserverHeightM != 57 {
		t.Fatalf("result = %+v, want hint 55 and observer 57", res)
	}
	if vg.steps != DefaultHorizonSteps {
		t.Fatalf("steps = %d, want %d", vg.steps, DefaultHorizonSteps)
	}
}

func TestComputeProfile_ViewshedFailureReleasesRaster(t *testing.T) {
	boom := errors.New("boom")
	vg := &fakeViewshed{err: boom}
	p := NewPrecomputer(newPrecomputeCache(terrain.Flat(1)), vg, PrecomputerConfig{ScanRadiusM: 1000, Zoom: 14}, nil, nil)

	_, err := p.ComputeProfile(context.Background(), testSite())
	if !errors.Is(err, boom) {
		t.Fatalf("ComputeProfile error = %v, want boom", err)
	}
	if vg.raster.Valid() {
		t.Fatalf("raster should be released on failure")
	}
}

func TestComputeProfile_FetchFailure(t *testing.T) {
	src := &countingSource{fail: terrain.ErrNoCoverage}
	p := NewPrecomputer(src, &fakeViewshed{}, PrecomputerConfig{}, nil, nil)
	if _, err := p.ComputeProfile(context.Background(), testSite()); !errors.Is(err, terrain.ErrNoCoverage) {
		t.Fatalf("ComputeProfile error = %v, want ErrNoCoverage", err)
	}
}

func TestComputeProfile_RetainsRasterForFallback(t *testing.T) {
	cache := newPrecomputeCache(terrain.Flat(100))
	vg := &fakeViewshed{}
	p := NewPrecomputer(cache, vg, PrecomputerConfig{ScanRadiusM: 1000, Zoom: 14, RetainRasters: true}, nil, nil)

	if _, err := p.ComputeProfile(context.Background(), testSite()); err != nil {
		t.Fatalf("ComputeProfile error: %v", err)
	}
	if !vg.raster.Valid() {
		t.Fatalf("retained raster should stay valid")
	}
	if cache.Len() != 0 {
		t.Fatalf("retained raster should be detached from the cache, Len() = %d", cache.Len())
	}
	if p.Retained().Len() != 1 {
		t.Fatalf("Retained().Len() = %d, want 1", p.Retained().Len())
	}
	if h, ok := p.Retained().Sample(testSite().Position); !ok || h != 100 {
		t.Fatalf("retained Sample = %v, %v; want 100", h, ok)
	}
}

func TestComputeProfile_ZeroObserverHeight(t *testing.T) {
	vg := &fakeViewshed{}
	cfg := PrecomputerConfig{ScanRadiusM: 1000, Zoom: 14, ObserverHeightSet: true}
	p := NewPrecomputer(newPrecomputeCache(terrain.Flat(20)), vg, cfg, nil, nil)
	res, err := p.ComputeProfile(context.Background(), testSite())
	if err != nil {
		t.Fatalf("ComputeProfile error: %v", err)
	}
	if res.ObserverHeightM != 20 {
		t.Fatalf("ObserverHeightM = %v, want 20", res.ObserverHeightM)
	}
}
