package core

import (
	"math"
	"testing"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

func TestDistanceM_KnownValues(t *testing.T) {
	// One degree of longitude on the equator.
	got := DistanceM(model.LatLon{Lat: 0, Lon: 0}, model.LatLon{Lat: 0, Lon: 1})
	want := EarthRadiusM * math.Pi / 180
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("DistanceM(1 deg) = %v, want %v", got, want)
	}
	if d := DistanceM(model.LatLon{Lat: 53.7, Lon: -6.5}, model.LatLon{Lat: 53.7, Lon: -6.5}); d != 0 {
		t.Errorf("DistanceM(same point) = %v, want 0", d)
	}
}

func TestDistanceM_Symmetric(t *testing.T) {
	a := model.LatLon{Lat: 53.69452, Lon: -6.47564}
	b := model.LatLon{Lat: 53.74589, Lon: -6.23001}
	if ab, ba := DistanceM(a, b), DistanceM(b, a); math.Abs(ab-ba) > 1e-9 {
		t.Errorf("DistanceM not symmetric: %v vs %v", ab, ba)
	}
}

func TestBearingDeg_Cardinals(t *testing.T) {
	origin := model.LatLon{}
	cases := []struct {
		name string
		to   model.LatLon
		want float64
	}{
		{"north", model.LatLon{Lat: 1}, 0},
		{"east", model.LatLon{Lon: 1}, 90},
		{"south", model.LatLon{Lat: -1}, 180},
		{"west", model.LatLon{Lon: -1}, 270},
	}
	for _, tc := range cases {
		if got := BearingDeg(origin, tc.to); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("BearingDeg(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNormalizeAzimuth(t *testing.T) {
	cases := map[float64]float64{-90: 270, 360: 0, 725: 5, 0: 0, 359.5: 359.5}
	for in, want := range cases {
		if got := NormalizeAzimuth(in); math.Abs(got-want) > 1e-12 {
			t.Errorf("NormalizeAzimuth(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestIntermediateAndDestination(t *testing.T) {
	a := model.LatLon{Lat: 10, Lon: 20}
	b := model.LatLon{Lat: 10.2, Lon: 20.3}

	mid := Midpoint(a, b)
	da, db := DistanceM(a, mid), DistanceM(mid, b)
	if math.Abs(da-db) > 1e-3 {
		t.Errorf("midpoint distances differ: %v vs %v", da, db)
	}
	if got := Intermediate(a, b, 0); DistanceM(got, a) > 1e-6 {
		t.Errorf("Intermediate(0) = %v, want %v", got, a)
	}
	if got := Intermediate(a, b, 1); DistanceM(got, b) > 1e-6 {
		t.Errorf("Intermediate(1) = %v, want %v", got, b)
	}

	dest := Destination(a, BearingDeg(a, b), DistanceM(a, b))
	if DistanceM(dest, b) > 1e-3 {
		t.Errorf("Destination landed %v m from target", DistanceM(dest, b))
	}
}

func TestCorrectedSightlineM(t *testing.T) {
	// Short sightlines are not corrected.
	if got := CorrectedSightlineM(100, 2500, 5000); got != 100 {
		t.Errorf("CorrectedSightlineM(short) = %v, want 100", got)
	}

	// 20 km sightline, mid-point: drop = 10000*10000/(2R).
	drop := 10000.0 * 10000.0 / (2 * EarthRadiusM)
	want := 100 - drop + RefractionCoefficient*drop
	if got := CorrectedSightlineM(100, 10000, 20000); math.Abs(got-want) > 1e-9 {
		t.Errorf("CorrectedSightlineM(20 km) = %v, want %v", got, want)
	}
	if math.Abs(drop-7.848) > 0.01 {
		t.Errorf("curvature drop at 10 km of 20 km = %v, want ~7.85", drop)
	}
}

func TestElevationAngleDeg(t *testing.T) {
	if got := ElevationAngleDeg(100, 100); math.Abs(got-45) > 1e-12 {
		t.Errorf("ElevationAngleDeg(100,100) = %v, want 45", got)
	}
	if got := ElevationAngleDeg(-50, 0); got != -90 {
		t.Errorf("ElevationAngleDeg(-50,0) = %v, want -90", got)
	}
}
