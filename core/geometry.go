package core

import (
	"math"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

const (
	// EarthRadiusM is the mean Earth radius used for all great-circle and
	// curvature calculations (metres).
	EarthRadiusM = 6371000.0

	// RefractionCoefficient scales the curvature drop to model standard
	// atmospheric refraction lifting the sightline.
	RefractionCoefficient = 0.13

	// CurvatureThresholdM is the distance beyond which sightlines are
	// corrected for curvature and refraction.
	CurvatureThresholdM = 10000.0
)

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }

// DistanceM returns the haversine great-circle distance between a and b.
func DistanceM(a, b model.LatLon) float64 {
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)
	dLat := lat2 - lat1
	dLon := toRad(b.Lon - a.Lon)

	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	s = math.Min(1, math.Max(0, s))
	return 2 * EarthRadiusM * math.Asin(math.Sqrt(s))
}

// BearingDeg returns the initial great-circle bearing from a to b in
// degrees clockwise from north, normalised to [0, 360).
func BearingDeg(a, b model.LatLon) float64 {
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)
	dLon := toRad(b.Lon - a.Lon)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return NormalizeAzimuth(toDeg(math.Atan2(y, x)))
}

// NormalizeAzimuth maps any angle in degrees to [0, 360).
func NormalizeAzimuth(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// Intermediate returns the point a fraction f of the way along the great
// circle from a to b.
func Intermediate(a, b model.LatLon, f float64) model.LatLon {
	d := DistanceM(a, b) / EarthRadiusM
	if d == 0 {
		return a
	}
	lat1, lon1 := toRad(a.Lat), toRad(a.Lon)
	lat2, lon2 := toRad(b.Lat), toRad(b.Lon)

	sinD := math.Sin(d)
	wa := math.Sin((1-f)*d) / sinD
	wb := math.Sin(f*d) / sinD

	x := wa*math.Cos(lat1)*math.Cos(lon1) + wb*math.Cos(lat2)*math.Cos(lon2)
	y := wa*math.Cos(lat1)*math.Sin(lon1) + wb*math.Cos(lat2)*math.Sin(lon2)
	z := wa*math.Sin(lat1) + wb*math.Sin(lat2)

	return model.LatLon{
		Lat: toDeg(math.Atan2(z, math.Hypot(x, y))),
		Lon: toDeg(math.Atan2(y, x)),
	}
}

// Destination returns the point reached by travelling distM from p along
// the given initial bearing.
func Destination(p model.LatLon, bearingDeg, distM float64) model.LatLon {
	lat1, lon1 := toRad(p.Lat), toRad(p.Lon)
	brg := toRad(bearingDeg)
	d := distM / EarthRadiusM

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(brg))
	lon2 := lon1 + math.Atan2(math.Sin(brg)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))
	lon := math.Mod(toDeg(lon2)+540, 360) - 180
	return model.LatLon{Lat: toDeg(lat2), Lon: lon}
}

// Midpoint returns the great-circle midpoint of a and b.
func Midpoint(a, b model.LatLon) model.LatLon {
	return Intermediate(a, b, 0.5)
}

// CurvatureDropM is how far the Earth surface falls below a chord at a
// point fromA metres along a sightline of total length fromA+toB.
func CurvatureDropM(fromA, toB float64) float64 {
	return fromA * toB / (2 * EarthRadiusM)
}

// CorrectedSightlineM applies the curvature drop and refraction lift to the
// straight-line sightline height hLOS at a point dA metres from the
// observer on a sightline of length total. Sightlines no longer than
// CurvatureThresholdM are returned unchanged.
func CorrectedSightlineM(hLOS, dA, total float64) float64 {
	if total <= CurvatureThresholdM {
		return hLOS
	}
	drop := CurvatureDropM(dA, total-dA)
	lift := RefractionCoefficient * drop
	return hLOS - drop + lift
}

// ElevationAngleDeg returns the angle above the local horizontal at which a
// point dh metres higher and d metres away appears, without curvature
// correction.
func ElevationAngleDeg(dh, d float64) float64 {
	return toDeg(math.Atan2(dh, d))
}
