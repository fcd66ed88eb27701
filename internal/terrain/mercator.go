package terrain

import (
	"math"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

const (
	// DefaultTileSize is the pixel edge length of a standard web map tile.
	DefaultTileSize = 256

	// EarthCircumferenceM is the equatorial circumference used by the
	// spherical web mercator projection.
	EarthCircumferenceM = 40075016.686

	// MaxLatitude is the latitude limit of the web mercator projection.
	MaxLatitude = 85.05112878
)

func worldPixels(zoom, tileSize int) float64 {
	return float64(tileSize) * math.Exp2(float64(zoom))
}

// Project converts a position to global pixel coordinates at the given zoom.
func Project(p model.LatLon, zoom, tileSize int) (x, y float64) {
	lat := math.Max(-MaxLatitude, math.Min(MaxLatitude, p.Lat))
	n := worldPixels(zoom, tileSize)
	x = (p.Lon + 180) / 360 * n
	sinLat := math.Sin(lat * math.Pi / 180)
	y = (0.5 - math.Log((1+sinLat)/(1-sinLat))/(4*math.Pi)) * n
	return x, y
}

// Unproject converts global pixel coordinates back to a position.
func Unproject(x, y float64, zoom, tileSize int) model.LatLon {
	n := worldPixels(zoom, tileSize)
	lon := x/n*360 - 180
	m := math.Pi * (1 - 2*y/n)
	lat := math.Atan(math.Sinh(m)) * 180 / math.Pi
	return model.LatLon{Lat: lat, Lon: lon}
}

// TileOf returns the tile column and row containing p.
func TileOf(p model.LatLon, zoom int) (tx, ty int) {
	x, y := Project(p, zoom, DefaultTileSize)
	return int(math.Floor(x / DefaultTileSize)), int(math.Floor(y / DefaultTileSize))
}

// TileSizeMeters is the ground width of one tile at the given latitude.
func TileSizeMeters(lat float64, zoom int) float64 {
	return EarthCircumferenceM * math.Cos(lat*math.Pi/180) / math.Exp2(float64(zoom))
}

// TileRadiusFor returns how many tiles around the centre tile are needed
// so that a stitched raster covers radiusM in every direction.
func TileRadiusFor(center model.LatLon, radiusM float64, zoom int) int {
	if radiusM <= 0 {
		return 0
	}
	size := TileSizeMeters(center.Lat, zoom)
	if size <= 0 || math.IsNaN(size) {
		return 0
	}
	return int(math.Ceil(radiusM / size))
}
