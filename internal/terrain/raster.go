package terrain

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

var (
	// ErrNoCoverage is returned when the terrain source has no data for a
	// requested area.
	ErrNoCoverage = errors.New("terrain: no coverage")

	// ErrInvalidRaster is returned for rasters whose grid or buffer is
	// unusable, including rasters that have been released.
	ErrInvalidRaster = errors.New("terrain: invalid raster")
)

// Raster is a stitched elevation grid in global web mercator pixel space.
// Pixel (col, row) of the grid covers global pixel (OriginX+col,
// OriginY+row) at Zoom. Elevations are metres; NaN marks missing data.
//
// The backing buffer is dropped by Release, after which Sample reports
// false. Rasters must not be copied after construction.
type Raster struct {
	Zoom     int
	TileSize int
	OriginX  int
	OriginY  int
	Width    int
	Height   int

	data atomic.Pointer[[]float32]
}

// NewRaster wraps a row-major elevation buffer.
func NewRaster(zoom, tileSize, originX, originY, width, height int, data []float32) (*Raster, error) {
	if width <= 0 || height <= 0 || tileSize <= 0 || zoom < 0 {
		return nil, fmt.Errorf("%w: grid %dx%d tile %d zoom %d", ErrInvalidRaster, width, height, tileSize, zoom)
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("%w: buffer has %d cells, want %d", ErrInvalidRaster, len(data), width*height)
	}
	r := &Raster{
		Zoom:     zoom,
		TileSize: tileSize,
		OriginX:  originX,
		OriginY:  originY,
		Width:    width,
		Height:   height,
	}
	r.data.Store(&data)
	return r, nil
}

// Valid reports whether the raster still has a buffer and a defined
// resolution.
func (r *Raster) Valid() bool {
	if r == nil || r.data.Load() == nil {
		return false
	}
	if r.Width <= 0 || r.Height <= 0 || r.TileSize <= 0 {
		return false
	}
	res := r.Resolution()
	return res > 0 && !math.IsNaN(res) && !math.IsInf(res, 0)
}

// Release drops the backing buffer. It is safe to call more than once.
func (r *Raster) Release() {
	if r == nil {
		return
	}
	r.data.Store(nil)
}

// Resolution is the approximate ground size of one pixel in metres at the
// raster's centre latitude.
func (r *Raster) Resolution() float64 {
	if r == nil || r.TileSize <= 0 {
		return math.NaN()
	}
	c := r.Center()
	return TileSizeMeters(c.Lat, r.Zoom) / float64(r.TileSize)
}

// Center returns the geographic centre of the grid.
func (r *Raster) Center() model.LatLon {
	cx := float64(r.OriginX) + float64(r.Width)/2
	cy := float64(r.OriginY) + float64(r.Height)/2
	return Unproject(cx, cy, r.Zoom, r.TileSize)
}

// Bounds returns the north-west and south-east corners of the grid.
func (r *Raster) Bounds() (nw, se model.LatLon) {
	nw = Unproject(float64(r.OriginX), float64(r.OriginY), r.Zoom, r.TileSize)
	se = Unproject(float64(r.OriginX+r.Width), float64(r.OriginY+r.Height), r.Zoom, r.TileSize)
	return nw, se
}

// Contains reports whether p falls inside the grid.
func (r *Raster) Contains(p model.LatLon) bool {
	if r == nil {
		return false
	}
	x, y := Project(p, r.Zoom, r.TileSize)
	col := x - float64(r.OriginX)
	row := y - float64(r.OriginY)
	return col >= 0 && row >= 0 && col < float64(r.Width) && row < float64(r.Height)
}

// SizeBytes is the memory held by the backing buffer, zero once released.
func (r *Raster) SizeBytes() int {
	if r == nil {
		return 0
	}
	buf := r.data.Load()
	if buf == nil {
		return 0
	}
	return len(*buf) * 4
}

// Sample returns the bilinearly interpolated elevation at p. It reports
// false when p is outside the grid, the raster has been released, or the
// neighbouring cells hold no data.
func (r *Raster) Sample(p model.LatLon) (float64, bool) {
	if r == nil {
		return 0, false
	}
	bufp := r.data.Load()
	if bufp == nil {
		return 0, false
	}
	buf := *bufp

	x, y := Project(p, r.Zoom, r.TileSize)
	// Cell centres sit at half-pixel offsets.
	fx := x - float64(r.OriginX) - 0.5
	fy := y - float64(r.OriginY) - 0.5
	if fx < -0.5 || fy < -0.5 || fx > float64(r.Width)-0.5 || fy > float64(r.Height)-0.5 {
		return 0, false
	}

	fx = clamp(fx, 0, float64(r.Width-1))
	fy = clamp(fy, 0, float64(r.Height-1))
	x0, y0 := int(fx), int(fy)
	x1, y1 := min(x0+1, r.Width-1), min(y0+1, r.Height-1)
	tx, ty := fx-float64(x0), fy-float64(y0)

	v00 := float64(buf[y0*r.Width+x0])
	v10 := float64(buf[y0*r.Width+x1])
	v01 := float64(buf[y1*r.Width+x0])
	v11 := float64(buf[y1*r.Width+x1])

	if anyNaN(v00, v10, v01, v11) {
		// Fall back to the nearest cell when a neighbour is missing.
		nx, ny := int(math.Round(fx)), int(math.Round(fy))
		v := float64(buf[ny*r.Width+nx])
		if math.IsNaN(v) {
			return 0, false
		}
		return v, true
	}

	top := v00 + (v10-v00)*tx
	bottom := v01 + (v11-v01)*tx
	return top + (bottom-top)*ty, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func anyNaN(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
