package terrain

import (
	"context"
	"math"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

// FetchRequest describes a stitched raster of (2*TileRadius+1)^2 tiles
// centred on the tile containing Center.
type FetchRequest struct {
	Center     model.LatLon
	Zoom       int
	TileRadius int

	// OnProgress, when set, is called after each tile with the number of
	// tiles done and the total.
	OnProgress func(done, total int)
}

// TileCount is the number of tiles the request stitches.
func (r FetchRequest) TileCount() int {
	side := 2*r.TileRadius + 1
	return side * side
}

func (r FetchRequest) progress(done, total int) {
	if r.OnProgress != nil {
		r.OnProgress(done, total)
	}
}

// Fetcher produces terrain rasters.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*Raster, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req FetchRequest) (*Raster, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req FetchRequest) (*Raster, error) {
	return f(ctx, req)
}

// ElevationFunc returns the ground elevation in metres at a position, or
// NaN for no data.
type ElevationFunc func(p model.LatLon) float64

// FuncFetcher builds rasters from an elevation function. It is used for
// synthetic terrain such as flat planes and ridges.
type FuncFetcher struct {
	Elevation ElevationFunc
	// TileSize defaults to DefaultTileSize.
	TileSize int
}

// Flat returns an elevation function with constant height.
func Flat(height float64) ElevationFunc {
	return func(model.LatLon) float64 { return height }
}

// Fetch evaluates the elevation function at every pixel centre.
func (f *FuncFetcher) Fetch(ctx context.Context, req FetchRequest) (*Raster, error) {
	ts := f.TileSize
	if ts <= 0 {
		ts = DefaultTileSize
	}
	if req.TileRadius < 0 || req.Zoom < 0 {
		return nil, ErrInvalidRaster
	}
	elev := f.Elevation
	if elev == nil {
		elev = Flat(0)
	}

	x, y := Project(req.Center, req.Zoom, ts)
	tx := int(math.Floor(x / float64(ts)))
	ty := int(math.Floor(y / float64(ts)))
	side := 2*req.TileRadius + 1
	originX := (tx - req.TileRadius) * ts
	originY := (ty - req.TileRadius) * ts
	width := side * ts
	height := side * ts

	data := make([]float32, width*height)
	total := req.TileCount()
	for tr := 0; tr < side; tr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for row := tr * ts; row < (tr+1)*ts; row++ {
			gy := float64(originY+row) + 0.5
			for col := 0; col < width; col++ {
				p := Unproject(float64(originX+col)+0.5, gy, req.Zoom, ts)
				data[row*width+col] = float32(elev(p))
			}
		}
		req.progress((tr+1)*side, total)
	}
	return NewRaster(req.Zoom, ts, originX, originY, width, height, data)
}
