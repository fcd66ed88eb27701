// Package geojsonio loads sites from GeoJSON and exports visibility
// networks and run results.
package geojsonio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/core"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/netstats"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
	json "github.com/goccy/go-json"
	geom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// ErrUnsupportedGeometry is returned for site features that are not points.
var ErrUnsupportedGeometry = errors.New("geojsonio: site features must be points")

// Property names read from and written to feature properties.
const (
	PropID        = "id"
	PropName      = "name"
	PropElevation = "elevation"
)

// ReadSites decodes a Point FeatureCollection into sites indexed in
// feature order. The site ID comes from the "id" property, then the
// feature id, then the feature position. The elevation hint comes from
// the "elevation" property, then a third coordinate.
func ReadSites(r io.Reader) ([]model.Site, error) {
	var fc geojson.FeatureCollection
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, fmt.Errorf("geojsonio: decode sites: %w", err)
	}

	sites := make([]model.Site, 0, len(fc.Features))
	for i, f := range fc.Features {
		pt, ok := f.Geometry.(*geom.Point)
		if !ok || pt.Empty() {
			return nil, fmt.Errorf("feature %d: %w", i, ErrUnsupportedGeometry)
		}
		s := model.Site{
			Index:    i,
			ID:       stringProp(f.Properties, PropID),
			Name:     stringProp(f.Properties, PropName),
			Position: model.LatLon{Lat: pt.Y(), Lon: pt.X()},
		}
		if s.ID == "" {
			s.ID = f.ID
		}
		if s.ID == "" {
			s.ID = "site-" + strconv.Itoa(i+1)
		}
		if h, ok := floatProp(f.Properties, PropElevation); ok {
			s.ElevationHint = h
		} else if pt.Layout().ZIndex() != -1 {
			s.ElevationHint = pt.Z()
		}
		sites = append(sites, s)
	}
	return sites, nil
}

// LoadSites reads sites from a GeoJSON file.
func LoadSites(path string) ([]model.Site, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSites(f)
}

func stringProp(props map[string]any, key string) string {
	switch v := props[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func floatProp(props map[string]any, key string) (float64, bool) {
	switch v := props[key].(type) {
	case float64:
		return v, !math.IsNaN(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intProp(props map[string]any, key string) (int, bool) {
	f, ok := floatProp(props, key)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// PairsCollection renders visible pairs as LineString features between
// site positions.
func PairsCollection(sites []model.Site, pairs []model.VisiblePair) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(pairs))}
	for _, p := range pairs {
		if p.I < 0 || p.J < 0 || p.I >= len(sites) || p.J >= len(sites) {
			continue
		}
		a, b := sites[p.I], sites[p.J]
		line := geom.NewLineStringFlat(geom.XY, []float64{
			a.Position.Lon, a.Position.Lat,
			b.Position.Lon, b.Position.Lat,
		})
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:       a.ID + "--" + b.ID,
			Geometry: line,
			Properties: map[string]any{
				"i":          p.I,
				"j":          p.J,
				"from":       a.ID,
				"to":         b.ID,
				"distance_m": math.Round(p.DistanceM*10) / 10,
			},
		})
	}
	return fc
}

// ReadPairs decodes a document written from PairsCollection.
func ReadPairs(r io.Reader) ([]model.VisiblePair, error) {
	var fc geojson.FeatureCollection
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, fmt.Errorf("geojsonio: decode pairs: %w", err)
	}
	pairs := make([]model.VisiblePair, 0, len(fc.Features))
	for n, f := range fc.Features {
		i, okI := intProp(f.Properties, "i")
		j, okJ := intProp(f.Properties, "j")
		if !okI || !okJ {
			return nil, fmt.Errorf("geojsonio: pair feature %d lacks integer i/j properties", n)
		}
		d, _ := floatProp(f.Properties, "distance_m")
		pairs = append(pairs, model.VisiblePair{I: i, J: j, DistanceM: d})
	}
	return pairs, nil
}

// SitesCollection renders sites as Point features carrying their observer
// height and, when stats is set, their network metrics.
func SitesCollection(sites []model.Site, profiles []core.ProfileResult, stats *netstats.Stats) *geojson.FeatureCollection {
	observer := make(map[int]float64, len(profiles))
	for _, p := range profiles {
		observer[p.Site.Index] = p.ObserverHeightM
	}

	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(sites))}
	for _, s := range sites {
		props := map[string]any{
			PropID:        s.ID,
			"index":       s.Index,
			PropElevation: s.ElevationHint,
		}
		if s.Name != "" {
			props[PropName] = s.Name
		}
		if h, ok := observer[s.Index]; ok {
			props["observer_height_m"] = h
		}
		if stats != nil && s.Index < len(stats.Node) {
			ns := stats.Node[s.Index]
			props["degree"] = ns.Degree
			props["clustering"] = ns.Clustering
			props["betweenness"] = ns.Betweenness
			props["closeness"] = ns.Closeness
			props["component"] = ns.Component
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         s.ID,
			Geometry:   geom.NewPointFlat(geom.XY, []float64{s.Position.Lon, s.Position.Lat}),
			Properties: props,
		})
	}
	return fc
}

// Write encodes v as indented JSON.
func Write(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteFile writes v as indented JSON to path.
func WriteFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, v); err != nil {
		f.Close()
		return fmt.Errorf("geojsonio: write %s: %w", path, err)
	}
	return f.Close()
}
