package model

import "fmt"

// LatLon is a geographic position in decimal degrees (WGS84).
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// String renders the position with ~11 m precision.
func (p LatLon) String() string {
	return fmt.Sprintf("(%.4f, %.4f)", p.Lat, p.Lon)
}

// Site is an observation point taking part in an intervisibility run.
// Sites are immutable once loaded; the registry assigns Index 0..n-1
// for the lifetime of one run.
type Site struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`

	Position LatLon `json:"position"`

	// ElevationHint is the stored ground elevation in metres. Raster
	// sampling overrides it when coverage exists.
	ElevationHint float64 `json:"elevation_hint"`
}

// Label returns the display name, falling back to the ID.
func (s Site) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
