package model

// BlockReason explains why a pair was judged not visible.
type BlockReason string

const (
	BlockNone              BlockReason = ""
	BlockOutOfRange        BlockReason = "out_of_range"
	BlockHorizon           BlockReason = "horizon"
	BlockTerrain           BlockReason = "terrain"
	BlockRasterUnavailable BlockReason = "raster_unavailable"
	BlockCancelled         BlockReason = "cancelled"
)

// PairKey identifies an unordered pair of site indices with I < J.
type PairKey struct {
	I int
	J int
}

// NewPairKey normalises the order of the two indices.
func NewPairKey(a, b int) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{I: a, J: b}
}

// VisibilityResult is the outcome of one line-of-sight evaluation together
// with the geometry that produced it.
type VisibilityResult struct {
	Pair      PairKey     `json:"pair"`
	Visible   bool        `json:"visible"`
	Reason    BlockReason `json:"reason,omitempty"`
	DistanceM float64     `json:"distance_m"`

	// Samples is the number of terrain samples actually compared.
	Samples int `json:"samples"`

	// BlockedAtM and BlockingHeightM describe the first obstruction along
	// the sightline, measured from the first site of the pair.
	BlockedAtM      float64 `json:"blocked_at_m,omitempty"`
	BlockingHeightM float64 `json:"blocking_height_m,omitempty"`

	// HorizonAltitude and ElevationAngle are set when the horizon
	// pre-filter ran.
	HorizonAltitude float64 `json:"horizon_altitude,omitempty"`
	ElevationAngle  float64 `json:"elevation_angle,omitempty"`
}

// VisiblePair is an edge of the visibility network.
type VisiblePair struct {
	I         int     `json:"i"`
	J         int     `json:"j"`
	DistanceM float64 `json:"distance_m"`
}
