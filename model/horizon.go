package model

// HorizonSample is one azimuth/altitude pair of a horizon profile.
// Azimuth is in degrees clockwise from north, Altitude is the angular
// elevation of the highest obstruction in degrees.
type HorizonSample struct {
	Azimuth  float64 `json:"azimuth"`
	Altitude float64 `json:"altitude"`
}

// HorizonProfile is the circular horizon seen from one site. Samples are
// logically periodic (azimuth 0 == 360); no ordering is guaranteed by the
// producer.
type HorizonProfile struct {
	SiteIndex int             `json:"site_index"`
	Samples   []HorizonSample `json:"samples"`
}

// Len returns the number of samples.
func (p *HorizonProfile) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Samples)
}
