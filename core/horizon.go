package core

import (
	"math"
	"sort"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

// Horizon is a horizon profile sorted by azimuth for interpolation.
type Horizon struct {
	SiteIndex int
	samples   []model.HorizonSample
}

// NewHorizon normalises and sorts a copy of the profile samples. It returns
// nil for an empty profile.
func NewHorizon(p *model.HorizonProfile) *Horizon {
	if p.Len() == 0 {
		return nil
	}
	samples := make([]model.HorizonSample, len(p.Samples))
	for i, s := range p.Samples {
		samples[i] = model.HorizonSample{Azimuth: NormalizeAzimuth(s.Azimuth), Altitude: s.Altitude}
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Azimuth < samples[j].Azimuth })
	return &Horizon{SiteIndex: p.SiteIndex, samples: samples}
}

// Len returns the number of samples.
func (h *Horizon) Len() int {
	if h == nil {
		return 0
	}
	return len(h.samples)
}

// AltitudeAt interpolates the horizon altitude at an azimuth. The profile
// wraps at 0/360, so azimuths before the first or after the last sample
// interpolate against the opposite end. When the bracketing samples are not
// both finite, or share an azimuth, the nearest finite sample is used. It
// reports false when the profile has no finite samples.
func (h *Horizon) AltitudeAt(azimuth float64) (float64, bool) {
	n := h.Len()
	if n == 0 {
		return 0, false
	}
	az := NormalizeAzimuth(azimuth)
	s := h.samples

	i := sort.Search(n, func(k int) bool { return s[k].Azimuth > az })
	var lo, hi model.HorizonSample
	if i == 0 {
		lo = s[n-1]
		lo.Azimuth -= 360
	} else {
		lo = s[i-1]
	}
	if i == n {
		hi = s[0]
		hi.Azimuth += 360
	} else {
		hi = s[i]
	}

	if isFinite(lo.Altitude) && isFinite(hi.Altitude) && hi.Azimuth > lo.Azimuth {
		t := (az - lo.Azimuth) / (hi.Azimuth - lo.Azimuth)
		return lo.Altitude + t*(hi.Altitude-lo.Altitude), true
	}
	return h.nearest(az)
}

func (h *Horizon) nearest(az float64) (float64, bool) {
	best := math.Inf(1)
	alt := 0.0
	found := false
	for _, s := range h.samples {
		if !isFinite(s.Altitude) {
			continue
		}
		d := math.Abs(s.Azimuth - az)
		if d > 180 {
			d = 360 - d
		}
		if d < best {
			best, alt, found = d, s.Altitude, true
		}
	}
	return alt, found
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
