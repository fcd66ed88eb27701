package geojsonio

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/batch"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/netstats"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
	json "github.com/goccy/go-json"
)

// SiteProfile is the exported part of a site profile.
type SiteProfile struct {
	Index            int                   `json:"index"`
	GroundM          float64               `json:"ground_m"`
	ObserverHeightM  float64               `json:"observer_height_m"`
	GroundFromRaster bool                  `json:"ground_from_raster"`
	Horizon          []model.HorizonSample `json:"horizon,omitempty"`
}

// ResultDocument is the JSON form of a finished run.
type ResultDocument struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Sites        []model.Site        `json:"sites"`
	Profiles     []SiteProfile       `json:"profiles"`
	FailedSites  map[string]string   `json:"failed_sites,omitempty"`
	Visible      []model.VisiblePair `json:"visible"`
	PairsTotal   int                 `json:"pairs_total"`
	PairsChecked int                 `json:"pairs_checked"`
	BlockReasons map[string]int      `json:"block_reasons,omitempty"`
	Stats        *netstats.Stats     `json:"stats,omitempty"`
}

// NewResultDocument converts a run result. Horizon samples are only
// included when withHorizons is set; azimuths without terrain data are
// left out.
func NewResultDocument(res *batch.Result, withHorizons bool) *ResultDocument {
	doc := &ResultDocument{
		RunID:        res.RunID,
		Status:       res.Status.String(),
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
		Sites:        res.Sites,
		Profiles:     make([]SiteProfile, 0, len(res.Profiles)),
		Visible:      res.Visible,
		PairsTotal:   res.PairsTotal,
		PairsChecked: res.PairsChecked,
		Stats:        res.Stats,
	}
	if doc.Visible == nil {
		doc.Visible = []model.VisiblePair{}
	}
	if res.Err != nil {
		doc.Error = res.Err.Error()
	}
	for _, p := range res.Profiles {
		sp := SiteProfile{
			Index:            p.Site.Index,
			GroundM:          p.GroundM,
			ObserverHeightM:  p.ObserverHeightM,
			GroundFromRaster: p.GroundFromRaster,
		}
		if withHorizons && p.Profile != nil {
			for _, hs := range p.Profile.Samples {
				if !math.IsNaN(hs.Altitude) && !math.IsInf(hs.Altitude, 0) {
					sp.Horizon = append(sp.Horizon, hs)
				}
			}
			sort.Slice(sp.Horizon, func(a, b int) bool { return sp.Horizon[a].Azimuth < sp.Horizon[b].Azimuth })
		}
		doc.Profiles = append(doc.Profiles, sp)
	}
	if len(res.ProfileErrors) > 0 {
		doc.FailedSites = make(map[string]string, len(res.ProfileErrors))
		for _, e := range res.ProfileErrors {
			doc.FailedSites[e.Site.ID] = e.Err.Error()
		}
	}
	if len(res.ReasonCounts) > 0 {
		doc.BlockReasons = make(map[string]int, len(res.ReasonCounts))
		for k, v := range res.ReasonCounts {
			doc.BlockReasons[string(k)] = v
		}
	}
	return doc
}

// Recompute rebuilds the network statistics from the document's sites and
// visible pairs.
func (d *ResultDocument) Recompute(m netstats.Method) netstats.Stats {
	return netstats.Compute(netstats.NewGraph(len(d.Sites), d.Visible), m)
}

// ReadResult decodes a result document.
func ReadResult(r io.Reader) (*ResultDocument, error) {
	var doc ResultDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("geojsonio: decode result: %w", err)
	}
	return &doc, nil
}

// LoadResult reads a result document from path.
func LoadResult(path string) (*ResultDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadResult(f)
}
