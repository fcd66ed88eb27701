package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/geojsonio"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/netstats"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
	"github.com/spf13/cobra"
)

func newStatsCmd(a *app) *cobra.Command {
	var (
		resultPath string
		sitesPath  string
		pairsPath  string
		method     string
		outPath    string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Recompute network statistics from exported documents",
		Long: `Recomputes statistics either from a result document (--result) or
from a sites and a pairs GeoJSON document (--sites and --pairs). The
statistics are printed as JSON. With --out, the sites are also written
as a Point collection annotated with per-node metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if method == "" {
				method = a.cfg.Stats.Betweenness
			}
			m, ok := netstats.ParseMethod(method)
			if !ok {
				return fmt.Errorf("unknown betweenness method %q", method)
			}

			sites, pairs, err := loadNetwork(resultPath, sitesPath, pairsPath)
			if err != nil {
				return err
			}
			st := netstats.Compute(netstats.NewGraph(len(sites), pairs), m)

			if outPath != "" {
				if err := geojsonio.WriteFile(outPath, geojsonio.SitesCollection(sites, nil, &st)); err != nil {
					return err
				}
			}
			return geojsonio.Write(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&resultPath, "result", "", "result document written by run")
	cmd.Flags().StringVar(&sitesPath, "sites", "", "sites GeoJSON document")
	cmd.Flags().StringVar(&pairsPath, "pairs", "", "visible pairs GeoJSON document")
	cmd.Flags().StringVar(&method, "betweenness", "", "betweenness method: enumerate or brandes (default from stats.betweenness)")
	cmd.Flags().StringVar(&outPath, "out", "", "write sites annotated with node statistics to this path")
	return cmd
}

func loadNetwork(resultPath, sitesPath, pairsPath string) ([]model.Site, []model.VisiblePair, error) {
	if resultPath != "" {
		doc, err := geojsonio.LoadResult(resultPath)
		if err != nil {
			return nil, nil, err
		}
		return doc.Sites, doc.Visible, nil
	}
	if sitesPath == "" || pairsPath == "" {
		return nil, nil, errors.New("stats needs --result or both --sites and --pairs")
	}

	sites, err := geojsonio.LoadSites(sitesPath)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(pairsPath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	pairs, err := geojsonio.ReadPairs(f)
	if err != nil {
		return nil, nil, err
	}
	return sites, pairs, nil
}
