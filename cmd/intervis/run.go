package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/archive"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/batch"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/config"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/geojsonio"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/logging"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/observability"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/terrain"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/viewshed"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/kb"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(a *app) *cobra.Command {
	var syntheticFlat bool

	cmd := &cobra.Command{
		Use:   "run SITES.geojson",
		Short: "Analyse intervisibility between the sites in a GeoJSON file",
		Long: `Loads Point features as sites, computes a horizon profile per site and
evaluates line of sight for every pair. Visible pairs, per-site statistics
and the run result are written to the configured output paths and archived
when a store path is set.

SIGINT cancels the run; results gathered so far are still written.
SIGUSR1 toggles pause.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if syntheticFlat {
				a.cfg.Terrain.Source = "flat"
			}
			res, err := runAnalysis(cmd.Context(), a.cfg, args[0])
			if res != nil {
				printSummary(cmd.OutOrStdout(), res)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&syntheticFlat, "synthetic-flat", false, "use a flat synthetic plane at terrain.flat_elevation_m instead of fetching tiles")
	return cmd
}

// runAnalysis executes one run end to end. It returns the result whenever
// the session started, even when the run was cancelled or failed.
func runAnalysis(ctx context.Context, cfg *config.Config, sitesPath string) (*batch.Result, error) {
	log := logging.OrNoop(logging.LoggerFromContext(ctx))

	shutdown, err := observability.InitTracing(ctx, cfg.TracingSettings(), log)
	if err != nil {
		return nil, err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	loaded, err := geojsonio.LoadSites(sitesPath)
	if err != nil {
		return nil, fmt.Errorf("load sites: %w", err)
	}
	registry := kb.NewSiteRegistry()
	unsubscribe := registry.Subscribe(func(s model.Site) {
		log.Debug(ctx, "site registered",
			logging.String("site", s.ID),
			logging.Int("index", s.Index),
			logging.Float64("lat", s.Position.Lat),
			logging.Float64("lon", s.Position.Lon),
		)
	})
	err = registry.AddAll(loaded)
	unsubscribe()
	if err != nil {
		return nil, fmt.Errorf("load sites: %w", err)
	}
	sites := registry.Sites()
	log.Info(ctx, "loaded sites", logging.String("path", sitesPath), logging.Int("count", registry.Len()))

	var collector *observability.AnalysisCollector
	if cfg.Metrics.Enabled {
		collector, err = observability.NewAnalysisCollector(prometheus.NewRegistry())
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	fetcher, err := newFetcher(cfg, log)
	if err != nil {
		return nil, err
	}
	cacheOpts := []terrain.CacheOption{terrain.WithLogger(log)}
	runnerOpts := []batch.Option{batch.WithLogger(log)}
	if collector != nil {
		cacheOpts = append(cacheOpts, terrain.WithCacheMetrics(collector))
		runnerOpts = append(runnerOpts, batch.WithMetrics(collector))
	}
	cache := terrain.NewCache(fetcher, cfg.CacheSettings(), cacheOpts...)
	defer cache.Purge(context.Background())

	scanner := viewshed.NewScanner(cfg.ScannerSettings(), nil)
	runner := batch.NewRunner(cache, scanner, cfg.BatchSettings(), runnerOpts...)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	var res *batch.Result
	g.Go(func() error {
		defer stop()
		sess, err := runner.Start(gctx, sites)
		if err != nil {
			return err
		}
		togglePauseOnSignal(sess, log)
		res, _ = sess.Wait(context.Background())
		return nil
	})

	if collector != nil {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(collector)}
		g.Go(func() error {
			log.Info(gctx, "serving Prometheus metrics", logging.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	waitErr := g.Wait()
	if res == nil {
		return nil, waitErr
	}

	if err := export(ctx, cfg, res, log); err != nil {
		return res, err
	}
	if res.Status == batch.StateFailed {
		return res, res.Err
	}
	return res, waitErr
}

func newFetcher(cfg *config.Config, log logging.Logger) (terrain.Fetcher, error) {
	if cfg.Terrain.Source == "flat" {
		return &terrain.FuncFetcher{Elevation: terrain.Flat(cfg.Terrain.FlatElevationM)}, nil
	}
	client, err := terrain.NewTileClient(cfg.TileClientSettings(), log)
	if err != nil {
		return nil, fmt.Errorf("terrain: %w", err)
	}
	return client, nil
}

func metricsMux(collector *observability.AnalysisCollector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return mux
}

// togglePauseOnSignal pauses and resumes sess on SIGUSR1 until it ends.
func togglePauseOnSignal(sess *batch.Session, log logging.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(sig)
		paused := false
		for {
			select {
			case <-sess.Done():
				return
			case <-sig:
				paused = !paused
				if paused {
					sess.Pause()
				} else {
					sess.Resume()
				}
				log.Info(context.Background(), "pause toggled",
					logging.String("run_id", sess.ID()),
					logging.Bool("paused", paused),
				)
			}
		}
	}()
}

// export writes the configured documents and archives the run. Partial
// results of cancelled runs are exported like completed ones.
func export(ctx context.Context, cfg *config.Config, res *batch.Result, log logging.Logger) error {
	out := cfg.Output
	docs := []struct {
		path string
		doc  any
	}{
		{out.PairsPath, geojsonio.PairsCollection(res.Sites, res.Visible)},
		{out.SitesPath, geojsonio.SitesCollection(res.Sites, res.Profiles, res.Stats)},
		{out.ResultPath, geojsonio.NewResultDocument(res, true)},
	}
	for _, d := range docs {
		if d.path == "" {
			continue
		}
		if err := geojsonio.WriteFile(d.path, d.doc); err != nil {
			return err
		}
		log.Info(ctx, "wrote output", logging.String("path", d.path))
	}

	if cfg.Store.Path == "" {
		return nil
	}
	// The run context is already cancelled after SIGINT.
	ctx = context.WithoutCancel(ctx)
	store, err := archive.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	id, err := store.SaveResult(ctx, res)
	if err != nil {
		return err
	}
	log.Info(ctx, "archived run", logging.String("run_id", id), logging.String("store", cfg.Store.Path))
	return nil
}

func printSummary(w io.Writer, res *batch.Result) {
	fmt.Fprintf(w, "run %s %s: %d sites, %d profiled, %d/%d pairs checked, %d visible\n",
		res.RunID, res.Status, len(res.Sites), len(res.Profiles), res.PairsChecked, res.PairsTotal, len(res.Visible))
	if st := res.Stats; st != nil {
		diameter := "undefined"
		if st.Diameter != nil {
			diameter = fmt.Sprint(*st.Diameter)
		}
		fmt.Fprintf(w, "density %.3f, avg degree %.2f, avg clustering %.3f, components %d, diameter %s\n",
			st.Density, st.AverageDegree, st.AverageClustering, st.ComponentCount, diameter)
	}
}
