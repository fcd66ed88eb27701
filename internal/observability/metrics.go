package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionStates lists the values reported by the session state gauge.
var SessionStates = []string{"idle", "profiles", "pairs", "paused", "completed", "cancelled", "failed"}

// AnalysisCollector bundles Prometheus metrics for the raster cache, terrain
// fetches and intervisibility runs. All methods are safe on a nil receiver.
type AnalysisCollector struct {
	gatherer prometheus.Gatherer

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions *prometheus.CounterVec
	CacheEntries   prometheus.Gauge
	TerrainFetches *prometheus.HistogramVec

	Profiles        *prometheus.CounterVec
	ProfileDuration prometheus.Histogram
	PairsChecked    *prometheus.CounterVec
	PairDuration    prometheus.Histogram
	VisiblePairs    prometheus.Gauge
	SessionState    *prometheus.GaugeVec
	Runs            *prometheus.CounterVec
}

// NewAnalysisCollector registers the metrics against reg, defaulting to
// the global Prometheus registry when nil. Metrics already registered by an
// earlier collector are reused.
func NewAnalysisCollector(reg prometheus.Registerer) (*AnalysisCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &AnalysisCollector{gatherer: gatherer}

	var err error
	if c.CacheHits, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intervis_raster_cache_hits_total",
		Help: "Raster cache lookups served from a valid cached raster.",
	}), "intervis_raster_cache_hits_total"); err != nil {
		return nil, err
	}
	if c.CacheMisses, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "intervis_raster_cache_misses_total",
		Help: "Raster cache lookups that required a terrain fetch.",
	}), "intervis_raster_cache_misses_total"); err != nil {
		return nil, err
	}
	if c.CacheEvictions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intervis_raster_cache_evictions_total",
		Help: "Rasters released by the cache, labeled by reason (age, capacity, invalid, purge).",
	}, []string{"reason"}), "intervis_raster_cache_evictions_total"); err != nil {
		return nil, err
	}
	if c.CacheEntries, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "intervis_raster_cache_entries",
		Help: "Rasters currently held by the cache.",
	}), "intervis_raster_cache_entries"); err != nil {
		return nil, err
	}
	if c.TerrainFetches, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intervis_terrain_fetch_duration_seconds",
		Help:    "Duration of terrain raster fetches, labeled by outcome.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome"}), "intervis_terrain_fetch_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Profiles, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intervis_profiles_total",
		Help: "Site profile computations, labeled by outcome.",
	}, []string{"outcome"}), "intervis_profiles_total"); err != nil {
		return nil, err
	}
	if c.ProfileDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "intervis_profile_duration_seconds",
		Help:    "Duration of per-site profile computations.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}), "intervis_profile_duration_seconds"); err != nil {
		return nil, err
	}
	if c.PairsChecked, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intervis_pairs_checked_total",
		Help: "Evaluated site pairs, labeled by result (visible or the blocking reason).",
	}, []string{"result"}), "intervis_pairs_checked_total"); err != nil {
		return nil, err
	}
	if c.PairDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "intervis_pair_evaluation_duration_seconds",
		Help:    "Duration of single line-of-sight evaluations.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "intervis_pair_evaluation_duration_seconds"); err != nil {
		return nil, err
	}
	if c.VisiblePairs, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "intervis_visible_pairs",
		Help: "Visible pairs found so far in the current run.",
	}), "intervis_visible_pairs"); err != nil {
		return nil, err
	}
	if c.SessionState, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "intervis_session_state",
		Help: "1 for the current analysis session state, 0 otherwise.",
	}, []string{"state"}), "intervis_session_state"); err != nil {
		return nil, err
	}
	if c.Runs, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "intervis_runs_total",
		Help: "Finished analysis runs, labeled by final status.",
	}, []string{"status"}), "intervis_runs_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *AnalysisCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *AnalysisCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *AnalysisCollector) ObserveCacheHit() {
	if c == nil {
		return
	}
	c.CacheHits.Inc()
}

func (c *AnalysisCollector) ObserveCacheMiss() {
	if c == nil {
		return
	}
	c.CacheMisses.Inc()
}

func (c *AnalysisCollector) ObserveCacheEviction(reason string) {
	if c == nil {
		return
	}
	c.CacheEvictions.WithLabelValues(reason).Inc()
}

func (c *AnalysisCollector) SetCacheEntries(n int) {
	if c == nil {
		return
	}
	c.CacheEntries.Set(float64(n))
}

func (c *AnalysisCollector) ObserveTerrainFetch(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.TerrainFetches.WithLabelValues(outcome(err)).Observe(d.Seconds())
}

// ObserveProfile records one site profile computation.
func (c *AnalysisCollector) ObserveProfile(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.Profiles.WithLabelValues(outcome(err)).Inc()
	c.ProfileDuration.Observe(d.Seconds())
}

// ObservePair records one evaluated pair. reason is empty for visible pairs.
func (c *AnalysisCollector) ObservePair(d time.Duration, visible bool, reason string) {
	if c == nil {
		return
	}
	result := reason
	if visible || result == "" {
		result = "visible"
	}
	c.PairsChecked.WithLabelValues(result).Inc()
	c.PairDuration.Observe(d.Seconds())
}

func (c *AnalysisCollector) SetVisiblePairs(n int) {
	if c == nil {
		return
	}
	c.VisiblePairs.Set(float64(n))
}

// SetSessionState marks state as current and clears the other known states.
func (c *AnalysisCollector) SetSessionState(state string) {
	if c == nil {
		return
	}
	for _, s := range SessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.SessionState.WithLabelValues(s).Set(v)
	}
}

func (c *AnalysisCollector) ObserveRunFinished(status string) {
	if c == nil {
		return
	}
	c.Runs.WithLabelValues(status).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
