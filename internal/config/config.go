package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/core"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/batch"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/logging"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/netstats"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/observability"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/terrain"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/viewshed"
	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds the full application configuration.
type Config struct {
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Analysis AnalysisConfig `yaml:"analysis" mapstructure:"analysis"`
	Terrain  TerrainConfig  `yaml:"terrain" mapstructure:"terrain"`
	Stats    StatsConfig    `yaml:"stats" mapstructure:"stats"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing" mapstructure:"tracing"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Output   OutputConfig   `yaml:"output" mapstructure:"output"`
}

// CacheConfig bounds the raster cache.
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries" mapstructure:"max_entries"`
	MaxAge     time.Duration `yaml:"max_age" mapstructure:"max_age"`
}

// AnalysisConfig tunes profiles, sightlines and the scheduler.
type AnalysisConfig struct {
	ScanRadiusM      float64       `yaml:"scan_radius_m" mapstructure:"scan_radius_m"`
	HorizonZoom      int           `yaml:"horizon_zoom" mapstructure:"horizon_zoom"`
	PairZoom         int           `yaml:"pair_zoom" mapstructure:"pair_zoom"`
	ObserverHeightM  float64       `yaml:"observer_height_m" mapstructure:"observer_height_m"`
	HorizonSteps     int           `yaml:"horizon_steps" mapstructure:"horizon_steps"`
	SampleSpacingM   float64       `yaml:"sample_spacing_m" mapstructure:"sample_spacing_m"`
	MaxSamples       int           `yaml:"max_samples" mapstructure:"max_samples"`
	ClearanceM       float64       `yaml:"clearance_m" mapstructure:"clearance_m"`
	YieldEvery       int           `yaml:"yield_every" mapstructure:"yield_every"`
	HorizonPrefilter bool          `yaml:"horizon_prefilter" mapstructure:"horizon_prefilter"`
	RetainRasters    bool          `yaml:"retain_rasters" mapstructure:"retain_rasters"`
	PausePoll        time.Duration `yaml:"pause_poll" mapstructure:"pause_poll"`
	ReportEvery      int           `yaml:"report_every" mapstructure:"report_every"`
}

// TerrainConfig selects and configures the elevation source.
type TerrainConfig struct {
	// Source is "tiles" for the HTTP tile client or "flat" for a synthetic
	// plane at FlatElevationM.
	Source         string  `yaml:"source" mapstructure:"source"`
	FlatElevationM float64 `yaml:"flat_elevation_m" mapstructure:"flat_elevation_m"`

	URLTemplate       string        `yaml:"url_template" mapstructure:"url_template"`
	Encoding          string        `yaml:"encoding" mapstructure:"encoding"`
	UserAgent         string        `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	Concurrency       int           `yaml:"concurrency" mapstructure:"concurrency"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	FailureThreshold  uint32        `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout" mapstructure:"breaker_timeout"`
}

// StatsConfig configures network statistics.
type StatsConfig struct {
	Betweenness string `yaml:"betweenness" mapstructure:"betweenness"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter    string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// StoreConfig configures the SQLite run archive. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// OutputConfig names the files written by a run. Empty paths are skipped.
type OutputConfig struct {
	PairsPath  string `yaml:"pairs_path" mapstructure:"pairs_path"`
	SitesPath  string `yaml:"sites_path" mapstructure:"sites_path"`
	ResultPath string `yaml:"result_path" mapstructure:"result_path"`
}

// Load reads configuration from an optional intervis.yaml and INTERVIS_*
// environment variables. A non-empty path selects an explicit file, which
// must then exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("intervis")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/intervis")
	}

	v.SetEnvPrefix("INTERVIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.max_entries", terrain.DefaultCacheMaxEntries)
	v.SetDefault("cache.max_age", terrain.DefaultCacheMaxAge)

	v.SetDefault("analysis.scan_radius_m", core.DefaultScanRadiusM)
	v.SetDefault("analysis.horizon_zoom", core.DefaultHorizonZoom)
	v.SetDefault("analysis.pair_zoom", core.DefaultPairZoom)
	v.SetDefault("analysis.observer_height_m", core.DefaultObserverHeightM)
	v.SetDefault("analysis.horizon_steps", core.DefaultHorizonSteps)
	v.SetDefault("analysis.sample_spacing_m", core.DefaultSampleSpacingM)
	v.SetDefault("analysis.max_samples", core.DefaultMaxSamples)
	v.SetDefault("analysis.clearance_m", core.DefaultClearanceM)
	v.SetDefault("analysis.yield_every", core.DefaultYieldEvery)
	v.SetDefault("analysis.horizon_prefilter", true)
	v.SetDefault("analysis.retain_rasters", false)
	v.SetDefault("analysis.pause_poll", batch.DefaultPausePoll)
	v.SetDefault("analysis.report_every", batch.DefaultReportEvery)

	v.SetDefault("terrain.source", "tiles")
	v.SetDefault("terrain.flat_elevation_m", 0.0)
	v.SetDefault("terrain.url_template", terrain.DefaultTileURL)
	v.SetDefault("terrain.encoding", terrain.EncodingTerrarium)
	v.SetDefault("terrain.user_agent", "intervis/1.0")
	v.SetDefault("terrain.timeout", 30*time.Second)
	v.SetDefault("terrain.requests_per_second", 10.0)
	v.SetDefault("terrain.burst", 4)
	v.SetDefault("terrain.concurrency", 4)
	v.SetDefault("terrain.max_retries", 3)
	v.SetDefault("terrain.retry_backoff", 500*time.Millisecond)
	v.SetDefault("terrain.failure_threshold", 5)
	v.SetDefault("terrain.breaker_timeout", 30*time.Second)

	v.SetDefault("stats.betweenness", string(netstats.MethodEnumerate))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "intervis")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("store.path", "intervis.db")

	v.SetDefault("output.pairs_path", "pairs.geojson")
	v.SetDefault("output.sites_path", "sites.geojson")
	v.SetDefault("output.result_path", "result.json")
}

// Validate reports the first invalid setting wrapped in ErrInvalid.
func (c *Config) Validate() error {
	a := c.Analysis
	switch {
	case c.Cache.MaxEntries < 1:
		return fmt.Errorf("%w: cache.max_entries must be at least 1, got %d", ErrInvalid, c.Cache.MaxEntries)
	case c.Cache.MaxAge <= 0:
		return fmt.Errorf("%w: cache.max_age must be positive, got %s", ErrInvalid, c.Cache.MaxAge)
	case a.ScanRadiusM <= 0:
		return fmt.Errorf("%w: analysis.scan_radius_m must be positive", ErrInvalid)
	case a.HorizonZoom < 0 || a.HorizonZoom > 15:
		return fmt.Errorf("%w: analysis.horizon_zoom must be within 0..15, got %d", ErrInvalid, a.HorizonZoom)
	case a.PairZoom < 0 || a.PairZoom > 15:
		return fmt.Errorf("%w: analysis.pair_zoom must be within 0..15, got %d", ErrInvalid, a.PairZoom)
	case a.ObserverHeightM < 0:
		return fmt.Errorf("%w: analysis.observer_height_m must not be negative", ErrInvalid)
	case a.HorizonSteps < 4:
		return fmt.Errorf("%w: analysis.horizon_steps must be at least 4, got %d", ErrInvalid, a.HorizonSteps)
	case a.SampleSpacingM <= 0 || a.MaxSamples < 1:
		return fmt.Errorf("%w: analysis.sample_spacing_m and analysis.max_samples must be positive", ErrInvalid)
	}

	switch c.Terrain.Source {
	case "tiles":
		switch c.Terrain.Encoding {
		case terrain.EncodingTerrarium, terrain.EncodingMapbox:
		default:
			return fmt.Errorf("%w: terrain.encoding %q is not supported", ErrInvalid, c.Terrain.Encoding)
		}
		if c.Terrain.URLTemplate == "" {
			return fmt.Errorf("%w: terrain.url_template is required for tile sources", ErrInvalid)
		}
	case "flat":
	default:
		return fmt.Errorf("%w: terrain.source must be tiles or flat, got %q", ErrInvalid, c.Terrain.Source)
	}

	if _, ok := netstats.ParseMethod(c.Stats.Betweenness); !ok {
		return fmt.Errorf("%w: stats.betweenness must be enumerate or brandes, got %q", ErrInvalid, c.Stats.Betweenness)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("%w: tracing.sample_ratio must be within 0..1", ErrInvalid)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics.addr is required when metrics are enabled", ErrInvalid)
	}
	return nil
}

// CacheSettings converts the cache section.
func (c *Config) CacheSettings() terrain.CacheConfig {
	return terrain.CacheConfig{MaxEntries: c.Cache.MaxEntries, MaxAge: c.Cache.MaxAge}
}

// TileClientSettings converts the terrain section.
func (c *Config) TileClientSettings() terrain.TileClientConfig {
	t := c.Terrain
	return terrain.TileClientConfig{
		URLTemplate:       t.URLTemplate,
		Encoding:          t.Encoding,
		UserAgent:         t.UserAgent,
		Timeout:           t.Timeout,
		RequestsPerSecond: t.RequestsPerSecond,
		Burst:             t.Burst,
		Concurrency:       t.Concurrency,
		MaxRetries:        t.MaxRetries,
		RetryBackoff:      t.RetryBackoff,
		FailureThreshold:  t.FailureThreshold,
		BreakerTimeout:    t.BreakerTimeout,
	}
}

// ScannerSettings sizes the horizon scanner to the scan radius.
func (c *Config) ScannerSettings() viewshed.Config {
	return viewshed.Config{MaxDistanceM: c.Analysis.ScanRadiusM}
}

// BatchSettings converts the analysis and stats sections.
func (c *Config) BatchSettings() batch.Config {
	a := c.Analysis
	method, _ := netstats.ParseMethod(c.Stats.Betweenness)
	return batch.Config{
		Evaluator: core.EvaluatorConfig{
			ScanRadiusM:             a.ScanRadiusM,
			PairZoom:                a.PairZoom,
			SampleSpacingM:          a.SampleSpacingM,
			MaxSamples:              a.MaxSamples,
			ClearanceM:              a.ClearanceM,
			YieldEvery:              a.YieldEvery,
			DisableHorizonPrefilter: !a.HorizonPrefilter,
		},
		Profiles: core.PrecomputerConfig{
			ScanRadiusM:       a.ScanRadiusM,
			Zoom:              a.HorizonZoom,
			ObserverHeightM:   a.ObserverHeightM,
			ObserverHeightSet: true,
			HorizonSteps:      a.HorizonSteps,
			RetainRasters:     a.RetainRasters,
		},
		StatsMethod: method,
		PausePoll:   a.PausePoll,
		ReportEvery: a.ReportEvery,
	}
}

// LoggingSettings converts the log section.
func (c *Config) LoggingSettings() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}

// TracingSettings converts the tracing section.
func (c *Config) TracingSettings() observability.TracingConfig {
	t := c.Tracing
	return observability.TracingConfig{
		Enabled:     t.Enabled,
		ServiceName: t.ServiceName,
		Exporter:    t.Exporter,
		Endpoint:    t.Endpoint,
		SampleRatio: t.SampleRatio,
	}
}
