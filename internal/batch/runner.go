// Package batch drives intervisibility runs: per-site profile
// precomputation followed by the pairwise line-of-sight phase, with
// cooperative pause, resume and cancel.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/core"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/logging"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/netstats"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/timectrl"
	"github.com/google/uuid"
)

const (
	DefaultPausePoll           = 100 * time.Millisecond
	DefaultProfileCleanupEvery = 2
	DefaultPairCleanupEvery    = 5
	DefaultReportEvery         = 25
)

var (
	// ErrInsufficientSites is returned when a run is requested with fewer
	// than two sites.
	ErrInsufficientSites = errors.New("batch: at least two sites are required")
	// ErrInsufficientProfiles fails a run when fewer than two sites could
	// be profiled.
	ErrInsufficientProfiles = errors.New("batch: fewer than two sites have profiles")
	// ErrAlreadyRunning is returned when a runner already has an active
	// session.
	ErrAlreadyRunning = errors.New("batch: a session is already running")
)

// Config tunes a run. Zero values select defaults.
type Config struct {
	Evaluator core.EvaluatorConfig
	Profiles  core.PrecomputerConfig

	StatsMethod netstats.Method

	PausePoll           time.Duration
	ProfileCleanupEvery int
	PairCleanupEvery    int
	ReportEvery         int
}

func (c *Config) applyDefaults() {
	if c.PausePoll <= 0 {
		c.PausePoll = DefaultPausePoll
	}
	if c.ProfileCleanupEvery <= 0 {
		c.ProfileCleanupEvery = DefaultProfileCleanupEvery
	}
	if c.PairCleanupEvery <= 0 {
		c.PairCleanupEvery = DefaultPairCleanupEvery
	}
	if c.ReportEvery <= 0 {
		c.ReportEvery = DefaultReportEvery
	}
	if c.StatsMethod == "" {
		c.StatsMethod = netstats.MethodEnumerate
	}
	// Profiles and sightlines share one scan radius.
	if c.Profiles.ScanRadiusM <= 0 {
		c.Profiles.ScanRadiusM = c.Evaluator.ScanRadiusM
	}
}

// Cleaner runs a cache cleanup pass.
type Cleaner interface {
	Cleanup(ctx context.Context) int
}

// MetricsRecorder receives run events. *observability.AnalysisCollector
// satisfies it.
type MetricsRecorder interface {
	ObserveProfile(d time.Duration, err error)
	ObservePair(d time.Duration, visible bool, reason string)
	SetVisiblePairs(n int)
	SetSessionState(state string)
	ObserveRunFinished(status string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveProfile(time.Duration, error)     {}
func (noopMetrics) ObservePair(time.Duration, bool, string) {}
func (noopMetrics) SetVisiblePairs(int)                     {}
func (noopMetrics) SetSessionState(string)                  {}
func (noopMetrics) ObserveRunFinished(string)               {}

// SiteError records a site whose profile could not be computed.
type SiteError struct {
	Site model.Site
	Err  error
}

func (e SiteError) Error() string {
	return fmt.Sprintf("site %s: %v", e.Site.ID, e.Err)
}

func (e SiteError) Unwrap() error { return e.Err }

// Result is the outcome of a session. Stats is only set for completed
// runs; cancelled runs keep the pairs found so far.
type Result struct {
	RunID  string
	Status State

	Sites         []model.Site
	Profiles      []core.ProfileResult
	ProfileErrors []SiteError

	Visible      []model.VisiblePair
	PairsTotal   int
	PairsChecked int
	ReasonCounts map[model.BlockReason]int

	Stats *netstats.Stats
	Err   error

	StartedAt  time.Time
	FinishedAt time.Time
}

// Runner starts analysis sessions. It allows one active session at a time.
type Runner struct {
	src     core.RasterSource
	vg      core.ViewshedGenerator
	cfg     Config
	cleaner Cleaner

	clock    timectrl.Clock
	yield    core.YieldFunc
	log      logging.Logger
	reporter ProgressReporter
	metrics  MetricsRecorder

	mu         sync.Mutex
	active     *Session
	onComplete []func(*Result)
}

// Option configures a Runner.
type Option func(*Runner)

// WithCleaner sets the cache cleaned between profiles and pairs. By
// default the raster source is used when it implements Cleaner.
func WithCleaner(c Cleaner) Option {
	return func(r *Runner) { r.cleaner = c }
}

// WithClock sets the clock used for pause polling and timings.
func WithClock(c timectrl.Clock) Option {
	return func(r *Runner) { r.clock = timectrl.OrReal(c) }
}

// WithYield sets the function called at every cooperative suspension point.
func WithYield(y core.YieldFunc) Option {
	return func(r *Runner) {
		if y != nil {
			r.yield = y
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(r *Runner) { r.log = logging.OrNoop(l) }
}

func WithReporter(p ProgressReporter) Option {
	return func(r *Runner) {
		if p != nil {
			r.reporter = p
		}
	}
}

func WithMetrics(m MetricsRecorder) Option {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRunner wires a runner around a raster source and a viewshed generator.
func NewRunner(src core.RasterSource, vg core.ViewshedGenerator, cfg Config, opts ...Option) *Runner {
	cfg.applyDefaults()
	r := &Runner{
		src:     src,
		vg:      vg,
		cfg:     cfg,
		clock:   timectrl.Real(),
		yield:   core.DefaultYield,
		log:     logging.Noop(),
		metrics: noopMetrics{},
	}
	if c, ok := src.(Cleaner); ok {
		r.cleaner = c
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reporter == nil {
		r.reporter = LogReporter{Log: r.log}
	}
	return r
}

// Config returns the effective configuration.
func (r *Runner) Config() Config { return r.cfg }

// OnComplete registers fn to receive every finished session's result.
func (r *Runner) OnComplete(fn func(*Result)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onComplete = append(r.onComplete, fn)
}

// Active returns the running session, if any.
func (r *Runner) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Start begins a session in its own goroutine. All phases of the session
// run on that goroutine; Pause, Resume and Cancel are safe to call from
// any other.
func (r *Runner) Start(ctx context.Context, sites []model.Site) (*Session, error) {
	s, err := r.newSession(ctx, sites)
	if err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

// Run executes a session on the calling goroutine and returns its result.
func (r *Runner) Run(ctx context.Context, sites []model.Site) (*Result, error) {
	s, err := r.newSession(ctx, sites)
	if err != nil {
		if errors.Is(err, ErrInsufficientSites) {
			now := r.clock.Now()
			r.metrics.ObserveRunFinished(StateFailed.String())
			return &Result{Status: StateFailed, Sites: sites, Err: err, StartedAt: now, FinishedAt: now}, err
		}
		return nil, err
	}
	res := s.run()
	return res, res.Err
}

func (r *Runner) newSession(ctx context.Context, sites []model.Site) (*Session, error) {
	if len(sites) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInsufficientSites, len(sites))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, ErrAlreadyRunning
	}
	s := newSession(ctx, r, uuid.NewString(), sites)
	r.active = s
	return s, nil
}

func (r *Runner) finish(s *Session, res *Result) {
	r.mu.Lock()
	if r.active == s {
		r.active = nil
	}
	callbacks := append([]func(*Result){}, r.onComplete...)
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(res)
	}
}

func (r *Runner) cleanup(ctx context.Context) {
	if r.cleaner == nil {
		return
	}
	if n := r.cleaner.Cleanup(ctx); n > 0 {
		r.log.Debug(ctx, "cache cleanup released rasters", logging.Int("released", n))
	}
}
