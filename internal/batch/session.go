package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/core"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/logging"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/netstats"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/observability"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
	"go.opentelemetry.io/otel/attribute"
)

// Session is one analysis run. The exported methods may be called from
// any goroutine; the run itself is single-threaded.
type Session struct {
	id     string
	runner *Runner
	sites  []model.Site
	log    logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    State
	paused   bool
	progress Progress
	result   *Result

	// Owned by the run goroutine.
	pre       *core.Precomputer
	eval      *core.Evaluator
	profiles  map[int]core.ProfileResult
	horizons  map[int]*core.Horizon
	failures  []SiteError
	checked   map[model.PairKey]struct{}
	visible   []model.VisiblePair
	reasons   map[model.BlockReason]int
	sinceTidy int
}

func newSession(parent context.Context, r *Runner, id string, sites []model.Site) *Session {
	indexed := make([]model.Site, len(sites))
	for i, site := range sites {
		site.Index = i
		indexed[i] = site
	}
	ctx, log := logging.WithRunLogger(parent, r.log, id)
	ctx, cancel := context.WithCancel(ctx)

	pre := core.NewPrecomputer(r.src, r.vg, r.cfg.Profiles, nil, log)
	eval := core.NewEvaluator(r.src, r.cfg.Evaluator,
		core.WithRetainedRasters(pre.Retained()),
		core.WithYield(r.yield),
		core.WithEvaluatorLogger(log),
	)
	return &Session{
		id:       id,
		runner:   r,
		sites:    indexed,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StateIdle,
		progress: Progress{State: StateIdle, Sites: len(indexed)},
		pre:      pre,
		eval:     eval,
		profiles: make(map[int]core.ProfileResult, len(indexed)),
		horizons: make(map[int]*core.Horizon, len(indexed)),
		checked:  make(map[model.PairKey]struct{}),
		reasons:  make(map[model.BlockReason]int),
	}
}

// ID returns the run identifier.
func (s *Session) ID() string { return s.id }

// Sites returns the indexed sites of the run.
func (s *Session) Sites() []model.Site {
	return append([]model.Site(nil), s.sites...)
}

// Pause asks the pair loop to stop before its next pair. It has no effect
// on a finished session.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.paused = true
	}
}

// Resume clears a pause request. Resuming a cancelled session does nothing.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || s.ctx.Err() != nil {
		return
	}
	s.paused = false
}

// Cancel stops the run at its next suspension point. Pairs found so far
// are kept in the result.
func (s *Session) Cancel() { s.cancel() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Progress returns a snapshot of the run's counters.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress
	p.State = s.state
	if !p.StartedAt.IsZero() && !s.state.Terminal() {
		p.Elapsed = s.runner.clock.Now().Sub(p.StartedAt)
	}
	return p
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session finishes or ctx is done. Cancellation of
// the session is not an error; a failed run returns its cause.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		res := s.result
		s.mu.Unlock()
		return res, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) setState(ctx context.Context, st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev == st {
		return
	}
	s.runner.metrics.SetSessionState(st.String())
	s.log.Debug(ctx, "session state changed",
		logging.String("from", prev.String()),
		logging.String("to", st.String()),
	)
}

func (s *Session) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Session) report(ctx context.Context) {
	s.runner.reporter.Report(ctx, s.Progress().String())
}

func (s *Session) run() *Result {
	r := s.runner
	started := r.clock.Now()
	s.mu.Lock()
	s.progress.StartedAt = started
	s.mu.Unlock()

	ctx, span := observability.StartSpan(s.ctx, "batch.Run",
		attribute.String("run.id", s.id),
		attribute.Int("sites", len(s.sites)),
	)
	s.log.Info(ctx, "analysis run started", logging.Int("sites", len(s.sites)))

	status, err := s.execute(ctx)

	if retained := s.pre.Retained(); retained != nil {
		retained.ReleaseAll()
	}
	res := s.buildResult(status, err, started)
	s.setState(ctx, status)
	observability.EndSpan(span, err)
	r.metrics.ObserveRunFinished(status.String())

	fields := []logging.Field{
		logging.String("status", status.String()),
		logging.Int("profiles", len(res.Profiles)),
		logging.Int("pairs_checked", res.PairsChecked),
		logging.Int("visible", len(res.Visible)),
		logging.Duration("elapsed", res.FinishedAt.Sub(started)),
	}
	if err != nil {
		s.log.Error(ctx, "analysis run failed", append(fields, logging.Err(err))...)
	} else {
		s.log.Info(ctx, "analysis run finished", fields...)
	}
	s.report(ctx)

	s.mu.Lock()
	s.result = res
	s.mu.Unlock()
	s.cancel()
	r.finish(s, res)
	close(s.done)
	return res
}

func (s *Session) execute(ctx context.Context) (State, error) {
	s.setState(ctx, StateProfilePhase)
	if st, err := s.profilePhase(ctx); st != StatePairPhase {
		return st, err
	}
	s.setState(ctx, StatePairPhase)
	return s.pairPhase(ctx), nil
}

func (s *Session) profilePhase(ctx context.Context) (State, error) {
	r := s.runner
	done := 0
	for _, site := range s.sites {
		if ctx.Err() != nil {
			return StateCancelled, nil
		}

		start := r.clock.Now()
		pctx, span := observability.StartSpan(ctx, "batch.ComputeProfile",
			attribute.String("site.id", site.ID),
			attribute.Int("site.index", site.Index),
		)
		res, err := s.pre.ComputeProfile(pctx, site)
		observability.EndSpan(span, err)
		r.metrics.ObserveProfile(r.clock.Now().Sub(start), err)

		if err != nil {
			if ctx.Err() != nil {
				return StateCancelled, nil
			}
			s.log.Warn(ctx, "site profile failed",
				logging.String("site", site.ID),
				logging.Err(err),
			)
			s.failures = append(s.failures, SiteError{Site: site, Err: err})
			s.mu.Lock()
			s.progress.ProfilesFailed++
			s.mu.Unlock()
		} else {
			s.profiles[site.Index] = res
			s.horizons[site.Index] = core.NewHorizon(res.Profile)
			done++
			s.mu.Lock()
			s.progress.ProfilesDone = done
			s.mu.Unlock()
			if done%r.cfg.ProfileCleanupEvery == 0 {
				r.cleanup(ctx)
			}
		}
		r.yield()
	}

	if len(s.profiles) < 2 {
		return StateFailed, fmt.Errorf("%w: %d of %d sites profiled", ErrInsufficientProfiles, len(s.profiles), len(s.sites))
	}
	s.report(ctx)
	return StatePairPhase, nil
}

func (s *Session) profiledIndices() []int {
	idx := make([]int, 0, len(s.profiles))
	for i := range s.profiles {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

func (s *Session) pairPhase(ctx context.Context) State {
	r := s.runner
	idx := s.profiledIndices()
	total := len(idx) * (len(idx) - 1) / 2
	s.mu.Lock()
	s.progress.PairsTotal = total
	s.mu.Unlock()

	for a := 0; a < len(idx); a++ {
		for b := a + 1; b < len(idx); b++ {
			key := model.NewPairKey(idx[a], idx[b])
			if _, ok := s.checked[key]; ok {
				continue
			}
			if !s.waitWhilePaused(ctx) || ctx.Err() != nil {
				return StateCancelled
			}

			res := s.evaluate(ctx, key)
			if res.Reason == model.BlockCancelled {
				return StateCancelled
			}
			s.record(ctx, key, res)
			r.yield()
		}
	}
	return StateCompleted
}

// waitWhilePaused polls the pause flag and reports false when the session
// is cancelled while paused.
func (s *Session) waitWhilePaused(ctx context.Context) bool {
	if !s.isPaused() {
		return true
	}
	r := s.runner
	s.setState(ctx, StatePaused)
	s.report(ctx)
	for s.isPaused() {
		select {
		case <-ctx.Done():
			return false
		case <-r.clock.After(r.cfg.PausePoll):
		}
	}
	s.setState(ctx, StatePairPhase)
	s.log.Info(ctx, "analysis resumed")
	return true
}

func (s *Session) evaluate(ctx context.Context, key model.PairKey) model.VisibilityResult {
	r := s.runner
	pa, pb := s.profiles[key.I], s.profiles[key.J]

	start := r.clock.Now()
	pctx, span := observability.StartSpan(ctx, "batch.EvaluatePair",
		attribute.Int("pair.i", key.I),
		attribute.Int("pair.j", key.J),
	)
	res := s.eval.IsVisible(pctx, core.Pair{
		I:        key.I,
		J:        key.J,
		A:        pa.Site.Position,
		B:        pb.Site.Position,
		HeightA:  pa.ObserverHeightM,
		HeightB:  pb.ObserverHeightM,
		HorizonA: s.horizons[key.I],
	})
	span.SetAttributes(
		attribute.Bool("pair.visible", res.Visible),
		attribute.String("pair.reason", string(res.Reason)),
	)
	span.End()
	if res.Reason != model.BlockCancelled {
		r.metrics.ObservePair(r.clock.Now().Sub(start), res.Visible, string(res.Reason))
	}
	return res
}

func (s *Session) record(ctx context.Context, key model.PairKey, res model.VisibilityResult) {
	r := s.runner
	s.checked[key] = struct{}{}
	if res.Visible {
		s.visible = append(s.visible, model.VisiblePair{I: key.I, J: key.J, DistanceM: res.DistanceM})
		r.metrics.SetVisiblePairs(len(s.visible))
	} else {
		s.reasons[res.Reason]++
		if res.Reason == model.BlockRasterUnavailable {
			s.log.Warn(ctx, "pair skipped without terrain",
				logging.String("a", s.sites[key.I].ID),
				logging.String("b", s.sites[key.J].ID),
			)
		}
	}

	s.mu.Lock()
	s.progress.PairsChecked = len(s.checked)
	s.progress.Visible = len(s.visible)
	checked, total := s.progress.PairsChecked, s.progress.PairsTotal
	s.mu.Unlock()

	s.sinceTidy++
	if s.sinceTidy >= r.cfg.PairCleanupEvery {
		s.sinceTidy = 0
		r.cleanup(ctx)
	}
	if checked%r.cfg.ReportEvery == 0 && checked < total {
		s.report(ctx)
	}
}

func (s *Session) buildResult(status State, err error, started time.Time) *Result {
	res := &Result{
		RunID:         s.id,
		Status:        status,
		Sites:         s.Sites(),
		ProfileErrors: s.failures,
		Visible:       append([]model.VisiblePair(nil), s.visible...),
		PairsChecked:  len(s.checked),
		ReasonCounts:  make(map[model.BlockReason]int, len(s.reasons)),
		Err:           err,
		StartedAt:     started,
		FinishedAt:    s.runner.clock.Now(),
	}
	for _, i := range s.profiledIndices() {
		res.Profiles = append(res.Profiles, s.profiles[i])
	}
	for k, v := range s.reasons {
		res.ReasonCounts[k] = v
	}
	s.mu.Lock()
	res.PairsTotal = s.progress.PairsTotal
	s.mu.Unlock()

	if status == StateCompleted {
		g := netstats.NewGraph(len(s.sites), res.Visible)
		st := netstats.Compute(g, s.runner.cfg.StatsMethod)
		res.Stats = &st
	}
	return res
}
