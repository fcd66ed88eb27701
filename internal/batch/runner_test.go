package batch

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/core"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/terrain"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/internal/viewshed"
	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

func site(id string, lat, lon float64) model.Site {
	return model.Site{ID: id, Position: model.LatLon{Lat: lat, Lon: lon}, ElevationHint: 100}
}

// squareSites are four sites roughly 1.1 km apart.
func squareSites() []model.Site {
	return []model.Site{
		site("a", 0, 0),
		site("b", 0, 0.01),
		site("c", 0.01, 0),
		site("d", 0.01, 0.01),
	}
}

// ridgeTerrain is flat 100 m ground with a 150 m ridge halfway between
// (0,0) and (0,0.02) that ends well south of (0.02,0.01).
func ridgeTerrain(p model.LatLon) float64 {
	if math.Abs(p.Lat) < 0.003 && p.Lon > 0.0095 && p.Lon < 0.0105 {
		return 250
	}
	return 100
}

type failingSource struct {
	inner core.RasterSource
	fail  func(center model.LatLon, zoom int) bool
}

func (s failingSource) GetOrFetch(ctx context.Context, center model.LatLon, tileRadius, zoom int) (*terrain.Raster, error) {
	if s.fail(center, zoom) {
		return nil, errors.New("tile server unavailable")
	}
	return s.inner.GetOrFetch(ctx, center, tileRadius, zoom)
}

type recordingMetrics struct {
	mu       sync.Mutex
	profiles int
	pairs    int
	states   []string
	finished []string
}

func (m *recordingMetrics) ObserveProfile(time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles++
}

func (m *recordingMetrics) ObservePair(time.Duration, bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs++
}

func (m *recordingMetrics) SetVisiblePairs(int) {}

func (m *recordingMetrics) SetSessionState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *recordingMetrics) ObserveRunFinished(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, status)
}

func testCache(elev terrain.ElevationFunc) *terrain.Cache {
	return terrain.NewCache(&terrain.FuncFetcher{Elevation: elev, TileSize: 64}, terrain.CacheConfig{})
}

func testConfig() Config {
	return Config{
		Evaluator: core.EvaluatorConfig{ScanRadiusM: 5000, PairZoom: 14},
		Profiles:  core.PrecomputerConfig{Zoom: 14, HorizonSteps: 72},
		PausePoll: time.Millisecond,
	}
}

func testScanner() *viewshed.Scanner {
	return viewshed.NewScanner(viewshed.Config{MaxDistanceM: 2000}, nil)
}

func newTestRunner(src core.RasterSource, opts ...Option) *Runner {
	return NewRunner(src, testScanner(), testConfig(), opts...)
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("session state = %v, want %v", s.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRun_FlatTerrainAllVisible(t *testing.T) {
	metrics := &recordingMetrics{}
	r := newTestRunner(testCache(terrain.Flat(100)), WithMetrics(metrics))

	res, err := r.Run(context.Background(), squareSites())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StateCompleted {
		t.Fatalf("Status = %v, want completed", res.Status)
	}
	if len(res.Profiles) != 4 || res.PairsTotal != 6 || res.PairsChecked != 6 {
		t.Fatalf("profiles=%d pairs=%d/%d, want 4 and 6/6", len(res.Profiles), res.PairsChecked, res.PairsTotal)
	}
	if len(res.Visible) != 6 {
		t.Fatalf("visible pairs = %d, want 6 (%v)", len(res.Visible), res.ReasonCounts)
	}
	for _, p := range res.Profiles {
		if !p.GroundFromRaster || math.Abs(p.ObserverHeightM-101.7) > 1e-6 {
			t.Fatalf("profile %s observer height = %v, want 101.7 from raster", p.Site.ID, p.ObserverHeightM)
		}
	}
	st := res.Stats
	if st == nil {
		t.Fatalf("Stats = nil for a completed run")
	}
	if st.AverageDegree != 3 || st.AverageClustering != 1 {
		t.Fatalf("average degree=%v clustering=%v, want 3 and 1", st.AverageDegree, st.AverageClustering)
	}
	if st.Diameter == nil || *st.Diameter != 1 {
		t.Fatalf("Diameter = %v, want 1", st.Diameter)
	}
	if metrics.profiles != 4 || metrics.pairs != 6 {
		t.Fatalf("metrics profiles=%d pairs=%d, want 4 and 6", metrics.profiles, metrics.pairs)
	}
	if len(metrics.finished) != 1 || metrics.finished[0] != "completed" {
		t.Fatalf("finished runs = %v, want [completed]", metrics.finished)
	}
	if r.Active() != nil {
		t.Fatalf("runner still reports an active session")
	}
}

func TestRun_RidgeBlocksOnePair(t *testing.T) {
	sites := []model.Site{
		site("a", 0, 0),
		site("b", 0, 0.02),
		site("c", 0.02, 0.01),
	}
	r := newTestRunner(testCache(ridgeTerrain))

	res, err := r.Run(context.Background(), sites)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Visible) != 2 {
		t.Fatalf("visible = %v, want a-c and b-c", res.Visible)
	}
	for _, p := range res.Visible {
		if p.I == 0 && p.J == 1 {
			t.Fatalf("a-b reported visible across the ridge")
		}
	}
	if res.ReasonCounts[model.BlockHorizon]+res.ReasonCounts[model.BlockTerrain] != 1 {
		t.Fatalf("ReasonCounts = %v, want one horizon or terrain block", res.ReasonCounts)
	}
	st := res.Stats
	if st.Diameter == nil || *st.Diameter != 2 {
		t.Fatalf("Diameter = %v, want 2", st.Diameter)
	}
	if st.AveragePathLength == nil || math.Abs(*st.AveragePathLength-4.0/3.0) > 1e-9 {
		t.Fatalf("AveragePathLength = %v, want 4/3", st.AveragePathLength)
	}
	if st.Node[2].Betweenness != 1 {
		t.Fatalf("betweenness of c = %v, want 1", st.Node[2].Betweenness)
	}
}

func TestRun_InsufficientSites(t *testing.T) {
	r := newTestRunner(testCache(terrain.Flat(100)))
	res, err := r.Run(context.Background(), squareSites()[:1])
	if !errors.Is(err, ErrInsufficientSites) {
		t.Fatalf("Run(1 site) error = %v, want ErrInsufficientSites", err)
	}
	if res == nil || res.Status != StateFailed {
		t.Fatalf("Run(1 site) result = %+v, want failed", res)
	}
	if _, err := r.Start(context.Background(), nil); !errors.Is(err, ErrInsufficientSites) {
		t.Fatalf("Start(no sites) error = %v, want ErrInsufficientSites", err)
	}
}

func TestRun_InsufficientProfilesFails(t *testing.T) {
	sites := squareSites()
	src := failingSource{
		inner: testCache(terrain.Flat(100)),
		fail: func(center model.LatLon, zoom int) bool {
			return center != sites[0].Position
		},
	}
	r := newTestRunner(src)

	res, err := r.Run(context.Background(), sites)
	if !errors.Is(err, ErrInsufficientProfiles) {
		t.Fatalf("Run error = %v, want ErrInsufficientProfiles", err)
	}
	if res.Status != StateFailed || res.Stats != nil {
		t.Fatalf("result status=%v stats=%v, want failed without stats", res.Status, res.Stats)
	}
	if len(res.Profiles) != 1 || len(res.ProfileErrors) != 3 {
		t.Fatalf("profiles=%d errors=%d, want 1 and 3", len(res.Profiles), len(res.ProfileErrors))
	}
	if res.PairsChecked != 0 {
		t.Fatalf("PairsChecked = %d, want 0", res.PairsChecked)
	}
}

func TestRun_FailedProfileExcludesSite(t *testing.T) {
	sites := squareSites()
	src := failingSource{
		inner: testCache(terrain.Flat(100)),
		fail: func(center model.LatLon, zoom int) bool {
			return center == sites[3].Position
		},
	}
	r := newTestRunner(src)

	res, err := r.Run(context.Background(), sites)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.PairsTotal != 3 || len(res.Visible) != 3 {
		t.Fatalf("pairs=%d visible=%d, want 3 and 3", res.PairsTotal, len(res.Visible))
	}
	if len(res.ProfileErrors) != 1 || res.ProfileErrors[0].Site.ID != "d" {
		t.Fatalf("ProfileErrors = %v, want site d", res.ProfileErrors)
	}
	if res.Stats.Nodes != 4 || res.Stats.Node[3].Degree != 0 {
		t.Fatalf("stats nodes=%d degree(d)=%d, want 4 and 0", res.Stats.Nodes, res.Stats.Node[3].Degree)
	}
}

func TestSession_PauseResumeMatchesUninterruptedRun(t *testing.T) {
	baseline, err := newTestRunner(testCache(terrain.Flat(100))).Run(context.Background(), squareSites())
	if err != nil {
		t.Fatalf("baseline Run: %v", err)
	}

	var (
		r      *Runner
		once   sync.Once
		paused = make(chan *Session, 1)
	)
	r = newTestRunner(testCache(terrain.Flat(100)), WithYield(func() {
		s := r.Active()
		if s == nil || s.Progress().PairsChecked != 2 {
			return
		}
		once.Do(func() {
			s.Pause()
			paused <- s
		})
	}))

	s, err := r.Start(context.Background(), squareSites())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-paused:
	case <-time.After(10 * time.Second):
		t.Fatalf("pause hook never ran")
	}
	waitForState(t, s, StatePaused)
	if got := s.Progress().PairsChecked; got != 2 {
		t.Fatalf("PairsChecked while paused = %d, want 2", got)
	}
	s.Resume()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != StateCompleted || len(res.Visible) != len(baseline.Visible) {
		t.Fatalf("resumed run status=%v visible=%d, want completed with %d", res.Status, len(res.Visible), len(baseline.Visible))
	}
	for i := range res.Visible {
		if res.Visible[i].I != baseline.Visible[i].I || res.Visible[i].J != baseline.Visible[i].J {
			t.Fatalf("visible[%d] = %v, want %v", i, res.Visible[i], baseline.Visible[i])
		}
	}
}

func TestSession_CancelKeepsPartialResult(t *testing.T) {
	var r *Runner
	r = newTestRunner(testCache(terrain.Flat(100)), WithYield(func() {
		if s := r.Active(); s != nil && s.Progress().PairsChecked == 2 {
			s.Cancel()
		}
	}))

	s, err := r.Start(context.Background(), squareSites())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != StateCancelled {
		t.Fatalf("Status = %v, want cancelled", res.Status)
	}
	if res.PairsChecked != 2 || len(res.Visible) != 2 {
		t.Fatalf("checked=%d visible=%d, want 2 and 2", res.PairsChecked, len(res.Visible))
	}
	if res.Stats != nil {
		t.Fatalf("Stats = %+v, want nil for a cancelled run", res.Stats)
	}

	s.Resume()
	if s.State() != StateCancelled {
		t.Fatalf("State after Resume = %v, want cancelled", s.State())
	}
}

func TestSession_CancelWhilePaused(t *testing.T) {
	var r *Runner
	r = newTestRunner(testCache(terrain.Flat(100)), WithYield(func() {
		if s := r.Active(); s != nil && s.Progress().PairsChecked == 1 {
			s.Pause()
		}
	}))
	s, err := r.Start(context.Background(), squareSites())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, s, StatePaused)
	s.Cancel()

	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("session did not finish after Cancel")
	}
	res, _ := s.Wait(context.Background())
	if res.Status != StateCancelled || res.PairsChecked != 1 {
		t.Fatalf("status=%v checked=%d, want cancelled after 1 pair", res.Status, res.PairsChecked)
	}
}

func TestRunner_SingleActiveSessionAndOnComplete(t *testing.T) {
	var (
		r       *Runner
		started = make(chan struct{})
		release = make(chan struct{})
		once    sync.Once
	)
	r = newTestRunner(testCache(terrain.Flat(100)), WithYield(func() {
		once.Do(func() {
			close(started)
			<-release
		})
	}))
	results := make(chan *Result, 2)
	r.OnComplete(func(res *Result) { results <- res })

	s, err := r.Start(context.Background(), squareSites())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	if _, err := r.Start(context.Background(), squareSites()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	select {
	case res := <-results:
		if res.RunID != s.ID() || res.Status != StateCompleted || res.Stats == nil {
			t.Fatalf("OnComplete result = %+v", res)
		}
	default:
		t.Fatalf("OnComplete was not called before Done")
	}

	if _, err := r.Run(context.Background(), squareSites()); err != nil {
		t.Fatalf("Run after completion: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("OnComplete calls after second run = %d, want 1 more", len(results))
	}
}

func TestProgressString(t *testing.T) {
	p := Progress{State: StatePairPhase, PairsTotal: 10, PairsChecked: 4, Visible: 3, Elapsed: 8 * time.Second}
	if got, want := p.String(), "pairs 4/10 (40.0%), 3 visible, ETA 12s"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	p.State = StatePaused
	if got, want := p.String(), "pairs 4/10 (40.0%), 3 visible, ETA 12s [paused]"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	profiles := Progress{State: StateProfilePhase, Sites: 5, ProfilesDone: 2, ProfilesFailed: 1}
	if got, want := profiles.String(), "profiles 3/5 (1 failed)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
