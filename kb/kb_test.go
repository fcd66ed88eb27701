package kb

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ArchaeoastronomyIreland/MACE2026-sub000/model"
)

func testSite(id string, lat, lon float64) model.Site {
	return model.Site{ID: id, Position: model.LatLon{Lat: lat, Lon: lon}}
}

func TestAddAssignsDenseIndices(t *testing.T) {
	reg := NewSiteRegistry()
	for i := range 3 {
		s, err := reg.Add(testSite(fmt.Sprintf("s-%d", i), 53, -7+float64(i)*0.01))
		if err != nil {
			t.Fatalf("Add error: %v", err)
		}
		if s.Index != i {
			t.Fatalf("Add(s-%d).Index = %d, want %d", i, s.Index, i)
		}
	}
	if got := reg.Sites()[1]; got.ID != "s-1" || got.Index != 1 {
		t.Fatalf("Sites()[1] = %+v, want s-1 at index 1", got)
	}
}

func TestAddDuplicateAndInvalid(t *testing.T) {
	reg := NewSiteRegistry()
	if _, err := reg.Add(testSite("a", 53, -7)); err != nil {
		t.Fatalf("first Add error: %v", err)
	}
	if _, err := reg.Add(testSite("a", 54, -8)); !errors.Is(err, ErrSiteExists) {
		t.Fatalf("duplicate Add error = %v, want ErrSiteExists", err)
	}
	for _, s := range []model.Site{
		testSite("", 0, 0),
		testSite("north", 91, 0),
		testSite("east", 0, 181),
	} {
		if _, err := reg.Add(s); !errors.Is(err, ErrInvalidSite) {
			t.Fatalf("Add(%+v) error = %v, want ErrInvalidSite", s, err)
		}
	}
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reg.Len())
	}
}

func TestSubscribeSeesEachAdd(t *testing.T) {
	reg := NewSiteRegistry()

	var (
		mu    sync.Mutex
		added []string
	)
	unsubscribe := reg.Subscribe(func(s model.Site) {
		// The lock is released before callbacks run.
		n := reg.Len()
		mu.Lock()
		defer mu.Unlock()
		added = append(added, fmt.Sprintf("%s@%d/%d", s.ID, s.Index, n))
	})

	if err := reg.AddAll([]model.Site{testSite("a", 0, 0), testSite("b", 0, 1)}); err != nil {
		t.Fatalf("AddAll error: %v", err)
	}
	if _, err := reg.Add(testSite("a", 1, 1)); !errors.Is(err, ErrSiteExists) {
		t.Fatalf("duplicate Add error = %v, want ErrSiteExists", err)
	}
	unsubscribe()
	if _, err := reg.Add(testSite("c", 0, 2)); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(added) != "[a@0/1 b@1/2]" {
		t.Fatalf("callbacks = %v, want [a@0/1 b@1/2]", added)
	}
}

func TestAddAllStopsAtFirstError(t *testing.T) {
	reg := NewSiteRegistry()
	err := reg.AddAll([]model.Site{testSite("a", 0, 0), testSite("", 0, 1), testSite("c", 0, 2)})
	if !errors.Is(err, ErrInvalidSite) {
		t.Fatalf("AddAll error = %v, want ErrInvalidSite", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reg.Len())
	}
}

func TestConcurrentAdds(t *testing.T) {
	reg := NewSiteRegistry()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = reg.Add(testSite(fmt.Sprintf("s-%d", i), 0, float64(i)))
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, s := range reg.Sites() {
		if seen[s.Index] {
			t.Fatalf("duplicate index %d", s.Index)
		}
		seen[s.Index] = true
	}
	if len(seen) != 20 {
		t.Fatalf("registered %d sites, want 20", len(seen))
	}
}
